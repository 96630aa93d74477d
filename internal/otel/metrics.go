package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	JobDuration       metric.Float64Histogram
	SpawnDuration     metric.Float64Histogram
	JobsCompleted     metric.Int64Counter
	JobsRetried       metric.Int64Counter
	JobsDeadLettered  metric.Int64Counter
	ActiveJobs        metric.Int64UpDownCounter
	AdmissionRejects  metric.Int64Counter
	ParseDegradations metric.Int64Counter
	FallbackRuns      metric.Int64Counter
	HeldDrains        metric.Int64Counter
	ReplyTokens       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gorelay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("gorelay.job.duration",
		metric.WithDescription("Job processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDuration, err = meter.Float64Histogram("gorelay.spawn.duration",
		metric.WithDescription("Agent process wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("gorelay.jobs.completed",
		metric.WithDescription("Jobs completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRetried, err = meter.Int64Counter("gorelay.jobs.retried",
		metric.WithDescription("Job attempts that were requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsDeadLettered, err = meter.Int64Counter("gorelay.jobs.dead_letter",
		metric.WithDescription("Jobs moved to the dead letter set"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("gorelay.jobs.active",
		metric.WithDescription("Jobs currently being processed"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("gorelay.admission.rejects",
		metric.WithDescription("Requests denied by the admission window"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseDegradations, err = meter.Int64Counter("gorelay.parse.degraded",
		metric.WithDescription("Agent replies recovered from unparseable output"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackRuns, err = meter.Int64Counter("gorelay.fallback.runs",
		metric.WithDescription("Resume failures recovered in continue mode"),
	)
	if err != nil {
		return nil, err
	}

	m.HeldDrains, err = meter.Int64Counter("gorelay.held.drained",
		metric.WithDescription("Held messages replayed after a resume"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplyTokens, err = meter.Int64Counter("gorelay.reply.tokens",
		metric.WithDescription("Estimated tokens across delivered replies"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
