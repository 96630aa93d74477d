// Package audit appends operator-relevant actions to an append-only JSONL
// file under the relay home, and mirrors them into the audit_log table when
// a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	recordCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database so records are mirrored into audit_log.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the total number of records written since startup.
func Count() int64 {
	return recordCount.Load()
}

// Record appends one audit entry. Action is a dotted verb such as
// "session.reset" or "queue.dead_letter"; subject identifies the affected
// thread, job, or config key; actor is the user or component that acted.
func Record(action, subject, actor, detail string) {
	RecordCtx(context.Background(), action, subject, actor, detail)
}

func RecordCtx(ctx context.Context, action, subject, actor, detail string) {
	recordCount.Add(1)

	detail = shared.Redact(detail)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Subject:   subject,
			Actor:     actor,
			Detail:    detail,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, action, subject, actor, detail)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, action, subject, actor, detail)
	}
}
