package agent

import (
	"context"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// opencodeAdapter drives the opencode CLI's run subcommand. Opencode has
// no system-prompt flag, so the injected context is folded above the
// prompt text itself.
type opencodeAdapter struct {
	resolver *Resolver
	loc      *time.Location
}

func (a *opencodeAdapter) Backend() string { return config.BackendOpencode }

func (a *opencodeAdapter) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	res, err := a.resolver.Resolve(config.BackendOpencode)
	if err != nil {
		return SpawnResult{}, err
	}

	args := []string{"run", "--print-logs=false", "--format", "json"}
	switch {
	case req.Resume && req.SessionID != "":
		args = append(args, "--session", req.SessionID)
	case req.Continue:
		args = append(args, "--continue")
	}

	prompt := injectContext(req.SystemPrompt, a.loc) + "\n\n" + req.Prompt
	stdout, err := runProcess(ctx, config.BackendOpencode, res, args, prompt, req.WorkingDir)
	if err != nil {
		return SpawnResult{}, err
	}
	return finishResult(config.BackendOpencode, stdout, req.SessionID), nil
}
