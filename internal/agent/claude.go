package agent

import (
	"context"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// claudeAdapter drives the claude CLI in non-interactive print mode.
type claudeAdapter struct {
	resolver *Resolver
	loc      *time.Location
}

func (a *claudeAdapter) Backend() string { return config.BackendClaude }

func (a *claudeAdapter) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	res, err := a.resolver.Resolve(config.BackendClaude)
	if err != nil {
		return SpawnResult{}, err
	}

	args := []string{"-p", "--output-format", "json"}
	args = append(args, "--append-system-prompt", injectContext(req.SystemPrompt, a.loc))
	switch {
	case req.Resume && req.SessionID != "":
		args = append(args, "--resume", req.SessionID)
	case req.Continue:
		args = append(args, "--continue")
	}

	stdin := ""
	if promptViaStdin(req.Prompt) {
		stdin = req.Prompt
	} else {
		args = append(args, req.Prompt)
	}

	stdout, err := runProcess(ctx, config.BackendClaude, res, args, stdin, req.WorkingDir)
	if err != nil {
		return SpawnResult{}, err
	}
	return finishResult(config.BackendClaude, stdout, req.SessionID), nil
}
