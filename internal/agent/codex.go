package agent

import (
	"context"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// codexAdapter drives the codex CLI's exec subcommand. Session resumption
// is itself a subcommand rather than a flag, and output arrives as a
// newline-delimited event stream. Like opencode, codex has no
// system-prompt flag, so the injected context is folded above the prompt.
type codexAdapter struct {
	resolver *Resolver
	loc      *time.Location
}

func (a *codexAdapter) Backend() string { return config.BackendCodex }

func (a *codexAdapter) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	res, err := a.resolver.Resolve(config.BackendCodex)
	if err != nil {
		return SpawnResult{}, err
	}

	args := []string{"exec"}
	switch {
	case req.Resume && req.SessionID != "":
		args = append(args, "resume", req.SessionID)
	case req.Continue:
		args = append(args, "resume", "--last")
	}
	args = append(args, "--json")

	// "-" makes codex read the prompt from stdin.
	prompt := injectContext(req.SystemPrompt, a.loc) + "\n\n" + req.Prompt
	args = append(args, "-")

	stdout, err := runProcess(ctx, config.BackendCodex, res, args, prompt, req.WorkingDir)
	if err != nil {
		return SpawnResult{}, err
	}
	return finishResult(config.BackendCodex, stdout, req.SessionID), nil
}
