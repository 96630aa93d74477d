// Package agent spawns coding-agent CLI processes and normalizes their
// output. Each supported backend gets its own Adapter implementation; the
// FallbackRunner layers the resume-or-continue protocol on top of any of
// them.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// SpawnRequest describes one agent invocation. Resume and Continue are
// mutually exclusive; Resume targets SessionID, Continue picks up the most
// recent session in WorkingDir.
type SpawnRequest struct {
	Prompt       string
	SessionID    string
	Resume       bool
	Continue     bool
	SystemPrompt string
	WorkingDir   string
}

// SpawnResult is the normalized outcome of one agent invocation. Degraded
// marks a reply recovered from unparseable output.
type SpawnResult struct {
	Output    string
	SessionID string
	Degraded  bool
}

// Adapter runs one backend's CLI.
type Adapter interface {
	Backend() string
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
}

// Options carries adapter construction settings shared by all backends.
type Options struct {
	// Timezone is used for the date/time line injected into the system
	// prompt. Nil means UTC.
	Timezone *time.Location
}

// New constructs the adapter for a configured backend string.
func New(backend string, resolver *Resolver, opts Options) (Adapter, error) {
	loc := opts.Timezone
	if loc == nil {
		loc = time.UTC
	}
	switch backend {
	case config.BackendClaude:
		return &claudeAdapter{resolver: resolver, loc: loc}, nil
	case config.BackendOpencode:
		return &opencodeAdapter{resolver: resolver, loc: loc}, nil
	case config.BackendCodex:
		return &codexAdapter{resolver: resolver, loc: loc}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// injectContext prepends the current date and time to the system prompt.
// Agents have no clock of their own, and the line rides the system prompt
// so it survives agent-side context compaction.
func injectContext(systemPrompt string, loc *time.Location) string {
	line := fmt.Sprintf("Current date and time: %s.", time.Now().In(loc).Format("Monday, 2 January 2006, 15:04 (MST)"))
	if systemPrompt == "" {
		return line
	}
	return line + "\n\n" + systemPrompt
}

// promptViaStdin reports whether the prompt must travel over stdin.
// Newlines and angle-bracket markup do not survive argv intact on every
// backend, so those prompts are piped instead.
func promptViaStdin(prompt string) bool {
	return strings.ContainsAny(prompt, "\n<>")
}

// runProcess executes a resolved binary and returns its stdout. Non-zero
// exits and start failures both come back as a *ProcessError carrying the
// stderr tail and the resolution that produced the path.
func runProcess(ctx context.Context, backend string, res Resolution, args []string, stdin, workDir string) (string, error) {
	cmd := exec.CommandContext(ctx, res.Path, append(append([]string{}, res.Prefix...), args...)...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		procErr := &ProcessError{
			Backend:    backend,
			Path:       res.Path,
			Provenance: res.Provenance,
			WorkingDir: workDir,
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			procErr.ExitCode = exitErr.ExitCode()
			procErr.Stderr = stderrTail(errBuf.String())
		} else {
			procErr.ExitCode = -1
			procErr.Stderr = stderrTail(err.Error())
		}
		return "", procErr
	}
	return outBuf.String(), nil
}

// finishResult parses agent stdout into a SpawnResult. When neither output
// grammar matches, the raw trimmed text becomes the reply and the prior
// session id is retained.
func finishResult(backend, stdout, priorSessionID string) SpawnResult {
	reply, sessionID, ok := ParseOutput(stdout)
	if !ok {
		slog.Warn("agent output unparseable, using raw text",
			"backend", backend,
			"bytes", len(stdout))
		return SpawnResult{
			Output:    strings.TrimSpace(stdout),
			SessionID: priorSessionID,
			Degraded:  true,
		}
	}
	if sessionID == "" {
		sessionID = priorSessionID
	}
	return SpawnResult{Output: reply, SessionID: sessionID}
}
