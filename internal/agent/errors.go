package agent

import (
	"fmt"
	"strings"
)

// maxStderrTail bounds how much captured stderr rides inside a ProcessError.
const maxStderrTail = 2048

// Provenance records where a binary resolution came from.
type Provenance string

const (
	ProvenanceOverride  Provenance = "override"
	ProvenancePath      Provenance = "path"
	ProvenanceHome      Provenance = "home"
	ProvenanceNpmGlobal Provenance = "npm-global"
	ProvenanceBunGlobal Provenance = "bun-global"
	ProvenanceRunner    Provenance = "runner"
)

// ProcessError reports an agent process that started and exited non-zero,
// or one that failed to start at all (ExitCode -1). The resolution details
// are kept so a start failure can name exactly which binary was attempted
// and how it was found.
type ProcessError struct {
	Backend    string
	ExitCode   int
	Stderr     string
	Path       string
	Provenance Provenance
	WorkingDir string
}

func (e *ProcessError) Error() string {
	if e.ExitCode == -1 {
		return fmt.Sprintf("%s failed to start: %s (path %s via %s, workdir %s, override %s)",
			e.Backend, e.Stderr, e.Path, e.Provenance, e.WorkingDir, OverrideEnvVar(e.Backend))
	}
	return fmt.Sprintf("%s exited %d: %s", e.Backend, e.ExitCode, e.Stderr)
}

// BinaryNotFoundError reports that resolution exhausted every source
// without finding a runnable binary.
type BinaryNotFoundError struct {
	Backend  string
	EnvVar   string
	Searched []string
}

func (e *BinaryNotFoundError) Error() string {
	return fmt.Sprintf("%s binary not found (searched %s); set %s to an explicit path",
		e.Backend, strings.Join(e.Searched, ", "), e.EnvVar)
}

// stderrTail keeps the last maxStderrTail bytes of captured stderr. The
// tail is what carries the exit reason on every known backend.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrTail {
		return s
	}
	return s[len(s)-maxStderrTail:]
}
