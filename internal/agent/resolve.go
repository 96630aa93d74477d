package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/go-relay/internal/config"
)

// runnerPackages maps backends to the npm package a runner fallback
// (npx/bunx) can execute on demand. Codex has no runner distribution.
var runnerPackages = map[string]string{
	config.BackendClaude:   "@anthropic-ai/claude-code",
	config.BackendOpencode: "opencode-ai",
}

// Resolution is a resolved agent binary. Prefix holds leading arguments a
// runner needs before the backend's own flags (package name for npx/bunx).
type Resolution struct {
	Path       string
	Prefix     []string
	Provenance Provenance
}

// OverrideEnvVar returns the environment variable consulted for a
// backend's explicit binary path.
func OverrideEnvVar(backend string) string {
	return "GORELAY_" + strings.ToUpper(backend) + "_BIN"
}

// Resolver locates backend binaries, caching the first successful
// resolution per backend. An explicit override always wins and refreshes
// the cache, so a changed override takes effect without a restart.
type Resolver struct {
	overrides map[string]string
	cache     map[string]Resolution
	mu        sync.Mutex
}

// NewResolver creates a resolver. overrides carries configured per-backend
// binary paths and may be nil.
func NewResolver(overrides map[string]string) *Resolver {
	return &Resolver{
		overrides: overrides,
		cache:     make(map[string]Resolution),
	}
}

// Reset drops all cached resolutions.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Resolution)
}

// Resolve finds the binary for a backend. Search order: env override,
// configured override, cache, $PATH, user-home candidates, package-manager
// global bins, runner fallback. A set-but-broken override fails
// immediately rather than silently falling through to a different binary.
func (r *Resolver) Resolve(backend string) (Resolution, error) {
	if _, ok := binaryNames[backend]; !ok {
		return Resolution{}, fmt.Errorf("unknown backend %q", backend)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if override := os.Getenv(OverrideEnvVar(backend)); override != "" {
		return r.resolveOverride(backend, override)
	}
	if override := r.overrides[backend]; override != "" {
		return r.resolveOverride(backend, override)
	}
	if res, ok := r.cache[backend]; ok {
		return res, nil
	}

	res, searched := r.search(backend)
	if res.Path == "" {
		return Resolution{}, &BinaryNotFoundError{
			Backend:  backend,
			EnvVar:   OverrideEnvVar(backend),
			Searched: searched,
		}
	}
	r.cache[backend] = res
	return res, nil
}

func (r *Resolver) resolveOverride(backend, path string) (Resolution, error) {
	if !isExecutable(path) {
		return Resolution{}, &BinaryNotFoundError{
			Backend:  backend,
			EnvVar:   OverrideEnvVar(backend),
			Searched: []string{path + " (override, not executable)"},
		}
	}
	res := Resolution{Path: path, Provenance: ProvenanceOverride}
	r.cache[backend] = res
	return res, nil
}

var binaryNames = map[string]string{
	config.BackendClaude:   "claude",
	config.BackendOpencode: "opencode",
	config.BackendCodex:    "codex",
}

func (r *Resolver) search(backend string) (Resolution, []string) {
	name := binaryNames[backend]
	searched := []string{"$PATH"}

	if path, err := exec.LookPath(name); err == nil {
		return Resolution{Path: path, Provenance: ProvenancePath}, searched
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	for _, candidate := range homeCandidates(home, backend) {
		searched = append(searched, candidate)
		if isExecutable(candidate) {
			return Resolution{Path: candidate, Provenance: ProvenanceHome}, searched
		}
	}

	for _, candidate := range npmGlobalCandidates(home, name) {
		searched = append(searched, candidate)
		if isExecutable(candidate) {
			return Resolution{Path: candidate, Provenance: ProvenanceNpmGlobal}, searched
		}
	}
	if home != "" {
		candidate := filepath.Join(home, ".bun", "bin", name)
		searched = append(searched, candidate)
		if isExecutable(candidate) {
			return Resolution{Path: candidate, Provenance: ProvenanceBunGlobal}, searched
		}
	}

	if pkg, ok := runnerPackages[backend]; ok {
		if path, err := exec.LookPath("npx"); err == nil {
			return Resolution{Path: path, Prefix: []string{"--yes", pkg}, Provenance: ProvenanceRunner}, searched
		}
		if path, err := exec.LookPath("bunx"); err == nil {
			return Resolution{Path: path, Prefix: []string{pkg}, Provenance: ProvenanceRunner}, searched
		}
		searched = append(searched, "npx/bunx runner")
	}

	return Resolution{}, searched
}

// homeCandidates lists the well-known per-user install locations each
// backend's own installer writes to.
func homeCandidates(home, backend string) []string {
	if home == "" {
		return nil
	}
	switch backend {
	case config.BackendClaude:
		return []string{
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
		}
	case config.BackendOpencode:
		return []string{
			filepath.Join(home, ".opencode", "bin", "opencode"),
			filepath.Join(home, ".local", "bin", "opencode"),
		}
	case config.BackendCodex:
		return []string{
			filepath.Join(home, ".local", "bin", "codex"),
		}
	}
	return nil
}

func npmGlobalCandidates(home, name string) []string {
	var candidates []string
	if prefix := os.Getenv("NPM_CONFIG_PREFIX"); prefix != "" {
		candidates = append(candidates, filepath.Join(prefix, "bin", name))
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".npm-global", "bin", name))
	}
	return candidates
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
