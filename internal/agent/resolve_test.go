package agent_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-relay/internal/agent"
)

// writeFakeBinary drops an executable stub script into dir.
func writeFakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

// isolateResolverEnv points PATH and HOME at empty directories so the
// test host's real agent installs cannot leak into resolution.
func isolateResolverEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GORELAY_CLAUDE_BIN", "")
	t.Setenv("GORELAY_OPENCODE_BIN", "")
	t.Setenv("GORELAY_CODEX_BIN", "")
	t.Setenv("NPM_CONFIG_PREFIX", "")
}

func TestResolver_PathLookup(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	want := writeFakeBinary(t, binDir, "claude")
	t.Setenv("PATH", binDir)

	res, err := agent.NewResolver(nil).Resolve("claude")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != want {
		t.Fatalf("expected %s, got %s", want, res.Path)
	}
	if res.Provenance != agent.ProvenancePath {
		t.Fatalf("expected path provenance, got %s", res.Provenance)
	}
}

func TestResolver_EnvOverrideWins(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "claude")
	t.Setenv("PATH", binDir)

	override := writeFakeBinary(t, t.TempDir(), "my-claude")
	t.Setenv("GORELAY_CLAUDE_BIN", override)

	res, err := agent.NewResolver(nil).Resolve("claude")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != override {
		t.Fatalf("expected override %s, got %s", override, res.Path)
	}
	if res.Provenance != agent.ProvenanceOverride {
		t.Fatalf("expected override provenance, got %s", res.Provenance)
	}
}

func TestResolver_BrokenOverrideFailsImmediately(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "claude")
	t.Setenv("PATH", binDir)
	t.Setenv("GORELAY_CLAUDE_BIN", "/nonexistent/claude")

	_, err := agent.NewResolver(nil).Resolve("claude")
	var notFound *agent.BinaryNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected BinaryNotFoundError, got %v", err)
	}
	if notFound.EnvVar != "GORELAY_CLAUDE_BIN" {
		t.Fatalf("expected env var name in error, got %q", notFound.EnvVar)
	}
}

func TestResolver_ConfiguredOverride(t *testing.T) {
	isolateResolverEnv(t)
	override := writeFakeBinary(t, t.TempDir(), "opencode-nightly")

	r := agent.NewResolver(map[string]string{"opencode": override})
	res, err := r.Resolve("opencode")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != override || res.Provenance != agent.ProvenanceOverride {
		t.Fatalf("expected configured override, got %s via %s", res.Path, res.Provenance)
	}
}

func TestResolver_HomeCandidate(t *testing.T) {
	isolateResolverEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	localDir := filepath.Join(home, ".claude", "local")
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := writeFakeBinary(t, localDir, "claude")

	res, err := agent.NewResolver(nil).Resolve("claude")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != want {
		t.Fatalf("expected %s, got %s", want, res.Path)
	}
	if res.Provenance != agent.ProvenanceHome {
		t.Fatalf("expected home provenance, got %s", res.Provenance)
	}
}

func TestResolver_SkipsNonExecutableCandidate(t *testing.T) {
	isolateResolverEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	localDir := filepath.Join(home, ".claude", "local")
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(localDir, "claude"), []byte("not a binary"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := agent.NewResolver(nil).Resolve("claude")
	var notFound *agent.BinaryNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected BinaryNotFoundError, got %v", err)
	}
}

func TestResolver_CachesFirstResolution(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	want := writeFakeBinary(t, binDir, "codex")
	t.Setenv("PATH", binDir)

	r := agent.NewResolver(nil)
	if _, err := r.Resolve("codex"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// The cached path survives the binary leaving $PATH.
	t.Setenv("PATH", t.TempDir())
	res, err := r.Resolve("codex")
	if err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if res.Path != want {
		t.Fatalf("expected cached %s, got %s", want, res.Path)
	}

	// Reset forces a fresh search, which now fails.
	r.Reset()
	if _, err := r.Resolve("codex"); err == nil {
		t.Fatal("expected resolution to fail after reset")
	}
}

func TestResolver_RunnerFallback(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	npx := writeFakeBinary(t, binDir, "npx")
	t.Setenv("PATH", binDir)

	res, err := agent.NewResolver(nil).Resolve("claude")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != npx {
		t.Fatalf("expected npx runner, got %s", res.Path)
	}
	if res.Provenance != agent.ProvenanceRunner {
		t.Fatalf("expected runner provenance, got %s", res.Provenance)
	}
	if len(res.Prefix) == 0 || res.Prefix[len(res.Prefix)-1] != "@anthropic-ai/claude-code" {
		t.Fatalf("expected package name in runner prefix, got %v", res.Prefix)
	}
}

func TestResolver_CodexHasNoRunnerFallback(t *testing.T) {
	isolateResolverEnv(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "npx")
	t.Setenv("PATH", binDir)

	_, err := agent.NewResolver(nil).Resolve("codex")
	var notFound *agent.BinaryNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected BinaryNotFoundError, got %v", err)
	}
}

func TestResolver_UnknownBackend(t *testing.T) {
	if _, err := agent.NewResolver(nil).Resolve("gemini"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
