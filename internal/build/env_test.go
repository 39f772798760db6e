package build

import (
	"os"
	"path/filepath"
	"testing"

	"merlin/internal/config"
	"merlin/internal/workspace"
)

func clearEnvVars(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestDeriveGOCACHE_Precedence(t *testing.T) {
	keys := []string{"LOCALAPPDATA", "USERPROFILE", "HOME", "TEMP", "TMP", "TMPDIR"}

	t.Run("none", func(t *testing.T) {
		clearEnvVars(t, keys...)
		if got := deriveGOCACHE(); got != "" {
			t.Fatalf("deriveGOCACHE() = %q, want empty", got)
		}
	})

	t.Run("home", func(t *testing.T) {
		clearEnvVars(t, keys...)
		home := t.TempDir()
		t.Setenv("HOME", home)

		want := filepath.Join(home, ".cache", "go-build")
		if got := deriveGOCACHE(); got != want {
			t.Fatalf("deriveGOCACHE() = %q, want %q", got, want)
		}
	})
}

func TestEnvKeyHelpers(t *testing.T) {
	env := []string{"FOO=1", "BAR=2"}

	if !hasEnvKey(env, "FOO") {
		t.Fatalf("hasEnvKey(env, FOO) = false, want true")
	}
	if hasEnvKey(env, "BA") {
		t.Fatalf("hasEnvKey(env, BA) = true, want false")
	}

	updated := setEnvKey(append([]string{}, env...), "FOO", "3")
	if updated[0] != "FOO=3" {
		t.Fatalf("setEnvKey updated[0] = %q, want %q", updated[0], "FOO=3")
	}
}

func TestDetectCGOFlags(t *testing.T) {
	root := t.TempDir()

	includeDir := filepath.Join(root, "include")
	if err := os.MkdirAll(includeDir, 0o755); err != nil {
		t.Fatalf("mkdirAll(%q): %v", includeDir, err)
	}

	got := detectCGOFlags(root)
	want := "-I" + includeDir
	if got != want {
		t.Fatalf("detectCGOFlags() = %q, want %q", got, want)
	}
}

func TestGetBuildEnv_IncludesWhitelistedVars(t *testing.T) {
	t.Setenv("MY_CUSTOM_VAR", "present")

	cfg := config.DefaultConfig()
	cfg.Execution.AllowedEnvVars = append(cfg.Execution.AllowedEnvVars, "MY_CUSTOM_VAR")

	env := GetBuildEnv(cfg, t.TempDir())
	if !hasEnvKey(env, "MY_CUSTOM_VAR") {
		t.Fatalf("expected GetBuildEnv to include whitelisted var, got %v", env)
	}
}

func TestNewIsolatedBuildEnv_CopiesTreeAndAppliesEdits(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "kept.txt"), []byte("original"), 0o644); err != nil {
		t.Fatalf("seed kept.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "removed.txt"), []byte("gone"), 0o644); err != nil {
		t.Fatalf("seed removed.txt: %v", err)
	}

	edits := []workspace.Edit{
		{Path: filepath.Join(root, "new.txt"), Type: workspace.EditCreate, Content: []byte("staged")},
		{Path: filepath.Join(root, "removed.txt"), Type: workspace.EditDelete},
	}

	env, cleanup, err := NewIsolatedBuildEnv(config.DefaultConfig(), root, edits)
	if err != nil {
		t.Fatalf("NewIsolatedBuildEnv: %v", err)
	}
	defer cleanup()

	if env.Dir == root {
		t.Fatalf("expected isolated dir distinct from workspace root")
	}

	kept, err := os.ReadFile(filepath.Join(env.Dir, "kept.txt"))
	if err != nil || string(kept) != "original" {
		t.Fatalf("expected kept.txt copied unchanged, got %q, err=%v", kept, err)
	}

	created, err := os.ReadFile(filepath.Join(env.Dir, "new.txt"))
	if err != nil || string(created) != "staged" {
		t.Fatalf("expected new.txt staged in isolated dir, got %q, err=%v", created, err)
	}

	if _, err := os.Stat(filepath.Join(env.Dir, "removed.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected removed.txt to be absent from isolated dir, stat err=%v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected live workspace root to be untouched by staged create")
	}
	if _, err := os.Stat(filepath.Join(root, "removed.txt")); err != nil {
		t.Fatalf("expected live workspace root to still have removed.txt: %v", err)
	}
}
