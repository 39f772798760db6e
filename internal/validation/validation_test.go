package validation

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"merlin/internal/config"
	"merlin/internal/workspace"
)

func TestRun_SkipsDisabledStages(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Validation.Build.Enabled = false
	cfg.Validation.Test.Enabled = false
	cfg.Validation.Lint.Enabled = false

	r := New(cfg)
	result := r.Run(context.Background(), t.TempDir(), nil)

	if len(result.Stages) != 1 {
		t.Fatalf("expected only syntax stage to run, got %d stages", len(result.Stages))
	}
	if result.Stages[0].Stage != StageSyntax {
		t.Fatalf("expected syntax stage, got %s", result.Stages[0].Stage)
	}
}

func TestRun_EarlyExitSkipsRemainingStages(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Validation.EarlyExit = true

	r := New(cfg)
	// An empty temp dir has no go.mod, so "go vet ./..." fails, triggering early exit.
	result := r.Run(context.Background(), t.TempDir(), nil)

	first, ok := result.FirstFailure()
	if !ok {
		t.Fatalf("expected a failing stage")
	}
	if first.Stage != StageSyntax {
		t.Fatalf("expected syntax to fail first, got %s", first.Stage)
	}

	for _, s := range result.Stages[1:] {
		if s.Status != StatusSkipped {
			t.Errorf("expected stage %s to be skipped after early exit, got %s", s.Stage, s.Status)
		}
	}
	if result.Passed() {
		t.Errorf("expected Passed() to be false")
	}
}

func TestRun_ValidatesStagedEditsWithoutTouchingWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, `package main
func main() {}
`)

	cfg := config.DefaultConfig()
	cfg.Validation.Build.Enabled = false
	cfg.Validation.Test.Enabled = false
	cfg.Validation.Lint.Enabled = false

	mainPath := filepath.Join(root, "main.go")
	edits := []workspace.Edit{
		{Path: mainPath, Type: workspace.EditModify, Content: []byte("this is not valid go syntax {{{")}, OldHash: "irrelevant"},
	}

	r := New(cfg)
	result := r.Run(context.Background(), root, edits)

	if result.Passed() {
		t.Fatalf("expected the staged edit's syntax error to fail validation")
	}

	onDisk, err := os.ReadFile(mainPath)
	if err != nil {
		t.Fatalf("read workspace root main.go: %v", err)
	}
	if string(onDisk) != "package main\nfunc main() {}\n" {
		t.Fatalf("workspace root was modified by validation: %q", onDisk)
	}
}

func TestClassifyStatus_LintExitCodeOnePassesAsWarning(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 1")
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected sh -c 'exit 1' to return an error")
	}

	if got := classifyStatus(StageLint, err); got != StatusWarning {
		t.Fatalf("classifyStatus(StageLint, exit 1) = %s, want %s", got, StatusWarning)
	}
	if got := classifyStatus(StageBuild, err); got != StatusFailed {
		t.Fatalf("classifyStatus(StageBuild, exit 1) = %s, want %s", got, StatusFailed)
	}
	if got := classifyStatus(StageLint, errors.New("not an exit error")); got != StatusFailed {
		t.Fatalf("classifyStatus(StageLint, non-exit error) = %s, want %s", got, StatusFailed)
	}
}

func writeModule(t *testing.T, root, mainSrc string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module validationtest\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(mainSrc), 0o644); err != nil {
		t.Fatalf("write main.go: %v", err)
	}
}
