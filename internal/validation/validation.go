// Package validation implements the staged Validation Pipeline: Syntax,
// Build, Test, and Lint stages run in order against a task's workspace,
// with early-exit on the first failing stage when configured.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"merlin/internal/build"
	"merlin/internal/config"
	"merlin/internal/logging"
	"merlin/internal/workspace"
)

// StageName identifies one stage of the pipeline, in run order.
type StageName string

const (
	StageSyntax StageName = "syntax"
	StageBuild  StageName = "build"
	StageTest   StageName = "test"
	StageLint   StageName = "lint"
)

var stageOrder = []StageName{StageSyntax, StageBuild, StageTest, StageLint}

// StageStatus is the outcome of running one stage.
type StageStatus string

const (
	StatusPassed  StageStatus = "passed"
	StatusFailed  StageStatus = "failed"
	StatusSkipped StageStatus = "skipped"
	// StatusWarning covers a stage that produced findings but didn't hard
	// fail: currently only Lint, which passes the pipeline on warnings-only
	// output rather than blocking the task.
	StatusWarning StageStatus = "warning"
)

// StageResult captures one stage's outcome.
type StageResult struct {
	Stage    StageName
	Status   StageStatus
	Output   string
	Err      error
	Duration time.Duration
}

// Result is the aggregate outcome of running the pipeline.
type Result struct {
	Stages []StageResult
}

// Passed reports whether every stage that ran, passed.
func (r Result) Passed() bool {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failing stage, if any.
func (r Result) FirstFailure() (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StageResult{}, false
}

// Runner executes the four validation stages against a workspace root.
type Runner struct {
	cfg *config.Config
}

// New creates a validation runner.
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes enabled stages in order: Syntax, Build, Test, Lint. When
// EarlyExit is set, every stage after the first failure is recorded as
// Skipped rather than being run. edits are a task's staged-but-uncommitted
// workspace edits: every stage runs against an isolated copy of
// workspaceRoot with those edits applied on top, never against the live
// project tree, so validating a task that ultimately fails never leaves a
// trace on disk.
func (r *Runner) Run(ctx context.Context, workspaceRoot string, edits []workspace.Edit) Result {
	if !r.anyStageEnabled() {
		return Result{}
	}

	env, cleanup, err := build.NewIsolatedBuildEnv(r.cfg, workspaceRoot, edits)
	if err != nil {
		logging.ValidationWarn("failed to build isolated validation environment: %v", err)
		return Result{Stages: []StageResult{{
			Stage:  StageSyntax,
			Status: StatusFailed,
			Output: err.Error(),
			Err:    err,
		}}}
	}
	defer cleanup()

	var result Result
	failed := false

	for _, stage := range stageOrder {
		if !r.stageEnabled(stage) {
			continue
		}

		if failed && r.cfg.Validation.EarlyExit {
			result.Stages = append(result.Stages, StageResult{Stage: stage, Status: StatusSkipped})
			logging.ValidationDebug("stage %s skipped (early_exit after prior failure)", stage)
			continue
		}

		sr := r.runStage(ctx, stage, env)
		result.Stages = append(result.Stages, sr)
		if sr.Status == StatusFailed {
			failed = true
		}
	}

	return result
}

func (r *Runner) anyStageEnabled() bool {
	for _, stage := range stageOrder {
		if r.stageEnabled(stage) {
			return true
		}
	}
	return false
}

func (r *Runner) stageEnabled(stage StageName) bool {
	switch stage {
	case StageSyntax:
		return r.cfg.Validation.Syntax.Enabled
	case StageBuild:
		return r.cfg.Validation.Build.Enabled
	case StageTest:
		return r.cfg.Validation.Test.Enabled
	case StageLint:
		return r.cfg.Validation.Lint.Enabled
	default:
		return false
	}
}

func (r *Runner) runStage(ctx context.Context, stage StageName, env *build.IsolatedBuildEnv) StageResult {
	start := time.Now()
	logging.ValidationDebug("running stage %s in %s", stage, env.Dir)

	var out string
	var err error

	switch stage {
	case StageSyntax:
		out, err = r.runCommand(ctx, env.Dir, env.Env, r.cfg.Timeouts.ToolDefault(), "go", "vet", "./...")
	case StageBuild:
		out, err = r.runCommand(ctx, env.Dir, env.Env, r.cfg.Timeouts.Build(), "go", "build", "./...")
	case StageTest:
		out, err = r.runCommand(ctx, env.Dir, build.GetBuildEnvForTest(r.cfg, env.Dir), r.cfg.Timeouts.Test(), "go", "test", "./...")
	case StageLint:
		out, err = r.runCommand(ctx, env.Dir, env.Env, r.cfg.Timeouts.ToolDefault(), "golangci-lint", "run")
	}

	duration := time.Since(start)
	status := classifyStatus(stage, err)
	switch status {
	case StatusFailed:
		logging.ValidationWarn("stage %s failed after %v: %v", stage, duration, err)
	case StatusWarning:
		logging.ValidationDebug("stage %s passed with warnings in %v", stage, duration)
	default:
		logging.ValidationDebug("stage %s passed in %v", stage, duration)
	}

	return StageResult{Stage: stage, Status: status, Output: out, Err: err, Duration: duration}
}

// classifyStatus maps a stage's command error to its pass/fail/warning
// status. Lint's pass criterion is exit code 0 or warnings-only: golangci-lint
// exits 1 when it reports findings without any tool error, so that specific
// exit code is a Warning rather than a Failed for Lint only; every other
// stage, and every other exit code, is a hard Failed.
func classifyStatus(stage StageName, err error) StageStatus {
	if err == nil {
		return StatusPassed
	}
	if stage == StageLint {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return StatusWarning
		}
	}
	return StatusFailed
}

func (r *Runner) runCommand(ctx context.Context, dir string, env []string, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s %v: %w", name, args, err)
	}
	return string(output), nil
}
