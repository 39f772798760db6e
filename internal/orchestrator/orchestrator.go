// Package orchestrator is the top-level driver of the routing and
// execution core. It turns a natural language request into a SubtaskGraph
// (via the analyzer), walks the graph's ready set, and for each subtask:
// routes to a provider tier, generates a response, dispatches any tool
// calls into a workspace transaction, validates the result, and commits
// or rolls back — retrying and escalating tier on failure per the task's
// error kind, and reporting progress on a UiEvent stream.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"merlin/internal/analyzer"
	"merlin/internal/config"
	"merlin/internal/filelock"
	"merlin/internal/logging"
	"merlin/internal/providers"
	"merlin/internal/router"
	"merlin/internal/scheduler"
	"merlin/internal/thread"
	"merlin/internal/toolcall"
	"merlin/internal/validation"
	"merlin/internal/workspace"
)

// Orchestrator wires the analyzer, router, scheduler, file lock manager,
// workspace transactions, validation pipeline, and thread persistence
// into one request lifecycle.
type Orchestrator struct {
	cfg *config.Config

	analyzer   *analyzer.Analyzer
	router     *router.Router
	scheduler  *scheduler.Scheduler
	filelocks  *filelock.Manager
	workspace  *workspace.Manager
	validation *validation.Runner
	dispatcher *toolcall.Dispatcher
	threads    *thread.Store

	events chan UiEvent
}

// Deps bundles everything Build needs to construct an Orchestrator,
// since the component set is too large for a readable positional
// constructor.
type Deps struct {
	Config     *config.Config
	Analyzer   *analyzer.Analyzer
	Router     *router.Router
	Scheduler  *scheduler.Scheduler
	FileLocks  *filelock.Manager
	Workspace  *workspace.Manager
	Validation *validation.Runner
	Dispatcher *toolcall.Dispatcher
	Threads    *thread.Store
}

// Build constructs an Orchestrator from its dependencies.
func Build(deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        deps.Config,
		analyzer:   deps.Analyzer,
		router:     deps.Router,
		scheduler:  deps.Scheduler,
		filelocks:  deps.FileLocks,
		workspace:  deps.Workspace,
		validation: deps.Validation,
		dispatcher: deps.Dispatcher,
		threads:    deps.Threads,
		events:     make(chan UiEvent, 256),
	}
}

// workspaceRoot is passed per-call rather than stored, so one Orchestrator
// can serve multiple projects.

// Run decomposes request into a SubtaskGraph and executes every subtask
// to completion (or exhaustion of retries), persisting the exchange to
// threadID. It returns an error if analysis fails or if any subtask
// failed; a failed subtask is recorded as a TaskFailed event, its
// dependents are never run, and sibling subtasks that don't depend on it
// still run.
func (o *Orchestrator) Run(ctx context.Context, threadID string, workspaceRoot string, request string) error {
	logging.Orchestrator("starting request on thread %s: %q", threadID, request)

	if _, err := o.threads.AppendMessage(threadID, thread.Message{Role: "user", Text: request}); err != nil {
		logging.OrchestratorWarn("failed to persist user message: %v", err)
	}

	graph, err := o.analyzer.Analyze(ctx, request)
	if err != nil {
		return newTaskError(KindFatal, threadID, fmt.Errorf("analyze: %w", err))
	}

	completed := make(map[string]bool, len(graph.Subtasks))
	failed := make(map[string]bool, len(graph.Subtasks))

	for len(completed)+len(failed) < len(graph.Subtasks) {
		ready := graph.ReadySet(completed)
		ready = excludeBlockedByFailure(ready, failed, graph)
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, st := range ready {
			st := st
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := o.executeSubtask(ctx, workspaceRoot, st)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logging.OrchestratorWarn("subtask %s failed permanently: %v", st.ID, err)
					failed[st.ID] = true
				} else {
					completed[st.ID] = true
				}
			}()
		}
		wg.Wait()
	}

	summary := fmt.Sprintf("%d subtasks completed, %d failed", len(completed), len(failed))
	if _, err := o.threads.AppendMessage(threadID, thread.Message{Role: "assistant", Text: summary}); err != nil {
		logging.OrchestratorWarn("failed to persist summary message: %v", err)
	}

	if len(failed) > 0 {
		return newTaskError(KindFatal, threadID, fmt.Errorf("%d of %d subtasks failed", len(failed), len(graph.Subtasks)))
	}
	return nil
}

// excludeBlockedByFailure drops subtasks from the ready set that have
// already failed or that depend on an already-failed subtask, so a broken
// dependency isn't attempted against a workspace it can never succeed in.
// Deeper descendants never reach the ready set, since their dependencies
// never complete.
func excludeBlockedByFailure(ready []*analyzer.Subtask, failed map[string]bool, graph *analyzer.Graph) []*analyzer.Subtask {
	var out []*analyzer.Subtask
	for _, st := range ready {
		if failed[st.ID] {
			continue
		}
		blocked := false
		for _, dep := range st.DependsOn {
			if failed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, st)
		}
	}
	return out
}

const maxToolTurns = 8

// executeSubtask runs one subtask to completion, retrying and escalating
// tier on failure up to the configured retry budget.
func (o *Orchestrator) executeSubtask(ctx context.Context, workspaceRoot string, st *analyzer.Subtask) error {
	o.emit(UiEvent{Type: EventTaskStarted, TaskID: st.ID, Message: st.Description})

	o.scheduler.Register(st.ID)
	defer o.scheduler.Unregister(st.ID)

	decision, err := o.router.Route(ctx, st.ID, st.Difficulty)
	if err != nil {
		o.emit(UiEvent{Type: EventTaskFailed, TaskID: st.ID, Message: err.Error()})
		return newTaskError(KindFatal, st.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetriesPerTask; attempt++ {
		if ctx.Err() != nil {
			return newTaskError(KindCancelled, st.ID, ctx.Err())
		}

		if err := o.scheduler.Acquire(ctx, st.ID); err != nil {
			return newTaskError(KindTransient, st.ID, err)
		}
		err := o.attemptSubtask(ctx, workspaceRoot, st, decision)
		o.scheduler.Release(st.ID)

		if err == nil {
			o.emit(UiEvent{Type: EventTaskCompleted, TaskID: st.ID, Tier: string(decision.Tier)})
			return nil
		}
		lastErr = err

		taskErr, ok := err.(*TaskError)
		if !ok {
			taskErr = newTaskError(KindFatal, st.ID, err)
		}

		switch taskErr.Kind {
		case KindConflict, KindTransient:
			logging.OrchestratorWarn("task %s attempt %d: %s, retrying at same tier", st.ID, attempt, taskErr.Kind)
			continue
		case KindValidation, KindMalformed:
			next, escErr := o.router.Escalate(ctx, st.ID)
			if escErr != nil {
				o.emit(UiEvent{Type: EventTaskFailed, TaskID: st.ID, Message: taskErr.Error()})
				return newTaskError(KindFatal, st.ID, fmt.Errorf("exhausted escalation: %w", taskErr))
			}
			decision = next
			logging.OrchestratorWarn("task %s attempt %d: %s, escalating to tier %s", st.ID, attempt, taskErr.Kind, decision.Tier)
			continue
		default:
			o.emit(UiEvent{Type: EventTaskFailed, TaskID: st.ID, Message: taskErr.Error()})
			return taskErr
		}
	}

	o.emit(UiEvent{Type: EventTaskFailed, TaskID: st.ID, Message: lastErr.Error()})
	return newTaskError(KindFatal, st.ID, fmt.Errorf("exhausted %d retries: %w", o.cfg.MaxRetriesPerTask, lastErr))
}

// attemptSubtask runs one attempt of a subtask against its currently
// routed provider: generate, dispatch any tool calls into a workspace
// transaction, acquire file locks, prepare, validate, commit.
func (o *Orchestrator) attemptSubtask(ctx context.Context, workspaceRoot string, st *analyzer.Subtask, decision router.Decision) error {
	if _, err := o.workspace.Begin(st.ID); err != nil {
		return newTaskError(KindConflict, st.ID, err)
	}
	defer func() {
		if o.workspace.Active(st.ID) {
			_ = o.workspace.Abort(st.ID, "attempt ended without commit")
		}
	}()

	reqCtx := providers.Context{Query: st.Description}
	var touched []string

	for turn := 0; turn < maxToolTurns; turn++ {
		o.emit(UiEvent{Type: EventTaskStepStarted, TaskID: st.ID, Step: fmt.Sprintf("generate:%d", turn), Tier: string(decision.Tier)})

		resp, err := decision.Provider.Generate(ctx, reqCtx)
		if err != nil {
			return newTaskError(KindTransient, st.ID, err)
		}
		o.emit(UiEvent{Type: EventTaskOutput, TaskID: st.ID, Message: resp.Text})

		call, ok := toolcall.Parse(resp.Text)
		if !ok {
			break
		}

		if path, hasPath := call.Input["file_path"].(string); hasPath && path != "" {
			touched = append(touched, toolcall.ResolvePath(workspaceRoot, path))
		}

		out, err := o.dispatcher.Execute(ctx, st.ID, call)
		if err != nil {
			return newTaskError(KindMalformed, st.ID, err)
		}
		o.emit(UiEvent{Type: EventTaskStepCompleted, TaskID: st.ID, Step: call.Name, Message: out.Message})

		reqCtx.History = append(reqCtx.History,
			providers.Message{Role: "assistant", Text: resp.Text},
			providers.Message{Role: "tool", Text: out.Message},
		)
	}

	if len(touched) > 0 {
		if err := o.filelocks.Acquire(st.ID, touched); err != nil {
			return newTaskError(KindConflict, st.ID, err)
		}
		defer o.filelocks.ReleaseAll(st.ID)
	}

	txn, err := o.workspace.Prepare(st.ID)
	if err != nil {
		return newTaskError(KindFatal, st.ID, err)
	}
	if len(txn.Conflicts) > 0 {
		return newTaskError(KindConflict, st.ID, fmt.Errorf("%d conflicting files", len(txn.Conflicts)))
	}

	// Validate the prepared transaction's staged edits before anything
	// touches disk: a failing stage must leave the workspace exactly as
	// it was at snapshot time, which only holds if Commit runs after
	// validation passes, never before.
	o.emit(UiEvent{Type: EventTaskStepStarted, TaskID: st.ID, Step: "validate"})
	result := o.validation.Run(ctx, workspaceRoot, txn.Edits)
	if !result.Passed() {
		failure, _ := result.FirstFailure()
		return newTaskError(KindValidation, st.ID, fmt.Errorf("%s stage failed: %s", failure.Stage, failure.Output))
	}

	if err := o.workspace.Commit(st.ID); err != nil {
		return newTaskError(KindFatal, st.ID, err)
	}

	return nil
}
