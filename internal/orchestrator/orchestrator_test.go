package orchestrator

import (
	"context"
	"testing"

	"merlin/internal/analyzer"
	"merlin/internal/config"
	"merlin/internal/filelock"
	"merlin/internal/providers"
	"merlin/internal/router"
	"merlin/internal/scheduler"
	"merlin/internal/thread"
	"merlin/internal/toolcall"
	"merlin/internal/tools"
	"merlin/internal/validation"
	"merlin/internal/workspace"
)

type stubProvider struct {
	name string
	tier providers.Tier
	text string
}

func (s *stubProvider) Name() string                          { return s.name }
func (s *stubProvider) IsAvailable(ctx context.Context) bool   { return true }
func (s *stubProvider) Tier() providers.Tier                   { return s.tier }
func (s *stubProvider) EstimateCost(providers.Context) float64 { return 0 }
func (s *stubProvider) Generate(ctx context.Context, reqCtx providers.Context) (providers.Response, error) {
	return providers.Response{Text: s.text}, nil
}

func newTestOrchestrator(t *testing.T, decompositionJSON string) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.MaxConcurrentTasks = 2
	cfg.MaxRetriesPerTask = 2
	cfg.Validation.Syntax.Enabled = false
	cfg.Validation.Build.Enabled = false
	cfg.Validation.Test.Enabled = false
	cfg.Validation.Lint.Enabled = false

	registry := providers.NewRegistry()
	registry.Register("local-a", &stubProvider{name: "local-a", tier: config.TierLocal, text: "done, no tool calls needed"})
	registry.Register("mid-a", &stubProvider{name: "mid-a", tier: config.TierMid, text: "done, no tool calls needed"})
	registry.Register("premium-a", &stubProvider{name: "premium-a", tier: config.TierPremium, text: "done, no tool calls needed"})

	r := router.New(cfg, registry)
	a := analyzer.New(&stubProvider{name: "decomposer", tier: config.TierPremium, text: decompositionJSON})

	toolRegistry := tools.NewRegistry()
	ws := workspace.New(root)
	dispatcher := toolcall.New(toolRegistry, ws, root)

	orc := Build(Deps{
		Config:     cfg,
		Analyzer:   a,
		Router:     r,
		Scheduler:  scheduler.New(scheduler.Config{MaxConcurrentTasks: cfg.MaxConcurrentTasks, SlotAcquireTimeout: scheduler.DefaultConfig().SlotAcquireTimeout}),
		FileLocks:  filelock.New(),
		Workspace:  ws,
		Validation: validation.New(cfg),
		Dispatcher: dispatcher,
		Threads:    thread.NewStore(root),
	})
	return orc, root
}

func TestRun_CompletesSingleSubtaskWithoutToolCalls(t *testing.T) {
	orc, root := newTestOrchestrator(t, `{"subtasks":[{"id":"a","description":"say hello","difficulty":2,"depends_on":[]}]}`)

	th, err := orc.threads.Create("blue")
	if err != nil {
		t.Fatalf("Create thread: %v", err)
	}

	if err := orc.Run(context.Background(), th.ID, root, "say hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	loaded, err := orc.threads.Load(th.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 persisted messages (user+summary), got %d", len(loaded.Messages))
	}
}

func TestRun_CompletesDependentSubtasksInOrder(t *testing.T) {
	decomposition := `{"subtasks":[
		{"id":"a","description":"step one","difficulty":2,"depends_on":[]},
		{"id":"b","description":"step two","difficulty":2,"depends_on":["a"]}
	]}`
	orc, root := newTestOrchestrator(t, decomposition)

	th, err := orc.threads.Create("green")
	if err != nil {
		t.Fatalf("Create thread: %v", err)
	}

	if err := orc.Run(context.Background(), th.ID, root, "do two steps"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEvents_ReceivesTaskLifecycleEvents(t *testing.T) {
	orc, root := newTestOrchestrator(t, `{"subtasks":[{"id":"a","description":"say hello","difficulty":2,"depends_on":[]}]}`)

	th, err := orc.threads.Create("blue")
	if err != nil {
		t.Fatalf("Create thread: %v", err)
	}

	var events []UiEvent
	done := make(chan struct{})
	go func() {
		for evt := range orc.Events() {
			events = append(events, evt)
			if evt.Type == EventTaskCompleted {
				close(done)
				return
			}
		}
	}()

	if err := orc.Run(context.Background(), th.ID, root, "say hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if len(events) == 0 {
		t.Fatalf("expected at least one event")
	}
	if events[0].Type != EventTaskStarted {
		t.Fatalf("expected first event to be TaskStarted, got %s", events[0].Type)
	}
}
