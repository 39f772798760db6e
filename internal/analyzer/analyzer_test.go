package analyzer

import (
	"context"
	"errors"
	"testing"

	"merlin/internal/providers"
)

type stubProvider struct {
	text string
	err  error
}

func (s *stubProvider) Name() string                         { return "stub" }
func (s *stubProvider) IsAvailable(ctx context.Context) bool  { return true }
func (s *stubProvider) Tier() providers.Tier                  { return providers.TierPremium }
func (s *stubProvider) EstimateCost(providers.Context) float64 { return 0 }
func (s *stubProvider) Generate(ctx context.Context, reqCtx providers.Context) (providers.Response, error) {
	if s.err != nil {
		return providers.Response{}, s.err
	}
	return providers.Response{Text: s.text}, nil
}

func TestAnalyze_ParsesValidDecomposition(t *testing.T) {
	json := `{"subtasks":[
		{"id":"a","description":"write function","difficulty":3,"depends_on":[]},
		{"id":"b","description":"write test","difficulty":2,"depends_on":["a"]}
	]}`
	a := New(&stubProvider{text: json})

	graph, err := a.Analyze(context.Background(), "add a function and test it")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(graph.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(graph.Subtasks))
	}
	ready := graph.ReadySet(map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only 'a' ready initially, got %+v", ready)
	}
}

func TestAnalyze_FallsBackOnMalformedResponse(t *testing.T) {
	a := New(&stubProvider{text: "not json at all"})

	graph, err := a.Analyze(context.Background(), "do a thing")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(graph.Subtasks) != 1 {
		t.Fatalf("expected single-subtask fallback graph, got %d", len(graph.Subtasks))
	}
}

func TestAnalyze_FallsBackOnProviderError(t *testing.T) {
	a := New(&stubProvider{err: assertErr{}})

	graph, err := a.Analyze(context.Background(), "do a thing")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(graph.Subtasks) != 1 {
		t.Fatalf("expected single-subtask fallback graph, got %d", len(graph.Subtasks))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "provider unavailable" }

func TestGraph_ValidateDetectsCycle(t *testing.T) {
	g := &Graph{Subtasks: map[string]*Subtask{
		"a": {ID: "a", DependsOn: []string{"b"}},
		"b": {ID: "b", DependsOn: []string{"a"}},
	}}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestGraph_ValidateDetectsUnknownDependency(t *testing.T) {
	g := &Graph{Subtasks: map[string]*Subtask{
		"a": {ID: "a", DependsOn: []string{"missing"}},
	}}
	err := g.Validate()
	if err == nil {
		t.Fatalf("expected unknown-dependency error")
	}
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		t.Fatalf("expected a plain error for a dangling dependency, not a CycleError")
	}
}

func TestAnalyze_PropagatesCycleAsFatalErrorWithoutFallback(t *testing.T) {
	json := `{"subtasks":[
		{"id":"a","description":"step a","difficulty":3,"depends_on":["b"]},
		{"id":"b","description":"step b","difficulty":3,"depends_on":["a"]}
	]}`
	a := New(&stubProvider{text: json})

	graph, err := a.Analyze(context.Background(), "do two interdependent things")
	if err == nil {
		t.Fatalf("expected Analyze to propagate a cycle error instead of falling back")
	}
	if graph != nil {
		t.Fatalf("expected no graph on cycle error, got %+v", graph)
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected a *CycleError, got %T: %v", err, err)
	}
}
