// Package analyzer implements the Task Analyzer: it turns a natural
// language request into a SubtaskGraph, a DAG of subtasks connected by
// dependency edges, each scored with a difficulty estimate the router
// uses to pick a tier.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"merlin/internal/logging"
	"merlin/internal/providers"
)

// Subtask is one node of the graph: a unit of work with a description,
// a difficulty estimate (1-10, consumed by the router), and the IDs of
// subtasks it depends on.
type Subtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Difficulty  int      `json:"difficulty"`
	DependsOn   []string `json:"depends_on"`
}

// Graph is a DAG of subtasks. Construction guarantees acyclicity: Analyze
// rejects any decomposition with a cycle rather than returning a broken
// graph.
type Graph struct {
	Subtasks map[string]*Subtask
}

// ReadySet returns subtasks whose dependencies are all in the completed
// set, excluding subtasks already completed themselves.
func (g *Graph) ReadySet(completed map[string]bool) []*Subtask {
	var ready []*Subtask
	for id, st := range g.Subtasks {
		if completed[id] {
			continue
		}
		allDepsMet := true
		for _, dep := range st.DependsOn {
			if !completed[dep] {
				allDepsMet = false
				break
			}
		}
		if allDepsMet {
			ready = append(ready, st)
		}
	}
	return ready
}

// CycleError reports a cyclic dependency found while validating a
// decomposition. Unlike a malformed or dangling-dependency graph, a cycle
// is not something a single-subtask fallback can recover from: Analyze
// propagates it as a fatal error instead of falling back.
type CycleError struct {
	TaskIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among subtasks: %s", strings.Join(e.TaskIDs, " -> "))
}

// Validate checks DAG integrity: every dependency must reference an
// existing subtask, and the graph must be acyclic. A cycle is reported as
// a *CycleError so callers can distinguish it from a dangling-dependency
// error, which they must not.
func (g *Graph) Validate() error {
	for id, st := range g.Subtasks {
		for _, dep := range st.DependsOn {
			if _, ok := g.Subtasks[dep]; !ok {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", id, dep)
			}
		}
	}
	return detectCycle(g.Subtasks)
}

func detectCycle(subtasks map[string]*Subtask) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(subtasks))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = gray
		for _, dep := range subtasks[id].DependsOn {
			switch color[dep] {
			case gray:
				return &CycleError{TaskIDs: append(append([]string{}, path...), dep)}
			case white:
				if err := visit(dep, append(path, dep)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range subtasks {
		if color[id] == white {
			if err := visit(id, []string{id}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Analyzer decomposes a request into a SubtaskGraph using a provider.
type Analyzer struct {
	provider providers.Provider
}

// New creates an analyzer backed by the given provider (typically a
// Premium-tier provider, since decomposition quality matters more than
// latency here).
func New(provider providers.Provider) *Analyzer {
	return &Analyzer{provider: provider}
}

const decompositionSystemPrompt = `You are a task decomposition engine. Given a user's coding request, break it
into an ordered list of subtasks. Respond with JSON only, in this exact shape:
{"subtasks":[{"id":"string","description":"string","difficulty":1-10,"depends_on":["id",...]}]}
Keep the graph as small as correctness allows. A single-subtask graph is fine for simple requests.`

// Analyze decomposes a natural language request into a validated
// SubtaskGraph. If the provider's response can't be parsed as the expected
// JSON shape, Analyze falls back to a single-subtask graph containing the
// raw request, so a malformed decomposition never blocks execution outright.
func (a *Analyzer) Analyze(ctx context.Context, request string) (*Graph, error) {
	logging.AnalyzerDebug("analyzing request (len=%d)", len(request))

	resp, err := a.provider.Generate(ctx, providers.Context{
		Query:        request,
		SystemPrompt: decompositionSystemPrompt,
	})
	if err != nil {
		logging.AnalyzerWarn("decomposition call failed, falling back to single subtask: %v", err)
		return singleSubtaskGraph(request), nil
	}

	graph, parseErr := parseDecomposition(resp.Text)
	if parseErr != nil {
		logging.AnalyzerWarn("decomposition response malformed, falling back to single subtask: %v", parseErr)
		return singleSubtaskGraph(request), nil
	}

	if err := graph.Validate(); err != nil {
		var cycleErr *CycleError
		if errors.As(err, &cycleErr) {
			logging.AnalyzerWarn("decomposition produced a cyclic graph, no tasks dispatched: %v", cycleErr)
			return nil, cycleErr
		}
		logging.AnalyzerWarn("decomposition produced invalid graph, falling back to single subtask: %v", err)
		return singleSubtaskGraph(request), nil
	}

	logging.Analyzer("decomposed request into %d subtasks", len(graph.Subtasks))
	return graph, nil
}

func singleSubtaskGraph(request string) *Graph {
	id := uuid.NewString()
	return &Graph{Subtasks: map[string]*Subtask{
		id: {ID: id, Description: request, Difficulty: 5},
	}}
}

type decompositionResponse struct {
	Subtasks []Subtask `json:"subtasks"`
}

func parseDecomposition(text string) (*Graph, error) {
	text = extractJSON(text)

	var parsed decompositionResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("decode subtasks: %w", err)
	}
	if len(parsed.Subtasks) == 0 {
		return nil, fmt.Errorf("no subtasks in response")
	}

	g := &Graph{Subtasks: make(map[string]*Subtask, len(parsed.Subtasks))}
	for i := range parsed.Subtasks {
		st := parsed.Subtasks[i]
		if st.ID == "" {
			return nil, fmt.Errorf("subtask %d missing id", i)
		}
		if st.Difficulty < 1 || st.Difficulty > 10 {
			st.Difficulty = 5
		}
		g.Subtasks[st.ID] = &st
	}
	return g, nil
}

// extractJSON trims surrounding prose/code fences a model sometimes wraps
// JSON output in, returning the text from the first '{' to the last '}'.
// Braces are not balanced, so prose containing braces after the JSON
// object is included in the result.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
