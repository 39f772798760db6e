// Package providers defines the Provider abstraction the router dispatches
// requests to, and the concrete providers available at each tier: a
// stdlib-http local provider for the Local tier, and a google.golang.org/genai
// backed provider for Mid/Premium tiers.
package providers

import (
	"context"
	"fmt"
	"sync"

	"merlin/internal/config"
)

// Tier mirrors config.Tier to keep this package importable without a cycle
// back into the router.
type Tier = config.Tier

const (
	TierLocal   = config.TierLocal
	TierMid     = config.TierMid
	TierPremium = config.TierPremium
)

// TokenUsage reports input/output token counts for a single generate call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is what a provider returns for one generate call.
type Response struct {
	Text       string
	TokenUsage TokenUsage
	LatencyMs  int64
	Model      string
}

// Context carries the prompt plus the surrounding conversation/tool
// context a provider needs to produce a grounded response.
type Context struct {
	Query        string
	SystemPrompt string
	History      []Message
	Tools        []ToolDefinition
}

// Message is one turn in the conversation history passed to a provider.
type Message struct {
	Role string // "user", "assistant", "tool"
	Text string
}

// ToolDefinition describes a callable tool in the shape providers expect
// for native tool-calling support.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Provider is anything capable of generating a response at a given tier.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, reqCtx Context) (Response, error)
	EstimateCost(reqCtx Context) float64
	Tier() Tier
}

// Registry resolves provider IDs (as configured under provider.<id> in
// config) to Provider instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under id.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Get resolves a provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", id)
	}
	return p, nil
}

// ForTier returns an available provider at the given tier; callers that
// need a specific provider should use Get. When several available
// providers share the tier, which one is returned is not defined.
func (r *Registry) ForTier(ctx context.Context, tier Tier) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Tier() == tier && p.IsAvailable(ctx) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no available provider for tier %s", tier)
}
