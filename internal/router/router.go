// Package router implements the Tiered Router: it maps a subtask's
// estimated difficulty to a provider tier via the configured routing
// table, and escalates to a higher tier on retry while enforcing the
// escalation-monotonicity invariant (a task's tier sequence never decreases).
package router

import (
	"context"
	"fmt"
	"sync"

	"merlin/internal/config"
	"merlin/internal/logging"
	"merlin/internal/providers"
)

// tierOrder gives each tier a rank so escalation can be compared.
var tierOrder = map[providers.Tier]int{
	config.TierLocal:   0,
	config.TierMid:     1,
	config.TierPremium: 2,
}

// Decision is the outcome of routing a subtask: which tier and provider to
// use for this attempt.
type Decision struct {
	Tier       providers.Tier
	ProviderID string
	Provider   providers.Provider
}

// Router selects a provider for a subtask given its difficulty, and tracks
// each task's current tier so repeated calls escalate monotonically.
type Router struct {
	cfg      *config.Config
	registry *providers.Registry

	mu sync.Mutex
	// highWaterTier records the highest tier a task has been routed to,
	// so Escalate never drops back below it even if called out of order.
	// Guarded by mu: sibling subtasks in the same ready-set batch call
	// Route/Escalate/CurrentTier concurrently from the orchestrator's
	// per-subtask goroutines.
	highWaterTier map[string]providers.Tier
}

// New creates a router over the given config and provider registry.
func New(cfg *config.Config, registry *providers.Registry) *Router {
	return &Router{
		cfg:           cfg,
		registry:      registry,
		highWaterTier: make(map[string]providers.Tier),
	}
}

// Route picks the tier for a subtask's first attempt, based on its
// difficulty score (1-10) from the routing table.
func (r *Router) Route(ctx context.Context, taskID string, difficulty int) (Decision, error) {
	band, ok := r.cfg.Routing.Difficulty[difficulty]
	if !ok {
		return Decision{}, fmt.Errorf("no routing band configured for difficulty %d", difficulty)
	}

	r.mu.Lock()
	r.highWaterTier[taskID] = band.Tier
	r.mu.Unlock()
	logging.RouterDebug("task %s: routed to tier %s (difficulty=%d)", taskID, band.Tier, difficulty)

	return r.resolve(ctx, taskID, band.Tier, band.Provider)
}

// Escalate moves a task to the next tier up from its current high-water
// mark. Calling Escalate on a task already at the top tier is an error;
// the caller (the error-handling layer) should treat that as Fatal.
func (r *Router) Escalate(ctx context.Context, taskID string) (Decision, error) {
	r.mu.Lock()
	current, ok := r.highWaterTier[taskID]
	if !ok {
		current = config.TierLocal
	}

	next, err := nextTier(current)
	if err != nil {
		r.mu.Unlock()
		return Decision{}, fmt.Errorf("task %s: cannot escalate past tier %s: %w", taskID, current, err)
	}

	r.highWaterTier[taskID] = next
	r.mu.Unlock()
	logging.Router("task %s: escalated %s -> %s", taskID, current, next)

	return r.resolve(ctx, taskID, next, "")
}

// CurrentTier reports the tier a task is currently routed to, for
// verifying the escalation-monotonicity invariant in tests and callers.
func (r *Router) CurrentTier(taskID string) (providers.Tier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.highWaterTier[taskID]
	return t, ok
}

func (r *Router) resolve(ctx context.Context, taskID string, tier providers.Tier, providerID string) (Decision, error) {
	if providerID != "" {
		p, err := r.registry.Get(providerID)
		if err != nil {
			return Decision{}, fmt.Errorf("task %s: configured provider %s unavailable: %w", taskID, providerID, err)
		}
		return Decision{Tier: tier, ProviderID: providerID, Provider: p}, nil
	}

	p, err := r.registry.ForTier(ctx, tier)
	if err != nil {
		return Decision{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	return Decision{Tier: tier, ProviderID: p.Name(), Provider: p}, nil
}

func nextTier(t providers.Tier) (providers.Tier, error) {
	switch t {
	case config.TierLocal:
		return config.TierMid, nil
	case config.TierMid:
		return config.TierPremium, nil
	case config.TierPremium:
		return "", fmt.Errorf("already at highest tier")
	default:
		return config.TierLocal, nil
	}
}
