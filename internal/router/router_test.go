package router

import (
	"context"
	"testing"

	"merlin/internal/config"
	"merlin/internal/providers"
)

type stubProvider struct {
	name string
	tier providers.Tier
}

func (s *stubProvider) Name() string                                    { return s.name }
func (s *stubProvider) IsAvailable(ctx context.Context) bool            { return true }
func (s *stubProvider) Tier() providers.Tier                            { return s.tier }
func (s *stubProvider) EstimateCost(reqCtx providers.Context) float64   { return 0 }
func (s *stubProvider) Generate(ctx context.Context, reqCtx providers.Context) (providers.Response, error) {
	return providers.Response{Text: "stub"}, nil
}

func newTestRouter() *Router {
	cfg := config.DefaultConfig()
	reg := providers.NewRegistry()
	reg.Register("local-a", &stubProvider{name: "local-a", tier: config.TierLocal})
	reg.Register("mid-a", &stubProvider{name: "mid-a", tier: config.TierMid})
	reg.Register("premium-a", &stubProvider{name: "premium-a", tier: config.TierPremium})
	return New(cfg, reg)
}

func TestRoute_UsesConfiguredDifficultyBand(t *testing.T) {
	r := newTestRouter()

	d, err := r.Route(context.Background(), "task-1", 2)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != config.TierLocal {
		t.Errorf("expected TierLocal for difficulty 2, got %s", d.Tier)
	}

	d, err = r.Route(context.Background(), "task-2", 9)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != config.TierPremium {
		t.Errorf("expected TierPremium for difficulty 9, got %s", d.Tier)
	}
}

func TestEscalate_MovesToNextTierMonotonically(t *testing.T) {
	r := newTestRouter()

	if _, err := r.Route(context.Background(), "task-1", 2); err != nil {
		t.Fatalf("Route: %v", err)
	}

	d, err := r.Escalate(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if d.Tier != config.TierMid {
		t.Errorf("expected escalation to TierMid, got %s", d.Tier)
	}

	d, err = r.Escalate(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if d.Tier != config.TierPremium {
		t.Errorf("expected escalation to TierPremium, got %s", d.Tier)
	}

	if _, err := r.Escalate(context.Background(), "task-1"); err == nil {
		t.Errorf("expected error escalating past the top tier")
	}
}

func TestEscalate_NeverDecreasesTier(t *testing.T) {
	r := newTestRouter()
	if _, err := r.Route(context.Background(), "task-1", 8); err != nil {
		t.Fatalf("Route: %v", err)
	}
	tier, _ := r.CurrentTier("task-1")
	if tier != config.TierPremium {
		t.Fatalf("expected initial tier premium, got %s", tier)
	}

	d, err := r.Escalate(context.Background(), "task-1")
	if err == nil {
		t.Fatalf("expected escalation past premium to fail, got %+v", d)
	}
}
