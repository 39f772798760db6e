package providers

import (
	"fmt"

	"merlin/internal/config"
)

// BuildRegistry constructs a Registry from the provider.<id> config block,
// inferring each provider's tier from the routing table. A provider that no
// difficulty band names is registered as a Mid-tier provider.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()

	tierByProviderID := make(map[string]Tier)
	for _, band := range cfg.Routing.Difficulty {
		if band.Provider != "" {
			tierByProviderID[band.Provider] = band.Tier
		}
	}

	for id, pcfg := range cfg.Providers {
		tier, named := tierByProviderID[id]
		if !named {
			tier = TierMid
		}

		if tier == TierLocal {
			p, err := NewLocalProvider(id, pcfg)
			if err != nil {
				return nil, fmt.Errorf("building local provider %s: %w", id, err)
			}
			reg.Register(id, p)
			continue
		}

		p, err := NewGeminiProvider(id, pcfg, tier)
		if err != nil {
			return nil, fmt.Errorf("building gemini provider %s: %w", id, err)
		}
		reg.Register(id, p)
	}

	return reg, nil
}
