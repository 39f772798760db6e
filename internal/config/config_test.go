package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrentTasks != 4 {
		t.Errorf("expected MaxConcurrentTasks=4, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.MaxRetriesPerTask != 3 {
		t.Errorf("expected MaxRetriesPerTask=3, got %d", cfg.MaxRetriesPerTask)
	}
	if !cfg.Validation.EarlyExit {
		t.Errorf("expected early_exit to default true")
	}
	if cfg.Routing.Difficulty[1].Tier != TierLocal {
		t.Errorf("expected difficulty 1 to route to local tier, got %s", cfg.Routing.Difficulty[1].Tier)
	}
	if cfg.Routing.Difficulty[5].Tier != TierMid {
		t.Errorf("expected difficulty 5 to route to mid tier, got %s", cfg.Routing.Difficulty[5].Tier)
	}
	if cfg.Routing.Difficulty[10].Tier != TierPremium {
		t.Errorf("expected difficulty 10 to route to premium tier, got %s", cfg.Routing.Difficulty[10].Tier)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.MaxConcurrentTasks = 8
	cfg.Providers["premium-a"] = ProviderConfig{Endpoint: "https://example.test", Model: "big-model"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.MaxConcurrentTasks != 8 {
		t.Errorf("expected MaxConcurrentTasks=8, got %d", loaded.MaxConcurrentTasks)
	}
	if loaded.Providers["premium-a"].Model != "big-model" {
		t.Errorf("expected provider round-trip, got %+v", loaded.Providers["premium-a"])
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxConcurrentTasks != 4 {
		t.Errorf("expected defaults when file missing, got %+v", cfg)
	}
}

func TestValidate_RejectsIncompleteRoutingTable(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Routing.Difficulty, 7)
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected validation error for missing difficulty band")
	}
}

func TestEnvOverrides_SetsProviderAPIKey(t *testing.T) {
	t.Setenv("MERLIN_PROVIDER_PREMIUM_A_API_KEY", "secret-from-env")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Providers["premium-a"] = ProviderConfig{Endpoint: "https://example.test"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Providers["premium-a"].APIKey != "secret-from-env" {
		t.Errorf("expected env override to set API key, got %q", loaded.Providers["premium-a"].APIKey)
	}
}
