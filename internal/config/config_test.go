package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected default store driver memory, got %s", cfg.StoreDriver)
	}
	if cfg.BusDriver != BusDriverLog {
		t.Fatalf("expected default bus driver log, got %s", cfg.BusDriver)
	}
	if cfg.ShardCount != 1 {
		t.Fatalf("expected default shard count 1, got %d", cfg.ShardCount)
	}
}

func TestLoadRejectsInvalidStoreDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongodb")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid STORE_DRIVER to fail validation")
	}
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := &Config{ImminentWindowMs: 900000, HydrationIntervalMs: 60000, CoalesceWindowMs: 30000}
	if cfg.ImminentWindow().Seconds() != 900 {
		t.Fatalf("expected 900s imminent window, got %v", cfg.ImminentWindow())
	}
	if cfg.HydrationInterval().Seconds() != 60 {
		t.Fatalf("expected 60s hydration interval, got %v", cfg.HydrationInterval())
	}
	if cfg.CoalesceWindow().Seconds() != 30 {
		t.Fatalf("expected 30s coalesce window, got %v", cfg.CoalesceWindow())
	}
}
