package prelink

import (
	"testing"

	"github.com/xyproto/env/v2"
)

func TestConfigFromEnvSeed(t *testing.T) {
	t.Cleanup(env.Load)
	t.Setenv("PRELINK_SEED", "0x2a")
	t.Setenv("PRELINK_CACHE", "/tmp/prelink-test.cache")
	env.Load()

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Seed == nil || *cfg.Seed != 0x2a {
		t.Fatalf("unexpected seed: %v", cfg.Seed)
	}
	if !cfg.Random {
		t.Fatalf("a seed from the environment did not enable randomization")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.CachePath != "/tmp/prelink-test.cache" {
		t.Fatalf("unexpected cache path: %s", cfg.CachePath)
	}
}

func TestConfigFromEnvBadSeed(t *testing.T) {
	t.Cleanup(env.Load)
	t.Setenv("PRELINK_SEED", "seed")
	env.Load()

	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected an error for a malformed seed")
	}
}
