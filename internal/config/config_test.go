package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerAddr != "0.0.0.0:8080" {
		t.Errorf("got addr %q, want default", cfg.ServerAddr)
	}
	if cfg.PubSubType != "memory" {
		t.Errorf("got pubsub type %q, want memory", cfg.PubSubType)
	}
	if len(cfg.ICESTUNURLs) == 0 {
		t.Error("expected default STUN URL")
	}
}

func TestLoad_RedisRequiresURL(t *testing.T) {
	t.Setenv("PUBSUB_TYPE", "redis")
	if _, err := Load(); err == nil {
		t.Error("expected error when PUBSUB_TYPE=redis without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PubSubType != "redis" {
		t.Errorf("got pubsub type %q, want redis", cfg.PubSubType)
	}
}

func TestSplitEnv(t *testing.T) {
	t.Setenv("ICE_STUN_URLS", "stun:a:3478, stun:b:3478 ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.ICESTUNURLs) != 2 {
		t.Fatalf("got %d STUN URLs, want 2", len(cfg.ICESTUNURLs))
	}
	if cfg.ICESTUNURLs[1] != "stun:b:3478" {
		t.Errorf("got %q, want trimmed value", cfg.ICESTUNURLs[1])
	}
}
