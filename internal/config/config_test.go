package config_test

import (
	"strings"
	"testing"
	"time"

	"vaultline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if time.Duration(cfg.Approvals.TTL) != 24*time.Hour {
		t.Fatalf("approval ttl = %v", time.Duration(cfg.Approvals.TTL))
	}
	if time.Duration(cfg.Claims.TTL) != 30*time.Minute {
		t.Fatalf("claim ttl = %v", time.Duration(cfg.Claims.TTL))
	}
	if !cfg.ValidAction("send_email") {
		t.Fatalf("default catalog missing send_email")
	}
	if cfg.ValidAction("format_disk") {
		t.Fatalf("catalog accepted unknown action")
	}
}

func TestFromYAMLRejectsBadStore(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("."), "store: fs", "store: mongodb", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected unknown store to be rejected")
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("."), "ttl: 24h", "ttl: eventually", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected bad duration to be rejected")
	}
}

func TestFromYAMLRequiresWriter(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("."), "writer: local-worker", "writer: \"\"", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected missing writer to be rejected")
	}
}
