package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"MAX_SECTION_DEPTH", "VERSION_RETENTION", "REDIS_URL", "S3_USE_SSL", "DATABASE_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.MaxSectionDepth != 6 {
		t.Fatalf("MaxSectionDepth = %d, want 6", cfg.MaxSectionDepth)
	}
	if cfg.VersionRetention != 50 {
		t.Fatalf("VersionRetention = %d, want 50", cfg.VersionRetention)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
	if cfg.ConversionCacheTTL != time.Hour {
		t.Fatalf("ConversionCacheTTL = %v", cfg.ConversionCacheTTL)
	}
	if cfg.UsesMemoryStore() {
		t.Fatal("default database should be postgres")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_SECTION_DEPTH", "3")
	t.Setenv("VERSION_RETENTION", "not-a-number")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("DATABASE_URL", "memory://")

	cfg := Load()
	if cfg.MaxSectionDepth != 3 {
		t.Fatalf("MaxSectionDepth = %d, want 3", cfg.MaxSectionDepth)
	}
	if cfg.VersionRetention != 50 {
		t.Fatalf("invalid int should fall back, got %d", cfg.VersionRetention)
	}
	if !cfg.S3UseSSL {
		t.Fatal("expected S3UseSSL")
	}
	if !cfg.UsesMemoryStore() {
		t.Fatal("expected memory store")
	}
}
