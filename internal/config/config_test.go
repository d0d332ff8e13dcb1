package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_TIMEZONES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Address())
	}
	if cfg.StoreID != "main-store" || cfg.DefaultTimezone != "UTC" {
		t.Fatalf("unexpected store defaults %+v", cfg)
	}
	if cfg.SummaryCacheTTL() != 5*time.Minute {
		t.Fatalf("expected 5m cache ttl, got %s", cfg.SummaryCacheTTL())
	}
	if cfg.OutboxPollInterval != time.Second || cfg.OutboxLeaseTTL != 30*time.Second || cfg.OutboxMaxAttempts != 8 {
		t.Fatalf("unexpected outbox defaults %+v", cfg)
	}
	if cfg.ReservationTimeout != 5*time.Second {
		t.Fatalf("expected 5s reservation timeout, got %s", cfg.ReservationTimeout)
	}
}

func TestLoadStoreTimezones(t *testing.T) {
	t.Setenv("DEFAULT_TIMEZONE", "Asia/Jakarta")
	t.Setenv("STORE_TIMEZONES", "bali-01=Asia/Makassar,papua-01=Asia/Jayapura")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultTimezone != "Asia/Jakarta" {
		t.Fatalf("unexpected default zone %s", cfg.DefaultTimezone)
	}
	if cfg.StoreTimezones["bali-01"] != "Asia/Makassar" || cfg.StoreTimezones["papua-01"] != "Asia/Jayapura" {
		t.Fatalf("unexpected zones %v", cfg.StoreTimezones)
	}
}

func TestLoadRejectsUnknownZone(t *testing.T) {
	t.Setenv("STORE_TIMEZONES", "main-store=Mars/Olympus")

	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown zone to fail")
	}
}

func TestLoadRejectsNonPositiveTuning(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected zero batch size to fail")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("OUTBOX_LEASE_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed duration to fail")
	}
}
