package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"kasirinaja/settlement/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Port:                   "0",
		AllowedOrigin:          "*",
		StoreID:                "main-store",
		DefaultTimezone:        "Asia/Jakarta",
		StoreTimezones:         map[string]string{"bali-01": "Asia/Makassar"},
		SummaryCacheTTLSeconds: 60,
		ReservationTimeout:     time.Second,
		OutboxPollInterval:     10 * time.Millisecond,
		OutboxLeaseTTL:         time.Second,
		OutboxMaxAttempts:      3,
		OutboxBatchSize:        8,
		OutboxConsumer:         "main-test",
		OutboxAttemptsDBPath:   filepath.Join(t.TempDir(), "attempts.db"),
		RateLimitRPS:           100,
		RateLimitBurst:         100,
		ShutdownTimeout:        time.Second,
	}
}

func TestNewAppServesHealth(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	if got := a.dispatcher.Config(); got.Consumer != "main-test" || got.BatchSize != 8 || got.MaxAttempts != 3 {
		t.Fatalf("dispatcher config not taken from env config: %+v", got)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	attempts := httptest.NewRecorder()
	a.handler.ServeHTTP(attempts, httptest.NewRequest(http.MethodGet, "/api/v1/outbox/attempts", nil))
	if attempts.Code != http.StatusOK {
		t.Fatalf("expected sqlite attempt journal to answer, got %d", attempts.Code)
	}
}

func TestNewAppRejectsUnknownZone(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreTimezones = map[string]string{"main-store": "Mars/Olympus"}

	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Fatalf("expected unknown zone to fail startup")
	}
}

func TestDispatcherStopsWithContext(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.dispatcher.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop after cancel")
	}
}
