package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/config"
	"kasirinaja/settlement/internal/httpapi"
	"kasirinaja/settlement/internal/outbox"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
	pgstore "kasirinaja/settlement/internal/store/postgres"
	"kasirinaja/settlement/internal/store/sqlite"
	"kasirinaja/settlement/internal/telemetry"
)

type app struct {
	handler    http.Handler
	dispatcher *outbox.Dispatcher
	closers    []func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "settlement", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("tracing setup: %v", err)
	}

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := newApp(startupCtx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("settlement engine listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server error: %v", err)
	}
	a.close()
	log.Println("server stopped")
}

// newApp builds the repository, optional redis and attempt journal, the
// outbox dispatcher and the HTTP API from cfg.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
			return nil, err
		}
		repo = pg
		a.closers = append(a.closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var sequencer store.Sequencer
	summaryCache := cache.SummaryCache(cache.NoopSummaryCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), using repository sequences and noop cache", err)
			_ = client.Close()
		} else {
			sequencer = cache.NewRedisSequencer(client)
			summaryCache = cache.NewRedisSummaryCache(client)
			a.closers = append(a.closers, client.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var attempts store.AttemptStore
	if cfg.OutboxAttemptsDBPath != "" {
		journal, err := sqlite.Open(ctx, cfg.OutboxAttemptsDBPath)
		if err != nil {
			a.close()
			return nil, err
		}
		attempts = journal
		a.closers = append(a.closers, journal.Close)
		log.Printf("delivery attempts: sqlite %s", cfg.OutboxAttemptsDBPath)
	} else {
		attempts = outbox.NewMemoryAttempts()
		log.Println("delivery attempts: in-memory")
	}

	zones, err := service.NewZones(cfg.DefaultTimezone, cfg.StoreTimezones)
	if err != nil {
		a.close()
		return nil, err
	}

	a.dispatcher = outbox.New(repo, attempts, outbox.Config{
		Consumer:     cfg.OutboxConsumer,
		PollInterval: cfg.OutboxPollInterval,
		LeaseTTL:     cfg.OutboxLeaseTTL,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		BatchSize:    cfg.OutboxBatchSize,
	})
	svc := service.New(repo, service.Options{
		DefaultStoreID:     cfg.StoreID,
		Zones:              zones,
		Sequencer:          sequencer,
		SummaryCache:       summaryCache,
		SummaryCacheTTL:    cfg.SummaryCacheTTL(),
		ReservationTimeout: cfg.ReservationTimeout,
		Notify:             a.dispatcher.Notify,
	})
	svc.RegisterHandlers(a.dispatcher)

	api := httpapi.New(svc, attempts, httpapi.Config{
		AllowedOrigin:  cfg.AllowedOrigin,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	a.handler = api.Handler()
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close error: %v", err)
		}
	}
}
