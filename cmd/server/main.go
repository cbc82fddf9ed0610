// Command server wires the engine together: config, keys, backends, stores,
// the mover and consistency services, and the HTTP surface. Business logic
// lives in the internal packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"

	"shuttle/internal/access"
	"shuttle/internal/backend"
	"shuttle/internal/consistency"
	"shuttle/internal/keyring"
	"shuttle/internal/metadata"
	"shuttle/internal/mover"
	"shuttle/internal/platform/config"
	"shuttle/internal/platform/httpserver"
	"shuttle/internal/platform/logger"
	"shuttle/internal/platform/metrics"
	redisplatform "shuttle/internal/platform/redis"
	httptransport "shuttle/internal/transport/http"
	audit "shuttle/pkg/platform/audit"
	"shuttle/pkg/platform/audit/publisher"
	"shuttle/pkg/platform/audit/sink"
	auditmem "shuttle/pkg/platform/audit/store/memory"
	auditpg "shuttle/pkg/platform/audit/store/postgres"
	"shuttle/pkg/platform/middleware/auth"
	"shuttle/pkg/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(parseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	// Invalid key material is the one startup condition that must halt the
	// process: a server with a bad key would write unreadable ciphertext.
	keys, err := keyring.New(domainKeys(cfg))
	if err != nil {
		return err
	}
	policy := access.New(domainRoles(cfg))

	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	backends, err := buildBackends(cfg, redisClient)
	if err != nil {
		return err
	}

	var db *sql.DB
	var store metadata.Store = metadata.NewInMemoryStore()
	var auditStore audit.Store = auditmem.NewInMemoryStore()
	if cfg.MetadataDriver == "postgres" {
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
		store = metadata.NewPostgres(db)
		auditStore = auditpg.New(db)
	}

	pubOpts := []publisher.Option{publisher.WithLogger(log), publisher.WithAsyncBuffer(256)}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		pubOpts = append(pubOpts, publisher.WithSink(kafkaSink))
	}
	pub := publisher.NewPublisher(auditStore, pubOpts...)
	defer pub.Close()

	retryPolicy := retry.New(
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBaseDelay(cfg.Retry.BaseDelay),
		retry.WithMaxDelay(cfg.Retry.MaxDelay),
		retry.WithMaxElapsed(cfg.Retry.MaxElapsed),
	)
	engineMetrics := metrics.New()

	moverService := mover.NewService(keys, policy, backends, store, retryPolicy, mover.NewInFlight(),
		mover.WithLogger(log),
		mover.WithAudit(pub),
		mover.WithMetrics(engineMetrics),
	)
	manager := consistency.NewManager(store, backends, keys, moverService, retryPolicy,
		consistency.WithLogger(log),
		consistency.WithAudit(pub),
		consistency.WithMetrics(engineMetrics),
		consistency.WithSweepInterval(cfg.SweepInterval),
		consistency.WithConcurrency(cfg.SweepConcurrency),
		consistency.WithRetryBudget(cfg.ConflictRetryBudget),
	)

	handler := httptransport.NewHandler(moverService, manager, keys, pub, log)
	verifier := auth.NewVerifier([]byte(cfg.JWTSigningKey), log)
	router := httptransport.NewRouter(handler, verifier, log)
	srv := httpserver.New(cfg.Addr, router)

	// The sweep goroutine must be joined before the deferred pub.Close runs,
	// or a sweep mid-flight could emit into a closed publisher.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		manager.Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("shuttle listening", "addr", cfg.Addr, "domains", len(cfg.Domains))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func buildBackends(cfg *config.Config, redisClient *redisplatform.Client) (*backend.Registry, error) {
	registry := backend.NewRegistry()
	for _, d := range cfg.Domains {
		switch {
		case d.Backend == "memory":
			registry.Register(d.Name, backend.NewMemory())
		case strings.HasPrefix(d.Backend, "fs:"):
			fs, err := backend.NewFS(strings.TrimPrefix(d.Backend, "fs:"))
			if err != nil {
				return nil, fmt.Errorf("domain %q: %w", d.Name, err)
			}
			registry.Register(d.Name, fs)
		case d.Backend == "redis":
			registry.Register(d.Name, backend.NewRedis(redisClient, "shuttle:"+d.Name+":"))
		default:
			return nil, fmt.Errorf("domain %q: unknown backend %q", d.Name, d.Backend)
		}
	}
	return registry, nil
}

func domainKeys(cfg *config.Config) []keyring.DomainKey {
	keys := make([]keyring.DomainKey, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		keys = append(keys, keyring.DomainKey{Domain: d.Name, Material: d.Key, Label: d.Name})
	}
	return keys
}

func domainRoles(cfg *config.Config) []access.DomainRoles {
	roles := make([]access.DomainRoles, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		roles = append(roles, access.DomainRoles{Domain: d.Name, Roles: d.Roles})
	}
	return roles
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
