// Package app wires the cliptile subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects the clip store and
// validates the segmentation settings, Segment and Search serve requests, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cliptile/internal/config"
	"github.com/MrWong99/cliptile/internal/health"
	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/internal/resilience"
	"github.com/MrWong99/cliptile/pkg/clipstore"
	"github.com/MrWong99/cliptile/pkg/clipstore/postgres"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
	"github.com/MrWong99/cliptile/pkg/segment"
)

// ErrNoStore is returned by operations that need a clip store when none is
// configured.
var ErrNoStore = errors.New("app: no clip store configured")

// App owns all subsystem lifetimes and runs the segmentation pipeline:
// transcript sentences → embeddings → clip finder → clip store.
type App struct {
	cfg       *config.Config
	embedders *resilience.FallbackGroup[embeddings.Provider]
	store     clipstore.Store
	metrics   *observe.Metrics
	batch     embeddings.BatchOptions

	// segCfg is swapped on hot reload; every run reads it once.
	segCfg atomic.Pointer[segment.Config]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a clip store instead of connecting to the configured
// PostgreSQL database.
func WithStore(s clipstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App. embedders is the primary embeddings provider plus its
// fallbacks, built by main.go from the config registry.
//
// When no store is injected and store.postgres_dsn is set, New connects to
// PostgreSQL and migrates the schema. Without either, runs are not persisted
// and Search returns [ErrNoStore].
func New(ctx context.Context, cfg *config.Config, embedders *resilience.FallbackGroup[embeddings.Provider], opts ...Option) (*App, error) {
	if embedders == nil || embedders.Len() == 0 {
		return nil, errors.New("app: an embeddings provider is required")
	}
	a := &App{
		cfg:       cfg,
		embedders: embedders,
		batch: embeddings.BatchOptions{
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
		},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.UpdateSegmentation(cfg.SegmentConfig()); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	return a, nil
}

// initStore connects the PostgreSQL clip store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil || a.cfg.Store.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN, a.cfg.Store.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("clip store connected", "dimensions", a.cfg.Store.EmbeddingDimensions)
	return nil
}

// UpdateSegmentation validates cfg and makes it the configuration for every
// run started afterwards. Runs in flight keep the settings they started with.
func (a *App) UpdateSegmentation(cfg segment.Config) error {
	if _, err := segment.NewFinder(cfg); err != nil {
		return err
	}
	a.segCfg.Store(&cfg)
	return nil
}

// SegmentConfig returns the configuration new runs will use.
func (a *App) SegmentConfig() segment.Config {
	return *a.segCfg.Load()
}

// HasStore reports whether runs are persisted.
func (a *App) HasStore() bool { return a.store != nil }

// HealthCheckers returns the readiness checks for the app's dependencies.
func (a *App) HealthCheckers() []health.Checker {
	checks := []health.Checker{{
		Name: "embeddings",
		Check: func(context.Context) error {
			for _, st := range a.embedders.Status() {
				if st.State != resilience.StateOpen {
					return nil
				}
			}
			return errors.New("every provider circuit is open")
		},
	}}
	if a.store != nil {
		checks = append(checks, health.PingChecker("clip_store", a.store))
	}
	return checks
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
