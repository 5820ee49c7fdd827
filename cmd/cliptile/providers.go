package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/cliptile/internal/config"
	"github.com/MrWong99/cliptile/internal/health"
	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/internal/resilience"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings/cache"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings/gemini"
	ollamaembed "github.com/MrWong99/cliptile/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/cliptile/pkg/provider/embeddings/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in embeddings factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if v, ok := entry.Options["truncate"].(bool); ok {
			opts = append(opts, ollamaembed.WithTruncate(v))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("gemini", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if tt := optString(entry.Options, "task_type"); tt != "" {
			opts = append(opts, gemini.WithTaskType(tt))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, gemini.WithDimensions(n))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, gemini.WithTimeout(d))
		}
		return gemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.EmbeddingsNames() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}

// embedders is the provider chain handed to the app plus the resources that
// outlive it.
type embedders struct {
	group    *resilience.FallbackGroup[embeddings.Provider]
	checkers []health.Checker
	closers  []func() error
}

func (e *embedders) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// buildEmbedders instantiates the primary embeddings provider and its
// fallbacks, wraps each in the vector cache when enabled and groups them
// behind circuit breakers.
func buildEmbedders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*embedders, error) {
	out := &embedders{}

	backend, err := newCacheBackend(ctx, cfg.Embedding.Cache)
	if err != nil {
		return nil, err
	}
	if backend != nil {
		out.closers = append(out.closers, backend.Close)
		check := health.PingChecker("embedding_cache", backend)
		check.Optional = true
		out.checkers = append(out.checkers, check)
	}

	entries := append([]config.ProviderEntry{cfg.Providers.Embeddings}, cfg.Providers.EmbeddingsFallbacks...)
	for i, entry := range entries {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		if backend != nil {
			var opts []cache.Option
			if ttl := cfg.Embedding.Cache.TTL; ttl > 0 {
				opts = append(opts, cache.WithTTL(ttl))
			}
			opts = append(opts, cache.WithLookupFunc(metrics.RecordCacheLookups))
			p = cache.New(p, backend, opts...)
		}

		name := fmt.Sprintf("%s/%s", entry.Name, p.ModelID())
		if i == 0 {
			out.group = resilience.NewFallbackGroup(p, name, resilience.FallbackConfig{})
		} else {
			out.group.AddFallback(name, p)
		}
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", p.ModelID(), "fallback", i > 0)
	}
	return out, nil
}

// newCacheBackend returns nil when the cache is disabled.
func newCacheBackend(ctx context.Context, cfg config.CacheConfig) (cache.Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		slog.Info("embedding cache enabled", "backend", "memory")
		return cache.NewMemoryBackend(), nil
	}
	b, err := cache.NewRedisBackend(ctx, cache.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	slog.Info("embedding cache enabled", "backend", "redis", "addr", cfg.RedisAddr)
	return b, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int;
// float64 is accepted for values that came through JSON.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration option such as "30s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
