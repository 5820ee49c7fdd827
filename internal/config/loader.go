package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama", "gemini"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// An empty document yields the zero Config, which is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.Embeddings.Name == "" && len(cfg.Providers.EmbeddingsFallbacks) > 0 {
		errs = append(errs, errors.New("providers.embeddings_fallbacks requires providers.embeddings to be configured"))
	}
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("embeddings", fb.Name)
	}

	// Embedding
	if cfg.Embedding.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("embedding.batch_size %d must be >= 0", cfg.Embedding.BatchSize))
	}
	if cfg.Embedding.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("embedding.concurrency %d must be >= 0", cfg.Embedding.Concurrency))
	}
	if cfg.Embedding.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("embedding.cache.ttl %s must be >= 0", cfg.Embedding.Cache.TTL))
	}
	if cfg.Embedding.Cache.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("embedding.cache.redis_db %d must be >= 0", cfg.Embedding.Cache.RedisDB))
	}
	if !cfg.Embedding.Cache.Enabled && cfg.Embedding.Cache.RedisAddr != "" {
		slog.Warn("embedding.cache.redis_addr is set but the cache is disabled")
	}

	// Segmentation
	for i, t := range cfg.Segmentation.Tiers {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("segmentation.tiers[%d].name is required", i))
		}
	}
	if err := cfg.SegmentConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}

	// Store
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must be > 0", cfg.Store.EmbeddingDimensions))
	}
	if cfg.Store.PostgresDSN != "" && cfg.Store.EmbeddingDimensions == 0 {
		errs = append(errs, errors.New("store.embedding_dimensions is required when store.postgres_dsn is set"))
	}
	if cfg.Store.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("store.postgres_dsn is set but no embeddings provider is configured; runs will be stored without searchable embeddings")
	}
	if cfg.Store.PostgresDSN == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Warn("store.postgres_dsn is empty; clips will not be persisted or searchable")
	}

	// Inbox
	if cfg.Inbox.Settle < 0 {
		errs = append(errs, fmt.Errorf("inbox.settle %s must be >= 0", cfg.Inbox.Settle))
	}
	if cfg.Inbox.DoneDir != "" && cfg.Inbox.Dir == "" {
		errs = append(errs, errors.New("inbox.done_dir requires inbox.dir"))
	}
	if cfg.Inbox.Dir != "" && cfg.Inbox.Dir == cfg.Inbox.DoneDir {
		errs = append(errs, errors.New("inbox.done_dir must differ from inbox.dir"))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
