// Package cache provides an embeddings.Provider decorator that remembers
// sentence vectors in a key-value backend.
//
// Re-segmenting a transcript with different settings embeds exactly the same
// sentences again; with a cache in front of the provider only new text is
// sent. Keys are derived from the wrapped provider's ModelID and a SHA-256 of
// the text, so vectors of different models never collide.
//
// Cache failures never fail an embedding call: a broken backend is logged and
// the wrapped provider is used directly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
)

// DefaultTTL is how long cached vectors live when no TTL is configured.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "cliptile:emb:"

// Backend stores encoded vectors.
type Backend interface {
	// GetMany returns one entry per key, nil for a miss.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// SetMany stores every entry with the given time to live.
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}

// LookupFunc receives the hit and miss counts of one cache lookup.
type LookupFunc func(ctx context.Context, hits, misses int)

var _ embeddings.Provider = (*Provider)(nil)

// Provider wraps an embeddings.Provider with a cache.
type Provider struct {
	inner    embeddings.Provider
	backend  Backend
	ttl      time.Duration
	prefix   string
	onLookup LookupFunc
}

// Option configures a [Provider].
type Option func(*Provider)

// WithTTL sets the lifetime of written entries.
func WithTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(p *Provider) { p.prefix = prefix }
}

// WithLookupFunc registers a callback invoked after every lookup.
func WithLookupFunc(fn LookupFunc) Option {
	return func(p *Provider) { p.onLookup = fn }
}

// New wraps inner with backend.
func New(inner embeddings.Provider, backend Backend, opts ...Option) *Provider {
	p := &Provider{
		inner:   inner,
		backend: backend,
		ttl:     DefaultTTL,
		prefix:  DefaultPrefix,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Unwrap returns the wrapped provider.
func (p *Provider) Unwrap() embeddings.Provider { return p.inner }

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Cached texts are served from the
// backend; the rest are embedded in one call to the wrapped provider and
// written back.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = p.key(t)
	}

	out := make([][]float32, len(texts))
	cached, err := p.backend.GetMany(ctx, keys)
	if err != nil {
		slog.WarnContext(ctx, "embedding cache: lookup failed, bypassing", "err", err)
		cached = nil
	}
	var missIdx []int
	for i := range texts {
		if i < len(cached) && cached[i] != nil {
			if v, ok := decode(cached[i]); ok {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
	}
	if p.onLookup != nil {
		p.onLookup(ctx, len(texts)-len(missIdx), len(missIdx))
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}
	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
			embeddings.ErrLengthMismatch, len(vecs), len(missTexts))
	}

	entries := make(map[string][]byte, len(missIdx))
	for j, i := range missIdx {
		out[i] = vecs[j]
		entries[keys[i]] = encode(vecs[j])
	}
	if err := p.backend.SetMany(ctx, entries, p.ttl); err != nil {
		slog.WarnContext(ctx, "embedding cache: write failed", "err", err, "entries", len(entries))
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

func (p *Provider) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return p.prefix + p.inner.ModelID() + ":" + hex.EncodeToString(sum[:])
}

// encode stores a vector as little-endian float32 words.
func encode(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decode(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, true
}
