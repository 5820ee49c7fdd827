// Package gemini provides an embeddings provider backed by the Gemini API
// through the official google.golang.org/genai client.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
)

// DefaultModel is the default Gemini embeddings model.
const DefaultModel = "gemini-embedding-001"

// DefaultTaskType tunes vectors for comparing texts with each other, which is
// what boundary detection does.
const DefaultTaskType = "SEMANTIC_SIMILARITY"

// maxBatch is the largest number of contents the API accepts per request.
const maxBatch = 100

var _ embeddings.Provider = (*Provider)(nil)

// contentEmbedder is the subset of *genai.Models used by Provider.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Provider implements embeddings.Provider using the Gemini API.
type Provider struct {
	models     contentEmbedder
	model      string
	taskType   string
	dimensions int
}

type config struct {
	baseURL    string
	timeout    time.Duration
	taskType   string
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTaskType sets the embedding task type sent with every request.
func WithTaskType(t string) Option {
	return func(c *config) { c.taskType = t }
}

// WithDimensions requests output vectors of n dimensions.
func WithDimensions(n int) Option {
	return func(c *config) { c.dimensions = n }
}

// New constructs a Gemini embeddings Provider. If model is empty,
// DefaultModel is used.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{taskType: DefaultTaskType}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("gemini embeddings: dimensions %d must be >= 0", cfg.dimensions)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: create client: %w", err)
	}

	return &Provider{
		models:     client.Models,
		model:      model,
		taskType:   cfg.taskType,
		dimensions: cfg.dimensions,
	}, nil
}

func (p *Provider) embedConfig() *genai.EmbedContentConfig {
	c := &genai.EmbedContentConfig{TaskType: p.taskType}
	if p.dimensions > 0 {
		n := int32(p.dimensions)
		c.OutputDimensionality = &n
	}
	return c
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Inputs larger than the API's
// per-request limit are split into several requests.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vecs, err := p.embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("gemini embeddings: embed batch: %w", err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}
	resp, err := p.models.EmbedContent(ctx, p.model, contents, p.embedConfig())
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), got)
	}
	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider. The task type and a requested
// width both change the vector space and are part of the ID.
func (p *Provider) ModelID() string {
	id := p.model + "/" + strings.ToLower(p.taskType)
	if p.dimensions > 0 {
		id = fmt.Sprintf("%s@%d", id, p.dimensions)
	}
	return id
}

func modelDimensions(model string) int {
	if strings.Contains(strings.ToLower(model), "gemini-embedding") {
		return 3072
	}
	return 768
}
