package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"
)

// fakeModels answers every content with [len(text), call index].
type fakeModels struct {
	mu      sync.Mutex
	calls   [][]string
	configs []*genai.EmbedContentConfig
	err     error
	drop    bool
}

func (f *fakeModels) EmbedContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, c := range contents {
		texts = append(texts, c.Parts[0].Text)
	}
	f.calls = append(f.calls, texts)
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	resp := &genai.EmbedContentResponse{}
	for _, t := range texts {
		resp.Embeddings = append(resp.Embeddings, &genai.ContentEmbedding{
			Values: []float32{float32(len(t)), float32(len(f.calls))},
		})
	}
	if f.drop {
		resp.Embeddings = resp.Embeddings[:len(resp.Embeddings)-1]
	}
	return resp, nil
}

func newTestProvider(f *fakeModels, dims int) *Provider {
	return &Provider{models: f, model: DefaultModel, taskType: DefaultTaskType, dimensions: dims}
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := New(ctx, "", ""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New(ctx, "key", "", WithDimensions(-3)); err == nil {
		t.Error("expected error for negative dimensions")
	}
	p, err := New(ctx, "key", "", WithBaseURL("http://127.0.0.1:1"), WithTaskType("CLUSTERING"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
	if p.taskType != "CLUSTERING" {
		t.Errorf("taskType = %q", p.taskType)
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()
	f := &fakeModels{}
	p := newTestProvider(f, 256)

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 5 {
		t.Errorf("vec = %v", vec)
	}
	cfg := f.configs[0]
	if cfg.TaskType != DefaultTaskType {
		t.Errorf("TaskType = %q", cfg.TaskType)
	}
	if cfg.OutputDimensionality == nil || *cfg.OutputDimensionality != 256 {
		t.Errorf("OutputDimensionality = %v, want 256", cfg.OutputDimensionality)
	}
}

func TestEmbedBatch_SplitsLargeInputs(t *testing.T) {
	t.Parallel()
	f := &fakeModels{}
	p := newTestProvider(f, 0)

	texts := make([]string, maxBatch+7)
	for i := range texts {
		texts[i] = strings.Repeat("x", i%9+1)
	}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("len = %d, want %d", len(vecs), len(texts))
	}
	if len(f.calls) != 2 || len(f.calls[0]) != maxBatch || len(f.calls[1]) != 7 {
		t.Errorf("call sizes = %d calls", len(f.calls))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vecs[%d] = %v, misaligned with %q", i, v, texts[i])
		}
	}
	if f.configs[0].OutputDimensionality != nil {
		t.Error("OutputDimensionality should be unset without WithDimensions")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	t.Parallel()
	f := &fakeModels{}
	vecs, err := newTestProvider(f, 0).EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
	if len(f.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(f.calls))
	}
}

func TestEmbedBatch_Errors(t *testing.T) {
	t.Parallel()

	apiErr := errors.New("quota exceeded")
	_, err := newTestProvider(&fakeModels{err: apiErr}, 0).EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, apiErr) {
		t.Errorf("err = %v, want wrapping %v", err, apiErr)
	}

	_, err = newTestProvider(&fakeModels{drop: true}, 0).EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "expected 2 embeddings, got 1") {
		t.Errorf("err = %v", err)
	}
}

func TestDimensionsAndModelID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		dims   int
		want   int
		wantID string
	}{
		{model: "gemini-embedding-001", want: 3072, wantID: "gemini-embedding-001/semantic_similarity"},
		{model: "text-embedding-004", want: 768, wantID: "text-embedding-004/semantic_similarity"},
		{model: "gemini-embedding-001", dims: 768, want: 768, wantID: "gemini-embedding-001/semantic_similarity@768"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d", tt.model, tt.dims), func(t *testing.T) {
			t.Parallel()
			p := &Provider{model: tt.model, taskType: DefaultTaskType, dimensions: tt.dims}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() = %d, want %d", got, tt.want)
			}
			if got := p.ModelID(); got != tt.wantID {
				t.Errorf("ModelID() = %q, want %q", got, tt.wantID)
			}
		})
	}
}
