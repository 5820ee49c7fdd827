package app_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cliptile/internal/app"
	"github.com/MrWong99/cliptile/internal/config"
	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/internal/resilience"
	"github.com/MrWong99/cliptile/pkg/clipstore"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings/mock"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

const cueSeconds = 10

// topicSentences returns 12 sentences about cats followed by 12 about
// rockets, and a vector table that places the two topics in orthogonal
// directions.
func topicSentences() ([]string, map[string][]float32) {
	var sentences []string
	vecs := map[string][]float32{}
	for i := range 12 {
		s := fmt.Sprintf("Cats purr softly number %d.", i)
		sentences = append(sentences, s)
		vecs[s] = []float32{1, float32(i%3) * 0.05, 0}
	}
	for i := range 12 {
		s := fmt.Sprintf("Rockets launch loudly number %d.", i)
		sentences = append(sentences, s)
		vecs[s] = []float32{0, 1, float32(i%3) * 0.05}
	}
	vecs["furry cats"] = []float32{1, 0, 0}
	return sentences, vecs
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(sec int) string {
	return fmt.Sprintf("%02d:%02d:%02d,000", sec/3600, sec/60%60, sec%60)
}

// buildSRT renders one cue per sentence, cueSeconds long each.
func buildSRT(sentences []string) string {
	var b strings.Builder
	for i, s := range sentences {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1,
			srtTimestamp(i*cueSeconds), srtTimestamp((i+1)*cueSeconds), s)
	}
	return b.String()
}

func topicTranscript(t *testing.T) (*transcript.Transcript, string, map[string][]float32) {
	t.Helper()
	sentences, vecs := topicSentences()
	srt := buildSRT(sentences)
	tr, err := transcript.ParseSRT(strings.NewReader(srt))
	if err != nil {
		t.Fatalf("ParseSRT: %v", err)
	}
	return tr, srt, vecs
}

func lookupProvider(model string, vecs map[string][]float32) *mock.Provider {
	return &mock.Provider{ModelIDValue: model, DimensionsValue: 3, EmbedBatchFunc: mock.Lookup(vecs, 3)}
}

// newTestApp builds an App over the given providers (first is primary) with
// metrics read through a ManualReader. store may be nil.
func newTestApp(t *testing.T, store clipstore.Store, providers ...embeddings.Provider) (*app.App, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	group := resilience.NewFallbackGroup(providers[0], "primary", resilience.FallbackConfig{})
	for i, p := range providers[1:] {
		group.AddFallback(fmt.Sprintf("fallback-%d", i), p)
	}

	opts := []app.Option{app.WithMetrics(m)}
	if store != nil {
		opts = append(opts, app.WithStore(store))
	}
	a, err := app.New(context.Background(), &config.Config{}, group, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, reader
}

// counterValue sums every data point of the Int64 counter name whose
// attributes include the given key/value pairs.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs map[string]string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, not an int64 sum", name, m.Data)
			}
		dp:
			for _, p := range sum.DataPoints {
				for k, v := range attrs {
					got, ok := p.Attributes.Value(attribute.Key(k))
					if !ok || got.AsString() != v {
						continue dp
					}
				}
				total += p.Value
			}
		}
	}
	return total
}
