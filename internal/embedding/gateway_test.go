package embedding

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// countingEmbedder wraps HashEmbedder and counts upstream batch calls.
type countingEmbedder struct {
	*HashEmbedder
	batchCalls atomic.Int64
	fail       atomic.Bool
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls.Add(1)
	if c.fail.Load() {
		return nil, assert.AnError
	}
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Gateway, *countingEmbedder) {
	t.Helper()
	emb := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	g := NewGateway(emb, cfg, nil)
	t.Cleanup(g.Close)
	return g, emb
}

func TestHashEmbedderDeterministic(t *testing.T) {
	emb := NewHashEmbedder(128)
	a, err := emb.Embed(context.Background(), "project apollo kickoff")
	require.NoError(t, err)
	b, err := emb.Embed(context.Background(), "project apollo kickoff")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Overlapping token sets score higher than disjoint ones.
	q, err := emb.Embed(context.Background(), "apollo launch")
	require.NoError(t, err)
	other, err := emb.Embed(context.Background(), "unrelated grocery list")
	require.NoError(t, err)
	assert.Greater(t, Cosine(a, q), Cosine(a, other))
}

func TestGatewayCaches(t *testing.T) {
	g, emb := newTestGateway(t, GatewayConfig{Window: time.Millisecond})

	v1, err := g.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := g.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), emb.batchCalls.Load())

	stats := g.CacheStats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestGatewayCoalesces(t *testing.T) {
	g, emb := newTestGateway(t, GatewayConfig{Window: 30 * time.Millisecond, BatchSize: 32})

	var wg sync.WaitGroup
	texts := []string{"one fish", "two fish", "red fish", "blue fish"}
	for _, text := range texts {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := g.Embed(context.Background(), s)
			assert.NoError(t, err)
		}(text)
	}
	wg.Wait()

	// Concurrent distinct texts should ride far fewer upstream calls
	// than one each.
	assert.LessOrEqual(t, emb.batchCalls.Load(), int64(2))
}

func TestGatewayFallbackOnFailure(t *testing.T) {
	g, emb := newTestGateway(t, GatewayConfig{Window: time.Millisecond})
	emb.fail.Store(true)

	vec, err := g.Embed(context.Background(), "doomed")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindEmbedder))
	require.Len(t, vec, 64)
	assert.True(t, IsZero(vec))

	// Failures are not cached; recovery serves real vectors again.
	emb.fail.Store(false)
	vec, err = g.Embed(context.Background(), "doomed")
	require.NoError(t, err)
	assert.False(t, IsZero(vec))
}

func TestGatewayRespectsContext(t *testing.T) {
	g, _ := newTestGateway(t, GatewayConfig{Window: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Embed(ctx, "never returns in time")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTimeout))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}
