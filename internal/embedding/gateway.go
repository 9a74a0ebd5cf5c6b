package embedding

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// GatewayConfig configures the embedding gateway.
type GatewayConfig struct {
	// CacheEntries is the LRU capacity (floor MinCacheEntries).
	CacheEntries int
	// BatchSize caps how many texts one upstream call carries.
	BatchSize int
	// Window is how long the batcher waits to coalesce concurrent requests.
	Window time.Duration
	// UpstreamTimeout bounds one upstream batch call.
	UpstreamTimeout time.Duration
}

// DefaultGatewayConfig returns the default gateway configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CacheEntries:    4096,
		BatchSize:       32,
		Window:          50 * time.Millisecond,
		UpstreamTimeout: 15 * time.Second,
	}
}

// Gateway fronts the external embedder with caching and coalescing. When
// the upstream fails, callers receive a zero vector together with an
// ErrEmbedder error and decide whether to persist without a vector.
type Gateway struct {
	embedder Embedder
	cache    *lruCache
	logger   *zap.Logger
	cfg      GatewayConfig

	requests chan *embedRequest
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type embedRequest struct {
	text string
	done chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// NewGateway creates a gateway and starts its coalescing loop.
func NewGateway(embedder Embedder, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 32 {
		cfg.BatchSize = 32
	}
	if cfg.Window <= 0 {
		cfg.Window = 50 * time.Millisecond
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 15 * time.Second
	}
	g := &Gateway{
		embedder: embedder,
		cache:    newLRUCache(cfg.CacheEntries),
		logger:   logger,
		cfg:      cfg,
		requests: make(chan *embedRequest, cfg.BatchSize*4),
		shutdown: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.loop()
	return g
}

// Dimension returns the embedder's vector dimension.
func (g *Gateway) Dimension() int { return g.embedder.Dimension() }

// Embed returns the embedding for text, serving from cache when possible.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentKey(text)
	if vec, ok := g.cache.get(key); ok {
		return vec, nil
	}

	req := &embedRequest{text: text, done: make(chan embedResult, 1)}
	select {
	case g.requests <- req:
	case <-ctx.Done():
		return nil, types.Wrap(types.KindTimeout, ctx.Err(), "embedding request cancelled")
	case <-g.shutdown:
		return g.fallback(), types.E(types.KindEmbedder, "embedding gateway is shut down")
	}

	select {
	case res := <-req.done:
		if res.err == nil {
			g.cache.put(key, res.vec)
		}
		return res.vec, res.err
	case <-ctx.Done():
		return nil, types.Wrap(types.KindTimeout, ctx.Err(), "embedding request cancelled")
	}
}

// EmbedBatch embeds several texts, consulting the cache per entry.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var firstErr error
	for i, t := range texts {
		vec, err := g.Embed(ctx, t)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[i] = vec
	}
	return out, firstErr
}

// CacheStats exposes cache counters for the statistics tool.
func (g *Gateway) CacheStats() CacheStats { return g.cache.stats() }

// Close stops the coalescing loop. Pending requests are failed over to
// the zero-vector fallback.
func (g *Gateway) Close() {
	close(g.shutdown)
	g.wg.Wait()
}

// loop collects concurrent requests into batches bounded by BatchSize and
// the coalescing window, then issues one upstream call per batch.
func (g *Gateway) loop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.shutdown:
			g.drain()
			return
		case first := <-g.requests:
			batch := []*embedRequest{first}
			timer := time.NewTimer(g.cfg.Window)
		collect:
			for len(batch) < g.cfg.BatchSize {
				select {
				case req := <-g.requests:
					batch = append(batch, req)
				case <-timer.C:
					break collect
				case <-g.shutdown:
					timer.Stop()
					g.flush(batch)
					g.drain()
					return
				}
			}
			timer.Stop()
			g.flush(batch)
		}
	}
}

func (g *Gateway) flush(batch []*embedRequest) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.UpstreamTimeout)
	vecs, err := g.embedder.EmbedBatch(ctx, texts)
	cancel()

	if err != nil || len(vecs) != len(batch) {
		g.logger.Warn("embedder batch failed, serving zero vectors",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		for _, req := range batch {
			req.done <- embedResult{
				vec: g.fallback(),
				err: types.E(types.KindEmbedder, "embedding model unavailable"),
			}
		}
		return
	}
	for i, req := range batch {
		req.done <- embedResult{vec: vecs[i]}
	}
}

func (g *Gateway) drain() {
	for {
		select {
		case req := <-g.requests:
			req.done <- embedResult{
				vec: g.fallback(),
				err: types.E(types.KindEmbedder, "embedding gateway is shut down"),
			}
		default:
			return
		}
	}
}

func (g *Gateway) fallback() []float32 {
	return make([]float32, g.embedder.Dimension())
}
