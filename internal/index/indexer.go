package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Embedder turns texts into fixed-length vectors, one per text and in order.
// Vectors are used as returned; callers wanting cosine-like ranking must use an
// embedder that normalizes its output.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	DefaultBatchSize = 32
	defaultWorkers   = 4
)

// Indexer builds indexes from chunk text and serves searches against the
// currently published one. Builds go into fresh storage and are published with
// a single pointer swap, so readers never see a partial index.
type Indexer struct {
	embedder  Embedder
	batchSize int
	workers   int

	// Progress, when set, is called from build goroutines as batches finish.
	Progress func(done, total int)

	current atomic.Pointer[Index]
}

// NewIndexer creates an Indexer with nothing published.
func NewIndexer(e Embedder, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Indexer{embedder: e, batchSize: batchSize, workers: defaultWorkers}
}

// Build embeds chunks and returns a new Index without publishing it. An empty
// chunk sequence yields an empty index. The dimension is taken from the first
// embedding; any other length fails with ErrDimensionMismatch.
func (ix *Indexer) Build(ctx context.Context, chunks []string) (*Index, error) {
	start := time.Now()
	generation := uuid.NewString()
	if len(chunks) == 0 {
		return New(generation, 0, nil, nil)
	}

	vecs := make([][]float32, len(chunks))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for lo := 0; lo < len(chunks); lo += ix.batchSize {
		hi := min(lo+ix.batchSize, len(chunks))
		g.Go(func() error {
			out, err := ix.embedder.Embed(gctx, chunks[lo:hi])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", lo, hi-1, err)
			}
			if len(out) != hi-lo {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors for %d texts", lo, hi-1, len(out), hi-lo)
			}
			copy(vecs[lo:hi], out)
			n := done.Add(int64(hi - lo))
			if ix.Progress != nil {
				ix.Progress(int(n), len(chunks))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(vecs[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty embedding for chunk 0", ErrDimensionMismatch)
	}
	built, err := New(generation, dim, vecs, chunks)
	if err != nil {
		return nil, err
	}
	log.Info().Str("generation", generation).Int("chunks", built.Count()).Int("dim", dim).
		Dur("dur", time.Since(start)).Msg("index built")
	return built, nil
}

// Publish makes built the index served to readers.
func (ix *Indexer) Publish(built *Index) {
	ix.current.Store(built)
}

// Rebuild builds an index over chunks and publishes it. On failure the
// previously published index stays in place. Callers serialize Rebuild calls.
func (ix *Indexer) Rebuild(ctx context.Context, chunks []string) error {
	built, err := ix.Build(ctx, chunks)
	if err != nil {
		return err
	}
	ix.Publish(built)
	return nil
}

// Current returns the published index, or nil when nothing was ever built.
func (ix *Indexer) Current() *Index {
	return ix.current.Load()
}

// Search embeds query and returns the min(k, Count()) nearest chunks of the
// published index.
func (ix *Indexer) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	cur := ix.current.Load()
	if cur == nil {
		return nil, ErrIndexNotBuilt
	}
	if cur.Count() == 0 {
		return []models.SearchResult{}, nil
	}

	vecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors for 1 text", len(vecs))
	}
	return cur.Search(vecs[0], k)
}
