package index

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/seanblong/docqa/pkg/models"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIndexNotBuilt     = errors.New("index not built")
	ErrInvalidK          = errors.New("k must be positive")
)

// Index is an exhaustive squared-Euclidean index over the embeddings of a
// chunk sequence. The vector at ordinal i describes chunk i. An Index is never
// modified after construction, so any number of readers may share it.
type Index struct {
	generation string
	dim        int
	vectors    []float32 // row-major, Count()*dim
	chunks     *ChunkStore
}

// New assembles an Index from parallel vector and chunk sequences. Every vector
// must have length dim and there must be exactly one vector per chunk.
func New(generation string, dim int, vectors [][]float32, chunks []string) (*Index, error) {
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%d vectors for %d chunks", len(vectors), len(chunks))
	}
	if len(vectors) > 0 && dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	flat := make([]float32, 0, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		flat = append(flat, v...)
	}
	return &Index{
		generation: generation,
		dim:        dim,
		vectors:    flat,
		chunks:     NewChunkStore(chunks),
	}, nil
}

// Generation identifies the build that produced the index.
func (ix *Index) Generation() string { return ix.generation }

// Dim is zero for an index built from no chunks.
func (ix *Index) Dim() int { return ix.dim }

// Count returns the number of indexed vectors, always equal to Chunks().Len().
func (ix *Index) Count() int { return ix.chunks.Len() }

func (ix *Index) Chunks() *ChunkStore { return ix.chunks }

// Vector returns the embedding at ordinal i. The slice aliases index storage.
func (ix *Index) Vector(i int) ([]float32, error) {
	if i < 0 || i >= ix.Count() {
		return nil, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, ix.Count())
	}
	return ix.vectors[i*ix.dim : (i+1)*ix.dim], nil
}

// Search returns the min(k, Count()) chunks closest to query, nearest first.
// Equal distances are ordered by ascending ordinal.
func (ix *Index) Search(query []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	n := ix.Count()
	if n == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has length %d, index has %d", ErrDimensionMismatch, len(query), ix.dim)
	}

	// Max-heap of the k best candidates seen so far; the root is the worst.
	// Ordinals are scanned in ascending order, so a later candidate at an equal
	// distance never displaces an earlier one.
	h := &candidateHeap{}
	for i := 0; i < n; i++ {
		d := squaredL2(query, ix.vectors[i*ix.dim:(i+1)*ix.dim])
		if h.Len() < k {
			heap.Push(h, candidate{ordinal: i, distance: d})
		} else if d < (*h)[0].distance {
			(*h)[0] = candidate{ordinal: i, distance: d}
			heap.Fix(h, 0)
		}
	}

	cands := []candidate(*h)
	sort.Slice(cands, func(a, b int) bool { return cands[a].less(cands[b]) })

	out := make([]models.SearchResult, len(cands))
	for i, c := range cands {
		text, err := ix.chunks.Get(c.ordinal)
		if err != nil {
			return nil, err
		}
		out[i] = models.SearchResult{Ordinal: c.ordinal, Text: text, Score: Score(c.distance)}
	}
	return out, nil
}

// Score maps a squared distance to (0, 1]: 1 for an exact match, falling
// towards 0 as the distance grows.
func Score(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return sum
}

type candidate struct {
	ordinal  int
	distance float64
}

func (c candidate) less(o candidate) bool {
	if c.distance != o.distance {
		return c.distance < o.distance
	}
	return c.ordinal < o.ordinal
}

type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[j].less(h[i]) } // max-heap
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
