// Package index keeps the chunk sequence and the exhaustive nearest-neighbor
// index built over its embeddings.
package index

import (
	"errors"
	"fmt"

	"github.com/seanblong/docqa/pkg/models"
)

var ErrIndexOutOfRange = errors.New("chunk ordinal out of range")

// ChunkStore holds the ordered chunk texts of the corpus. It is not safe for
// concurrent writers; callers serialize writes.
type ChunkStore struct {
	chunks []string
}

// NewChunkStore returns a store holding a copy of chunks.
func NewChunkStore(chunks []string) *ChunkStore {
	cs := &ChunkStore{}
	cs.AppendAll(chunks)
	return cs
}

func (cs *ChunkStore) AppendAll(chunks []string) {
	cs.chunks = append(cs.chunks, chunks...)
}

// Get returns the text of the chunk at ordinal.
func (cs *ChunkStore) Get(ordinal int) (string, error) {
	if ordinal < 0 || ordinal >= len(cs.chunks) {
		return "", fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, ordinal, len(cs.chunks))
	}
	return cs.chunks[ordinal], nil
}

func (cs *ChunkStore) Clear() {
	cs.chunks = nil
}

func (cs *ChunkStore) Len() int {
	return len(cs.chunks)
}

// Chunks returns the stored chunks in ordinal order.
func (cs *ChunkStore) Chunks() []models.Chunk {
	out := make([]models.Chunk, len(cs.chunks))
	for i, c := range cs.chunks {
		out[i] = models.Chunk{Ordinal: i, Content: c}
	}
	return out
}
