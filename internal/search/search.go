// Package search ties extraction, indexing, persistence and answering
// together into ingest and question-answering operations.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/internal/ai"
	"github.com/seanblong/docqa/internal/index"
	"github.com/seanblong/docqa/internal/store"
	"github.com/seanblong/docqa/pkg/models"
)

// DefaultK is the number of chunks retrieved when the caller does not pick one.
const DefaultK = 3

var ErrEmptyQuestion = errors.New("question is empty")

// State reports whether an index has ever been published.
type State int

const (
	Empty State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "empty"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Extractor turns files into per-file chunk lists, in input order.
type Extractor interface {
	ExtractAll(ctx context.Context, paths []string) ([][]string, error)
}

// FileResult is the number of chunks a file contributed to the corpus.
type FileResult struct {
	Path   string `json:"path"`
	Chunks int    `json:"chunks"`
}

// Stats describes the published index.
type Stats struct {
	State      State  `json:"state"`
	Count      int    `json:"vector_count"`
	Dim        int    `json:"dimension"`
	Generation string `json:"generation,omitempty"`
}

type Service struct {
	Indexer   *index.Indexer
	Answerer  ai.Answerer
	Store     store.Snapshotter
	Extractor Extractor

	// serializes ingest and restore
	mu sync.Mutex
}

// NewService creates a service. st may be nil, in which case nothing is persisted.
func NewService(ix *index.Indexer, answerer ai.Answerer, st store.Snapshotter, ex Extractor) *Service {
	return &Service{
		Indexer:   ix,
		Answerer:  answerer,
		Store:     st,
		Extractor: ex,
	}
}

// Ingest replaces the corpus with the concatenation of docs. The new index is
// built and saved before it is published; if either step fails the previously
// published index and snapshot remain in effect. It returns the chunk count.
func (s *Service) Ingest(ctx context.Context, docs [][]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var chunks []string
	for _, d := range docs {
		chunks = append(chunks, d...)
	}

	built, err := s.Indexer.Build(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("build index: %w", err)
	}
	if s.Store != nil {
		if err := s.Store.Save(ctx, built); err != nil {
			return 0, fmt.Errorf("save index: %w", err)
		}
	}
	s.Indexer.Publish(built)

	log.Info().Int("documents", len(docs)).Int("chunks", built.Count()).
		Str("generation", built.Generation()).Dur("dur", time.Since(start)).Msg("corpus ingested")
	return built.Count(), nil
}

// IngestFiles extracts every path and ingests the result as one corpus.
func (s *Service) IngestFiles(ctx context.Context, paths []string) ([]FileResult, error) {
	if s.Extractor == nil {
		return nil, errors.New("no extractor configured")
	}
	docs, err := s.Extractor.ExtractAll(ctx, paths)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(paths))
	for i, p := range paths {
		results[i] = FileResult{Path: p, Chunks: len(docs[i])}
		log.Debug().Str("path", p).Int("chunks", len(docs[i])).Msg("extracted")
	}
	if _, err := s.Ingest(ctx, docs); err != nil {
		return nil, err
	}
	return results, nil
}

// Answer retrieves the k chunks nearest to question and asks the answerer to
// extract an answer from them. k <= 0 means DefaultK. The answerer is consulted
// even when nothing was retrieved.
func (s *Service) Answer(ctx context.Context, question string, k int) (models.QueryAnswer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.QueryAnswer{}, ErrEmptyQuestion
	}
	if k <= 0 {
		k = DefaultK
	}

	results, err := s.Indexer.Search(ctx, question, k)
	if err != nil {
		return models.QueryAnswer{}, err
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	ans, err := s.Answerer.Answer(ctx, question, strings.Join(texts, " "))
	if err != nil {
		return models.QueryAnswer{}, fmt.Errorf("answer: %w", err)
	}

	return models.QueryAnswer{
		Answer:         ans.Text,
		Confidence:     ans.Confidence,
		RelevantChunks: results,
	}, nil
}

// Restore loads the persisted snapshot and publishes it. When no snapshot
// exists the error wraps store.ErrMissingArtifact and the state is unchanged.
func (s *Service) Restore(ctx context.Context) error {
	if s.Store == nil {
		return fmt.Errorf("restore: %w: no store configured", store.ErrMissingArtifact)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.Indexer.Publish(loaded)
	log.Info().Int("chunks", loaded.Count()).Int("dim", loaded.Dim()).
		Str("generation", loaded.Generation()).Msg("index restored")
	return nil
}

func (s *Service) State() State {
	if s.Indexer.Current() == nil {
		return Empty
	}
	return Ready
}

func (s *Service) Stats() Stats {
	cur := s.Indexer.Current()
	if cur == nil {
		return Stats{State: Empty}
	}
	return Stats{
		State:      Ready,
		Count:      cur.Count(),
		Dim:        cur.Dim(),
		Generation: cur.Generation(),
	}
}
