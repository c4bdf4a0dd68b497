package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/internal/index"
)

// Postgres mirrors snapshots into a pgvector-enabled database. A save replaces
// the stored snapshot in a single transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: p}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate creates the snapshot tables. The embedding column is unconstrained
// so that rebuilding with another model does not need a schema change.
func (s *Postgres) Migrate(ctx context.Context) error {
	const q = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS docqa_meta (
  id          INT PRIMARY KEY CHECK (id = 1),
  generation  TEXT NOT NULL,
  dim         INT NOT NULL,
  chunk_count INT NOT NULL,
  saved_at    TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS docqa_chunks (
  ordinal   INT PRIMARY KEY,
  content   TEXT NOT NULL,
  embedding vector NOT NULL
);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Postgres) Save(ctx context.Context, ix *index.Index) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Warn().Err(err).Msg("rollback failed")
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM docqa_chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range ix.Chunks().Chunks() {
		v, err := ix.Vector(c.Ordinal)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO docqa_chunks (ordinal, content, embedding) VALUES ($1, $2, $3)`,
			c.Ordinal, c.Content, pgvector.NewVector(v))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	const upsertMeta = `
		INSERT INTO docqa_meta (id, generation, dim, chunk_count, saved_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			generation  = EXCLUDED.generation,
			dim         = EXCLUDED.dim,
			chunk_count = EXCLUDED.chunk_count,
			saved_at    = EXCLUDED.saved_at;`
	if _, err := tx.Exec(ctx, upsertMeta, ix.Generation(), ix.Dim(), ix.Count()); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Info().Str("generation", ix.Generation()).Int("chunks", ix.Count()).
		Dur("dur", time.Since(start)).Msg("snapshot mirrored to postgres")
	return nil
}

func (s *Postgres) Load(ctx context.Context) (*index.Index, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		generation string
		dim, count int
	)
	err = tx.QueryRow(ctx, `SELECT generation, dim, chunk_count FROM docqa_meta WHERE id = 1`).
		Scan(&generation, &dim, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no snapshot in database", ErrMissingArtifact)
		}
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT ordinal, content, embedding::text FROM docqa_chunks ORDER BY ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stored []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.ordinal, &r.content, &r.embedding); err != nil {
			return nil, err
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assembleRows(generation, dim, count, stored)
}

// chunkRow is one docqa_chunks row with the embedding in pgvector text form.
type chunkRow struct {
	ordinal   int
	content   string
	embedding string
}

// assembleRows rebuilds an index from rows sorted by ordinal, checking them
// against the count recorded in docqa_meta.
func assembleRows(generation string, dim, count int, stored []chunkRow) (*index.Index, error) {
	chunks := make([]string, 0, len(stored))
	vectors := make([][]float32, 0, len(stored))
	for i, r := range stored {
		if r.ordinal != i {
			return nil, fmt.Errorf("%w: non-contiguous ordinal %d at position %d", ErrCorruptArtifact, r.ordinal, i)
		}
		var v pgvector.Vector
		if err := v.Scan(r.embedding); err != nil {
			return nil, fmt.Errorf("%w: embedding %d: %v", ErrCorruptArtifact, r.ordinal, err)
		}
		chunks = append(chunks, r.content)
		vectors = append(vectors, v.Slice())
	}

	if len(chunks) != count {
		return nil, fmt.Errorf("%w: %d rows, meta says %d", ErrCountMismatch, len(chunks), count)
	}
	ix, err := index.New(generation, dim, vectors, chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return ix, nil
}
