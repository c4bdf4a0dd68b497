// Package store persists an index together with its chunk sequence as one
// snapshot and restores it, rejecting any pair that does not belong together.
package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/internal/index"
)

var (
	ErrMissingArtifact = errors.New("missing artifact")
	ErrCorruptArtifact = errors.New("corrupt artifact")
	ErrCountMismatch   = errors.New("vector count does not match chunk count")
)

// Snapshotter saves and restores a complete index snapshot.
type Snapshotter interface {
	Save(ctx context.Context, ix *index.Index) error
	Load(ctx context.Context) (*index.Index, error)
}

// Mirrored saves to Primary and then to each mirror. Mirror failures are
// logged and do not fail the save. Load reads Primary and falls back to the
// mirrors, in order, only when Primary has no snapshot.
type Mirrored struct {
	Primary Snapshotter
	Mirrors []Snapshotter
}

func (m *Mirrored) Save(ctx context.Context, ix *index.Index) error {
	if err := m.Primary.Save(ctx, ix); err != nil {
		return err
	}
	for _, mirror := range m.Mirrors {
		if err := mirror.Save(ctx, ix); err != nil {
			log.Warn().Err(err).Str("generation", ix.Generation()).Msg("mirror save failed")
		}
	}
	return nil
}

func (m *Mirrored) Load(ctx context.Context) (*index.Index, error) {
	ix, err := m.Primary.Load(ctx)
	if err == nil || !errors.Is(err, ErrMissingArtifact) {
		return ix, err
	}
	for i, mirror := range m.Mirrors {
		restored, merr := mirror.Load(ctx)
		if merr != nil {
			log.Warn().Err(merr).Int("mirror", i).Msg("mirror load failed")
			continue
		}
		log.Info().Int("mirror", i).Str("generation", restored.Generation()).
			Int("chunks", restored.Count()).Msg("snapshot restored from mirror")
		// Rewrite the primary so the next start does not depend on the mirror.
		if serr := m.Primary.Save(ctx, restored); serr != nil {
			log.Warn().Err(serr).Msg("failed to rewrite primary from mirror")
		}
		return restored, nil
	}
	return nil, err
}
