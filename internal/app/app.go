// Package app assembles the service from configuration for the binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docqa/internal/ai"
	"github.com/seanblong/docqa/internal/config"
	"github.com/seanblong/docqa/internal/extract"
	"github.com/seanblong/docqa/internal/index"
	"github.com/seanblong/docqa/internal/search"
	"github.com/seanblong/docqa/internal/store"
)

type App struct {
	Config  config.Specification
	Client  ai.Client
	Indexer *index.Indexer
	Service *search.Service

	closers []func()
}

// NewLogger builds the process logger and installs it as the global one.
func NewLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// ClientConfig maps the configuration onto the provider settings.
func ClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return &ai.ClientConfig{
		APIKey:      cfg.APIKey,
		EmbedModel:  cfg.EmbedModel,
		AnswerModel: cfg.AnswerModel,
		BaseURL:     cfg.BaseURL,
		Dim:         cfg.Dim,
		ProjectID:   cfg.ProjectID,
		Location:    cfg.Location,
		Provider:    provider,
	}, nil
}

// New creates the provider client, the snapshot store and the service. The
// index directory is always the primary store; a configured database is added
// as a mirror when it can be reached.
func New(ctx context.Context, cfg config.Specification) (*App, error) {
	cc, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create AI client: %w", err)
	}
	log.Info().Str("provider", string(cc.Provider)).Str("embed_model", cc.EmbedModel).
		Str("answer_model", cc.AnswerModel).Int("embedding_dim", client.Dim()).Msg("AI client initialized")

	a := &App{Config: cfg, Client: client}

	snap := &store.Mirrored{Primary: store.NewDir(cfg.IndexDir)}
	if cfg.Database != "" {
		if pg, err := connectMirror(ctx, cfg.Database); err != nil {
			log.Warn().Err(err).Msg("database mirror unavailable, continuing without it")
		} else {
			snap.Mirrors = append(snap.Mirrors, pg)
			a.closers = append(a.closers, pg.Close)
		}
	}

	a.Indexer = index.NewIndexer(client, cfg.BatchSize)
	a.Service = search.NewService(a.Indexer, client, snap, extract.New())
	return a, nil
}

func connectMirror(ctx context.Context, url string) (*store.Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

// Close releases connections opened by New.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
