package cmd

import (
	"context"
	"log/slog"

	"github.com/taskdhq/taskd/pkg/config"
	"github.com/taskdhq/taskd/pkg/dispatcher"
)

// NewMetadataStore creates the optional Redis task metadata mirror. An empty
// address disables it; a connection failure degrades to a warning because
// metadata is best effort.
func NewMetadataStore(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *dispatcher.MetadataStore {
	if cfg.Addr == "" {
		return nil
	}

	store, err := dispatcher.NewMetadataStore(ctx, cfg.Addr, cfg.Password, cfg.DB, logger)
	if err != nil {
		logger.WarnContext(ctx, "Redis metadata store unavailable", "addr", cfg.Addr, "error", err)

		return nil
	}

	return store
}
