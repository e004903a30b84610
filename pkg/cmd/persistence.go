package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/taskdhq/taskd/pkg/persistence"
	"github.com/taskdhq/taskd/pkg/persistence/file"
	"github.com/taskdhq/taskd/pkg/persistence/postgresql"
)

// NewPersistence creates the execution history store for the given database
// URL. postgres:// URLs get the PostgreSQL store; everything else is treated
// as a file root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return store
	default:
		return file.NewPersistence(databaseURL)
	}
}
