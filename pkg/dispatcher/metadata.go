package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/taskdhq/taskd/pkg/models"
)

const (
	metadataKeyPrefix = "task:"
	metadataTTL       = 7 * 24 * time.Hour
	connectTimeout    = 5 * time.Second
	operationTimeout  = 2 * time.Second
)

// MetadataStore mirrors dispatch handle state into Redis so external tools
// can inspect in-flight tasks. Everything here is best effort: Redis being
// unavailable degrades to log warnings, never to scheduler errors.
type MetadataStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewMetadataStore connects to Redis at addr.
func NewMetadataStore(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*MetadataStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &MetadataStore{
		client: client,
		logger: logger.With("module", "dispatch_metadata"),
	}, nil
}

// Save writes the task status under task:<dispatch_id> with a 7-day TTL.
func (s *MetadataStore) Save(ctx context.Context, status *models.TaskStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("Could not marshal task metadata", "dispatch_id", status.DispatchID, "error", err)

		return
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	err = s.client.Set(ctx, metadataKeyPrefix+status.DispatchID, payload, metadataTTL).Err()
	if err != nil {
		s.logger.Warn("Could not store task metadata", "dispatch_id", status.DispatchID, "error", err)
	}
}

// Get reads the stored status for a handle, or nil if absent.
func (s *MetadataStore) Get(ctx context.Context, dispatchID string) (*models.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	payload, err := s.client.Get(ctx, metadataKeyPrefix+dispatchID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read task metadata: %w", err)
	}

	var status models.TaskStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode task metadata: %w", err)
	}

	return &status, nil
}

// Count returns the number of tracked task keys.
func (s *MetadataStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	keys, err := s.client.Keys(ctx, metadataKeyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count task metadata keys: %w", err)
	}

	return len(keys), nil
}

// Close releases the Redis connection.
func (s *MetadataStore) Close() error {
	return s.client.Close()
}
