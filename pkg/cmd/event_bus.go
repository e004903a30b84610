package cmd

import (
	"log/slog"

	"github.com/taskdhq/taskd/pkg/eventbus"
)

// NewEventBus creates the notification event bus over the given channel
// provider.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	pub, sub := NewChannel(provider, "taskd-events", logger)

	return eventbus.NewWatermillEventBus(pub, sub)
}
