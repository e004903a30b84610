// Package cmd provides the shared constructors used by the taskd binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/taskdhq/taskd/pkg/channels/gochannel"
	"github.com/taskdhq/taskd/pkg/channels/kafka"
)

// NewChannel creates the run-queue pub/sub pair for the given provider.
// "gochannel" keeps everything in-process; "kafka" connects to the brokers
// named by KAFKA_BROKERS.
func NewChannel(provider, serviceName string, logger *slog.Logger) (message.Publisher, message.Subscriber) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return pub, sub
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return pub, sub
	default:
		panic("Unsupported queue provider: " + provider)
	}
}
