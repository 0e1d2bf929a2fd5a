// Package devicestatus wires an AMQP device-status topic to the
// fleet, the same role newDeviceTopicMessageHandler plays in the
// teacher's main.go: unmarshal the message body, hand it to the
// application facade, log the outcome.
package devicestatus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/internet-of-plants/fleetforge/internal/pkg/application"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingKey is the topic fleetforge subscribes to for device-status
// updates.
const RoutingKey = "device-status"

// message is the subset of the upstream device-status payload
// fleetforge cares about: which device reported in, and what firmware
// hash it is currently running.
type message struct {
	Mac          string    `json:"mac"`
	FirmwareHash string    `json:"firmwareHash"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler builds the messaging.TopicMessageHandler RegisterTopicMessageHandler expects.
func Handler(app application.FleetManagement) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		logger.Debug().Str("body", string(msg.Body)).Msg("received device status message")

		var m message
		if err := json.Unmarshal(msg.Body, &m); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshal device status message")
			return
		}

		if m.Mac == "" {
			logger.Error().Msg("device status message carries no mac")
			return
		}

		seenAt := m.Timestamp
		if seenAt.IsZero() {
			seenAt = time.Now().UTC()
		}

		if err := app.ObserveDeviceStatus(ctx, m.Mac, m.FirmwareHash, seenAt); err != nil {
			logger.Error().Err(err).Str("mac", m.Mac).Msg("failed to record device status")
			return
		}

		logger.Info().Str("mac", m.Mac).Msg("device status recorded")
	}
}
