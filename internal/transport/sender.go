// Package transport delivers encoded message envelopes to a broker.
package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// Sender delivers envelopes. Send hands the envelope to the broker client
// and does not wait for delivery confirmation.
type Sender interface {
	Send(ctx context.Context, env *models.MessageEnvelope) error
	Close(ctx context.Context) error
}

// New creates the sender selected by the transport configuration.
func New(cfg *config.TransportConfig, appName string) (Sender, error) {
	switch cfg.Kind {
	case "", "log":
		return NewLogSender(), nil
	case "mqtt":
		return NewMQTTSender(&cfg.MQTT, appName)
	case "nats":
		return NewNATSSender(&cfg.NATS, appName)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func payloadOf(env *models.MessageEnvelope) []byte {
	if len(env.Buffers) == 1 {
		return env.Buffers[0]
	}
	return bytes.Join(env.Buffers, nil)
}
