package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/nats-io/nats.go"
)

const (
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	headerSchema          = "Schema"
	headerRoutingKey      = "Routing-Key"
	headerTTL             = "TTL"
)

type NATSSender struct {
	conn *nats.Conn
}

func NewNATSSender(cfg *config.NATSConfig, appName string) (*NATSSender, error) {
	name := cfg.Name
	if name == "" {
		name = appName
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnF("Disconnected from NATS %s: %v", cfg.URL, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.InfoF("Reconnected to NATS %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", cfg.URL, err)
	}
	logger.InfoF("Connected to NATS %s as %s", cfg.URL, name)
	return &NATSSender{conn: conn}, nil
}

// subjectOf maps a slash separated topic onto a NATS subject.
func subjectOf(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func messageOf(env *models.MessageEnvelope) *nats.Msg {
	msg := nats.NewMsg(subjectOf(env.Topic))
	msg.Data = payloadOf(env)
	msg.Header.Set(nats.MsgIdHdr, env.MessageID)
	msg.Header.Set(headerContentType, env.ContentType)
	if env.ContentEncoding != "" {
		msg.Header.Set(headerContentEncoding, env.ContentEncoding)
	}
	if env.Schema != "" {
		msg.Header.Set(headerSchema, env.Schema)
	}
	if env.RoutingKey != "" {
		msg.Header.Set(headerRoutingKey, env.RoutingKey)
	}
	if env.TTL > 0 {
		msg.Header.Set(headerTTL, env.TTL.String())
	}
	return msg
}

func (s *NATSSender) Send(_ context.Context, env *models.MessageEnvelope) error {
	if err := s.conn.PublishMsg(messageOf(env)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", env.Topic, err)
	}
	return nil
}

func (s *NATSSender) Close(context.Context) error {
	return s.conn.Drain()
}
