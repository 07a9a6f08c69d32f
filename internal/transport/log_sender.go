package transport

import (
	"context"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// LogSender writes envelopes to the debug log only.
type LogSender struct {
	sent atomic.Uint64
}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(_ context.Context, env *models.MessageEnvelope) error {
	s.sent.Add(1)
	logger.DebugF("[%s] Send %d bytes to %s (%s, retain=%t), data %s",
		env.MessageID, env.Size(), env.Topic, env.Schema, env.Retain, payloadOf(env))
	return nil
}

func (s *LogSender) Sent() uint64 {
	return s.sent.Load()
}

func (s *LogSender) Close(context.Context) error {
	return nil
}
