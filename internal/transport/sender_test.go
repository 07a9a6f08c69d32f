package transport

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsSender(t *testing.T) {
	s, err := New(&config.TransportConfig{Kind: "log"}, "test")
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	_, err = New(&config.TransportConfig{Kind: "kafka"}, "test")
	assert.Error(t, err)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender()
	env := &models.MessageEnvelope{Buffers: [][]byte{[]byte(`{"a":`), []byte(`1}`)}, Topic: "plant/telemetry"}
	require.NoError(t, s.Send(context.Background(), env))
	assert.Equal(t, uint64(1), s.Sent())
	assert.Equal(t, []byte(`{"a":1}`), payloadOf(env))
	require.NoError(t, s.Close(context.Background()))
}

func TestNATSMessage(t *testing.T) {
	assert.Equal(t, "plant.telemetry", subjectOf("/plant/telemetry/"))

	msg := messageOf(&models.MessageEnvelope{
		Buffers:         [][]byte{[]byte("payload")},
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Topic:           "plant/metadata",
		Schema:          "application/ua+json+metadata",
		RoutingKey:      "group-1",
		TTL:             time.Minute,
		MessageID:       "id-1",
	})
	assert.Equal(t, "plant.metadata", msg.Subject)
	assert.Equal(t, []byte("payload"), msg.Data)
	assert.Equal(t, "id-1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "gzip", msg.Header.Get(headerContentEncoding))
	assert.Equal(t, "group-1", msg.Header.Get(headerRoutingKey))
	assert.Equal(t, "1m0s", msg.Header.Get(headerTTL))
}
