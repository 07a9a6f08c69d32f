package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sink <-chan *models.SubscriptionNotificationModel) *models.SubscriptionNotificationModel {
	t.Helper()
	select {
	case n := <-sink:
		return n
	case <-time.After(time.Second):
		require.FailNow(t, "no notification received")
		return nil
	}
}

func TestSubscriptionTranslatesNotifications(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory()
	p := newTestPool(t, factory, Options{})

	h, err := p.GetOrCreateSession(ctx, connection("opc.tcp://plc-1:4840"))
	require.NoError(t, err)

	sink := make(chan *models.SubscriptionNotificationModel, 4)
	require.NoError(t, h.Subscriptions().CreateOrUpdate(ctx, &models.SubscriptionModel{
		ID: "writer-1",
		Variables: []models.PublishedVariable{
			{ID: "speed", NodeID: "ns=2;s=Speed", DataSetFieldName: "Speed", DisplayName: "Line speed"},
			{ID: "temp", NodeID: "ns=2;s=Temp", DataSetFieldName: "Temp"},
		},
		Events: []models.PublishedEvent{
			{ID: "alarms", EventNotifier: "i=2253", DisplayName: "Alarms", SelectedFields: []string{"EventId", "Message"}, Condition: true},
		},
	}, sink))

	sub := factory.client(0).lastSubscription()
	require.NotNil(t, sub)
	speed := sub.handleOf("ns=2;s=Speed")
	alarms := sub.handleOf("i=2253")
	require.NotZero(t, speed)
	require.NotZero(t, alarms)

	sub.out <- &client.Notification{
		DataChanges: []client.ItemValue{
			{ClientHandle: speed, Value: &models.DataValue{Value: 12.5}},
			{ClientHandle: 9999, Value: &models.DataValue{Value: 1}},
		},
		Events: []client.EventFields{
			{ClientHandle: alarms, Fields: []any{"e-1", "overheat"}},
		},
	}

	dc := receive(t, sink)
	assert.Equal(t, models.MessageTypeDataChange, dc.MessageType)
	assert.Equal(t, "writer-1", dc.SubscriptionID)
	assert.Equal(t, uint32(1), dc.SequenceNumber)
	assert.Equal(t, "opc.tcp://plc-1:4840", dc.EndpointURL)
	assert.NotNil(t, dc.EncodingContext)
	require.Len(t, dc.Notifications, 1)
	assert.Equal(t, "Speed", dc.Notifications[0].DataSetFieldName)
	assert.Equal(t, "Line speed", dc.Notifications[0].DisplayName)
	assert.Equal(t, 12.5, dc.Notifications[0].Value.Value)

	ev := receive(t, sink)
	assert.Equal(t, models.MessageTypeCondition, ev.MessageType)
	assert.Equal(t, uint32(2), ev.SequenceNumber)
	require.Len(t, ev.Notifications, 2)
	assert.Equal(t, "EventId", ev.Notifications[0].DataSetFieldName)
	assert.Equal(t, "e-1", ev.Notifications[0].Value.Value)
	assert.Equal(t, "Message", ev.Notifications[1].DataSetFieldName)
	assert.Equal(t, "overheat", ev.Notifications[1].Value.Value)
	assert.NotEmpty(t, ev.Notifications[0].MessageID)
	assert.Equal(t, ev.Notifications[0].MessageID, ev.Notifications[1].MessageID)
}

func TestSubscriptionUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory()
	p := newTestPool(t, factory, Options{})

	h, err := p.GetOrCreateSession(ctx, connection("opc.tcp://plc-1:4840"))
	require.NoError(t, err)

	sink := make(chan *models.SubscriptionNotificationModel, 1)
	require.NoError(t, h.Subscriptions().CreateOrUpdate(ctx, &models.SubscriptionModel{
		ID: "writer-1",
		Variables: []models.PublishedVariable{
			{ID: "speed", NodeID: "ns=2;s=Speed"},
			{ID: "temp", NodeID: "ns=2;s=Temp"},
		},
	}, sink))
	sub := factory.client(0).lastSubscription()
	temp := sub.handleOf("ns=2;s=Temp")

	require.NoError(t, h.Subscriptions().CreateOrUpdate(ctx, &models.SubscriptionModel{
		ID: "writer-1",
		Variables: []models.PublishedVariable{
			{ID: "speed", NodeID: "ns=2;s=Speed"},
			{ID: "pressure", NodeID: "ns=2;s=Pressure"},
		},
	}, sink))

	assert.Equal(t, 1, factory.client(0).subscriptionCount())
	assert.Equal(t, []uint32{temp}, sub.removed)
	assert.NotZero(t, sub.handleOf("ns=2;s=Pressure"))
	assert.Equal(t, []string{"writer-1"}, h.Subscriptions().IDs())

	require.NoError(t, h.Subscriptions().Remove(ctx, "writer-1"))
	assert.True(t, sub.cancelled)
	assert.Equal(t, 0, h.Subscriptions().Count())
	assert.ErrorIs(t, h.Subscriptions().Remove(ctx, "writer-1"), errs.ErrNotFound)
}

func TestSubscriptionPendingUntilConnected(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory()
	factory.failConnects.Store(1)
	p := newTestPool(t, factory, Options{})

	h, err := p.GetOrCreateSession(ctx, connection("opc.tcp://plc-1:4840"))
	require.NoError(t, err)

	sink := make(chan *models.SubscriptionNotificationModel, 1)
	require.NoError(t, h.Subscriptions().CreateOrUpdate(ctx, &models.SubscriptionModel{
		ID:        "writer-1",
		Variables: []models.PublishedVariable{{ID: "speed", NodeID: "ns=2;s=Speed"}},
	}, sink))
	assert.Equal(t, 0, factory.client(0).subscriptionCount())

	require.NoError(t, h.Connect(ctx, true))
	assert.Equal(t, 1, factory.client(0).subscriptionCount())
	assert.NotZero(t, factory.client(0).lastSubscription().handleOf("ns=2;s=Speed"))
}

func TestSequenceNumbersAreUniqueUnderConcurrentTranslation(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory()
	p := newTestPool(t, factory, Options{})

	h, err := p.GetOrCreateSession(ctx, connection("opc.tcp://plc-1:4840"))
	require.NoError(t, err)
	sink := make(chan *models.SubscriptionNotificationModel, 1)
	require.NoError(t, h.Subscriptions().CreateOrUpdate(ctx, &models.SubscriptionModel{
		ID:        "writer-1",
		Variables: []models.PublishedVariable{{ID: "speed", NodeID: "ns=2;s=Speed"}},
	}, sink))
	speed := factory.client(0).lastSubscription().handleOf("ns=2;s=Speed")

	m := h.Subscriptions()
	m.mu.Lock()
	entry := m.entries["writer-1"]
	m.mu.Unlock()
	require.NotNil(t, entry)

	const workers, rounds = 8, 50
	var mu sync.Mutex
	seen := make(map[uint32]struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				out := m.translate(entry, &client.Notification{
					DataChanges: []client.ItemValue{{ClientHandle: speed, Value: &models.DataValue{Value: i}}},
				})
				mu.Lock()
				for _, n := range out {
					seen[n.SequenceNumber] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*rounds)
	for seq := uint32(1); seq <= workers*rounds; seq++ {
		assert.Contains(t, seen, seq)
	}
}

func TestKeepAliveCount(t *testing.T) {
	assert.Equal(t, uint32(10), keepAliveCount(0, time.Second))
	assert.Equal(t, uint32(1), keepAliveCount(time.Second, 5*time.Second))
	assert.Equal(t, uint32(20), keepAliveCount(10*time.Second, 500*time.Millisecond))
}
