package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/encoder"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu    sync.Mutex
	sinks map[string]chan<- *models.SubscriptionNotificationModel
	// active holds "url|id" of every subscription still present on a session.
	active       map[string]struct{}
	subscribed   []string
	unsubscribed []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		sinks:  make(map[string]chan<- *models.SubscriptionNotificationModel),
		active: make(map[string]struct{}),
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, conn *models.ConnectionModel, model *models.SubscriptionModel,
	sink chan<- *models.SubscriptionNotificationModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[model.ID] = sink
	f.active[conn.EndpointURL()+"|"+model.ID] = struct{}{}
	f.subscribed = append(f.subscribed, model.ID)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, conn *models.ConnectionModel, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := conn.EndpointURL() + "|" + id
	if _, ok := f.active[key]; !ok {
		return errs.NotFound("subscription %s", key)
	}
	delete(f.active, key)
	delete(f.sinks, id)
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

func (f *fakeSubscriber) activeSubscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.active))
	for key := range f.active {
		keys = append(keys, key)
	}
	return keys
}

func (f *fakeSubscriber) publish(t *testing.T, id string, n *models.SubscriptionNotificationModel) {
	t.Helper()
	f.mu.Lock()
	sink, ok := f.sinks[id]
	f.mu.Unlock()
	require.True(t, ok, "no subscription %s", id)
	n.SubscriptionID = id
	sink <- n
}

func (f *fakeSubscriber) unsubscribedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type fakeSender struct {
	mu        sync.Mutex
	envelopes []*models.MessageEnvelope
}

func (f *fakeSender) Send(_ context.Context, env *models.MessageEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakeSender) Close(context.Context) error { return nil }

func (f *fakeSender) sent() []*models.MessageEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.MessageEnvelope(nil), f.envelopes...)
}

func (f *fakeSender) dataMessages() int {
	n := 0
	for _, env := range f.sent() {
		if !env.Retain {
			n++
		}
	}
	return n
}

func testWriter(id string, withMetaData bool) *models.DataSetWriterModel {
	w := &models.DataSetWriterModel{
		DataSetWriterID: &id,
		DataSet: &models.DataSetModel{
			DataSetSource: &models.PublishedDataSetSourceModel{
				Connection: &models.ConnectionModel{
					Endpoint: &models.EndpointModel{URL: "opc.tcp://plc-1:4840"},
				},
				PublishedVariables: []models.PublishedVariable{
					{ID: "temp", NodeID: "ns=1;s=Temp", DataSetFieldName: "Temp"},
				},
			},
		},
		MetaDataQueueName: "plant/metadata",
	}
	if withMetaData {
		w.DataSet.DataSetMetaData = &models.DataSetMetaDataModel{
			Name:           "line",
			DataSetClassID: uuid.MustParse("5b3b1d49-1c2e-4f6f-9a51-0d6d3c1f6e10"),
		}
	}
	return w
}

func testGroup(batchSize int, writers ...*models.DataSetWriterModel) *models.WriterGroupModel {
	return &models.WriterGroupModel{
		WriterGroupID:      "group-1",
		PublisherID:        "pub",
		MessageType:        models.EncodingJSON,
		MessageSettings:    &models.WriterGroupMessageSettings{},
		QueueName:          "plant/telemetry",
		PublishingInterval: time.Hour,
		BatchSize:          batchSize,
		DataSetWriters:     writers,
	}
}

func dataChange(value float64) *models.SubscriptionNotificationModel {
	return &models.SubscriptionNotificationModel{
		MessageType:     models.MessageTypeDataChange,
		Timestamp:       time.Now(),
		EncodingContext: &models.EncodingContext{},
		Notifications: []*models.MonitoredItemNotificationModel{
			{ID: "temp", DataSetFieldName: "Temp", NodeID: "ns=1;s=Temp", Value: &models.DataValue{Value: value}},
		},
	}
}

func newSource(group *models.WriterGroupModel) (*WriterGroupSource, *fakeSubscriber, *fakeSender) {
	subscriber := newFakeSubscriber()
	sender := &fakeSender{}
	s := New(group, Options{
		Subscriber: subscriber,
		Sender:     sender,
		Encoder:    encoder.Options{DefaultQueueName: "default", DefaultMetaDataQueueName: "default/metadata"},
	})
	return s, subscriber, sender
}

func TestStartRejectsWriterWithoutSource(t *testing.T) {
	broken := testWriter("w2", false)
	broken.DataSet.DataSetSource = nil
	s, subscriber, _ := newSource(testGroup(1, testWriter("w1", false), broken))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, []string{"group-1/id:w1"}, subscriber.unsubscribedIDs())
	assert.Equal(t, 0, s.Diagnostics().Writers)
}

func TestNotificationsAreStampedAndSent(t *testing.T) {
	s, subscriber, sender := newSource(testGroup(1, testWriter("w1", false)))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	subscriber.publish(t, "group-1/id:w1", dataChange(20.5))
	subscriber.publish(t, "group-1/id:w1", dataChange(21.5))

	require.Eventually(t, func() bool { return sender.dataMessages() == 2 }, time.Second, 5*time.Millisecond)
	env := sender.sent()[0]
	assert.Equal(t, "plant/telemetry", env.Topic)
	assert.Equal(t, "group-1", env.RoutingKey)
	assert.Equal(t, uint32(2), s.Diagnostics().Sequence)
}

func TestNotificationsOfUnknownSubscriptionsAreDiscarded(t *testing.T) {
	s, _, _ := newSource(testGroup(1, testWriter("w1", false)))
	n := dataChange(1)
	n.SubscriptionID = "group-1/id:other"
	assert.Nil(t, s.stamp(n))
	assert.Nil(t, s.stamp(nil))
}

func TestMetaDataIsSentAtStart(t *testing.T) {
	s, _, sender := newSource(testGroup(1, testWriter("w1", true)))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	envelopes := sender.sent()
	require.Len(t, envelopes, 1)
	assert.True(t, envelopes[0].Retain)
	assert.Equal(t, "plant/metadata", envelopes[0].Topic)
}

func TestMetaDataIsRepeatedAfterUpdateTime(t *testing.T) {
	writer := testWriter("w1", true)
	writer.MetaDataUpdateTime = time.Minute
	s, _, _ := newSource(testGroup(1, writer))
	s.writers[writer.WriterKey()] = &writerState{writer: writer, subscription: "group-1/id:w1"}

	now := time.Now()
	assert.Len(t, s.appendDueMetaData(nil, now), 1)
	assert.Empty(t, s.appendDueMetaData(nil, now.Add(30*time.Second)))
	assert.Len(t, s.appendDueMetaData(nil, now.Add(2*time.Minute)), 1)
}

func TestUpdateRemovesAndAddsWriters(t *testing.T) {
	s, subscriber, _ := newSource(testGroup(1, testWriter("w1", false), testWriter("w2", false)))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	require.NoError(t, s.Update(context.Background(), testGroup(1, testWriter("w2", false), testWriter("w3", false))))
	assert.Equal(t, []string{"group-1/id:w1"}, subscriber.unsubscribedIDs())
	assert.Equal(t, 2, s.Diagnostics().Writers)

	n := dataChange(1)
	n.SubscriptionID = "group-1/id:w1"
	assert.Nil(t, s.stamp(n))
}

func TestUpdateReportsFailedWriters(t *testing.T) {
	s, _, _ := newSource(testGroup(1, testWriter("w1", false)))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	broken := testWriter("w2", false)
	broken.DataSet = nil
	err := s.Update(context.Background(), testGroup(1, testWriter("w1", false), broken))
	require.Error(t, err)
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, 1, s.Diagnostics().Writers)
}

func TestCloseFlushesPendingNotifications(t *testing.T) {
	s, subscriber, sender := newSource(testGroup(100, testWriter("w1", false)))
	require.NoError(t, s.Start(context.Background()))

	subscriber.publish(t, "group-1/id:w1", dataChange(1))
	subscriber.publish(t, "group-1/id:w1", dataChange(2))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, 1, sender.dataMessages())
	assert.Equal(t, []string{"group-1/id:w1"}, subscriber.unsubscribedIDs())
	require.NoError(t, s.Close(context.Background()))
}

func TestUpdateMovesWriterToNewConnection(t *testing.T) {
	s, subscriber, _ := newSource(testGroup(1, testWriter("w1", false)))
	require.NoError(t, s.Start(context.Background()))

	moved := testWriter("w1", false)
	moved.DataSet.DataSetSource.Connection.Endpoint.URL = "opc.tcp://plc-2:4840"
	require.NoError(t, s.Update(context.Background(), testGroup(1, moved)))
	assert.Equal(t, []string{"opc.tcp://plc-2:4840|group-1/id:w1"}, subscriber.activeSubscriptions())
	assert.Equal(t, 1, s.Diagnostics().Writers)

	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, subscriber.activeSubscriptions())
}

func TestUpdateKeepsSubscriptionOnSameConnection(t *testing.T) {
	s, subscriber, _ := newSource(testGroup(1, testWriter("w1", false)))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	require.NoError(t, s.Update(context.Background(), testGroup(1, testWriter("w1", false))))
	assert.Empty(t, subscriber.unsubscribedIDs())
	assert.Equal(t, []string{"opc.tcp://plc-1:4840|group-1/id:w1"}, subscriber.activeSubscriptions())
}
