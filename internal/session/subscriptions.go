package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

const rawQueueSize = 64

// SubscriptionManager owns the subscriptions of one session. Notifications
// are translated and pushed on the subscriber's channel in arrival order.
type SubscriptionManager struct {
	handle  *Handle
	handles *handleAllocator

	mu      sync.Mutex
	entries map[string]*subscriptionEntry
	// closed is set once the session leaves the pool; no subscription can
	// be added afterwards.
	closed bool
}

type monitoredItem struct {
	key      string
	variable *models.PublishedVariable
	event    *models.PublishedEvent
}

type subscriptionEntry struct {
	id string

	mu     sync.RWMutex
	model  *models.SubscriptionModel
	sink   chan<- *models.SubscriptionNotificationModel
	remote client.Subscription
	items  map[uint32]*monitoredItem
	byKey  map[string]uint32

	raw       chan *client.Notification
	done      chan struct{}
	closeOnce sync.Once
	sequence  atomic.Uint32
}

func newSubscriptionManager(h *Handle) *SubscriptionManager {
	return &SubscriptionManager{
		handle:  h,
		handles: newHandleAllocator(),
		entries: make(map[string]*subscriptionEntry),
	}
}

func desiredItems(model *models.SubscriptionModel) map[string]*monitoredItem {
	items := make(map[string]*monitoredItem, len(model.Variables)+len(model.Events))
	for i := range model.Variables {
		v := &model.Variables[i]
		key := v.ID
		if key == "" {
			key = v.NodeID
		}
		items["v:"+key] = &monitoredItem{key: "v:" + key, variable: v}
	}
	for i := range model.Events {
		e := &model.Events[i]
		key := e.ID
		if key == "" {
			key = e.EventNotifier
		}
		items["e:"+key] = &monitoredItem{key: "e:" + key, event: e}
	}
	return items
}

func (item *monitoredItem) toClient(handle uint32) client.MonitoredItem {
	if item.event != nil {
		return client.MonitoredItem{
			ClientHandle: handle,
			NodeID:       item.event.EventNotifier,
			EventFields:  item.event.SelectedFields,
		}
	}
	return client.MonitoredItem{
		ClientHandle:     handle,
		NodeID:           item.variable.NodeID,
		SamplingInterval: item.variable.SamplingInterval,
		QueueSize:        item.variable.QueueSize,
		DiscardNew:       item.variable.DiscardNew,
	}
}

// CreateOrUpdate creates the subscription or replaces the monitored items of
// an existing one. When the session is not connected the subscription is
// created once it connects.
func (m *SubscriptionManager) CreateOrUpdate(ctx context.Context, model *models.SubscriptionModel,
	sink chan<- *models.SubscriptionNotificationModel) error {
	if model == nil || model.ID == "" {
		return errs.InvalidState("subscription model without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("cannot subscribe %s on %s: %w", model.ID, m.handle.identity, ErrSessionClosed)
	}

	entry, ok := m.entries[model.ID]
	if !ok {
		entry = &subscriptionEntry{
			id:    model.ID,
			model: model,
			sink:  sink,
			items: make(map[uint32]*monitoredItem),
			byKey: make(map[string]uint32),
			raw:   make(chan *client.Notification, rawQueueSize),
			done:  make(chan struct{}),
		}
		for key, item := range desiredItems(model) {
			h := m.handles.Next()
			entry.items[h] = item
			entry.byKey[key] = h
		}
		m.entries[model.ID] = entry
		go m.dispatch(entry)

		if cl := m.handle.connectedClient(); cl != nil {
			if err := m.createRemote(ctx, cl, entry); err != nil {
				logger.WarnF("Subscription %s on %s is pending: %v", model.ID, m.handle.identity, err)
			}
		}
		logger.DebugF("Subscription %s added to %s with %d items", model.ID, m.handle.identity, len(entry.items))
		return nil
	}

	entry.mu.Lock()
	entry.model = model
	entry.sink = sink
	desired := desiredItems(model)
	var add []client.MonitoredItem
	var remove []uint32
	for key, h := range entry.byKey {
		if _, ok := desired[key]; !ok {
			remove = append(remove, h)
			delete(entry.byKey, key)
			delete(entry.items, h)
		}
	}
	for key, item := range desired {
		if h, ok := entry.byKey[key]; ok {
			entry.items[h] = item
			continue
		}
		h := m.handles.Next()
		entry.items[h] = item
		entry.byKey[key] = h
		add = append(add, item.toClient(h))
	}
	remote := entry.remote
	entry.mu.Unlock()

	if remote != nil && (len(add) > 0 || len(remove) > 0) {
		if err := remote.Modify(ctx, add, remove); err != nil {
			return fmt.Errorf("failed to update subscription %s: %w", model.ID, err)
		}
	}
	for _, h := range remove {
		m.handles.Release(h)
	}
	logger.DebugF("Subscription %s updated: %d added, %d removed", model.ID, len(add), len(remove))
	return nil
}

func (m *SubscriptionManager) createRemote(ctx context.Context, cl client.Client, entry *subscriptionEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	interval := entry.model.PublishingInterval
	if interval <= 0 {
		interval = time.Second
	}
	params := client.SubscriptionParams{
		PublishingInterval: interval,
		KeepAliveCount:     keepAliveCount(m.handle.keepAlive, interval),
	}
	params.LifetimeCount = params.KeepAliveCount * 3

	sub, err := cl.Subscribe(ctx, params, entry.raw)
	if err != nil {
		return err
	}
	items := make([]client.MonitoredItem, 0, len(entry.items))
	for h, item := range entry.items {
		items = append(items, item.toClient(h))
	}
	entry.remote = sub
	if err := sub.Modify(ctx, items, nil); err != nil {
		logger.WarnF("Subscription %s on %s: %v", entry.id, m.handle.identity, err)
	}
	return nil
}

func keepAliveCount(keepAlive, interval time.Duration) uint32 {
	if keepAlive <= 0 || interval <= 0 {
		return 10
	}
	n := uint32(keepAlive / interval)
	if n == 0 {
		n = 1
	}
	return n
}

// recreate creates every subscription again after the session reconnected.
func (m *SubscriptionManager) recreate(ctx context.Context) {
	cl := m.handle.connectedClient()
	if cl == nil {
		return
	}
	for _, entry := range m.snapshot() {
		entry.mu.Lock()
		old := entry.remote
		entry.remote = nil
		entry.mu.Unlock()
		if old != nil {
			_ = old.Cancel(ctx)
		}
		if err := m.createRemote(ctx, cl, entry); err != nil {
			logger.WarnF("Failed to recreate subscription %s on %s: %v", entry.id, m.handle.identity, err)
		}
	}
}

// createPending creates subscriptions that could not be created before.
func (m *SubscriptionManager) createPending(ctx context.Context) {
	cl := m.handle.connectedClient()
	if cl == nil {
		return
	}
	for _, entry := range m.snapshot() {
		entry.mu.RLock()
		pending := entry.remote == nil
		entry.mu.RUnlock()
		if !pending {
			continue
		}
		if err := m.createRemote(ctx, cl, entry); err != nil {
			logger.WarnF("Subscription %s on %s is still pending: %v", entry.id, m.handle.identity, err)
		}
	}
}

func (m *SubscriptionManager) snapshot() []*subscriptionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*subscriptionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries
}

func (m *SubscriptionManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("subscription %s", id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	err := m.close(ctx, entry)
	logger.DebugF("Subscription %s removed from %s", id, m.handle.identity)
	return err
}

func (m *SubscriptionManager) close(ctx context.Context, entry *subscriptionEntry) error {
	entry.closeOnce.Do(func() { close(entry.done) })

	entry.mu.Lock()
	remote := entry.remote
	entry.remote = nil
	for h := range entry.items {
		m.handles.Release(h)
	}
	entry.items = map[uint32]*monitoredItem{}
	entry.byKey = map[string]uint32{}
	entry.mu.Unlock()

	if remote == nil {
		return nil
	}
	if err := remote.Cancel(ctx); err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", entry.id, err)
	}
	return nil
}

// retire closes the manager for new subscriptions when it holds none. It
// reports whether the session may be dropped.
func (m *SubscriptionManager) retire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 {
		return false
	}
	m.closed = true
	return true
}

func (m *SubscriptionManager) closeAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*subscriptionEntry)
	m.mu.Unlock()

	for _, entry := range entries {
		if err := m.close(ctx, entry); err != nil {
			logger.WarnF("Session %s: %v", m.handle.identity, err)
		}
	}
}

func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// IDs returns the ids of the active subscriptions.
func (m *SubscriptionManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

func (m *SubscriptionManager) dispatch(entry *subscriptionEntry) {
	for {
		select {
		case <-entry.done:
			return
		case n := <-entry.raw:
			if n == nil {
				continue
			}
			if n.Err != nil {
				logger.WarnF("Subscription %s on %s reported: %v", entry.id, m.handle.identity, n.Err)
				continue
			}
			for _, notification := range m.translate(entry, n) {
				entry.mu.RLock()
				sink := entry.sink
				entry.mu.RUnlock()
				select {
				case sink <- notification:
				case <-entry.done:
					return
				}
			}
		}
	}
}

func (m *SubscriptionManager) translate(entry *subscriptionEntry, n *client.Notification) []*models.SubscriptionNotificationModel {
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	encodingContext := m.handle.EncodingContext()
	timestamp := n.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	newNotification := func(messageType models.MessageType) *models.SubscriptionNotificationModel {
		return &models.SubscriptionNotificationModel{
			MessageType:     messageType,
			SubscriptionID:  entry.id,
			SequenceNumber:  entry.sequence.Add(1),
			Timestamp:       timestamp,
			EncodingContext: encodingContext,
			EndpointURL:     m.handle.identity.URL,
		}
	}

	var result []*models.SubscriptionNotificationModel
	if len(n.DataChanges) > 0 {
		dc := newNotification(models.MessageTypeDataChange)
		for _, change := range n.DataChanges {
			item, ok := entry.items[change.ClientHandle]
			if !ok || item.variable == nil {
				continue
			}
			dc.Notifications = append(dc.Notifications, &models.MonitoredItemNotificationModel{
				ID:               item.key,
				DataSetFieldName: item.variable.DataSetFieldName,
				DisplayName:      item.variable.DisplayName,
				NodeID:           item.variable.NodeID,
				Value:            change.Value,
				SequenceNumber:   dc.SequenceNumber,
			})
		}
		if len(dc.Notifications) > 0 {
			result = append(result, dc)
		}
	}
	for _, ev := range n.Events {
		item, ok := entry.items[ev.ClientHandle]
		if !ok || item.event == nil {
			continue
		}
		messageType := models.MessageTypeEvent
		if item.event.Condition {
			messageType = models.MessageTypeCondition
		}
		en := newNotification(messageType)
		messageID := uuid.NewString()
		for i, field := range item.event.SelectedFields {
			var value any
			if i < len(ev.Fields) {
				value = ev.Fields[i]
			}
			en.Notifications = append(en.Notifications, &models.MonitoredItemNotificationModel{
				ID:               item.key,
				MessageID:        messageID,
				DataSetFieldName: field,
				DisplayName:      item.event.DisplayName,
				NodeID:           item.event.EventNotifier,
				Value:            &models.DataValue{Value: value, SourceTimestamp: timestamp},
				SequenceNumber:   en.SequenceNumber,
			})
		}
		result = append(result, en)
	}
	return result
}
