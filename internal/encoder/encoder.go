// Package encoder turns batches of subscription notifications into size
// bounded network messages.
package encoder

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

type Options struct {
	UseStandardsCompliantEncoding bool
	// DefaultMaxMessagesPerPublish applies to writer groups without their
	// own limit. Zero means unlimited.
	DefaultMaxMessagesPerPublish uint32
	DefaultQueueName             string
	DefaultMetaDataQueueName     string
	Metrics                      metrics.Sink
}

type Stats struct {
	NotificationsProcessed     uint64
	NotificationsDropped       uint64
	MessagesProcessed          uint64
	AvgMessageSize             float64
	AvgNotificationsPerMessage float64
	MaxMessageSplitRatio       float64
}

// Encoder is meant for one encoding pipeline. Calls are serialized.
type Encoder struct {
	opts Options

	mu       sync.Mutex
	stats    Stats
	sequence uint16
}

func New(opts Options) *Encoder {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Encoder{opts: opts}
}

func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// dataSetMessage is one dataset message of a network message and the index
// of the input notification it was built from.
type dataSetMessage struct {
	owner        int
	notification *models.SubscriptionNotificationModel
	writer       *models.DataSetWriterModel
	items        []*models.MonitoredItemNotificationModel
}

type networkMessage struct {
	publisherID     string
	group           *models.WriterGroupModel
	classID         uuid.UUID
	mask            models.NetworkMessageContentMask
	samples         bool
	batch           bool
	encodingContext *models.EncodingContext
	messages        []*dataSetMessage

	// set for metadata messages only
	metaOwner  int
	metaWriter *models.DataSetWriterModel
	metaData   *models.DataSetMetaDataModel
}

func (m *networkMessage) encoding() models.MessageEncoding {
	return encodingOf(m.group)
}

func encodingOf(group *models.WriterGroupModel) models.MessageEncoding {
	if group.MessageType == 0 {
		return models.EncodingJSON
	}
	return group.MessageType
}

// Encode builds the network messages for a batch of notifications. Every
// input notification is counted once, either as processed or as dropped.
func (e *Encoder) Encode(notifications []*models.SubscriptionNotificationModel, maxMessageSize int, asBatch bool) []*models.MessageEnvelope {
	if len(notifications) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := make([]bool, len(notifications))
	encodingContext := firstEncodingContext(notifications)
	if encodingContext == nil {
		for i := range dropped {
			dropped[i] = true
		}
		logger.WarnF("Dropped %d notifications, no encoding context available", len(notifications))
		e.account(notifications, dropped)
		return nil
	}

	var result []*models.MessageEnvelope
	for _, m := range e.networkMessages(notifications, encodingContext, asBatch, dropped) {
		result = append(result, e.seal(m, maxMessageSize, dropped)...)
	}
	e.account(notifications, dropped)
	return result
}

func firstEncodingContext(notifications []*models.SubscriptionNotificationModel) *models.EncodingContext {
	for _, n := range notifications {
		if n != nil && n.EncodingContext != nil {
			return n.EncodingContext
		}
	}
	return nil
}

type classBucket struct {
	classID uuid.UUID
	indices []int
}

type groupBucket struct {
	group   *models.WriterGroupModel
	classes []*classBucket
	byClass map[uuid.UUID]*classBucket
}

type publisherBucket struct {
	id      string
	groups  []*groupBucket
	byGroup map[string]*groupBucket
}

// networkMessages groups the notifications by publisher, writer group and
// dataset class in encounter order and builds the sealed network messages.
func (e *Encoder) networkMessages(notifications []*models.SubscriptionNotificationModel,
	encodingContext *models.EncodingContext, asBatch bool, dropped []bool) []*networkMessage {
	var publishers []*publisherBucket
	byPublisher := make(map[string]*publisherBucket)

	for i, n := range notifications {
		if n == nil || n.Context == nil || n.Context.WriterGroup == nil ||
			n.Context.WriterGroup.MessageSettings == nil || n.Context.Writer == nil {
			dropped[i] = true
			continue
		}
		ctx := n.Context
		pb, ok := byPublisher[ctx.PublisherID]
		if !ok {
			pb = &publisherBucket{id: ctx.PublisherID, byGroup: make(map[string]*groupBucket)}
			byPublisher[ctx.PublisherID] = pb
			publishers = append(publishers, pb)
		}
		gb, ok := pb.byGroup[ctx.WriterGroup.WriterGroupID]
		if !ok {
			gb = &groupBucket{group: ctx.WriterGroup, byClass: make(map[uuid.UUID]*classBucket)}
			pb.byGroup[ctx.WriterGroup.WriterGroupID] = gb
			pb.groups = append(pb.groups, gb)
		}
		classID := ctx.Writer.DataSetClassID()
		cb, ok := gb.byClass[classID]
		if !ok {
			cb = &classBucket{classID: classID}
			gb.byClass[classID] = cb
			gb.classes = append(gb.classes, cb)
		}
		cb.indices = append(cb.indices, i)
	}

	var sealed []*networkMessage
	for _, pb := range publishers {
		for _, gb := range pb.groups {
			for _, cb := range gb.classes {
				sealed = append(sealed, e.classMessages(pb.id, gb.group, cb, notifications, encodingContext, asBatch, dropped)...)
			}
		}
	}
	return sealed
}

func (e *Encoder) classMessages(publisherID string, group *models.WriterGroupModel, class *classBucket,
	notifications []*models.SubscriptionNotificationModel, encodingContext *models.EncodingContext,
	asBatch bool, dropped []bool) []*networkMessage {
	mask := group.MessageSettings.NetworkMessageContentMask
	samples := mask.Has(models.NetworkMessageMonitoredItemMessage)
	if samples && !asBatch {
		mask |= models.NetworkMessageSingleDataSetMessage
	}
	maxMessages := group.MessageSettings.MaxMessagesPerPublish
	if maxMessages == 0 {
		maxMessages = e.opts.DefaultMaxMessagesPerPublish
	}
	if mask.Has(models.NetworkMessageSingleDataSetMessage) {
		maxMessages = 1
	}

	newMessage := func() *networkMessage {
		return &networkMessage{
			publisherID:     publisherID,
			group:           group,
			classID:         class.classID,
			mask:            mask,
			samples:         samples,
			batch:           asBatch,
			encodingContext: encodingContext,
		}
	}

	var sealed []*networkMessage
	current := newMessage()
	flush := func() {
		if len(current.messages) > 0 {
			sealed = append(sealed, current)
			current = newMessage()
		}
	}
	add := func(m *dataSetMessage) {
		current.messages = append(current.messages, m)
		if maxMessages > 0 && uint32(len(current.messages)) >= maxMessages {
			flush()
		}
	}

	for _, i := range class.indices {
		n := notifications[i]
		writer := n.Context.Writer
		if n.MessageType == models.MessageTypeMetadata {
			if samples {
				continue
			}
			if n.MetaData == nil {
				dropped[i] = true
				continue
			}
			flush()
			meta := newMessage()
			meta.metaOwner = i
			meta.metaWriter = writer
			meta.metaData = n.MetaData
			sealed = append(sealed, meta)
			continue
		}
		if samples && !encodingOf(group).IsJSON() {
			dropped[i] = true
			continue
		}
		for _, round := range roundRobin(n.Notifications) {
			if !samples {
				add(&dataSetMessage{owner: i, notification: n, writer: writer, items: round})
				continue
			}
			for _, same := range groupByItem(round) {
				if len(same) > 1 && n.MessageType.IsEvent() {
					add(&dataSetMessage{owner: i, notification: n, writer: writer,
						items: []*models.MonitoredItemNotificationModel{collate(same)}})
					continue
				}
				for _, item := range same {
					add(&dataSetMessage{owner: i, notification: n, writer: writer,
						items: []*models.MonitoredItemNotificationModel{item}})
				}
			}
		}
	}
	flush()
	return sealed
}

// roundRobin queues the items by field name and dequeues one item per field
// per round.
func roundRobin(items []*models.MonitoredItemNotificationModel) [][]*models.MonitoredItemNotificationModel {
	var order []string
	queues := make(map[string][]*models.MonitoredItemNotificationModel)
	for _, item := range items {
		if item == nil {
			continue
		}
		if _, ok := queues[item.DataSetFieldName]; !ok {
			order = append(order, item.DataSetFieldName)
		}
		queues[item.DataSetFieldName] = append(queues[item.DataSetFieldName], item)
	}

	var rounds [][]*models.MonitoredItemNotificationModel
	for {
		var round []*models.MonitoredItemNotificationModel
		for _, name := range order {
			q := queues[name]
			if len(q) == 0 {
				continue
			}
			round = append(round, q[0])
			queues[name] = q[1:]
		}
		if len(round) == 0 {
			return rounds
		}
		rounds = append(rounds, round)
	}
}

// groupByItem groups items of one round by item id and message id, keeping
// encounter order.
func groupByItem(items []*models.MonitoredItemNotificationModel) [][]*models.MonitoredItemNotificationModel {
	var order []string
	groups := make(map[string][]*models.MonitoredItemNotificationModel)
	for _, item := range items {
		key := item.ID + "\x00" + item.MessageID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}
	result := make([][]*models.MonitoredItemNotificationModel, 0, len(order))
	for _, key := range order {
		result = append(result, groups[key])
	}
	return result
}

// collate merges the fields of one event into a single item whose value is
// the ordered list of field values.
func collate(items []*models.MonitoredItemNotificationModel) *models.MonitoredItemNotificationModel {
	first := items[0]
	pairs := make([]models.KeyDataValuePair, 0, len(items))
	for _, item := range items {
		pairs = append(pairs, models.KeyDataValuePair{Key: item.DataSetFieldName, Value: item.Value})
	}
	value := &models.DataValue{Value: pairs}
	if first.Value != nil {
		value.SourceTimestamp = first.Value.SourceTimestamp
		value.ServerTimestamp = first.Value.ServerTimestamp
	}
	return &models.MonitoredItemNotificationModel{
		ID:               first.ID,
		MessageID:        first.MessageID,
		DataSetFieldName: first.DisplayName,
		DisplayName:      first.DisplayName,
		NodeID:           first.NodeID,
		Value:            value,
		SequenceNumber:   first.SequenceNumber,
	}
}

// seal encodes one network message into chunks and updates the running
// statistics. Owners of units that did not fit are marked dropped.
func (e *Encoder) seal(m *networkMessage, maxMessageSize int, dropped []bool) []*models.MessageEnvelope {
	chunks := e.chunk(m, maxMessageSize)
	label := m.group.WriterGroupID

	var result []*models.MessageEnvelope
	owners := make(map[int]struct{})
	for _, c := range chunks {
		for _, o := range c.owners {
			owners[o] = struct{}{}
		}
		if c.data == nil {
			for _, o := range c.owners {
				dropped[o] = true
			}
			logger.WarnF("Writer group %s: message does not fit into %d bytes, dropped %d notifications",
				label, maxMessageSize, len(c.owners))
			continue
		}
		n := float64(e.stats.MessagesProcessed)
		e.stats.AvgMessageSize = (e.stats.AvgMessageSize*n + float64(len(c.data))) / (n + 1)
		e.stats.AvgNotificationsPerMessage = (e.stats.AvgNotificationsPerMessage*n + float64(len(c.owners))) / (n + 1)
		e.stats.MessagesProcessed++
		result = append(result, e.envelope(m, c))
	}

	if len(result) == 0 {
		return nil
	}
	if notificationCount := len(owners); notificationCount < len(result) {
		ratio := float64(len(result)) / float64(notificationCount)
		if ratio > e.stats.MaxMessageSplitRatio {
			e.stats.MaxMessageSplitRatio = ratio
		}
	}
	e.opts.Metrics.AddMessagesProcessed(label, len(result))
	e.opts.Metrics.SetAvgMessageSize(label, e.stats.AvgMessageSize)
	e.opts.Metrics.SetAvgNotificationsPerMessage(label, e.stats.AvgNotificationsPerMessage)
	e.opts.Metrics.SetMaxMessageSplitRatio(label, e.stats.MaxMessageSplitRatio)
	return result
}

func (e *Encoder) envelope(m *networkMessage, c chunk) *models.MessageEnvelope {
	encoding := m.encoding()
	env := &models.MessageEnvelope{
		Buffers:     [][]byte{c.data},
		ContentType: ContentTypeJSON,
		RoutingKey:  m.group.WriterGroupID,
		Timestamp:   time.Now().UTC(),
		MessageID:   c.id,
	}
	if !encoding.IsJSON() {
		env.ContentType = ContentTypeCBOR
	}
	if encoding.IsGzip() {
		env.ContentEncoding = EncodingGzip
	}

	if m.metaData != nil {
		env.Topic = m.metaWriter.MetaDataQueueName
		if env.Topic == "" {
			env.Topic = e.opts.DefaultMetaDataQueueName
		}
		env.Retain = true
		env.TTL = m.metaWriter.MetaDataUpdateTime
		env.Schema = SchemaMetaDataJSON
		if !encoding.IsJSON() {
			env.Schema = SchemaMetaDataUadp
		}
		return env
	}

	env.Topic = m.group.QueueName
	if env.Topic == "" {
		env.Topic = e.opts.DefaultQueueName
	}
	switch {
	case !encoding.IsJSON():
		env.Schema = SchemaNetworkMessageUadp
	case m.samples:
		env.Schema = SchemaMonitoredItemMessageJSON
	default:
		env.Schema = SchemaNetworkMessageJSON
	}
	return env
}

func (e *Encoder) account(notifications []*models.SubscriptionNotificationModel, dropped []bool) {
	processed := make(map[string]int)
	drops := make(map[string]int)
	for i, n := range notifications {
		label := ""
		if n != nil && n.Context != nil && n.Context.WriterGroup != nil {
			label = n.Context.WriterGroup.WriterGroupID
		}
		if dropped[i] {
			e.stats.NotificationsDropped++
			drops[label]++
			continue
		}
		e.stats.NotificationsProcessed++
		processed[label]++
	}
	for label, n := range processed {
		e.opts.Metrics.AddNotificationsProcessed(label, n)
	}
	for label, n := range drops {
		e.opts.Metrics.AddNotificationsDropped(label, n)
	}
}
