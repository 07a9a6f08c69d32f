// Package source runs the notification pipeline of one writer group: it
// subscribes the writers' items, stamps and batches notifications, encodes
// them and hands the messages to the transport.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/encoder"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/session"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/transport"
)

const (
	defaultPublishingInterval = time.Second
	notificationQueueSize     = 1024
	teardownTimeout           = 10 * time.Second
)

// MessageSource is the running message producer of one writer group.
type MessageSource interface {
	Start(ctx context.Context) error
	Update(ctx context.Context, group *models.WriterGroupModel) error
	Close(ctx context.Context) error
}

// Subscriber manages subscriptions on the sessions of the session pool.
type Subscriber interface {
	Subscribe(ctx context.Context, conn *models.ConnectionModel, model *models.SubscriptionModel,
		sink chan<- *models.SubscriptionNotificationModel) error
	Unsubscribe(ctx context.Context, conn *models.ConnectionModel, id string) error
}

type Options struct {
	Subscriber Subscriber
	Sender     transport.Sender
	Encoder    encoder.Options
	Metrics    metrics.Sink
	// MaxMessageSize applies to writer groups without a network message
	// size limit.
	MaxMessageSize int
}

type Diagnostics struct {
	WriterGroupID string
	Writers       int
	QueueLength   int
	Sequence      uint32
	Encoder       encoder.Stats
}

type writerState struct {
	writer *models.DataSetWriterModel
	// conn is the connection the subscription was created on.
	conn         *models.ConnectionModel
	subscription string
	lastMetaData time.Time
}

type WriterGroupSource struct {
	opts    Options
	encoder *encoder.Encoder

	group         atomic.Pointer[models.WriterGroupModel]
	notifications chan *models.SubscriptionNotificationModel
	updated       chan struct{}
	sequence      atomic.Uint32

	mu             sync.Mutex
	writers        map[string]*writerState
	bySubscription map[string]*writerState
	lastContext    *models.EncodingContext

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(group *models.WriterGroupModel, opts Options) *WriterGroupSource {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Encoder.Metrics == nil {
		opts.Encoder.Metrics = opts.Metrics
	}
	s := &WriterGroupSource{
		opts:           opts,
		encoder:        encoder.New(opts.Encoder),
		notifications:  make(chan *models.SubscriptionNotificationModel, notificationQueueSize),
		updated:        make(chan struct{}, 1),
		writers:        make(map[string]*writerState),
		bySubscription: make(map[string]*writerState),
	}
	s.group.Store(group)
	return s
}

func subscriptionID(group *models.WriterGroupModel, writer *models.DataSetWriterModel) string {
	return group.WriterGroupID + "/" + writer.WriterKey()
}

func publishingInterval(group *models.WriterGroupModel) time.Duration {
	if group.PublishingInterval > 0 {
		return group.PublishingInterval
	}
	return defaultPublishingInterval
}

func (s *WriterGroupSource) subscribe(ctx context.Context, group *models.WriterGroupModel, writer *models.DataSetWriterModel) (*writerState, error) {
	model := writer.Subscription(publishingInterval(group))
	if model == nil {
		return nil, errs.InvalidState("writer %q of writer group %s has no data source", writer.ID(), group.WriterGroupID)
	}
	model.ID = subscriptionID(group, writer)
	if err := s.opts.Subscriber.Subscribe(ctx, writer.Connection(), model, s.notifications); err != nil {
		return nil, fmt.Errorf("failed to subscribe writer %q: %w", writer.ID(), err)
	}
	return &writerState{writer: writer, conn: writer.Connection(), subscription: model.ID}, nil
}

func (s *WriterGroupSource) unsubscribe(ctx context.Context, state *writerState) {
	err := s.opts.Subscriber.Unsubscribe(ctx, state.conn, state.subscription)
	if err != nil && !errs.IsNotFound(err) {
		logger.WarnF("Failed to remove subscription %s: %v", state.subscription, err)
	}
}

// Start subscribes all writers and starts the pipeline. On failure the
// subscriptions made so far are removed.
func (s *WriterGroupSource) Start(ctx context.Context) error {
	group := s.group.Load()
	s.mu.Lock()
	for _, writer := range group.DataSetWriters {
		state, err := s.subscribe(ctx, group, writer)
		if err != nil {
			s.mu.Unlock()
			s.unsubscribeAll(ctx)
			return err
		}
		s.writers[writer.WriterKey()] = state
		s.bySubscription[state.subscription] = state
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	logger.InfoF("Writer group %s started with %d writers", group.WriterGroupID, len(group.DataSetWriters))
	return nil
}

// Update applies a new version of the writer group. Writers are matched by
// id; a nil id and an empty id are different writers.
func (s *WriterGroupSource) Update(ctx context.Context, group *models.WriterGroupModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]*models.DataSetWriterModel, len(group.DataSetWriters))
	for _, writer := range group.DataSetWriters {
		desired[writer.WriterKey()] = writer
	}
	for key, state := range s.writers {
		if _, ok := desired[key]; ok {
			continue
		}
		s.unsubscribe(ctx, state)
		delete(s.writers, key)
		delete(s.bySubscription, state.subscription)
	}

	var failures []error
	for _, writer := range group.DataSetWriters {
		key := writer.WriterKey()
		if old, ok := s.writers[key]; ok && session.NewIdentity(old.conn) != session.NewIdentity(writer.Connection()) {
			// The writer moved to another session.
			s.unsubscribe(ctx, old)
			delete(s.writers, key)
			delete(s.bySubscription, old.subscription)
		}
		state, err := s.subscribe(ctx, group, writer)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if old, ok := s.writers[key]; ok {
			state.lastMetaData = old.lastMetaData
		}
		s.writers[key] = state
		s.bySubscription[state.subscription] = state
	}
	s.group.Store(group)

	select {
	case s.updated <- struct{}{}:
	default:
	}
	logger.InfoF("Writer group %s updated with %d writers", group.WriterGroupID, len(s.writers))
	return errs.Join(fmt.Sprintf("failed to update writer group %s", group.WriterGroupID), failures)
}

// Close stops the pipeline, flushes pending notifications and removes all
// subscriptions.
func (s *WriterGroupSource) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
				logger.WarnF("Writer group %s did not stop in time", s.group.Load().WriterGroupID)
			}
		}
		s.unsubscribeAll(ctx)
		logger.InfoF("Writer group %s closed", s.group.Load().WriterGroupID)
	})
	return nil
}

func (s *WriterGroupSource) unsubscribeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, state := range s.writers {
		s.unsubscribe(ctx, state)
		delete(s.writers, key)
	}
	s.bySubscription = make(map[string]*writerState)
}

func (s *WriterGroupSource) Diagnostics() Diagnostics {
	s.mu.Lock()
	writers := len(s.writers)
	s.mu.Unlock()
	return Diagnostics{
		WriterGroupID: s.group.Load().WriterGroupID,
		Writers:       writers,
		QueueLength:   len(s.notifications),
		Sequence:      s.sequence.Load(),
		Encoder:       s.encoder.Stats(),
	}
}

func (s *WriterGroupSource) run(ctx context.Context) {
	defer close(s.done)

	group := s.group.Load()
	ticker := time.NewTicker(publishingInterval(group))
	defer ticker.Stop()

	var buffer []*models.SubscriptionNotificationModel
	buffer = s.appendDueMetaData(buffer, time.Now())
	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case n := <-s.notifications:
					if stamped := s.stamp(n); stamped != nil {
						buffer = append(buffer, stamped)
					}
				default:
					drained = true
				}
			}
			s.flush(buffer)
			return
		case n := <-s.notifications:
			stamped := s.stamp(n)
			if stamped == nil {
				continue
			}
			buffer = append(buffer, stamped)
			if batchSize := s.group.Load().BatchSize; len(buffer) >= max(batchSize, 1) {
				s.flush(buffer)
				buffer = nil
			}
		case now := <-ticker.C:
			buffer = s.appendDueMetaData(buffer, now)
			s.flush(buffer)
			buffer = nil
		case <-s.updated:
			ticker.Reset(publishingInterval(s.group.Load()))
			buffer = s.appendDueMetaData(buffer, time.Now())
		}
	}
}

// stamp binds a notification to the writer group context. Notifications of
// writers no longer part of the group are discarded.
func (s *WriterGroupSource) stamp(n *models.SubscriptionNotificationModel) *models.SubscriptionNotificationModel {
	if n == nil {
		return nil
	}
	s.mu.Lock()
	state, ok := s.bySubscription[n.SubscriptionID]
	if n.EncodingContext != nil {
		s.lastContext = n.EncodingContext
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	group := s.group.Load()
	n.Context = &models.WriterGroupMessageContext{
		PublisherID:    group.PublisherID,
		WriterGroup:    group,
		Writer:         state.writer,
		SequenceNumber: s.sequence.Add(1),
	}
	return n
}

// appendDueMetaData adds a metadata notification for every writer whose
// metadata was not sent yet or is older than its update time.
func (s *WriterGroupSource) appendDueMetaData(buffer []*models.SubscriptionNotificationModel, now time.Time) []*models.SubscriptionNotificationModel {
	group := s.group.Load()
	s.mu.Lock()
	defer s.mu.Unlock()

	encodingContext := s.lastContext
	if encodingContext == nil {
		encodingContext = &models.EncodingContext{}
	}
	for _, writer := range group.DataSetWriters {
		state, ok := s.writers[writer.WriterKey()]
		md := writer.MetaData()
		if !ok || md == nil {
			continue
		}
		if !state.lastMetaData.IsZero() &&
			(writer.MetaDataUpdateTime <= 0 || now.Sub(state.lastMetaData) < writer.MetaDataUpdateTime) {
			continue
		}
		state.lastMetaData = now
		buffer = append(buffer, &models.SubscriptionNotificationModel{
			MessageType:     models.MessageTypeMetadata,
			SubscriptionID:  state.subscription,
			Timestamp:       now.UTC(),
			EncodingContext: encodingContext,
			MetaData:        md,
			Context: &models.WriterGroupMessageContext{
				PublisherID:    group.PublisherID,
				WriterGroup:    group,
				Writer:         writer,
				SequenceNumber: s.sequence.Add(1),
			},
		})
	}
	return buffer
}

func (s *WriterGroupSource) flush(buffer []*models.SubscriptionNotificationModel) {
	if len(buffer) == 0 {
		return
	}
	group := s.group.Load()
	maxSize := group.MaxNetworkMessageSize
	if maxSize <= 0 {
		maxSize = s.opts.MaxMessageSize
	}
	envelopes := s.encoder.Encode(buffer, maxSize, group.BatchSize > 1)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	sent, failed := 0, 0
	for _, env := range envelopes {
		if err := s.opts.Sender.Send(ctx, env); err != nil {
			logger.ErrorF("Writer group %s failed to send message %s: %v", group.WriterGroupID, env.MessageID, err)
			failed++
			continue
		}
		sent++
	}
	if sent > 0 {
		s.opts.Metrics.AddMessagesSent(group.WriterGroupID, sent)
	}
	if failed > 0 {
		s.opts.Metrics.AddSendFailures(group.WriterGroupID, failed)
	}
}
