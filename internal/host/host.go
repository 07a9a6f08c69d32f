// Package host reconciles the running writer group jobs with the desired
// writer group configuration.
package host

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/source"
)

const (
	defaultQueueCapacity = 1024
	teardownTimeout      = 10 * time.Second
)

// SourceFactory creates the message source bound to a new job.
type SourceFactory func(group *models.WriterGroupModel) (source.MessageSource, error)

type Options struct {
	Factory       SourceFactory
	QueueCapacity int
	Metrics       metrics.Sink
}

type jobContext struct {
	id      string
	group   *models.WriterGroupModel
	source  source.MessageSource
	version uint32
}

type request struct {
	groups []*models.WriterGroupModel
	result chan error
}

func (r *request) resolve(err error) {
	if r.result != nil {
		r.result <- err
		return
	}
	if err != nil {
		logger.ErrorF("Failed to apply writer groups: %v", err)
	}
}

// Host runs one reconciliation loop. Apply calls are queued and processed
// one at a time in enqueue order.
type Host struct {
	opts  Options
	queue chan *request

	// owned by the loop goroutine
	jobs map[string]*jobContext
	pass uint32

	mu           sync.RWMutex
	version      uint32
	writerGroups []*models.WriterGroupModel
	lastChange   time.Time
	jobCount     int

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Host {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:   opts,
		queue:  make(chan *request, opts.QueueCapacity),
		jobs:   make(map[string]*jobContext),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

// JobID derives the stable id of the job of a writer group.
func JobID(publisherID, writerGroupID string) string {
	d := xxhash.New()
	_, _ = d.WriteString(publisherID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(writerGroupID)
	return hex.EncodeToString(d.Sum(nil))
}

// Apply queues the desired writer groups and waits until they are applied.
// Groups missing from the list are removed.
func (h *Host) Apply(ctx context.Context, groups []*models.WriterGroupModel) error {
	r := &request{groups: groups, result: make(chan error, 1)}
	select {
	case <-h.ctx.Done():
		return fmt.Errorf("host is closed: %w", errs.ErrCancelled)
	case <-ctx.Done():
		return fmt.Errorf("apply was not queued: %w: %w", errs.ErrCancelled, ctx.Err())
	case h.queue <- r:
	}
	select {
	case err := <-r.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("apply did not complete: %w: %w", errs.ErrCancelled, ctx.Err())
	case <-h.done:
		select {
		case err := <-r.result:
			return err
		default:
			return fmt.Errorf("host is closed: %w", errs.ErrCancelled)
		}
	}
}

// TryApply queues the desired writer groups without waiting for the result.
func (h *Host) TryApply(groups []*models.WriterGroupModel) error {
	if h.ctx.Err() != nil {
		return fmt.Errorf("host is closed: %w", errs.ErrCancelled)
	}
	select {
	case h.queue <- &request{groups: groups}:
		return nil
	default:
		return fmt.Errorf("change queue is full (%d entries): %w", cap(h.queue), errs.ErrResourceExhausted)
	}
}

func (h *Host) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return
		case r := <-h.queue:
			if h.ctx.Err() != nil {
				r.resolve(fmt.Errorf("host is closed: %w", errs.ErrCancelled))
				continue
			}
			r.resolve(h.reconcile(r.groups))
		}
	}
}

func (h *Host) shutdown() {
	for drained := false; !drained; {
		select {
		case r := <-h.queue:
			r.resolve(fmt.Errorf("host is closed: %w", errs.ErrCancelled))
		default:
			drained = true
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for id, job := range h.jobs {
		h.dispose(ctx, job)
		delete(h.jobs, id)
	}
	h.publishJobCount()
}

func (h *Host) reconcile(groups []*models.WriterGroupModel) error {
	h.pass++
	pass := h.pass

	var failures []error
	for _, group := range groups {
		if group == nil || group.WriterGroupID == "" || len(group.DataSetWriters) == 0 {
			continue
		}
		id := JobID(group.PublisherID, group.WriterGroupID)
		if job, ok := h.jobs[id]; ok {
			job.version = pass
			job.group = group
			if err := job.source.Update(h.ctx, group); err != nil {
				failures = append(failures, fmt.Errorf("failed to update writer group %s: %w", group.WriterGroupID, err))
			}
			continue
		}
		job, err := h.create(id, group, pass)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		h.jobs[id] = job
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
	defer cancel()
	for id, job := range h.jobs {
		if job.version == pass {
			continue
		}
		h.dispose(ctx, job)
		delete(h.jobs, id)
	}
	h.publishJobCount()

	if len(failures) > 0 {
		logger.WarnF("Reconciliation pass %d finished with %d failures", pass, len(failures))
		return errs.Join(fmt.Sprintf("failed to apply %d writer groups", len(failures)), failures)
	}

	h.mu.Lock()
	h.version++
	h.writerGroups = append([]*models.WriterGroupModel(nil), groups...)
	h.lastChange = time.Now()
	version := h.version
	h.mu.Unlock()
	h.opts.Metrics.SetHostVersion(version)
	logger.InfoF("Applied %d writer groups, host version %d", len(groups), version)
	return nil
}

func (h *Host) create(id string, group *models.WriterGroupModel, pass uint32) (*jobContext, error) {
	src, err := h.opts.Factory(group)
	if err != nil {
		return nil, fmt.Errorf("failed to create source for writer group %s: %w", group.WriterGroupID, err)
	}
	if err := src.Start(h.ctx); err != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
		defer cancel()
		if closeErr := src.Close(ctx); closeErr != nil {
			logger.WarnF("Failed to close source of writer group %s: %v", group.WriterGroupID, closeErr)
		}
		return nil, fmt.Errorf("failed to start writer group %s: %w", group.WriterGroupID, err)
	}
	logger.DebugF("Created job %s for writer group %s", id, group.WriterGroupID)
	return &jobContext{id: id, group: group, source: src, version: pass}, nil
}

func (h *Host) dispose(ctx context.Context, job *jobContext) {
	if err := job.source.Close(ctx); err != nil {
		logger.WarnF("Failed to close writer group %s: %v", job.group.WriterGroupID, err)
	}
	logger.DebugF("Disposed job %s for writer group %s", job.id, job.group.WriterGroupID)
}

func (h *Host) publishJobCount() {
	h.mu.Lock()
	h.jobCount = len(h.jobs)
	h.mu.Unlock()
	h.opts.Metrics.SetJobCount(len(h.jobs))
}

// Close stops the loop, cancels queued changes and closes every job.
func (h *Host) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			err = fmt.Errorf("host did not stop in time: %w", ctx.Err())
		}
	})
	return err
}

// Invoke closes the host on shutdown.
func (h *Host) Invoke(ctx context.Context) error {
	return h.Close(ctx)
}

func (h *Host) Version() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// WriterGroups returns the writer groups of the last fully applied change.
func (h *Host) WriterGroups() []*models.WriterGroupModel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*models.WriterGroupModel(nil), h.writerGroups...)
}

func (h *Host) LastChange() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastChange
}

func (h *Host) JobCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.jobCount
}
