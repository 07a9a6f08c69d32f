package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	group    *models.WriterGroupModel
	startErr error
	started  bool
	updates  int
	closed   bool
}

func (f *fakeSource) Start(context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeSource) Update(_ context.Context, group *models.WriterGroupModel) error {
	f.group = group
	f.updates++
	return nil
}

func (f *fakeSource) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	sources map[string][]*fakeSource
	fail    map[string]error
	gate    chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sources: make(map[string][]*fakeSource), fail: make(map[string]error)}
}

func (f *fakeFactory) create(group *models.WriterGroupModel) (source.MessageSource, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src := &fakeSource{group: group, startErr: f.fail[group.WriterGroupID]}
	f.sources[group.WriterGroupID] = append(f.sources[group.WriterGroupID], src)
	return src, nil
}

func (f *fakeFactory) latest(id string) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sources[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func group(id string) *models.WriterGroupModel {
	writerID := "w1"
	return &models.WriterGroupModel{
		WriterGroupID:  id,
		PublisherID:    "pub",
		DataSetWriters: []*models.DataSetWriterModel{{DataSetWriterID: &writerID}},
	}
}

func newHost(t *testing.T, factory *fakeFactory, capacity int) *Host {
	h := New(Options{Factory: factory.create, QueueCapacity: capacity})
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestJobIDIsStable(t *testing.T) {
	assert.Equal(t, JobID("pub", "group-1"), JobID("pub", "group-1"))
	assert.NotEqual(t, JobID("pub", "group-1"), JobID("pub", "group-2"))
	assert.NotEqual(t, JobID("pubg", "roup-1"), JobID("pub", "group-1"))
	assert.Len(t, JobID("pub", "group-1"), 16)
}

func TestApplyThenApplyEmptyRemovesJobs(t *testing.T) {
	factory := newFakeFactory()
	h := newHost(t, factory, 0)
	ctx := context.Background()

	require.NoError(t, h.Apply(ctx, []*models.WriterGroupModel{group("A")}))
	assert.Equal(t, 1, h.JobCount())
	assert.Equal(t, uint32(1), h.Version())
	src := factory.latest("A")
	require.NotNil(t, src)
	assert.True(t, src.started)

	require.NoError(t, h.Apply(ctx, nil))
	assert.Equal(t, 0, h.JobCount())
	assert.Equal(t, uint32(2), h.Version())
	assert.True(t, src.closed)
	assert.Empty(t, h.WriterGroups())
}

func TestApplyUpdatesExistingJob(t *testing.T) {
	factory := newFakeFactory()
	h := newHost(t, factory, 0)
	ctx := context.Background()

	require.NoError(t, h.Apply(ctx, []*models.WriterGroupModel{group("A"), group("B")}))
	first := h.LastChange()
	updated := group("A")
	updated.Name = "renamed"
	require.NoError(t, h.Apply(ctx, []*models.WriterGroupModel{updated}))

	a := factory.latest("A")
	assert.Equal(t, 1, a.updates)
	assert.Same(t, updated, a.group)
	assert.False(t, a.closed)
	assert.True(t, factory.latest("B").closed)
	assert.Equal(t, 1, h.JobCount())
	assert.False(t, h.LastChange().Before(first))
	require.Len(t, h.WriterGroups(), 1)
	assert.Equal(t, "renamed", h.WriterGroups()[0].Name)
}

func TestApplySkipsGroupsWithoutWritersOrID(t *testing.T) {
	factory := newFakeFactory()
	h := newHost(t, factory, 0)

	empty := group("A")
	empty.DataSetWriters = nil
	require.NoError(t, h.Apply(context.Background(), []*models.WriterGroupModel{empty, group(""), nil}))
	assert.Equal(t, 0, h.JobCount())
	assert.Equal(t, uint32(1), h.Version())
}

func TestApplyReportsSingleFailure(t *testing.T) {
	factory := newFakeFactory()
	boom := errors.New("boom")
	factory.fail["B"] = boom
	h := newHost(t, factory, 0)

	err := h.Apply(context.Background(), []*models.WriterGroupModel{group("A"), group("B")})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	_, aggregate := errs.IsAggregate(err)
	assert.False(t, aggregate)

	assert.Equal(t, 1, h.JobCount())
	assert.True(t, factory.latest("B").closed)
	assert.Equal(t, uint32(0), h.Version())
	assert.Empty(t, h.WriterGroups())
	assert.True(t, h.LastChange().IsZero())
}

func TestApplyReportsAggregateFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.fail["A"] = errors.New("a failed")
	factory.fail["B"] = errors.New("b failed")
	h := newHost(t, factory, 0)

	err := h.Apply(context.Background(), []*models.WriterGroupModel{group("A"), group("B"), group("C")})
	ae, ok := errs.IsAggregate(err)
	require.True(t, ok)
	assert.Len(t, ae.Errors, 2)
	assert.Equal(t, 1, h.JobCount())
	assert.Equal(t, uint32(0), h.Version())
}

func TestVersionIsMonotonic(t *testing.T) {
	factory := newFakeFactory()
	h := newHost(t, factory, 0)

	var last uint32
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Apply(context.Background(), []*models.WriterGroupModel{group("A")}))
		v := h.Version()
		assert.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, uint32(5), last)
	assert.Len(t, factory.sources["A"], 1)
}

func TestTryApplyFailsWhenQueueIsFull(t *testing.T) {
	factory := newFakeFactory()
	factory.gate = make(chan struct{})
	h := newHost(t, factory, 1)

	require.NoError(t, h.TryApply([]*models.WriterGroupModel{group("A")}))
	require.Eventually(t, func() bool { return len(h.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.TryApply([]*models.WriterGroupModel{group("B")}))

	err := h.TryApply([]*models.WriterGroupModel{group("C")})
	assert.True(t, errs.IsResourceExhausted(err))

	close(factory.gate)
	require.Eventually(t, func() bool { return h.Version() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.JobCount())
}

func TestCloseCancelsQueuedChanges(t *testing.T) {
	factory := newFakeFactory()
	factory.gate = make(chan struct{})
	h := New(Options{Factory: factory.create, QueueCapacity: 4})

	first := make(chan error, 1)
	go func() { first <- h.Apply(context.Background(), []*models.WriterGroupModel{group("A")}) }()
	require.Eventually(t, func() bool { return len(h.queue) == 0 }, time.Second, time.Millisecond)

	queued := make(chan error, 1)
	go func() { queued <- h.Apply(context.Background(), []*models.WriterGroupModel{group("B")}) }()
	require.Eventually(t, func() bool { return len(h.queue) == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- h.Close(context.Background()) }()
	require.Eventually(t, func() bool { return h.ctx.Err() != nil }, time.Second, time.Millisecond)
	close(factory.gate)

	require.NoError(t, <-closed)
	assert.True(t, errs.IsCancelled(<-queued))
	<-first
	assert.Equal(t, 0, h.JobCount())
	if src := factory.latest("A"); src != nil {
		assert.True(t, src.closed)
	}
	assert.True(t, errs.IsCancelled(h.Apply(context.Background(), nil)))
	assert.True(t, errs.IsCancelled(h.TryApply(nil)))
}

func TestApplyHonoursCallerCancellation(t *testing.T) {
	factory := newFakeFactory()
	factory.gate = make(chan struct{})
	h := newHost(t, factory, 0)
	defer close(factory.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Apply(ctx, []*models.WriterGroupModel{group("A")})
	assert.True(t, errs.IsCancelled(err))
}
