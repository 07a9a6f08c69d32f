package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

type fakeSubscription struct {
	id  uint32
	out chan<- *client.Notification

	mu        sync.Mutex
	added     []client.MonitoredItem
	removed   []uint32
	cancelled bool
}

func (s *fakeSubscription) ID() uint32 { return s.id }

func (s *fakeSubscription) Modify(_ context.Context, add []client.MonitoredItem, remove []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, add...)
	s.removed = append(s.removed, remove...)
	return nil
}

func (s *fakeSubscription) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSubscription) handleOf(nodeID string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.added {
		if item.NodeID == nodeID {
			return item.ClientHandle
		}
	}
	return 0
}

type fakeClient struct {
	opts    client.Options
	factory *fakeFactory

	mu            sync.Mutex
	state         client.State
	closed        bool
	subscriptions []*fakeSubscription
}

func (c *fakeClient) Connect(context.Context) error {
	c.factory.connects.Add(1)
	if c.factory.connectGate != nil {
		<-c.factory.connectGate
	}
	if c.factory.failConnects.Load() > 0 {
		c.factory.failConnects.Add(-1)
		return errors.New("connection refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = client.StateConnected
	return nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = client.StateDisconnected
	return nil
}

func (c *fakeClient) State() client.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) Read(_ context.Context, nodeIDs []string) ([]*models.DataValue, error) {
	values := make([]*models.DataValue, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		values = append(values, &models.DataValue{Value: id})
	}
	return values, nil
}

func (c *fakeClient) Browse(context.Context, string) ([]client.Reference, error) {
	return nil, nil
}

func (c *fakeClient) Subscribe(_ context.Context, _ client.SubscriptionParams, out chan<- *client.Notification) (client.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &fakeSubscription{id: uint32(len(c.subscriptions) + 1), out: out}
	c.subscriptions = append(c.subscriptions, sub)
	return sub, nil
}

func (c *fakeClient) lastSubscription() *fakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return nil
	}
	return c.subscriptions[len(c.subscriptions)-1]
}

func (c *fakeClient) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

func (c *fakeClient) EncodingContext() *models.EncodingContext {
	return &models.EncodingContext{NamespaceURIs: []string{"http://opcfoundation.org/UA/", "urn:plc"}}
}

// fakeNode is one discovery server of the fake network.
type fakeNode struct {
	endpoints []client.EndpointDescription
	servers   []client.ApplicationDescription
	failures  int
}

type fakeFactory struct {
	connects     atomic.Int32
	failConnects atomic.Int32
	connectGate  chan struct{}

	mu      sync.Mutex
	clients []*fakeClient
	nodes   map[string]*fakeNode
	calls   map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		nodes: make(map[string]*fakeNode),
		calls: make(map[string]int),
	}
}

func (f *fakeFactory) NewClient(opts client.Options) (client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{opts: opts, factory: f}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFactory) GetEndpoints(_ context.Context, url string) ([]client.EndpointDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	node, ok := f.nodes[url]
	if !ok {
		return nil, errors.New("host unreachable")
	}
	if node.failures > 0 {
		node.failures--
		return nil, errors.New("timeout")
	}
	return node.endpoints, nil
}

func (f *fakeFactory) FindServersOnNetwork(context.Context, string) ([]client.ServerOnNetwork, error) {
	return nil, errors.New("service unsupported")
}

func (f *fakeFactory) FindServers(_ context.Context, url string, _ []string) ([]client.ApplicationDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[url]
	if !ok {
		return nil, errors.New("host unreachable")
	}
	return node.servers, nil
}

func connection(url string) *models.ConnectionModel {
	return &models.ConnectionModel{Endpoint: &models.EndpointModel{URL: url}}
}
