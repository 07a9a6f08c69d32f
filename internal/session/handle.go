package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// Handle wraps one physical connection to an endpoint. Connects are
// serialized per handle and never hold the pool lock.
type Handle struct {
	identity   Identity
	connection models.ConnectionModel
	pool       *Pool

	keepAlive time.Duration
	lifetime  time.Duration

	connectMu     sync.Mutex
	mu            sync.RWMutex
	client        client.Client
	everConnected bool
	closed        bool

	lastActivity  atomic.Int64
	subscriptions *SubscriptionManager
}

func newHandle(pool *Pool, id Identity, conn *models.ConnectionModel) *Handle {
	h := &Handle{
		identity:   id,
		connection: cloneConnection(conn),
		pool:       pool,
		keepAlive:  pool.opts.KeepAliveInterval,
		lifetime:   pool.opts.SessionLifetime,
	}
	h.subscriptions = newSubscriptionManager(h)
	h.Touch()
	return h
}

func cloneConnection(conn *models.ConnectionModel) models.ConnectionModel {
	var c models.ConnectionModel
	if conn == nil {
		return c
	}
	if conn.Endpoint != nil {
		ep := *conn.Endpoint
		ep.AlternativeURLs = append([]string(nil), conn.Endpoint.AlternativeURLs...)
		c.Endpoint = &ep
	}
	if conn.User != nil {
		user := *conn.User
		c.User = &user
	}
	return c
}

func (h *Handle) Identity() Identity {
	return h.identity
}

// PinnedCertificate returns the normalized thumbprint pinned in the
// endpoint, if any.
func (h *Handle) PinnedCertificate() string {
	if h.connection.Endpoint == nil || h.connection.Endpoint.Certificate == "" {
		return ""
	}
	return client.NormalizeThumbprint(h.connection.Endpoint.Certificate)
}

func (h *Handle) State() client.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return client.StateDisconnected
	}
	return h.client.State()
}

func (h *Handle) Touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *Handle) HasSubscriptions() bool {
	return h.subscriptions.Count() > 0
}

// IsActive reports whether the handle has subscriptions or was used within
// its session lifetime.
func (h *Handle) IsActive() bool {
	if h.HasSubscriptions() {
		return true
	}
	return time.Since(h.LastActivity()) < h.lifetime
}

func (h *Handle) Subscriptions() *SubscriptionManager {
	return h.subscriptions
}

// EncodingContext returns the encoding context of the connected client.
func (h *Handle) EncodingContext() *models.EncodingContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return nil
	}
	return h.client.EncodingContext()
}

func (h *Handle) connectedClient() client.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil || h.client.State() != client.StateConnected {
		return nil
	}
	return h.client
}

// Connect makes one connect attempt. Without reconnect, a handle that was
// connected before and has lost its connection is left to the sweep.
func (h *Handle) Connect(ctx context.Context, reconnect bool) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errs.InvalidState("session %s is closed", h.identity)
	}
	if h.client != nil && h.client.State() == client.StateConnected {
		h.mu.Unlock()
		h.subscriptions.createPending(ctx)
		return nil
	}
	if h.everConnected && !reconnect {
		h.mu.Unlock()
		return nil
	}
	if h.client == nil {
		cl, err := h.pool.newClient(h)
		if err != nil {
			h.mu.Unlock()
			return errs.Connection(err, "failed to create client for %s", h.identity)
		}
		h.client = cl
	}
	cl := h.client
	wasConnected := h.everConnected
	h.mu.Unlock()

	if err := cl.Connect(ctx); err != nil {
		return errs.Connection(err, "failed to connect session %s", h.identity)
	}

	h.mu.Lock()
	h.everConnected = true
	h.mu.Unlock()

	if wasConnected {
		logger.InfoF("Session %s reconnected", h.identity)
	} else {
		logger.InfoF("Session %s connected", h.identity)
	}
	h.subscriptions.recreate(ctx)
	return nil
}

// Run ensures the handle is connected and runs op against its client.
func (h *Handle) Run(ctx context.Context, op func(ctx context.Context, c client.Client) error) error {
	if err := h.Connect(ctx, true); err != nil {
		return err
	}
	cl := h.connectedClient()
	if cl == nil {
		return errs.Connection(nil, "session %s is not connected", h.identity)
	}
	h.Touch()
	return op(ctx, cl)
}

// Close removes all subscriptions and closes the client. The handle cannot
// be connected again.
func (h *Handle) Close(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cl := h.client
	h.mu.Unlock()

	h.subscriptions.closeAll(ctx)
	if cl == nil {
		return nil
	}
	if err := cl.Close(ctx); err != nil {
		return fmt.Errorf("failed to close session %s: %w", h.identity, err)
	}
	logger.DebugF("Session %s closed", h.identity)
	return nil
}

func (h *Handle) IsClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
