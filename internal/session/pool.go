package session

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/database"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval    = 5 * time.Second
	defaultSessionLifetime  = 2 * time.Minute
	defaultKeepAlive        = 10 * time.Second
	defaultDiscoveryTimeout = 20 * time.Second
	teardownTimeout         = 10 * time.Second
)

var ErrCertificateRejected = errors.New("peer certificate rejected")

// ErrSessionClosed is returned when a subscription is made on a session that
// already left the pool.
var ErrSessionClosed = fmt.Errorf("session closed: %w", errs.ErrInvalidState)

const subscribeAttempts = 3

type Options struct {
	Factory             client.Factory
	TrustStore          database.TrustStore
	Metrics             metrics.Sink
	AutoAcceptUntrusted bool
	ApplicationName     string
	ApplicationURI      string
	CertFile            string
	KeyFile             string
	KeepAliveInterval   time.Duration
	SessionLifetime     time.Duration
	RequestTimeout      time.Duration
	DiscoveryTimeout    time.Duration
	SweepInterval       time.Duration
}

// Pool maps connection identities to session handles. All map mutations
// happen under one context aware lock; network I/O never runs under it.
type Pool struct {
	opts Options

	lock     *utils.CtxMutex
	sessions map[Identity]*Handle
	closed   bool

	pinnedMu sync.RWMutex
	pinned   map[Identity]string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewPool(opts Options) *Pool {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.SessionLifetime <= 0 {
		opts.SessionLifetime = defaultSessionLifetime
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaultKeepAlive
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = defaultDiscoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:     opts,
		lock:     utils.NewCtxMutex(),
		sessions: make(map[Identity]*Handle),
		pinned:   make(map[Identity]string),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Pool) newClient(h *Handle) (client.Client, error) {
	return p.opts.Factory.NewClient(client.Options{
		Endpoint:          *h.connection.Endpoint,
		Credential:        h.connection.User,
		ApplicationName:   p.opts.ApplicationName,
		ApplicationURI:    p.opts.ApplicationURI,
		CertFile:          p.opts.CertFile,
		KeyFile:           p.opts.KeyFile,
		KeepAliveInterval: h.keepAlive,
		SessionTimeout:    h.lifetime,
		RequestTimeout:    p.opts.RequestTimeout,
		Validator:         p,
	})
}

func (p *Pool) acquire(ctx context.Context) error {
	if err := p.lock.Lock(ctx); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrCancelled, err)
	}
	return nil
}

// GetOrCreateSession returns the session for conn, creating it when needed,
// and makes one connect attempt. A failed connect is logged and the
// unconnected handle is returned.
func (p *Pool) GetOrCreateSession(ctx context.Context, conn *models.ConnectionModel) (*Handle, error) {
	if conn.EndpointURL() == "" {
		return nil, errs.Connection(nil, "connection has no endpoint url")
	}
	id := NewIdentity(conn)

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	if p.closed {
		p.lock.Unlock()
		return nil, errs.InvalidState("session pool is closed")
	}
	h, ok := p.sessions[id]
	if !ok {
		h = newHandle(p, id, conn)
		p.sessions[id] = h
		p.trackPinned(h)
		count := len(p.sessions)
		p.opts.Metrics.SetSessionCount(count)
		logger.InfoF("New session %s added, current number of sessions is %d", id, count)
	}
	h.Touch()
	p.lock.Unlock()

	if err := h.Connect(ctx, false); err != nil {
		logger.ErrorF("Failed to connect session %s, continue with unconnected session: %v", id, err)
	}
	return h, nil
}

// Find returns the existing session for conn or nil.
func (p *Pool) Find(ctx context.Context, conn *models.ConnectionModel) (*Handle, error) {
	id := NewIdentity(conn)
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.lock.Unlock()
	return p.sessions[id], nil
}

func (p *Pool) Disconnect(ctx context.Context, conn *models.ConnectionModel) error {
	id := NewIdentity(conn)
	if err := p.acquire(ctx); err != nil {
		return err
	}
	h, ok := p.sessions[id]
	if !ok {
		p.lock.Unlock()
		return errs.NotFound("cannot disconnect, connection %s not found", id)
	}
	if !h.subscriptions.retire() {
		p.lock.Unlock()
		return errs.InvalidState("cannot disconnect, connection %s has subscriptions", id)
	}
	delete(p.sessions, id)
	p.untrackPinned(id)
	count := len(p.sessions)
	p.lock.Unlock()

	p.opts.Metrics.SetSessionCount(count)
	logger.InfoF("Session %s disconnected, current number of sessions is %d", id, count)
	return h.Close(ctx)
}

// Subscribe creates or updates a subscription on the session of conn. A
// session collected between lookup and subscribe is replaced by a new one.
func (p *Pool) Subscribe(ctx context.Context, conn *models.ConnectionModel, model *models.SubscriptionModel,
	sink chan<- *models.SubscriptionNotificationModel) error {
	var err error
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		var h *Handle
		h, err = p.GetOrCreateSession(ctx, conn)
		if err != nil {
			return err
		}
		err = h.Subscriptions().CreateOrUpdate(ctx, model, sink)
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
		logger.DebugF("Session %s was closed while subscribing, retrying", h.identity)
	}
	return err
}

func (p *Pool) Unsubscribe(ctx context.Context, conn *models.ConnectionModel, id string) error {
	h, err := p.Find(ctx, conn)
	if err != nil {
		return err
	}
	if h == nil {
		return errs.NotFound("no session for subscription %s", id)
	}
	return h.Subscriptions().Remove(ctx, id)
}

func (p *Pool) SessionCount() int {
	if err := p.lock.Lock(context.Background()); err != nil {
		return 0
	}
	defer p.lock.Unlock()
	return len(p.sessions)
}

// Execute runs op against the connected client of the session for conn.
func Execute[T any](ctx context.Context, p *Pool, conn *models.ConnectionModel,
	op func(ctx context.Context, c client.Client) (T, error)) (T, error) {
	var result T
	if conn.EndpointURL() == "" {
		return result, errs.Connection(nil, "failed to execute call, no endpoint url")
	}
	h, err := p.GetOrCreateSession(ctx, conn)
	if err != nil {
		return result, err
	}
	err = h.Run(ctx, func(ctx context.Context, c client.Client) error {
		r, err := op(ctx, c)
		result = r
		return err
	})
	return result, err
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	logger.Debug("Session pool sweep starting...")
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Session pool sweep exiting...")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep reconnects active sessions and collects inactive ones. Candidates
// are gathered under the lock; reconnect and close run after releasing it.
func (p *Pool) sweep(ctx context.Context) {
	if err := p.lock.Lock(ctx); err != nil {
		return
	}
	var active, inactive []*Handle
	for id, h := range p.sessions {
		if h.IsActive() || !h.subscriptions.retire() {
			active = append(active, h)
			continue
		}
		inactive = append(inactive, h)
		delete(p.sessions, id)
		p.untrackPinned(id)
	}
	count := len(p.sessions)
	p.lock.Unlock()

	for _, h := range active {
		if ctx.Err() != nil {
			return
		}
		if err := h.Connect(ctx, true); err != nil {
			logger.DebugF("Session pool failed to reconnect session %s: %v", h.identity, err)
		}
	}

	if len(inactive) == 0 {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	for _, h := range inactive {
		if err := h.Close(closeCtx); err != nil {
			logger.WarnF("Failed to close inactive session %s: %v", h.identity, err)
		}
	}
	p.opts.Metrics.SetSessionCount(count)
	logger.InfoF("Garbage collected %d sessions, current number of sessions is %d", len(inactive), count)
}

func (p *Pool) trackPinned(h *Handle) {
	tp := h.PinnedCertificate()
	if tp == "" {
		return
	}
	p.pinnedMu.Lock()
	p.pinned[h.identity] = tp
	p.pinnedMu.Unlock()
}

func (p *Pool) untrackPinned(id Identity) {
	p.pinnedMu.Lock()
	delete(p.pinned, id)
	p.pinnedMu.Unlock()
}

func (p *Pool) isPinned(thumbprint string) bool {
	p.pinnedMu.RLock()
	defer p.pinnedMu.RUnlock()
	for _, tp := range p.pinned {
		if tp == thumbprint {
			return true
		}
	}
	return false
}

// ValidateCertificate is the trust callback of every client of the pool.
func (p *Pool) ValidateCertificate(ctx context.Context, endpointURL string, der []byte) error {
	tp := client.Thumbprint(der)
	subject := ""
	if cert, err := x509.ParseCertificate(der); err == nil {
		subject = cert.Subject.String()
	}

	if p.opts.AutoAcceptUntrusted {
		logger.WarnF("Accepting untrusted peer certificate %s, '%s' due to auto accept", tp, subject)
		return nil
	}
	if p.opts.TrustStore != nil {
		trusted, err := p.opts.TrustStore.IsTrusted(ctx, tp)
		if err != nil {
			logger.WarnF("Failed to look up peer certificate %s: %v", tp, err)
		} else if trusted {
			return nil
		}
	}
	if p.isPinned(tp) {
		logger.InfoF("Accepting untrusted peer certificate %s, '%s' since it was specified in the endpoint", tp, subject)
		if p.opts.TrustStore != nil {
			err := p.opts.TrustStore.AddTrustedPeer(ctx, &database.TrustedCertificate{
				Thumbprint:  tp,
				Subject:     subject,
				Certificate: der,
			})
			if err != nil {
				logger.WarnF("Failed to add peer certificate %s, '%s' to trusted store: %v", tp, subject, err)
			}
		}
		return nil
	}
	logger.InfoF("Rejecting peer certificate %s, '%s' of %s", tp, subject, endpointURL)
	return fmt.Errorf("%w: %s", ErrCertificateRejected, tp)
}

func parseLeaf(certificates []byte) (*x509.Certificate, error) {
	chain, err := x509.ParseCertificates(certificates)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	return chain[0], nil
}

func (p *Pool) AddTrustedPeer(ctx context.Context, certificates []byte) error {
	if p.opts.TrustStore == nil {
		return errs.InvalidState("no trust store configured")
	}
	leaf, err := parseLeaf(certificates)
	if err != nil {
		return err
	}
	tp := client.Thumbprint(leaf.Raw)
	logger.InfoF("Adding certificate %s, %s to trust list...", tp, leaf.Subject)
	return p.opts.TrustStore.AddTrustedPeer(ctx, &database.TrustedCertificate{
		Thumbprint:  tp,
		Subject:     leaf.Subject.String(),
		Certificate: leaf.Raw,
		NotAfter:    leaf.NotAfter,
	})
}

func (p *Pool) RemoveTrustedPeer(ctx context.Context, certificates []byte) error {
	if p.opts.TrustStore == nil {
		return errs.InvalidState("no trust store configured")
	}
	leaf, err := parseLeaf(certificates)
	if err != nil {
		return err
	}
	tp := client.Thumbprint(leaf.Raw)
	logger.InfoF("Removing certificate %s, %s from trust list...", tp, leaf.Subject)
	return p.opts.TrustStore.RemoveTrustedPeer(ctx, tp)
}

// GetEndpointCertificate returns the server certificate of the endpoint
// description matching endpoint.
func (p *Pool) GetEndpointCertificate(ctx context.Context, endpoint *models.EndpointModel) ([]byte, error) {
	if endpoint == nil || endpoint.URL == "" {
		return nil, errs.Connection(nil, "endpoint has no url")
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.DiscoveryTimeout)
	defer cancel()

	endpoints, err := p.opts.Factory.GetEndpoints(ctx, endpoint.URL)
	if err != nil {
		return nil, errs.Connection(err, "failed to get endpoints of %s", endpoint.URL)
	}
	url := NormalizeURL(endpoint.URL)
	for _, ep := range endpoints {
		if NormalizeURL(ep.EndpointURL) != url {
			continue
		}
		if endpoint.SecurityMode != models.SecurityModeBest && ep.SecurityMode != endpoint.SecurityMode {
			continue
		}
		if !samePolicy(endpoint.SecurityPolicy, ep.SecurityPolicy) {
			continue
		}
		return ep.ServerCertificate, nil
	}
	logger.DebugF("No endpoint at %s matches", endpoint.URL)
	return nil, errs.NotFound("endpoint %s", endpoint.URL)
}

// samePolicy compares a configured policy name with a policy uri. An empty
// configured policy matches any.
func samePolicy(configured, uri string) bool {
	if configured == "" {
		return true
	}
	if strings.EqualFold(configured, uri) {
		return true
	}
	_, name, ok := strings.Cut(uri, "#")
	return ok && strings.EqualFold(configured, name)
}

// Close stops the sweep and closes all sessions while holding the lock.
// Close errors are logged per session.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		logger.Info("Stopping session pool sweep...")
		p.cancel()
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.lock.Unlock()

	sessions := p.sessions
	p.sessions = make(map[Identity]*Handle)
	p.closed = true

	logger.InfoF("Stopping all %d sessions...", len(sessions))
	var g errgroup.Group
	for id, h := range sessions {
		id, h := id, h
		p.untrackPinned(id)
		g.Go(func() error {
			if err := h.Close(ctx); err != nil {
				logger.ErrorF("Unexpected error closing session %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.opts.Metrics.SetSessionCount(0)
	logger.Info("Stopped all sessions, current number of sessions is 0")
	return nil
}

func (p *Pool) Invoke(ctx context.Context) error {
	return p.Close(ctx)
}
