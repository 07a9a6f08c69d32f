package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// OpcuaFactory creates clients backed by github.com/gopcua/opcua.
type OpcuaFactory struct{}

func NewOpcuaFactory() *OpcuaFactory {
	return &OpcuaFactory{}
}

func (f *OpcuaFactory) NewClient(opts Options) (Client, error) {
	if opts.Endpoint.URL == "" {
		return nil, errors.New("endpoint url is empty")
	}
	return &opcuaClient{opts: opts}, nil
}

func (f *OpcuaFactory) GetEndpoints(ctx context.Context, url string) ([]EndpointDescription, error) {
	endpoints, err := opcua.GetEndpoints(ctx, url)
	if err != nil {
		return nil, err
	}
	result := make([]EndpointDescription, 0, len(endpoints))
	for _, ep := range endpoints {
		desc := EndpointDescription{
			EndpointURL:       ep.EndpointURL,
			SecurityMode:      fromMessageSecurityMode(ep.SecurityMode),
			SecurityPolicy:    ep.SecurityPolicyURI,
			ServerCertificate: ep.ServerCertificate,
			SecurityLevel:     ep.SecurityLevel,
		}
		if ep.Server != nil {
			desc.ApplicationURI = ep.Server.ApplicationURI
			desc.IsDiscoveryServer = ep.Server.ApplicationType == ua.ApplicationTypeDiscoveryServer
		}
		result = append(result, desc)
	}
	return result, nil
}

func (f *OpcuaFactory) FindServersOnNetwork(ctx context.Context, url string) ([]ServerOnNetwork, error) {
	servers, err := opcua.FindServersOnNetwork(ctx, url)
	if err != nil {
		return nil, err
	}
	result := make([]ServerOnNetwork, 0, len(servers))
	for _, s := range servers {
		result = append(result, ServerOnNetwork{ServerName: s.ServerName, DiscoveryURL: s.DiscoveryURL})
	}
	return result, nil
}

// FindServers queries the discovery server. The gopcua helper does not take
// locales, so they only influence server name selection on the server side
// when supported.
func (f *OpcuaFactory) FindServers(ctx context.Context, url string, _ []string) ([]ApplicationDescription, error) {
	servers, err := opcua.FindServers(ctx, url)
	if err != nil {
		return nil, err
	}
	result := make([]ApplicationDescription, 0, len(servers))
	for _, s := range servers {
		result = append(result, ApplicationDescription{
			ApplicationURI:    s.ApplicationURI,
			IsDiscoveryServer: s.ApplicationType == ua.ApplicationTypeDiscoveryServer,
			DiscoveryURLs:     s.DiscoveryURLs,
		})
	}
	return result, nil
}

type opcuaClient struct {
	opts Options

	mu         sync.RWMutex
	client     *opcua.Client
	connecting bool
	namespaces []string
}

func (c *opcuaClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil && c.client.State() == opcua.Connected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	cl, namespaces, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		return err
	}
	if c.client != nil {
		_ = c.client.Close(ctx)
	}
	c.client = cl
	c.namespaces = namespaces
	return nil
}

func (c *opcuaClient) dial(ctx context.Context) (*opcua.Client, []string, error) {
	endpoints, err := opcua.GetEndpoints(ctx, c.opts.Endpoint.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get endpoints of %s: %w", c.opts.Endpoint.URL, err)
	}
	ep := selectEndpoint(endpoints, c.opts.Endpoint.SecurityPolicy, c.opts.Endpoint.SecurityMode)
	if ep == nil {
		return nil, nil, fmt.Errorf("no endpoint of %s matches policy %q and mode %s",
			c.opts.Endpoint.URL, c.opts.Endpoint.SecurityPolicy, c.opts.Endpoint.SecurityMode)
	}
	if len(ep.ServerCertificate) > 0 && ep.SecurityMode != ua.MessageSecurityModeNone && c.opts.Validator != nil {
		if err := c.opts.Validator.ValidateCertificate(ctx, c.opts.Endpoint.URL, ep.ServerCertificate); err != nil {
			return nil, nil, err
		}
	}

	options := []opcua.Option{
		opcua.SecurityPolicy(ep.SecurityPolicyURI),
		opcua.SecurityMode(ep.SecurityMode),
		opcua.AutoReconnect(false),
	}
	if c.opts.ApplicationName != "" {
		options = append(options, opcua.ApplicationName(c.opts.ApplicationName))
	}
	if c.opts.ApplicationURI != "" {
		options = append(options, opcua.ApplicationURI(c.opts.ApplicationURI))
	}
	if c.opts.SessionTimeout > 0 {
		options = append(options, opcua.SessionTimeout(c.opts.SessionTimeout))
	}
	if c.opts.RequestTimeout > 0 {
		options = append(options, opcua.RequestTimeout(c.opts.RequestTimeout))
	}
	if c.opts.CertFile != "" && c.opts.KeyFile != "" {
		options = append(options, opcua.CertificateFile(c.opts.CertFile), opcua.PrivateKeyFile(c.opts.KeyFile))
	}
	if c.opts.Credential != nil && c.opts.Credential.Type == models.CredentialUserName {
		options = append(options,
			opcua.AuthUsername(c.opts.Credential.User, c.opts.Credential.Password),
			opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeUserName))
	} else {
		options = append(options,
			opcua.AuthAnonymous(),
			opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeAnonymous))
	}

	cl, err := opcua.NewClient(ep.EndpointURL, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client for %s: %w", ep.EndpointURL, err)
	}
	if err := cl.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", ep.EndpointURL, err)
	}
	namespaces, err := cl.NamespaceArray(ctx)
	if err != nil {
		logger.WarnF("Failed to read namespace array of %s: %v", ep.EndpointURL, err)
	}
	return cl, namespaces, nil
}

func selectEndpoint(endpoints []*ua.EndpointDescription, policy string, mode models.SecurityMode) *ua.EndpointDescription {
	var best *ua.EndpointDescription
	policyURI := ""
	if policy != "" {
		policyURI = ua.FormatSecurityPolicyURI(policy)
	}
	for _, ep := range endpoints {
		if ep == nil || !strings.HasPrefix(ep.EndpointURL, "opc.tcp") {
			continue
		}
		if policyURI != "" && ep.SecurityPolicyURI != policyURI {
			continue
		}
		if mode != models.SecurityModeBest && fromMessageSecurityMode(ep.SecurityMode) != mode {
			continue
		}
		if best == nil || ep.SecurityLevel > best.SecurityLevel {
			best = ep
		}
	}
	return best
}

func fromMessageSecurityMode(mode ua.MessageSecurityMode) models.SecurityMode {
	switch mode {
	case ua.MessageSecurityModeNone:
		return models.SecurityModeNone
	case ua.MessageSecurityModeSign:
		return models.SecurityModeSign
	case ua.MessageSecurityModeSignAndEncrypt:
		return models.SecurityModeSignAndEncrypt
	default:
		return models.SecurityModeBest
	}
}

func (c *opcuaClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close(ctx)
	c.client = nil
	return err
}

func (c *opcuaClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connecting {
		return StateConnecting
	}
	if c.client == nil {
		return StateDisconnected
	}
	switch c.client.State() {
	case opcua.Connected:
		return StateConnected
	case opcua.Connecting, opcua.Reconnecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

func (c *opcuaClient) connected() (*opcua.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errors.New("client is not connected")
	}
	return c.client, nil
}

func (c *opcuaClient) EncodingContext() *models.EncodingContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil
	}
	return &models.EncodingContext{NamespaceURIs: append([]string(nil), c.namespaces...)}
}

func (c *opcuaClient) Read(ctx context.Context, nodeIDs []string) ([]*models.DataValue, error) {
	cl, err := c.connected()
	if err != nil {
		return nil, err
	}
	req := &ua.ReadRequest{TimestampsToReturn: ua.TimestampsToReturnBoth}
	for _, s := range nodeIDs {
		nodeID, err := ua.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", s, err)
		}
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue})
	}
	resp, err := cl.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	values := make([]*models.DataValue, 0, len(resp.Results))
	for _, dv := range resp.Results {
		values = append(values, toDataValue(dv))
	}
	return values, nil
}

func (c *opcuaClient) Browse(ctx context.Context, nodeID string) ([]Reference, error) {
	cl, err := c.connected()
	if err != nil {
		return nil, err
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", nodeID, err)
	}
	resp, err := cl.Browse(ctx, &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          parsed,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return nil, err
	}
	var refs []Reference
	for _, result := range resp.Results {
		for _, ref := range result.References {
			r := Reference{NodeClass: uint32(ref.NodeClass)}
			if ref.NodeID != nil && ref.NodeID.NodeID != nil {
				r.NodeID = ref.NodeID.NodeID.String()
			}
			if ref.BrowseName != nil {
				r.BrowseName = ref.BrowseName.Name
			}
			if ref.DisplayName != nil {
				r.DisplayName = ref.DisplayName.Text
			}
			refs = append(refs, r)
		}
	}
	return refs, nil
}

func (c *opcuaClient) Subscribe(ctx context.Context, params SubscriptionParams, out chan<- *Notification) (Subscription, error) {
	cl, err := c.connected()
	if err != nil {
		return nil, err
	}
	raw := make(chan *opcua.PublishNotificationData, 64)
	sub, err := cl.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:          params.PublishingInterval,
		MaxKeepAliveCount: params.KeepAliveCount,
		LifetimeCount:     params.LifetimeCount,
	}, raw)
	if err != nil {
		return nil, err
	}
	s := &opcuaSubscription{
		sub:     sub,
		handles: make(map[uint32]uint32),
		done:    make(chan struct{}),
	}
	go s.forward(raw, out)
	return s, nil
}

type opcuaSubscription struct {
	sub *opcua.Subscription

	mu      sync.Mutex
	handles map[uint32]uint32 // client handle -> monitored item id

	done      chan struct{}
	closeOnce sync.Once
}

func (s *opcuaSubscription) ID() uint32 {
	return s.sub.SubscriptionID
}

func (s *opcuaSubscription) forward(raw <-chan *opcua.PublishNotificationData, out chan<- *Notification) {
	for {
		select {
		case <-s.done:
			return
		case data := <-raw:
			if data == nil {
				continue
			}
			n := &Notification{SubscriptionID: data.SubscriptionID, Err: data.Error, Timestamp: time.Now().UTC()}
			switch v := data.Value.(type) {
			case *ua.DataChangeNotification:
				for _, item := range v.MonitoredItems {
					n.DataChanges = append(n.DataChanges, ItemValue{ClientHandle: item.ClientHandle, Value: toDataValue(item.Value)})
				}
			case *ua.EventNotificationList:
				for _, ev := range v.Events {
					fields := make([]any, 0, len(ev.EventFields))
					for _, f := range ev.EventFields {
						if f == nil {
							fields = append(fields, nil)
							continue
						}
						fields = append(fields, f.Value())
					}
					n.Events = append(n.Events, EventFields{ClientHandle: ev.ClientHandle, Fields: fields})
				}
			}
			select {
			case out <- n:
			case <-s.done:
				return
			}
		}
	}
}

func (s *opcuaSubscription) Modify(ctx context.Context, add []MonitoredItem, remove []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(remove) > 0 {
		ids := make([]uint32, 0, len(remove))
		for _, h := range remove {
			if itemID, ok := s.handles[h]; ok {
				ids = append(ids, itemID)
				delete(s.handles, h)
			}
		}
		if len(ids) > 0 {
			if _, err := s.sub.Unmonitor(ctx, ids...); err != nil {
				return fmt.Errorf("failed to remove monitored items: %w", err)
			}
		}
	}
	if len(add) == 0 {
		return nil
	}

	reqs := make([]*ua.MonitoredItemCreateRequest, 0, len(add))
	for _, item := range add {
		req, err := toCreateRequest(item)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...)
	if err != nil {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}
	var failed []string
	for i, result := range resp.Results {
		if i >= len(add) {
			break
		}
		if result.StatusCode != ua.StatusOK {
			failed = append(failed, fmt.Sprintf("%s: %v", add[i].NodeID, result.StatusCode))
			continue
		}
		s.handles[add[i].ClientHandle] = result.MonitoredItemID
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to monitor %d items: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func toCreateRequest(item MonitoredItem) (*ua.MonitoredItemCreateRequest, error) {
	nodeID, err := ua.ParseNodeID(item.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", item.NodeID, err)
	}
	if len(item.EventFields) == 0 {
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, item.ClientHandle)
		req.RequestedParameters.SamplingInterval = float64(item.SamplingInterval / time.Millisecond)
		if item.QueueSize > 0 {
			req.RequestedParameters.QueueSize = item.QueueSize
		}
		req.RequestedParameters.DiscardOldest = !item.DiscardNew
		return req, nil
	}

	filter := &ua.EventFilter{}
	for _, field := range item.EventFields {
		filter.SelectClauses = append(filter.SelectClauses, &ua.SimpleAttributeOperand{
			TypeDefinitionID: ua.NewNumericNodeID(0, id.BaseEventType),
			BrowsePath:       []*ua.QualifiedName{{NamespaceIndex: 0, Name: field}},
			AttributeID:      ua.AttributeIDValue,
		})
	}
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDEventNotifier, item.ClientHandle)
	req.RequestedParameters.Filter = &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, id.EventFilter_Encoding_DefaultBinary)},
		Value:        filter,
	}
	return req, nil
}

func (s *opcuaSubscription) Cancel(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.sub.Cancel(ctx)
}

func toDataValue(dv *ua.DataValue) *models.DataValue {
	if dv == nil {
		return nil
	}
	v := &models.DataValue{
		StatusCode:      uint32(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
	if dv.Value != nil {
		v.Value = dv.Value.Value()
	}
	return v
}
