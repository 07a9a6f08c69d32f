package session

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootURL   = "opc.tcp://lds:4840"
	plcAURL   = "opc.tcp://plc-a:4840"
	plcBURL   = "opc.tcp://plc-b"
	policyNo  = "http://opcfoundation.org/UA/SecurityPolicy#None"
	policy256 = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
)

func TestFindEndpointsVisitsEachServerOnce(t *testing.T) {
	factory := newFakeFactory()
	factory.nodes[rootURL] = &fakeNode{
		endpoints: []client.EndpointDescription{{EndpointURL: rootURL, IsDiscoveryServer: true}},
		servers: []client.ApplicationDescription{
			{DiscoveryURLs: []string{plcAURL, "opc.tcp://LDS:4840/"}},
		},
	}
	factory.nodes[plcAURL] = &fakeNode{
		failures: 2,
		endpoints: []client.EndpointDescription{
			{EndpointURL: "opc.tcp://10.0.0.5:4840/plc", SecurityMode: models.SecurityModeNone, SecurityPolicy: policyNo},
			{EndpointURL: "opc.tcp://10.0.0.5:4840/plc", SecurityMode: models.SecurityModeNone, SecurityPolicy: policyNo},
			{EndpointURL: "opc.tcp://10.0.0.5:4840/plc", SecurityMode: models.SecurityModeSignAndEncrypt, SecurityPolicy: policy256},
		},
		servers: []client.ApplicationDescription{
			{DiscoveryURLs: []string{rootURL, plcBURL}},
		},
	}
	p := newTestPool(t, factory, Options{})

	endpoints, err := p.FindEndpoints(context.Background(), rootURL, nil)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	assert.Equal(t, 1, factory.callCount(rootURL))
	assert.Equal(t, 0, factory.callCount("opc.tcp://LDS:4840/"))
	assert.Equal(t, 3, factory.callCount(plcAURL))
	assert.Equal(t, discoveryAttempts, factory.callCount(plcBURL))

	for _, ep := range endpoints {
		assert.Equal(t, plcAURL, ep.DiscoveryURL)
		assert.Equal(t, "opc.tcp://plc-a:4840/plc", ep.AccessibleURL)
		assert.False(t, ep.Found.IsZero())
	}
	assert.Equal(t, models.SecurityModeNone, endpoints[0].SecurityMode)
	assert.Equal(t, models.SecurityModeSignAndEncrypt, endpoints[1].SecurityMode)
}

func TestFindEndpointsRootFailure(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Options{})

	_, err := p.FindEndpoints(context.Background(), "opc.tcp://missing:4840", nil)
	assert.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, discoveryAttempts, factory.callCount("opc.tcp://missing:4840"))

	_, err = p.FindEndpoints(context.Background(), "", nil)
	assert.ErrorIs(t, err, errs.ErrConnection)
}

func TestFindEndpointsCancelled(t *testing.T) {
	factory := newFakeFactory()
	factory.nodes[rootURL] = &fakeNode{}
	p := newTestPool(t, factory, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.FindEndpoints(ctx, rootURL, nil)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}
