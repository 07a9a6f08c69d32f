package session

import (
	"math"
	"testing"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	a := NewIdentity(&models.ConnectionModel{
		Endpoint: &models.EndpointModel{URL: "OPC.TCP://PLC-1:4840/", AlternativeURLs: []string{"opc.tcp://b", "opc.tcp://a"}},
		User:     &models.Credential{Type: models.CredentialUserName, User: "op", Password: "secret"},
	})
	b := NewIdentity(&models.ConnectionModel{
		Endpoint: &models.EndpointModel{URL: "opc.tcp://plc-1:4840", AlternativeURLs: []string{"opc.tcp://a", "opc.tcp://b"}},
		User:     &models.Credential{Type: models.CredentialUserName, User: "op", Password: "secret"},
	})
	assert.Equal(t, a, b)
	assert.NotContains(t, a.String(), "secret")

	c := NewIdentity(&models.ConnectionModel{
		Endpoint: &models.EndpointModel{URL: "opc.tcp://plc-1:4840"},
		User:     &models.Credential{Type: models.CredentialUserName, User: "op", Password: "other"},
	})
	assert.NotEqual(t, a, c)
	assert.Equal(t, Identity{}, NewIdentity(nil))
}

func TestDiscoveryKey(t *testing.T) {
	assert.Equal(t, "opc.tcp://lds:4840", discoveryKey("opc.tcp://LDS."))
	assert.Equal(t, "opc.tcp://lds:4840", discoveryKey("opc.tcp://lds:4840/"))
	assert.Equal(t, "opc.tcp://lds:4841/ua", discoveryKey("opc.tcp://lds:4841/ua/"))
}

func TestAccessibleURL(t *testing.T) {
	assert.Equal(t, "opc.tcp://plc-a:4840/plc", accessibleURL("opc.tcp://10.0.0.5:4840/plc", "opc.tcp://plc-a:4840"))
	assert.Equal(t, "opc.tcp://[::1]:4840", accessibleURL("opc.tcp://host:4840", "opc.tcp://[::1]:1000"))
	assert.Equal(t, "not a url", accessibleURL("not a url", "opc.tcp://plc-a"))
}

func TestHandleAllocator(t *testing.T) {
	a := newHandleAllocator()
	assert.Equal(t, uint32(1), a.Next())
	assert.Equal(t, uint32(2), a.Next())

	a.Release(1)
	a.Release(0)
	assert.Equal(t, uint32(1), a.Next())
	assert.Equal(t, uint32(3), a.Next())

	a.current = math.MaxUint32
	assert.Equal(t, uint32(math.MaxUint32), a.Next())
	assert.Equal(t, uint32(1), a.Next())
}
