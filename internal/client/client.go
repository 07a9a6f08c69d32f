// Package client defines the narrow protocol client surface the session
// layer depends on, and its gopcua implementation.
package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Activating"
	case StateConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// CertificateValidator decides whether a server certificate is trusted.
type CertificateValidator interface {
	ValidateCertificate(ctx context.Context, endpointURL string, der []byte) error
}

type Options struct {
	Endpoint          models.EndpointModel
	Credential        *models.Credential
	ApplicationName   string
	ApplicationURI    string
	CertFile          string
	KeyFile           string
	KeepAliveInterval time.Duration
	SessionTimeout    time.Duration
	RequestTimeout    time.Duration
	Validator         CertificateValidator
}

type Reference struct {
	NodeID      string
	BrowseName  string
	DisplayName string
	NodeClass   uint32
}

// MonitoredItem is one node monitored by a subscription. Items with
// EventFields set monitor events of the node instead of its value.
type MonitoredItem struct {
	ClientHandle     uint32
	NodeID           string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardNew       bool
	EventFields      []string
}

type SubscriptionParams struct {
	PublishingInterval time.Duration
	KeepAliveCount     uint32
	LifetimeCount      uint32
}

type ItemValue struct {
	ClientHandle uint32
	Value        *models.DataValue
}

type EventFields struct {
	ClientHandle uint32
	Fields       []any
}

// Notification is one raw publish response of a subscription.
type Notification struct {
	SubscriptionID uint32
	Err            error
	DataChanges    []ItemValue
	Events         []EventFields
	Timestamp      time.Time
}

type Subscription interface {
	ID() uint32
	// Modify adds items and removes items by client handle.
	Modify(ctx context.Context, add []MonitoredItem, remove []uint32) error
	Cancel(ctx context.Context) error
}

type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	State() State
	Read(ctx context.Context, nodeIDs []string) ([]*models.DataValue, error)
	Browse(ctx context.Context, nodeID string) ([]Reference, error)
	Subscribe(ctx context.Context, params SubscriptionParams, out chan<- *Notification) (Subscription, error)
	EncodingContext() *models.EncodingContext
}

type EndpointDescription struct {
	EndpointURL       string
	ApplicationURI    string
	IsDiscoveryServer bool
	SecurityMode      models.SecurityMode
	SecurityPolicy    string
	ServerCertificate []byte
	SecurityLevel     uint8
}

type ApplicationDescription struct {
	ApplicationURI    string
	IsDiscoveryServer bool
	DiscoveryURLs     []string
}

type ServerOnNetwork struct {
	ServerName   string
	DiscoveryURL string
}

type Discoverer interface {
	GetEndpoints(ctx context.Context, url string) ([]EndpointDescription, error)
	FindServersOnNetwork(ctx context.Context, url string) ([]ServerOnNetwork, error)
	FindServers(ctx context.Context, url string, locales []string) ([]ApplicationDescription, error)
}

type Factory interface {
	Discoverer
	NewClient(opts Options) (Client, error)
}

// Thumbprint returns the upper case hex SHA1 thumbprint of a DER certificate.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeThumbprint makes configured thumbprints comparable with Thumbprint.
func NormalizeThumbprint(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	return strings.ToUpper(s)
}
