// Package models holds the data model shared by the session layer, the
// message sources, the reconciliation host and the encoder.
package models

import (
	"strings"
	"time"
)

type SecurityMode int

const (
	SecurityModeBest SecurityMode = iota
	SecurityModeNone
	SecurityModeSign
	SecurityModeSignAndEncrypt
)

func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "None"
	case SecurityModeSign:
		return "Sign"
	case SecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Best"
	}
}

func ParseSecurityMode(s string) SecurityMode {
	switch strings.ToLower(s) {
	case "none":
		return SecurityModeNone
	case "sign":
		return SecurityModeSign
	case "signandencrypt":
		return SecurityModeSignAndEncrypt
	default:
		return SecurityModeBest
	}
}

type CredentialType int

const (
	CredentialNone CredentialType = iota
	CredentialUserName
)

type Credential struct {
	Type     CredentialType
	User     string
	Password string
}

// EndpointModel describes how to reach one server. Certificate optionally
// pins the server certificate thumbprint (hex encoded SHA1).
type EndpointModel struct {
	URL             string
	AlternativeURLs []string
	SecurityMode    SecurityMode
	SecurityPolicy  string
	Certificate     string
}

type ConnectionModel struct {
	Endpoint *EndpointModel
	User     *Credential
}

// EndpointURL returns the endpoint url or an empty string.
func (c *ConnectionModel) EndpointURL() string {
	if c == nil || c.Endpoint == nil {
		return ""
	}
	return c.Endpoint.URL
}

// DiscoveredEndpoint is one server endpoint found while crawling discovery
// servers.
type DiscoveredEndpoint struct {
	DiscoveryURL   string
	EndpointURL    string
	// AccessibleURL is EndpointURL with the host of the discovery url, which
	// is reachable even when the server reports an internal host name.
	AccessibleURL  string
	ApplicationURI string
	SecurityMode   SecurityMode
	SecurityPolicy string
	Certificate    []byte
	SecurityLevel  uint8
	Found          time.Time
}
