// Package session owns the pool of protocol sessions: identity based reuse,
// connect and reconnect, idle collection, subscriptions, discovery and
// certificate trust.
package session

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// Identity identifies one logical connection. It is comparable and used as
// the session map key.
type Identity struct {
	URL             string
	AlternativeURLs string
	SecurityMode    models.SecurityMode
	SecurityPolicy  string
	CredentialType  models.CredentialType
	User            string
	// PasswordHash keeps the secret itself out of the map key and logs.
	PasswordHash uint64
}

func NewIdentity(conn *models.ConnectionModel) Identity {
	id := Identity{}
	if conn == nil {
		return id
	}
	if ep := conn.Endpoint; ep != nil {
		id.URL = NormalizeURL(ep.URL)
		id.SecurityMode = ep.SecurityMode
		id.SecurityPolicy = ep.SecurityPolicy
		if len(ep.AlternativeURLs) > 0 {
			alternatives := make([]string, 0, len(ep.AlternativeURLs))
			for _, u := range ep.AlternativeURLs {
				alternatives = append(alternatives, NormalizeURL(u))
			}
			slices.Sort(alternatives)
			id.AlternativeURLs = strings.Join(slices.Compact(alternatives), "|")
		}
	}
	if user := conn.User; user != nil {
		id.CredentialType = user.Type
		id.User = user.User
		if user.Password != "" {
			id.PasswordHash = xxhash.Sum64String(user.Password)
		}
	}
	return id
}

func (id Identity) String() string {
	var b strings.Builder
	b.WriteString(id.URL)
	if id.SecurityMode != models.SecurityModeBest || id.SecurityPolicy != "" {
		_, _ = fmt.Fprintf(&b, " [%s/%s]", id.SecurityMode, id.SecurityPolicy)
	}
	if id.User != "" {
		b.WriteString(" as ")
		b.WriteString(id.User)
	}
	return b.String()
}

// NormalizeURL lower cases scheme and host and trims a trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/")
}

// discoveryKey normalizes a discovery url for the visited set: host trimmed
// of dots, default port applied and path trimmed of slashes.
func discoveryKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.Trim(raw, "/"))
	}
	host := strings.Trim(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	if port == "" {
		port = defaultDiscoveryPort
	}
	path := strings.Trim(u.Path, "/")
	key := strings.ToLower(u.Scheme) + "://" + host + ":" + port
	if path != "" {
		key += "/" + path
	}
	return key
}

// accessibleURL replaces the host of endpointURL with the host of
// discoveryURL, keeping the endpoint's port and path.
func accessibleURL(endpointURL, discoveryURL string) string {
	ep, err := url.Parse(endpointURL)
	if err != nil || ep.Host == "" {
		return endpointURL
	}
	disc, err := url.Parse(discoveryURL)
	if err != nil || disc.Hostname() == "" {
		return endpointURL
	}
	host := disc.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := ep.Port(); port != "" {
		host += ":" + port
	}
	ep.Host = host
	return ep.String()
}
