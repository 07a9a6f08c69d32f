package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/errs"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

const (
	defaultDiscoveryPort = "4840"
	discoveryAttempts    = 3
)

// FindEndpoints crawls the discovery graph breadth first starting at
// discoveryURL. Each url is visited at most once. A failure at the root is
// returned, failures further down only drop that branch.
func (p *Pool) FindEndpoints(ctx context.Context, discoveryURL string, locales []string) ([]models.DiscoveredEndpoint, error) {
	if discoveryURL == "" {
		return nil, errs.Connection(nil, "no discovery url")
	}

	visited := map[string]struct{}{discoveryKey(discoveryURL): {}}
	queue := []string{discoveryURL}
	seen := make(map[string]struct{})
	var results []models.DiscoveredEndpoint

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
		}
		next := queue[0]
		queue = queue[1:]

		start := time.Now()
		var (
			found      []models.DiscoveredEndpoint
			discovered []string
		)
		policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, discoveryAttempts-1), ctx)
		err := backoff.Retry(func() error {
			var err error
			found, discovered, err = p.discover(ctx, next, locales)
			return err
		}, policy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
			}
			if next == discoveryURL {
				return nil, errs.Connection(err, "could not find endpoints at %s", next)
			}
			logger.ErrorF("Could not find endpoints at %s due to %v (after %v)", next, err, time.Since(start))
			continue
		}
		logger.DebugF("Found %d endpoints at %s (after %v)", len(found), next, time.Since(start))

		for _, ep := range found {
			key := ep.EndpointURL + "|" + ep.SecurityMode.String() + "|" + ep.SecurityPolicy
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			results = append(results, ep)
		}
		for _, u := range discovered {
			key := discoveryKey(u)
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, u)
		}
	}
	return results, nil
}

// discover queries one discovery url. The result is only merged by the
// caller once the whole query succeeded, so retries do not duplicate.
func (p *Pool) discover(ctx context.Context, discoveryURL string, locales []string) ([]models.DiscoveredEndpoint, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.DiscoveryTimeout)
	defer cancel()

	factory := p.opts.Factory
	endpoints, err := factory.GetEndpoints(ctx, discoveryURL)
	if err != nil {
		return nil, nil, err
	}
	if len(endpoints) == 0 {
		return nil, nil, nil
	}

	now := time.Now().UTC()
	found := make([]models.DiscoveredEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsDiscoveryServer {
			continue
		}
		found = append(found, models.DiscoveredEndpoint{
			DiscoveryURL:   discoveryURL,
			EndpointURL:    ep.EndpointURL,
			AccessibleURL:  accessibleURL(ep.EndpointURL, discoveryURL),
			ApplicationURI: ep.ApplicationURI,
			SecurityMode:   ep.SecurityMode,
			SecurityPolicy: ep.SecurityPolicy,
			Certificate:    ep.ServerCertificate,
			SecurityLevel:  ep.SecurityLevel,
			Found:          now,
		})
	}

	var discovered []string
	servers, err := factory.FindServersOnNetwork(ctx, discoveryURL)
	if err != nil {
		logger.DebugF("%s does not support network discovery: %v", discoveryURL, err)
	} else {
		for _, s := range servers {
			if s.DiscoveryURL != "" {
				discovered = append(discovered, s.DiscoveryURL)
			}
		}
	}

	apps, err := factory.FindServers(ctx, discoveryURL, locales)
	if err != nil {
		return nil, nil, err
	}
	for _, app := range apps {
		discovered = append(discovered, app.DiscoveryURLs...)
	}
	return found, discovered, nil
}
