// Package httppublisher implements the router.EventPublisher contract
// over plain HTTP POSTs — the concrete transport a Place's Router uses
// to hand an outgoing token to the next Place's Reactor. Adapted from
// the teacher's graph/tool/http.go HTTPTool, generalized from an
// arbitrary-method/arbitrary-body REST call to a fixed POST-a-JSON-
// token shape.
package httppublisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/auroraworks/servicethread/token"
)

// Publisher posts a token's JSON encoding to "http://<channel>:<port>/tokens"
// (channel is whatever address the Router's ResolveChannel call resolved —
// a bound IP:port for "ip"-prefixed channels, or the raw channel name
// otherwise).
type Publisher struct {
	client *http.Client
	scheme string // "http" or "https", defaults to "http"
	path   string // defaults to "/tokens"
}

// Option customizes a Publisher at construction.
type Option func(*Publisher)

// WithTimeout overrides the default 10s per-publish deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.client.Timeout = d }
}

// WithScheme overrides the default "http" scheme (e.g. "https" for a
// TLS-terminated downstream Place).
func WithScheme(scheme string) Option {
	return func(p *Publisher) { p.scheme = scheme }
}

// WithPath overrides the default "/tokens" intake path.
func WithPath(path string) Option {
	return func(p *Publisher) { p.path = path }
}

// New creates a Publisher with a 10s default timeout.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{Timeout: 10 * time.Second},
		scheme: "http",
		path:   "/tokens",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements router.EventPublisher: it POSTs tok as JSON to the
// resolved channel/port. A non-2xx response is treated as a publish
// failure (the caller surfaces this as a §7 RoutingConfigError).
func (p *Publisher) Publish(ctx context.Context, channel, port string, tok token.Token) error {
	body, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("httppublisher: token %d: encoding: %w", tok.ID(), err)
	}

	u := url.URL{Scheme: p.scheme, Host: hostPort(channel, port), Path: p.path}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httppublisher: token %d: %w", tok.ID(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("httppublisher: token %d: %w", tok.ID(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httppublisher: token %d: status %d: %s", tok.ID(), resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

// hostPort joins a resolved channel address with port. A boundChannel
// address already carrying its own port (§4.5.2: "10.0.0.5:7000") is
// used as-is; a bare host name is combined with the separately-resolved
// port.
func hostPort(address, port string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, port)
}
