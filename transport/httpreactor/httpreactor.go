// Package httpreactor implements the inbound half of the transport
// symmetric with transport/httppublisher: an HTTP server that decodes
// POSTed token JSON bodies and feeds them into a reactor.Reactor via
// Enqueue. Adapted from the same teacher file httppublisher is grounded
// on, graph/tool/http.go, generalized here to the listening side of a
// request/response exchange rather than the calling side.
package httpreactor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/auroraworks/servicethread/reactor"
	"github.com/auroraworks/servicethread/token"
)

// Listener binds addr and decodes every POST to path as a token.Token,
// handing it to the wrapped Reactor. It implements reactor.StartFunc via
// its Start method, so construction and retrying startup compose with
// reactor.Start the same way the teacher's retry-wrapped transport
// startup does.
type Listener struct {
	reactor *reactor.Reactor
	addr    string
	path    string

	server *http.Server
}

// Option customizes a Listener at construction.
type Option func(*Listener)

// WithPath overrides the default "/tokens" intake path.
func WithPath(path string) Option {
	return func(l *Listener) { l.path = path }
}

// New creates a Listener that will bind addr (host:port) when Start is
// called.
func New(rct *reactor.Reactor, addr string, opts ...Option) *Listener {
	l := &Listener{reactor: rct, addr: addr, path: "/tokens"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start implements reactor.StartFunc (§4.1): it binds addr and begins
// serving in the background, returning nil once the bind succeeds (or
// the bind error, which reactor.Start retries with backoff). Cancelling
// ctx shuts the server down gracefully.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("httpreactor: listen %s: %w", l.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleToken)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // server-level errors after startup are not this method's concern
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.server.Shutdown(shutdownCtx)
	}()

	return nil
}

func (l *Listener) handleToken(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	var tok token.Token
	if err := json.NewDecoder(r.Body).Decode(&tok); err != nil {
		http.Error(w, "httpreactor: malformed token payload", http.StatusBadRequest)
		return
	}

	if err := l.reactor.Enqueue(r.Context(), tok); err != nil {
		http.Error(w, "httpreactor: enqueue failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
