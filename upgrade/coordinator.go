package upgrade

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/connproxy"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/handler"
)

const defaultHandshakeTimeout = 10 * time.Second

var shuttingDown = handler.CloseReason{Code: handler.CloseGoingAway, Text: "server shutting down"}

// Negotiator is the protocol engine as seen by the coordinator.
type Negotiator interface {
	Negotiate(ctx context.Context, req *engine.RequestContext) engine.Result
}

// SessionLookup finds the HTTP session a request belongs to.
type SessionLookup interface {
	SessionID(r *http.Request) (string, bool)
}

// Authenticator identifies the principal behind a request. An empty name
// means anonymous.
type Authenticator func(r *http.Request) (name string, inRole func(role string) bool)

// Config contains the collaborators and run time parameters of a
// Coordinator.
type Config struct {
	Engine   Negotiator
	Resolver connproxy.Resolver

	// Sessions is optional; without it no connection is recorded.
	Sessions      SessionLookup
	Authenticator Authenticator

	// HandshakeTimeout bounds negotiation and the transport upgrade.
	// Defaults to 10s.
	HandshakeTimeout time.Duration

	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	KeepAliveInterval time.Duration

	// Properties are copied into every request context.
	Properties map[string]string

	Logger *logrus.Logger
}

// Coordinator upgrades HTTP requests to proxied WebSocket connections.
type Coordinator struct {
	engine        Negotiator
	resolver      connproxy.Resolver
	lookup        SessionLookup
	authenticator Authenticator
	sessions      *SessionManager
	upgrader      websocket.Upgrader
	timeout       time.Duration
	conf          Config
	logger        *logrus.Logger

	// ctx is cancelled by Shutdown, closing every connection
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	active map[*connproxy.Proxy]struct{}
	wg     sync.WaitGroup
}

// New creates a Coordinator. It panics if the engine or resolver is missing.
func New(conf Config) *Coordinator {
	if conf.Engine == nil {
		panic("upgrade coordinator requires an engine")
	}
	if conf.Resolver == nil {
		panic("upgrade coordinator requires a resolver")
	}
	c := &Coordinator{
		engine:        conf.Engine,
		resolver:      conf.Resolver,
		lookup:        conf.Sessions,
		authenticator: conf.Authenticator,
		timeout:       conf.HandshakeTimeout,
		conf:          conf,
		logger:        conf.Logger,
		active:        make(map[*connproxy.Proxy]struct{}),
	}
	if c.logger == nil {
		c.logger, _ = nullLog.NewNullLogger()
	}
	if c.timeout == 0 {
		c.timeout = defaultHandshakeTimeout
	}
	c.sessions = NewSessionManager(c.logger)
	c.upgrader = websocket.Upgrader{
		HandshakeTimeout: c.timeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
		// origins are checked during negotiation
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Coordinator) logf(r *http.Request, format string, a ...any) {
	c.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Infof(format, a...)
}

func (c *Coordinator) logerrorf(r *http.Request, err error, format string, a ...any) {
	c.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
		"error":       err.Error(),
	}).Errorf(format, a...)
}

// Sessions returns the session table.
func (c *Coordinator) Sessions() *SessionManager {
	return c.sessions
}

// Connections returns the number of connections not yet closed.
func (c *Coordinator) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Upgrade handles r if it is a WebSocket handshake and reports whether it
// did. When it returns false nothing was written to w except diagnostic
// headers.
func (c *Coordinator) Upgrade(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return false
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return true
	}

	req, sessionID := c.requestContext(r)
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	res := c.engine.Negotiate(ctx, req)
	cancel()

	switch res.Status {
	case engine.StatusNotApplicable:
		copyHeaders(w.Header(), res.Header, true)
		return false

	case engine.StatusFailed:
		copyHeaders(w.Header(), res.Header, false)
		c.logf(r, "handshake failed with %d: %v", res.Code, res.Err)
		http.Error(w, res.Err.Error(), res.Code)
		return true
	}

	proxy := connproxy.New(connproxy.Config{
		Upgrade:           res.Config,
		Resolver:          c.resolver,
		Subprotocol:       res.Subprotocol,
		PathParams:        res.PathParams,
		RequestURI:        r.URL,
		RemoteAddr:        r.RemoteAddr,
		SessionID:         sessionID,
		MaxMessageSize:    c.conf.MaxMessageSize,
		KeepAliveInterval: c.conf.KeepAliveInterval,
		Logger:            c.logger,
		OnClosed:          c.proxyClosed,
	})
	if err := proxy.Acquire(); err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, connproxy.ErrConfigurationMissing) {
			code = http.StatusInternalServerError
		}
		copyHeaders(w.Header(), res.Header, true)
		http.Error(w, err.Error(), code)
		return true
	}

	// the transport writes the chosen subprotocol from this header itself
	ws, err := c.upgrader.Upgrade(w, r, res.Header)
	if err != nil {
		// the upgrader already answered the request
		c.logerrorf(r, err, "could not upgrade connection")
		proxy.Abort()
		return true
	}

	if !c.track(proxy) {
		_ = ws.Close()
		proxy.Abort()
		return true
	}
	if sessionID != "" {
		c.sessions.Record(sessionID, proxy)
	}

	go func() {
		defer c.wg.Done()
		if err := proxy.Open(ws); err != nil {
			return
		}
		proxy.Serve(c.ctx)
	}()
	return true
}

// track registers a new connection unless the coordinator is shutting
// down.
func (c *Coordinator) track(p *connproxy.Proxy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active[p] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) proxyClosed(p *connproxy.Proxy) {
	if id := p.SessionID(); id != "" {
		c.sessions.Forget(id, p)
	}
	c.mu.Lock()
	delete(c.active, p)
	c.mu.Unlock()
}

// requestContext folds r into the engine's request representation.
func (c *Coordinator) requestContext(r *http.Request) (*engine.RequestContext, string) {
	req := &engine.RequestContext{
		Method:      r.Method,
		RequestURI:  r.URL,
		QueryString: r.URL.RawQuery,
		Secure:      r.TLS != nil,
		RemoteAddr:  r.RemoteAddr,
		Properties:  make(map[string]string, len(c.conf.Properties)),
	}
	for name, values := range r.Header {
		for _, v := range values {
			req.AddHeader(name, v)
		}
	}
	for k, v := range c.conf.Properties {
		req.Properties[k] = v
	}

	req.IsUserInRole = func(string) bool { return false }
	if c.authenticator != nil {
		if name, inRole := c.authenticator(r); name != "" {
			req.Principal = name
			if inRole != nil {
				req.IsUserInRole = inRole
			}
		}
	}

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			req.ServerAddr = host
			req.ServerPort, _ = strconv.Atoi(port)
		}
	}

	var sessionID string
	if c.lookup != nil {
		if id, ok := c.lookup.SessionID(r); ok {
			sessionID = id
			req.SessionID = id
		}
	}
	return req, sessionID
}

// copyHeaders adds the engine's headers to dst, optionally only the
// diagnostic ones.
func copyHeaders(dst, src http.Header, tracingOnly bool) {
	for name, values := range src {
		if tracingOnly && !engine.IsTracingHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// Middleware passes requests that are not WebSocket handshakes to next.
func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.Upgrade(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP answers requests that are not handshakes with 404.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Middleware(http.NotFoundHandler()).ServeHTTP(w, r)
}

// SessionDestroyed closes the connection opened from the given HTTP
// session, if any.
func (c *Coordinator) SessionDestroyed(id string) {
	c.sessions.SessionDestroyed(id)
}

// Shutdown refuses new connections, closes every open one with 1001 and
// waits for them to finish or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	drained := c.sessions.DrainAll(shuttingDown)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.WithField("sessions", drained).Info("all connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionIDs returns the ids of the sessions holding an open connection.
func (c *Coordinator) SessionIDs() []string {
	return c.sessions.Sessions()
}
