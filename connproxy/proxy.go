package connproxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/slugid-go/slugid"
	"github.com/taskcluster/wsbridge/endpoint"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/handler"
)

const (
	writeWait = 10 * time.Second

	// closeGrace bounds how long a locally initiated close waits for the
	// peer's close frame.
	closeGrace = 5 * time.Second

	// maxCloseText is the longest reason text a close frame can carry.
	maxCloseText = 123
)

// State of a Proxy.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Resolver acquires and releases handler instances. It is implemented by
// *endpoint.Registry.
type Resolver interface {
	Resolve(id handler.ID) (*endpoint.Acquisition, error)
	Release(acq *endpoint.Acquisition)
}

// Config contains what a Proxy learns from the handshake.
type Config struct {
	// Upgrade is the configuration the handshake selected.
	Upgrade  *engine.UpgradeConfig
	Resolver Resolver

	Subprotocol string
	PathParams  map[string]string
	RequestURI  *url.URL
	RemoteAddr  string
	SessionID   string

	// MaxMessageSize limits inbound messages; 0 means no limit.
	MaxMessageSize int64

	// KeepAliveInterval enables pings. A connection that does not answer
	// within two intervals is considered dead.
	KeepAliveInterval time.Duration

	Logger *logrus.Logger

	// OnClosed is called once, after the proxy reached StateClosed.
	OnClosed func(p *Proxy)
}

// Proxy drives one connection. Its methods are safe for concurrent use.
type Proxy struct {
	id     string
	conf   Config
	logger *logrus.Logger
	conn   *conn

	// mu guards the fields below
	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	acq        *endpoint.Acquisition
	opened     bool
	localClose *handler.CloseReason

	// writeMu serializes data frames
	writeMu sync.Mutex
	// dispatchMu serializes handler callbacks
	dispatchMu sync.Mutex

	closed *stopper
}

// New creates a Proxy in StateOpening.
func New(conf Config) *Proxy {
	p := &Proxy{
		id:     slugid.Nice(),
		conf:   conf,
		logger: conf.Logger,
		closed: newStopper(),
	}
	if p.logger == nil {
		p.logger, _ = nullLog.NewNullLogger()
	}
	p.conn = &conn{p: p}
	return p
}

// ID is unique per connection.
func (p *Proxy) ID() string {
	return p.id
}

// SessionID returns the HTTP session the connection was opened from.
func (p *Proxy) SessionID() string {
	return p.conf.SessionID
}

// HandlerID returns the handler the connection is bound to, 0 if none.
func (p *Proxy) HandlerID() handler.ID {
	if p.conf.Upgrade == nil {
		return 0
	}
	return p.conf.Upgrade.BoundID
}

// State returns the current state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Wait blocks until the proxy is closed.
func (p *Proxy) Wait() {
	p.closed.wait()
}

func (p *Proxy) fields() logrus.Fields {
	f := logrus.Fields{
		"conn-id":     p.id,
		"handler-id":  p.HandlerID(),
		"remote-addr": p.conf.RemoteAddr,
	}
	if p.conf.RequestURI != nil {
		f["path"] = p.conf.RequestURI.Path
	}
	if p.conf.SessionID != "" {
		f["session-id"] = p.conf.SessionID
	}
	return f
}

func (p *Proxy) logf(format string, a ...any) {
	p.logger.WithFields(p.fields()).Infof(format, a...)
}

func (p *Proxy) logerrorf(err error, format string, a ...any) {
	p.logger.WithFields(p.fields()).WithField("error", err.Error()).Errorf(format, a...)
}

// Acquire resolves the handler instance for the connection. On failure the
// proxy goes straight to StateClosed without delivering any event, and the
// connection must be refused.
func (p *Proxy) Acquire() error {
	if err := p.resolve(); err != nil {
		p.logerrorf(err, "rejecting connection")
		p.teardown(handler.CloseReason{Code: handler.CloseAbnormalClosure}, false)
		return err
	}
	return nil
}

// resolve acquires the handler unless that was already done.
func (p *Proxy) resolve() error {
	p.mu.Lock()
	if state := p.state; state != StateOpening {
		p.mu.Unlock()
		return fmt.Errorf("%w: proxy is %s", ErrClosed, state)
	}
	if p.acq != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.conf.Upgrade == nil || p.conf.Upgrade.BoundID == 0 || p.conf.Resolver == nil {
		return ErrConfigurationMissing
	}
	acq, err := p.conf.Resolver.Resolve(p.conf.Upgrade.BoundID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpening {
		// force-closed while resolving
		p.conf.Resolver.Release(acq)
		return fmt.Errorf("%w: proxy is %s", ErrClosed, p.state)
	}
	p.acq = acq
	return nil
}

// Abort releases an acquired handler when the transport upgrade failed. No
// event is delivered.
func (p *Proxy) Abort() {
	p.teardown(handler.CloseReason{Code: handler.CloseAbnormalClosure, Text: "upgrade failed"}, false)
}

// Open attaches the upgraded connection and delivers the open event. If no
// handler was acquired yet, it is resolved now; when that fails the peer is
// sent an error message and the connection is closed with 1011.
func (p *Proxy) Open(ws *websocket.Conn) error {
	p.mu.Lock()
	if p.state != StateOpening {
		state := p.state
		p.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("%w: proxy is %s", ErrClosed, state)
	}
	p.ws = ws
	p.mu.Unlock()

	if p.conf.MaxMessageSize > 0 {
		ws.SetReadLimit(p.conf.MaxMessageSize)
	}

	if err := p.resolve(); err != nil {
		err = fmt.Errorf("%w: %w", ErrNotAcquired, err)
		p.logerrorf(err, "could not resolve handler")
		p.fail(err)
		return err
	}

	p.mu.Lock()
	acq := p.acq
	p.opened = true
	p.mu.Unlock()

	config := &handler.EndpointConfig{
		Path:           p.conf.Upgrade.Path,
		Subprotocol:    p.conf.Subprotocol,
		UserProperties: make(map[string]any, len(p.conf.Upgrade.UserProperties)),
	}
	for k, v := range p.conf.Upgrade.UserProperties {
		config.UserProperties[k] = v
	}
	if err := p.deliver("OnOpen", func() error {
		return acq.Endpoint.OnOpen(p.conn, config)
	}); err != nil {
		p.fail(err)
		return err
	}

	p.mu.Lock()
	if p.state == StateOpening {
		p.state = StateOpen
	}
	p.mu.Unlock()
	p.logf("connection open")
	return nil
}

// Serve reads messages and delivers them until the connection ends. When
// ctx is done the connection is closed with 1001. Serve returns once the
// proxy is closed.
func (p *Proxy) Serve(ctx context.Context) {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.ForceClose(handler.CloseReason{Code: handler.CloseGoingAway, Text: "server shutting down"})
		case <-done:
		}
	}()
	if p.conf.KeepAliveInterval > 0 {
		p.keepAlive(ws, done)
	}

	for !p.closed.isStopped() {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			p.readFailed(err)
			break
		}
		msg := handler.Message{Type: handler.TextMessage, Data: data}
		if mt == websocket.BinaryMessage {
			msg.Type = handler.BinaryMessage
		}

		p.mu.Lock()
		acq := p.acq
		p.mu.Unlock()
		if acq == nil {
			continue
		}
		if err := p.deliver("OnMessage", func() error {
			return acq.Endpoint.OnMessage(p.conn, msg)
		}); err != nil {
			p.fail(err)
		}
	}
	p.closed.wait()
}

func (p *Proxy) readFailed(err error) {
	if local := p.localReason(); local != nil {
		p.teardown(*local, false)
		return
	}
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		// the close frame was already answered by the websocket library
		p.teardown(handler.CloseReason{Code: ce.Code, Text: ce.Text}, false)
	case errors.Is(err, websocket.ErrReadLimit):
		p.teardown(handler.CloseReason{Code: handler.CloseMessageTooBig, Text: "message too big"}, false)
	default:
		p.logger.WithFields(p.fields()).WithField("error", err.Error()).Debug("read failed")
		p.teardown(handler.CloseReason{Code: handler.CloseAbnormalClosure}, false)
	}
}

// keepAlive pings the peer every interval and moves the read deadline on
// every pong.
func (p *Proxy) keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	interval := p.conf.KeepAliveInterval
	deadline := func() time.Time { return time.Now().Add(2 * interval) }

	_ = ws.SetReadDeadline(deadline())
	ws.SetPongHandler(func(string) error {
		if p.localReason() != nil {
			return nil
		}
		return ws.SetReadDeadline(deadline())
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval/2)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// deliver runs one handler callback, converting errors and panics into
// ErrDelegateFailure. ErrUnsupportedData is returned unchanged.
func (p *Proxy) deliver(name string, fn func() error) (err error) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrDelegateFailure, name, r)
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, handler.ErrUnsupportedData) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrDelegateFailure, name, err)
	}
	return nil
}

// fail handles an error on an open or opening connection: the handler's
// error callback is invoked, or the peer is told directly when there is no
// handler, and the connection is closed.
func (p *Proxy) fail(cause error) {
	if errors.Is(cause, handler.ErrUnsupportedData) {
		p.logf("closing connection: %v", cause)
		p.teardown(handler.CloseReason{Code: handler.CloseUnsupportedData, Text: closeText(cause)}, true)
		return
	}
	p.logerrorf(cause, "connection failed")

	p.mu.Lock()
	acq, opened := p.acq, p.opened
	p.mu.Unlock()
	if acq != nil && opened {
		if err := p.deliver("OnError", func() error {
			return acq.Endpoint.OnError(p.conn, cause)
		}); err != nil {
			p.logerrorf(err, "error callback failed")
		}
	} else {
		p.notifyPeer(cause)
	}
	p.teardown(handler.CloseReason{Code: handler.CloseUnexpectedCondition, Text: closeText(cause)}, true)
}

// notifyPeer sends an error message to the peer. Failures are logged only.
func (p *Proxy) notifyPeer(cause error) {
	if err := p.write(websocket.TextMessage, []byte("ERROR: "+cause.Error())); err != nil {
		err = fmt.Errorf("%w: %v", ErrPeerNotification, err)
		p.logger.WithFields(p.fields()).WithField("error", err.Error()).Warn("could not send error to peer")
	}
}

// ForceClose closes the connection with the given reason, whether or not
// the peer takes part. It returns once the proxy is closed.
func (p *Proxy) ForceClose(reason handler.CloseReason) {
	p.teardown(reason, true)
}

// teardown moves the proxy to StateClosed exactly once. Later callers wait
// for the first one to finish. The close event is delivered only if the
// open event was, and the handler is always released.
func (p *Proxy) teardown(reason handler.CloseReason, sendFrame bool) {
	p.mu.Lock()
	if p.state >= StateClosing {
		p.mu.Unlock()
		p.closed.wait()
		return
	}
	p.state = StateClosing
	ws, acq, opened := p.ws, p.acq, p.opened
	p.mu.Unlock()

	defer func() {
		if acq != nil {
			p.conf.Resolver.Release(acq)
		}
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()
		p.logf("connection closed: %s", reason)
		if p.conf.OnClosed != nil {
			p.conf.OnClosed(p)
		}
		p.closed.stop()
	}()

	if ws != nil && sendFrame {
		if err := p.writeClose(ws, reason); err != nil {
			p.logger.WithFields(p.fields()).WithField("error", err.Error()).Debug("could not send close frame")
		}
	}
	if acq != nil && opened {
		if err := p.deliver("OnClose", func() error {
			return acq.Endpoint.OnClose(p.conn, reason)
		}); err != nil {
			p.logerrorf(err, "close callback failed")
		}
	}
	if ws != nil {
		_ = ws.Close()
	}
}

func (p *Proxy) localReason() *handler.CloseReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localClose
}

// closeLocal starts a closing handshake on behalf of the handler. The read
// loop tears down when the peer answers or closeGrace expires.
func (p *Proxy) closeLocal(reason handler.CloseReason) error {
	p.mu.Lock()
	if p.state >= StateClosing || p.localClose != nil {
		p.mu.Unlock()
		return nil
	}
	ws := p.ws
	if ws == nil {
		p.mu.Unlock()
		return ErrClosed
	}
	p.localClose = &reason
	p.mu.Unlock()

	if err := p.writeClose(ws, reason); err != nil {
		// the read loop fails and tears down
		_ = ws.Close()
		return err
	}
	return ws.SetReadDeadline(time.Now().Add(closeGrace))
}

func (p *Proxy) writeClose(ws *websocket.Conn, reason handler.CloseReason) error {
	msg := websocket.FormatCloseMessage(reason.Code, truncate(reason.Text))
	return ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (p *Proxy) write(messageType int, data []byte) error {
	p.mu.Lock()
	ws, state, local := p.ws, p.state, p.localClose
	p.mu.Unlock()
	if ws == nil || state >= StateClosing || local != nil {
		return ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(messageType, data)
}

func closeText(err error) string {
	return truncate(err.Error())
}

// truncate shortens s to fit a close frame without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxCloseText {
		return s
	}
	return strings.ToValidUTF8(s[:maxCloseText], "")
}
