package handler

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// ID identifies one handler registration. It is allocated by the service
// registry and never reused while the registration is alive.
type ID int64

// Kind selects how events are dispatched to a handler instance.
type Kind int

const (
	// KindAnnotated handlers are dispatched through a CallbackTable built by
	// inspecting the handler's methods.
	KindAnnotated Kind = iota + 1
	// KindRaw handlers implement RawHandler.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindAnnotated:
		return "annotated"
	case KindRaw:
		return "raw"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "annotated":
		return KindAnnotated, nil
	case "raw":
		return KindRaw, nil
	}
	return 0, fmt.Errorf("unknown handler kind %q", s)
}

// Metadata is what a handler registration declares about itself.
type Metadata struct {
	// Path is the URL path (or path template such as /chat/{room}) the
	// handler answers to.
	Path string

	Kind Kind

	// Type is the dynamic type of the instances the registration produces.
	// It is required for annotated handlers, whose callbacks are discovered
	// from it.
	Type reflect.Type

	// Subprotocols offered during the handshake, in order of preference.
	Subprotocols []string
}

// Reference is an acquired handle on a live handler instance. Every
// Reference obtained from a service registry must be released exactly once.
type Reference interface {
	ID() ID
	Instance() any
}

// Standard close codes, see RFC 6455 section 7.4.1.
const (
	CloseNormalClosure       = 1000
	CloseGoingAway           = 1001
	CloseProtocolError       = 1002
	CloseUnsupportedData     = 1003
	CloseNoStatusReceived    = 1005
	CloseAbnormalClosure     = 1006
	ClosePolicyViolation     = 1008
	CloseMessageTooBig       = 1009
	CloseUnexpectedCondition = 1011
)

// CloseReason is delivered to OnClose callbacks.
type CloseReason struct {
	Code int
	Text string
}

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d (%s)", r.Code, r.Text)
}

// MessageType is the WebSocket data frame type of a message.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

// Message is one complete inbound data message.
type Message struct {
	Type MessageType
	Data []byte
}

// EndpointConfig is the negotiated configuration handed to OnOpen.
type EndpointConfig struct {
	// Path is the registered path (or template) that matched.
	Path string
	// Subprotocol chosen during the handshake, empty if none.
	Subprotocol string
	// UserProperties are copied from the upgrade configuration for each
	// connection, so handlers may modify them freely.
	UserProperties map[string]any
}

// Conn is the connection as seen by a handler.
type Conn interface {
	// ID is unique per connection.
	ID() string
	// Path is the request path of the upgrade request.
	Path() string
	// PathParams holds values bound by a path template.
	PathParams() map[string]string
	Query() url.Values
	Subprotocol() string
	RemoteAddr() string
	// SessionID is the id of the HTTP session the upgrade request carried, if
	// any.
	SessionID() string

	SendText(msg string) error
	SendBinary(data []byte) error

	// Close starts the closing handshake. OnClose is delivered once the
	// connection is torn down.
	Close(reason CloseReason) error
}

// RawConn is the connection handed to RawHandler.OnOpen, where message
// handlers are registered.
type RawConn interface {
	Conn
	AddTextHandler(h func(msg string) error)
	AddBinaryHandler(h func(data []byte) error)
}

// RawHandler is the fixed contract of KindRaw handlers. Messages are only
// delivered to handlers registered on the RawConn during OnOpen.
type RawHandler interface {
	OnOpen(conn RawConn, config *EndpointConfig) error
	OnError(conn Conn, cause error)
	OnClose(conn Conn, reason CloseReason) error
}

// Endpoint is the per-connection dispatch surface driven by a connection
// proxy. Events arrive in order: OnOpen, zero or more OnMessage, then
// OnError and/or OnClose.
type Endpoint interface {
	OnOpen(conn Conn, config *EndpointConfig) error
	// OnMessage returns an error wrapping ErrUnsupportedData when the
	// handler has no callback for the message type.
	OnMessage(conn Conn, msg Message) error
	OnError(conn Conn, cause error) error
	OnClose(conn Conn, reason CloseReason) error
}
