// Package engine negotiates WebSocket handshakes against a table of upgrade
// configurations.
//
// Each configuration is registered under a path or a path template and
// carries the id of the handler it was registered for. Negotiate inspects a
// RequestContext and reports one of three outcomes: the handshake failed
// (with the HTTP status and headers to send), the request is not a WebSocket
// upgrade at all, or the handshake succeeded for a given configuration. The
// engine never touches the underlying connection; the caller performs the
// transport upgrade once negotiation succeeds.
package engine
