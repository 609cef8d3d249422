// Package upgrade turns HTTP requests carrying a WebSocket handshake into
// proxied connections.
//
// A Coordinator answers each request in one of three ways: the connection
// is established, the handshake fails with an HTTP error, or the request is
// not an upgrade and is passed on. Used as middleware, only the last case
// reaches the wrapped handler.
//
// Connections opened from a request that belongs to an HTTP session are
// recorded in a SessionManager, so that expiry of the session closes the
// connection. At most one connection is recorded per session; a newer one
// supersedes the older, which is closed.
//
// The session table lock is never held while calling into a proxy or any
// other component.
package upgrade
