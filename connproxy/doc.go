// Package connproxy forwards the lifecycle of one WebSocket connection to a
// dynamically resolved handler instance.
//
// A Proxy is created per connection after a successful handshake. Acquire
// resolves the handler bound to the connection's upgrade configuration;
// failure rejects the connection before any event is delivered. Open
// attaches the upgraded connection and delivers the open event, and Serve
// runs the read loop until the connection ends. Whatever ends the
// connection, the close event is delivered at most once and the handler
// reference is released exactly once.
//
// States move from Opening to Open to Closing to Closed. Closed is terminal
// and proxies are never reused.
package connproxy
