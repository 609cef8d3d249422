// Package httpsession keeps cookie based HTTP sessions with an idle
// timeout.
//
// Sessions are started explicitly, usually by POST /session, and looked up
// from the session cookie on later requests. A session ends when it is
// invalidated or stays idle longer than the configured TTL; either way the
// OnDestroyed callbacks are told, which is how WebSocket connections opened
// from the session learn that they must close.
package httpsession
