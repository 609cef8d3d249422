// Package endpoint tracks which handler answers which path.
//
// A Registry reacts to handler registrations appearing and disappearing in a
// service registry. For every live registration it keeps one Binding and one
// upgrade configuration registered with the protocol engine; the two are
// created and destroyed together. Connection proxies resolve the live handler
// instance of a binding through Resolve when a connection opens and give it
// back through Release when the connection ends.
//
// Removing a registration does not close connections already using it. They
// keep their acquired instance until they end, and the service registry
// defers destroying the instance until the last one is released.
//
// Lock order: the registry lock is taken before the engine's and the service
// registry's locks, never after.
package endpoint
