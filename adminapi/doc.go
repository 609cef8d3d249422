// Package adminapi exposes the operator HTTP API of a bridge: the live
// handler bindings, the registered services and the sessions holding open
// connections. Every route under /api/v1 requires a bearer JWT signed with
// HS256 by one of two rotating secrets.
package adminapi
