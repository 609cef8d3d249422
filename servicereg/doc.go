// Package servicereg is an in-process registry of handler services.
//
// A service is registered with its properties, a factory and a scope.
// Listeners subscribed to the registry are told when services appear,
// change or disappear. Consumers acquire a reference to a live instance by
// service id and must release it exactly once.
//
// Singleton services share one instance, created on first acquire. Once a
// singleton is unregistered it is deactivated when its last reference is
// released, so connections holding it keep working until they end.
// Prototype services produce a fresh instance per acquire, deactivated on
// release.
package servicereg
