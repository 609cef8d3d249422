// Package handler defines the contract between wsbridge and the handler
// implementations it dispatches to.
//
// Two kinds of handler exist. A raw handler implements RawHandler directly and
// registers its message handlers on the connection while it is being opened. An
// annotated handler is any Go value exposing some of the methods OnOpen,
// OnMessage, OnBinaryMessage, OnClose and OnError with freely chosen
// parameters; the methods are discovered once per type by an Analyzer and
// cached in a CallbackTable.
//
// Both kinds are adapted to the Endpoint interface, which is what a connection
// proxy drives for the lifetime of one connection.
package handler
