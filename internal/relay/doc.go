// Package relay implements the TCP line relay: two endpoints, each owning one
// listener and at most one accepted connection, that forward sentinel-bounded
// text messages to each other.
//
// An endpoint cycles LISTENING -> CONNECTED <-> CAPTURING and falls back to
// RECONNECTING on any connection fault. RECONNECTING releases the connection
// and blocks in accept until a new peer arrives or the endpoint is closed;
// it never gives up on its own.
//
// A capture is bounded by a read deadline on the connection. When it expires
// the blocked read returns, the partial message is dropped and the endpoint
// keeps its connection.
package relay
