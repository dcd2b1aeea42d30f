// Package session provides the SSE session layer: each connected client
// gets a session with an event stream, POSTs JSON-RPC requests against it,
// and receives responses as "message" events. Idle sessions are reaped on
// a timer.
package session
