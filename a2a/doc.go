// Package a2a talks to remote agents over the agent-to-agent protocol.
//
// The Correlator keeps one pooled connection per remote agent, with one
// goroutine reading its event stream, and matches incoming events to the
// call waiting for them by correlation id. Transports that cannot echo a
// correlation id get one call at a time, so the next final event always
// belongs to the only call in flight.
//
// Remotes is the service layer on top: it fetches and validates agent
// cards, persists remote agent records, reconnects on a schedule and
// offers a simple Call with a default timeout.
//
// Two transports are provided: JSON-RPC over WebSocket (echoes the
// correlation id as the request id) and server-sent events with HTTP POST
// for outbound messages (does not echo).
package a2a
