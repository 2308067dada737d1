// Package channel implements the per-application channel registry: plain and
// presence channels, identity-aware membership, and the backend abstraction
// that keeps connection counts and broadcasts consistent across server nodes.
//
// Lock order, outermost first: socket state, channel serial, channel state,
// manager registry. A subscribe that races a close on the same socket is
// rejected with ErrConnectionClosed.
package channel
