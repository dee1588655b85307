// Package pairing drives code-based device pairing: it owns the session lifecycle
// (transport creation, pairing-code issuance, connection events, bounded
// reconnects), exports the resulting credentials and guarantees local cleanup.
//
// A Controller runs each session in its own goroutine. The caller of Pair only
// waits for the first settlement (a code or a terminal error); the session then
// proceeds on its own until it completes or fails.
package pairing
