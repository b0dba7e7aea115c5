// Package session owns the command/data mode state machine that sits between
// the frame accumulator and the exchange correlator.
//
// Ownership boundary:
// - command-mode decode of accumulated segments
// - data-mode byte counting, truncation and artifact extraction
// - reconnect backoff policy shared with the status channel
//
// A Session holds exchange-scoped state (the triggering command and byte
// counters), so it must be driven by one exchange at a time.
package session
