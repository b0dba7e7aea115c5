// Package protocol owns the keychain wire contract shared by every layer.
//
// Ownership boundary:
// - error taxonomy for framing, transfer and exchange failures
// - frame/ accumulator primitives
// - command/ envelope and codec
// - session/ command/data mode state machine
package protocol
