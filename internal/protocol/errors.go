package protocol

import "errors"

var (
	// ErrMalformedFrame marks a command-mode segment that is not a valid command.
	// Sessions log and drop these; they never end an exchange.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrTransferIntegrity marks a data-mode transfer whose payload could not be
	// decompressed or extracted.
	ErrTransferIntegrity = errors.New("protocol: transfer integrity")
	ErrTransport         = errors.New("protocol: transport failure")
	ErrTimeout           = errors.New("protocol: exchange timeout")
	ErrClosed            = errors.New("protocol: client closed")
)
