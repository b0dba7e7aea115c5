// Package frame recovers delimiter-terminated segments from an unstructured
// byte stream.
package frame

import "bytes"

// Delimiter terminates every command-mode segment on the wire.
const Delimiter byte = '\n'

// Accumulator splits arbitrarily chunked input into segments that end with
// Delimiter. Bytes after the last delimiter are held as the partial tail until
// more input arrives or the tail is drained.
//
// Concatenating every emitted segment, every drained partial and the final
// Partial, in order, reproduces the input stream exactly.
type Accumulator struct {
	partial []byte
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Feed appends chunk to the stream and returns the segments it completed.
// Returned slices are owned by the caller.
func (a *Accumulator) Feed(chunk []byte) [][]byte {
	var segments [][]byte
	for len(chunk) > 0 {
		end := bytes.IndexByte(chunk, Delimiter)
		if end < 0 {
			break
		}
		seg := make([]byte, 0, len(a.partial)+end+1)
		seg = append(seg, a.partial...)
		seg = append(seg, chunk[:end+1]...)
		segments = append(segments, seg)
		a.partial = nil
		chunk = chunk[end+1:]
	}
	if len(chunk) > 0 {
		a.partial = append(a.partial, chunk...)
	}
	return segments
}

// DrainPartial hands out the buffered tail and clears it. It returns nil until
// further input has arrived.
func (a *Accumulator) DrainPartial() []byte {
	if len(a.partial) == 0 {
		return nil
	}
	out := a.partial
	a.partial = nil
	return out
}

// Partial returns a copy of the buffered tail without consuming it.
func (a *Accumulator) Partial() []byte {
	if len(a.partial) == 0 {
		return nil
	}
	return append([]byte(nil), a.partial...)
}

// Buffered reports the number of bytes held in the partial tail.
func (a *Accumulator) Buffered() int {
	return len(a.partial)
}

func (a *Accumulator) Reset() {
	a.partial = nil
}
