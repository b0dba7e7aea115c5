package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/danmuck/keychainctl/internal/protocol"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type Mode int

const (
	ModeCommand Mode = iota
	ModeData
)

func (m Mode) String() string {
	if m == ModeData {
		return "data"
	}
	return "command"
}

// Session turns transport chunks into terminal commands.
//
// In command mode every accumulated segment is decoded as a command. An
// artifact start switches to data mode, where byte counts rather than
// delimiters decide when the transfer is complete; segment boundaries inside
// the payload only split it into more spans.
type Session struct {
	cfg Config
	acc *frame.Accumulator

	mode     Mode
	pending  int64
	declared int64
	buf      []byte
	trigger  command.ArtifactStart
	// skipping drops the rest of a command line whose head was already
	// discarded for exceeding MaxControlBytes.
	skipping bool
}

func New(cfg Config) *Session {
	return &Session{
		cfg: cfg.WithDefaults(),
		acc: frame.NewAccumulator(),
	}
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Pending reports the data-mode bytes still expected.
func (s *Session) Pending() int64 {
	return s.pending
}

// Reset drops buffered input and any transfer in progress.
func (s *Session) Reset() {
	s.acc.Reset()
	s.skipping = false
	s.resetTransfer()
}

func (s *Session) resetTransfer() {
	s.mode = ModeCommand
	s.pending = 0
	s.declared = 0
	s.buf = nil
	s.trigger = command.ArtifactStart{}
}

// Feed processes one chunk to completion and returns the terminal commands it
// produced, in order. Malformed command segments are logged and dropped. A
// transfer failure wraps protocol.ErrTransferIntegrity and resets the session.
func (s *Session) Feed(chunk []byte) ([]command.Command, error) {
	var out []command.Command
	for _, seg := range s.acc.Feed(chunk) {
		cmd, ok, err := s.step(seg)
		if err != nil {
			s.Reset()
			return out, err
		}
		if ok {
			out = append(out, cmd)
		}
	}
	// The payload need not contain a delimiter, so data mode also takes
	// the tail that has not been closed off yet.
	if s.mode == ModeData {
		if tail := s.acc.DrainPartial(); tail != nil {
			cmd, ok, err := s.consumeData(tail)
			if err != nil {
				s.Reset()
				return out, err
			}
			if ok {
				out = append(out, cmd)
			}
		}
		return out, nil
	}
	if n := s.acc.Buffered(); n > s.cfg.MaxControlBytes {
		s.acc.Reset()
		if !s.skipping {
			observability.RecordMalformedFrame()
			log.Debug().Int("len", n).Msg("session: dropped undelimited command input")
		}
		s.skipping = true
	}
	return out, nil
}

func (s *Session) step(seg []byte) (command.Command, bool, error) {
	if s.mode == ModeData {
		return s.consumeData(seg)
	}
	return s.consumeCommand(seg)
}

func (s *Session) consumeCommand(seg []byte) (command.Command, bool, error) {
	if s.skipping {
		s.skipping = false
		return command.Command{}, false, nil
	}
	if len(bytes.TrimSpace(seg)) == 0 {
		return command.Command{}, false, nil
	}
	if len(seg) > s.cfg.MaxControlBytes {
		observability.RecordMalformedFrame()
		log.Debug().Int("len", len(seg)).Msg("session: dropped oversized segment")
		return command.Command{}, false, nil
	}
	cmd, err := command.Decode(seg)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedFrame) {
			observability.RecordMalformedFrame()
			log.Debug().Err(err).Str("segment", printable(seg)).Msg("session: dropped segment")
			return command.Command{}, false, nil
		}
		return command.Command{}, false, err
	}
	if cmd.Type != command.TypeGetArtifactResponseStart {
		log.Debug().Str("type", cmd.Type.String()).Msg("session: terminal command")
		return cmd, true, nil
	}

	start := cmd.Data.(command.ArtifactStart)
	if start.Size <= 0 || start.Size > s.cfg.MaxArtifactBytes {
		return command.Command{}, false, fmt.Errorf("%w: declared size %d outside (0, %d]",
			protocol.ErrTransferIntegrity, start.Size, s.cfg.MaxArtifactBytes)
	}
	s.mode = ModeData
	s.declared = start.Size
	s.pending = start.Size
	s.buf = make([]byte, 0, start.Size)
	s.trigger = start
	log.Debug().Int64("size", start.Size).Msg("session: data transfer started")
	return command.Command{}, false, nil
}

func (s *Session) consumeData(span []byte) (command.Command, bool, error) {
	n := int64(len(span))
	keep := min(n, s.pending)
	s.buf = append(s.buf, span[:keep]...)
	s.pending -= n
	observability.RecordArtifactBytes(int(keep), int(n-keep))
	if s.pending > 0 {
		return command.Command{}, false, nil
	}
	if n > keep {
		// Bytes past the declared size in the completing span are dropped,
		// not replayed as the next frame.
		log.Debug().Int64("discarded", n-keep).Msg("session: truncated data transfer overrun")
	}
	return s.finishTransfer()
}

func (s *Session) finishTransfer() (command.Command, bool, error) {
	payload := s.buf[:s.declared]
	start := s.trigger
	s.resetTransfer()

	text, err := inflate(payload, s.cfg.MaxInflatedBytes)
	if err != nil {
		return command.Command{}, false, fmt.Errorf("%w: %v", protocol.ErrTransferIntegrity, err)
	}
	doc, err := extractJSON(text)
	if err != nil {
		return command.Command{}, false, fmt.Errorf("%w: %v", protocol.ErrTransferIntegrity, err)
	}
	start.Data = doc
	log.Debug().Int("compressed", len(payload)).Int("inflated", len(text)).Msg("session: data transfer complete")
	return command.New(start), true, nil
}

func printable(seg []byte) string {
	const limit = 120
	if len(seg) > limit {
		return fmt.Sprintf("%q...", seg[:limit])
	}
	return fmt.Sprintf("%q", seg)
}
