// Package status tracks the device status pushed over the companion
// websocket, independent of the command link.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/rs/zerolog/log"
)

type Status int

const (
	Idle Status = iota
	GeneratingKey
	SelectingAccount
	Signing
)

var ErrBadMessage = errors.New("status: bad status message")

func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case GeneratingKey:
		return "GENERATING_KEY"
	case SelectingAccount:
		return "SELECTING_ACCOUNT"
	case Signing:
		return "SIGNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

func known(code int) bool {
	return code >= int(Idle) && code <= int(Signing)
}

// AccountSource lists the account records the host currently knows about.
type AccountSource interface {
	Accounts() ([]command.Account, error)
}

type AccountsFunc func() ([]command.Account, error)

func (f AccountsFunc) Accounts() ([]command.Account, error) { return f() }

// Rejecter declines the signature prompt on the device.
type Rejecter interface {
	RejectSignature(ctx context.Context) error
}

// Listener applies pushed status codes. A code equal to the last one applied
// is ignored. SIGNING is only surfaced when at least one known account is
// initialized; otherwise the prompt is rejected straight away.
type Listener struct {
	accounts AccountSource
	rejecter Rejecter
	onChange func(Status)

	mu      sync.Mutex
	last    int
	current Status
}

// NewListener starts at IDLE. onChange may be nil.
func NewListener(accounts AccountSource, rejecter Rejecter, onChange func(Status)) *Listener {
	return &Listener{
		accounts: accounts,
		rejecter: rejecter,
		onChange: onChange,
		last:     int(Idle),
		current:  Idle,
	}
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Apply handles one push message of the form "code[,...]".
func (l *Listener) Apply(ctx context.Context, msg string) error {
	field, _, _ := strings.Cut(msg, ",")
	code, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadMessage, msg)
	}

	l.mu.Lock()
	if code == l.last {
		l.mu.Unlock()
		return nil
	}
	prev := l.last
	l.last = code
	l.mu.Unlock()

	if !known(code) {
		log.Debug().Int("code", code).Msg("status: unknown code")
		return nil
	}
	next := Status(code)

	if next == Signing {
		ready, err := l.anyInitialized()
		if err != nil {
			l.mu.Lock()
			l.last = prev
			l.mu.Unlock()
			return err
		}
		if !ready {
			log.Info().Msg("status: signing prompt with no initialized account, rejecting")
			if l.rejecter == nil {
				return nil
			}
			return l.rejecter.RejectSignature(ctx)
		}
	}

	l.mu.Lock()
	l.current = next
	l.mu.Unlock()
	observability.RecordStatusTransition(next.String())
	log.Debug().Str("status", next.String()).Msg("status: applied")
	if l.onChange != nil {
		l.onChange(next)
	}
	return nil
}

func (l *Listener) anyInitialized() (bool, error) {
	if l.accounts == nil {
		return false, nil
	}
	accts, err := l.accounts.Accounts()
	if err != nil {
		return false, fmt.Errorf("status: list accounts: %w", err)
	}
	for _, a := range accts {
		if a.Initialized() {
			return true, nil
		}
	}
	return false, nil
}
