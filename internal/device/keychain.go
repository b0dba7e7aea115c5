package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/signature"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Exchanger is the request/response surface Keychain needs. *Client
// implements it.
type Exchanger interface {
	ExchangeTimeout(ctx context.Context, cmd command.Command, timeout time.Duration) (command.Command, error)
}

// ArtifactCache keeps the device artifact between fetches.
type ArtifactCache interface {
	Artifact() (json.RawMessage, bool, error)
	StoreArtifact(doc json.RawMessage) error
}

type AccountResult struct {
	Account  command.Account
	Rejected bool
}

type SignResult struct {
	Signature signature.Canonical
	Rejected  bool
}

// Keychain offers typed device operations on top of an Exchanger. Rejections
// by the device user are results, not errors.
type Keychain struct {
	ex      Exchanger
	cfg     Config
	cache   ArtifactCache
	fetches singleflight.Group
}

// NewKeychain wraps ex. A nil cache keeps the artifact in memory.
func NewKeychain(ex Exchanger, cfg Config, cache ArtifactCache) *Keychain {
	if cache == nil {
		cache = &MemoryArtifactCache{}
	}
	return &Keychain{ex: ex, cfg: cfg.WithDefaults(), cache: cache}
}

// Account reads the record in slot index.
func (k *Keychain) Account(ctx context.Context, index int) (AccountResult, error) {
	if index < 0 {
		return AccountResult{}, fmt.Errorf("%w: account index %d", ErrInvalidRequest, index)
	}
	return k.account(ctx, index, k.cfg.ExchangeTimeout)
}

// SelectAccount asks the device user to pick an account.
func (k *Keychain) SelectAccount(ctx context.Context) (AccountResult, error) {
	return k.account(ctx, command.SelectOnDevice, k.cfg.ConfirmTimeout)
}

func (k *Keychain) account(ctx context.Context, index int, timeout time.Duration) (AccountResult, error) {
	resp, err := k.ex.ExchangeTimeout(ctx, command.New(command.AccountRequest{Index: index}), timeout)
	if err != nil {
		return AccountResult{}, err
	}
	if err := expect(resp, command.TypeGetAccountResponse, command.TypeGetAccountRejected); err != nil {
		return AccountResult{}, err
	}
	if resp.Type == command.TypeGetAccountRejected {
		return AccountResult{Rejected: true}, nil
	}
	acct := resp.Data.(command.Account)
	if index != command.SelectOnDevice && acct.Index != index {
		return AccountResult{}, &AccountMismatchError{Requested: index, Actual: acct.Index}
	}
	if err := acct.Validate(); err != nil {
		return AccountResult{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return AccountResult{Account: acct}, nil
}

// Sign asks the device user to approve req and returns the canonical
// signature.
func (k *Keychain) Sign(ctx context.Context, req command.SignatureRequest) (SignResult, error) {
	if err := req.Validate(); err != nil {
		return SignResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	resp, err := k.ex.ExchangeTimeout(ctx, command.New(req), k.cfg.ConfirmTimeout)
	if err != nil {
		return SignResult{}, err
	}
	if err := expect(resp, command.TypeSignatureAccepted, command.TypeSignatureRejected); err != nil {
		return SignResult{}, err
	}
	if resp.Type == command.TypeSignatureRejected {
		return SignResult{Rejected: true}, nil
	}
	sig, err := signature.Canonicalize(resp.Data.(command.SignatureAccepted).Signature)
	if err != nil {
		return SignResult{}, err
	}
	if k.cfg.VerifySignatures {
		ok, err := sig.Verify(req.PK, req.Msg)
		if err != nil {
			return SignResult{}, err
		}
		if !ok {
			return SignResult{}, ErrSignatureInvalid
		}
	}
	return SignResult{Signature: sig}, nil
}

// Artifact returns the device artifact, fetching it once and serving later
// calls from the cache.
func (k *Keychain) Artifact(ctx context.Context) (json.RawMessage, error) {
	if doc, ok, err := k.cache.Artifact(); err != nil {
		log.Warn().Err(err).Msg("device: artifact cache read failed")
	} else if ok {
		return doc, nil
	}
	v, err, _ := k.fetches.Do("artifact", func() (any, error) {
		return k.fetchArtifact(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (k *Keychain) fetchArtifact(ctx context.Context) (json.RawMessage, error) {
	resp, err := k.ex.ExchangeTimeout(ctx, command.New(command.ArtifactRequest{}), k.cfg.ExchangeTimeout)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, command.TypeGetArtifactResponseStart); err != nil {
		return nil, err
	}
	doc := resp.Data.(command.ArtifactStart).Data
	if err := k.cache.StoreArtifact(doc); err != nil {
		log.Warn().Err(err).Msg("device: artifact cache write failed")
	}
	return doc, nil
}

// Sender reads the address the device is configured to sign for.
func (k *Keychain) Sender(ctx context.Context) (string, error) {
	resp, err := k.ex.ExchangeTimeout(ctx, command.New(command.SenderRequest{}), k.cfg.ExchangeTimeout)
	if err != nil {
		return "", err
	}
	if err := expect(resp, command.TypeGetSenderResponse); err != nil {
		return "", err
	}
	return resp.Data.(command.SenderResponse).Sender, nil
}

type MemoryArtifactCache struct {
	mu  sync.RWMutex
	doc json.RawMessage
}

func (m *MemoryArtifactCache) Artifact() (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.doc == nil {
		return nil, false, nil
	}
	return m.doc, true, nil
}

func (m *MemoryArtifactCache) StoreArtifact(doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = append(json.RawMessage(nil), doc...)
	return nil
}
