// Package emulator is an in-process keychain: the serial command loop the
// firmware runs plus the HTTP surface its companion app talks to.
package emulator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/protocol/frame"
	"github.com/danmuck/keychainctl/internal/signature"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type Status int

const (
	StatusIdle Status = iota
	StatusGeneratingAccount
	StatusSelectingAccount
	StatusSigning
	StatusWaitingForSender
)

var (
	ErrNoPrompt     = errors.New("emulator: no prompt pending")
	ErrNotConnected = errors.New("emulator: no host connected")
	ErrBadSlot      = errors.New("emulator: account slot out of range")
)

// Firmware error strings.
const (
	MsgInvalidPublicKey     = "Invalid public key"
	MsgAccountUninitialized = "Account not initialized"
	MsgUnexpectedSender     = "Unexpected sender request"
	MsgInvalidIndex         = "Invalid account index"
)

type Config struct {
	Slots int
	// ChunkSize splits every write into pieces of at most this many bytes.
	ChunkSize int
	// Noise lines are written ahead of every response, like firmware debug prints.
	Noise []string
	// Artifact is the uncompressed artifact document.
	Artifact json.RawMessage
	// HighS makes every signature use the upper S value.
	HighS          bool
	StatusInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Slots:          5,
		Artifact:       json.RawMessage(DefaultArtifact),
		StatusInterval: 50 * time.Millisecond,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Slots <= 0 {
		c.Slots = def.Slots
	}
	if len(c.Artifact) == 0 {
		c.Artifact = def.Artifact
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	return c
}

type slot struct {
	account command.Account
	key     *ecdsa.PrivateKey
}

type Device struct {
	cfg      Config
	artifact []byte

	mu      sync.Mutex
	slots   []slot
	status  Status
	pending *command.SignatureRequest
	sender  string
	link    *link
}

func New(cfg Config) (*Device, error) {
	cfg = cfg.WithDefaults()
	compressed, err := compressArtifact(cfg.Artifact)
	if err != nil {
		return nil, err
	}
	d := &Device{cfg: cfg, artifact: compressed, slots: make([]slot, cfg.Slots)}
	for i := range d.slots {
		d.slots[i].account = emptyAccount(i)
	}
	return d, nil
}

func emptyAccount(index int) command.Account {
	return command.Account{
		Index: index,
		PK:    bytes.Repeat([]byte{0xFF}, command.PublicKeyLen),
		Salt:  bytes.Repeat([]byte{0xFF}, command.SaltLen),
		MSK:   bytes.Repeat([]byte{0xFF}, command.SecretLen),
	}
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// WaitStatus polls until the device reaches s or ctx ends.
func (d *Device) WaitStatus(ctx context.Context, s Status) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.Status() == s {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GenerateAccount fills slot index with a fresh P-256 key and secrets.
func (d *Device) GenerateAccount(index int) (command.Account, error) {
	d.mu.Lock()
	if index < 0 || index >= len(d.slots) {
		d.mu.Unlock()
		return command.Account{}, fmt.Errorf("%w: %d", ErrBadSlot, index)
	}
	d.status = StatusGeneratingAccount
	d.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return command.Account{}, fmt.Errorf("emulator: generate key: %w", err)
	}
	acct := command.Account{
		Index:           index,
		PK:              signature.MarshalPublicKey(&key.PublicKey),
		Salt:            randomBytes(command.SaltLen),
		MSK:             randomBytes(command.SecretLen),
		ContractClassID: randomBytes(32),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[index] = slot{account: acct, key: key}
	d.status = StatusIdle
	log.Info().Int("index", index).Msg("emulator: account generated")
	return acct, nil
}

func randomBytes(n int) command.Bytes {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func (d *Device) Account(index int) (command.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.slots) {
		return command.Account{}, fmt.Errorf("%w: %d", ErrBadSlot, index)
	}
	return d.slots[index].account, nil
}

func (d *Device) Accounts() []command.Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]command.Account, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, s.account)
	}
	return out
}

func (d *Device) PendingSignature() (command.SignatureRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return command.SignatureRequest{}, false
	}
	return *d.pending, true
}

// SetSender stores the address the next sender request is answered with.
func (d *Device) SetSender(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = addr
	d.status = StatusWaitingForSender
}

// ResolveSignature answers the pending signature prompt.
func (d *Device) ResolveSignature(approve bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusSigning || d.pending == nil {
		return ErrNoPrompt
	}
	req := *d.pending
	d.pending = nil
	d.status = StatusIdle
	if !approve {
		return d.sendLocked(command.SignatureRejected{})
	}
	sig, err := d.signLocked(req)
	if err != nil {
		return err
	}
	return d.sendLocked(command.SignatureAccepted{Signature: sig})
}

// ResolveSelection answers the pending account prompt; index -1 rejects it.
func (d *Device) ResolveSelection(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusSelectingAccount {
		return ErrNoPrompt
	}
	d.status = StatusIdle
	if index == command.SelectOnDevice {
		return d.sendLocked(command.AccountRejected{})
	}
	return d.sendAccountLocked(index)
}

func (d *Device) signLocked(req command.SignatureRequest) (command.Bytes, error) {
	key := d.slots[req.Index].key
	r, s, err := ecdsa.Sign(rand.Reader, key, req.Msg)
	if err != nil {
		return nil, fmt.Errorf("emulator: sign: %w", err)
	}
	n := key.Curve.Params().N
	half := new(big.Int).Rsh(n, 1)
	if d.cfg.HighS && s.Cmp(half) <= 0 {
		s.Sub(n, s)
	}
	out := make([]byte, signature.RawLen)
	r.FillBytes(out[:signature.ScalarLen])
	s.FillBytes(out[signature.ScalarLen:])
	return out, nil
}

// Serve runs the command loop on rw until ctx ends or the link fails. A
// newer Serve call takes the link over.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	l := &link{w: rw, chunk: d.cfg.ChunkSize, noise: d.cfg.Noise}
	d.mu.Lock()
	d.link = l
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.link == l {
			d.link = nil
		}
		d.mu.Unlock()
	}()

	if rd, ok := rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() { _ = rd.SetReadDeadline(time.Now()) })
		defer stop()
	}

	acc := frame.NewAccumulator()
	buf := make([]byte, 1024)
	for {
		n, err := rw.Read(buf)
		for _, seg := range acc.Feed(buf[:n]) {
			d.handle(seg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("emulator: read: %w", err)
		}
	}
}

func (d *Device) handle(seg []byte) {
	if len(bytes.TrimSpace(seg)) == 0 {
		return
	}
	cmd, err := command.Decode(seg)
	if err != nil {
		log.Debug().Err(err).Msg("emulator: json parse error")
		return
	}
	log.Debug().Str("type", cmd.Type.String()).Msg("emulator: command")

	d.mu.Lock()
	defer d.mu.Unlock()
	var sendErr error
	switch p := cmd.Data.(type) {
	case command.SignatureRequest:
		sendErr = d.requestSignatureLocked(p)
	case command.AccountRequest:
		if p.Index == command.SelectOnDevice {
			d.status = StatusSelectingAccount
			return
		}
		sendErr = d.sendAccountLocked(p.Index)
	case command.ArtifactRequest:
		sendErr = d.sendArtifactLocked()
	case command.SenderRequest:
		if d.status != StatusWaitingForSender {
			sendErr = d.sendLocked(command.Failure{Error: MsgUnexpectedSender})
			break
		}
		d.status = StatusIdle
		sendErr = d.sendLocked(command.SenderResponse{Sender: d.sender})
	default:
		log.Debug().Str("type", cmd.Type.String()).Msg("emulator: unknown command")
	}
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("emulator: response failed")
	}
}

func (d *Device) requestSignatureLocked(req command.SignatureRequest) error {
	if req.Index < 0 || req.Index >= len(d.slots) {
		return d.sendLocked(command.Failure{Error: MsgInvalidPublicKey})
	}
	acct := d.slots[req.Index].account
	if !bytes.Equal(req.PK, acct.PK) {
		return d.sendLocked(command.Failure{Error: MsgInvalidPublicKey})
	}
	if !acct.Initialized() {
		return d.sendLocked(command.Failure{Error: MsgAccountUninitialized})
	}
	if len(req.Msg) != command.MessageLen {
		return d.sendLocked(command.Failure{Error: "Invalid message"})
	}
	d.pending = &req
	d.status = StatusSigning
	return nil
}

func (d *Device) sendAccountLocked(index int) error {
	if index < 0 || index >= len(d.slots) {
		return d.sendLocked(command.Failure{Error: MsgInvalidIndex})
	}
	acct := d.slots[index].account
	acct.ContractClassID = nil
	return d.sendLocked(acct)
}

func (d *Device) sendArtifactLocked() error {
	if d.link == nil {
		return ErrNotConnected
	}
	if err := d.sendLocked(command.ArtifactStart{Size: int64(len(d.artifact))}); err != nil {
		return err
	}
	if err := d.link.write(d.artifact); err != nil {
		return err
	}
	return d.link.write([]byte("\r\n"))
}

func (d *Device) sendLocked(p command.Payload) error {
	if d.link == nil {
		return ErrNotConnected
	}
	return d.link.send(p)
}

// link is the host side of one Serve call. Writes hold the device lock.
type link struct {
	w     io.Writer
	chunk int
	noise []string
}

func (l *link) send(p command.Payload) error {
	for _, line := range l.noise {
		if err := l.write([]byte(line + "\r\n")); err != nil {
			return err
		}
	}
	out, err := command.Encode(command.New(p))
	if err != nil {
		return err
	}
	out = append(out[:len(out)-1], '\r', '\n')
	return l.write(out)
}

func (l *link) write(b []byte) error {
	if l.chunk <= 0 {
		_, err := l.w.Write(b)
		return err
	}
	for len(b) > 0 {
		n := min(l.chunk, len(b))
		if _, err := l.w.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
