package device

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/keychainctl/internal/emulator"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/signature"
	"github.com/danmuck/keychainctl/internal/testutil/testlog"
	"github.com/goccy/go-json"
)

func newEmulated(t *testing.T, cfg emulator.Config) (*emulator.Device, *Keychain) {
	t.Helper()
	dev, err := emulator.New(cfg)
	if err != nil {
		t.Fatalf("emulator: %v", err)
	}
	host, link := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = dev.Serve(ctx, link) }()

	c := NewClient(host, Config{ExchangeTimeout: 2 * time.Second, ConfirmTimeout: 2 * time.Second, VerifySignatures: true})
	t.Cleanup(func() {
		cancel()
		c.Close()
		link.Close()
	})
	return dev, NewKeychain(c, c.Config(), nil)
}

func resolveWhen(t *testing.T, dev *emulator.Device, status emulator.Status, resolve func() error) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := dev.WaitStatus(ctx, status); err != nil {
			return
		}
		_ = resolve()
	}()
}

func TestArtifactOverChunkedNoisyLink(t *testing.T) {
	testlog.Start(t)
	_, kc := newEmulated(t, emulator.Config{ChunkSize: 5, Noise: []string{"[boot] heap ok", "E (120) wifi: not configured"}})

	doc, err := kc.Artifact(context.Background())
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if string(doc) != emulator.DefaultArtifact {
		t.Fatalf("unexpected artifact %s", doc)
	}
	var parsed struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil || parsed.Name != "EcdsaRAccount" {
		t.Fatalf("artifact did not parse name=%q err=%v", parsed.Name, err)
	}

	// The cached copy answers without touching the device again.
	again, err := kc.Artifact(context.Background())
	if err != nil || !bytes.Equal(again, doc) {
		t.Fatalf("cached artifact mismatch err=%v", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{})
	want, err := dev.GenerateAccount(2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	res, err := kc.Account(context.Background(), 2)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if res.Rejected || res.Account.Index != 2 || !bytes.Equal(res.Account.PK, want.PK) {
		t.Fatalf("unexpected account %+v", res)
	}
	if !res.Account.Initialized() {
		t.Fatalf("account should be initialized")
	}

	empty, err := kc.Account(context.Background(), 0)
	if err != nil {
		t.Fatalf("account 0: %v", err)
	}
	if empty.Account.Initialized() {
		t.Fatalf("slot 0 should still be the all-0xFF sentinel")
	}

	if _, err := kc.Account(context.Background(), -3); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	var devErr *DeviceError
	if _, err := kc.Account(context.Background(), 7); !errors.As(err, &devErr) {
		t.Fatalf("expected device error for missing slot, got %v", err)
	}
}

func TestSelectAccountOnDevice(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{})
	if _, err := dev.GenerateAccount(1); err != nil {
		t.Fatalf("generate: %v", err)
	}

	resolveWhen(t, dev, emulator.StatusSelectingAccount, func() error { return dev.ResolveSelection(1) })
	res, err := kc.SelectAccount(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Rejected || res.Account.Index != 1 {
		t.Fatalf("unexpected selection %+v", res)
	}

	resolveWhen(t, dev, emulator.StatusSelectingAccount, func() error { return dev.ResolveSelection(command.SelectOnDevice) })
	res, err = kc.SelectAccount(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("expected rejected selection")
	}
}

func signRequest(t *testing.T, acct command.Account) command.SignatureRequest {
	t.Helper()
	return command.SignatureRequest{
		Index: acct.Index,
		PK:    acct.PK,
		Msg:   command.Bytes("amessagewith32charactersforsure1"),
	}
}

func TestSignReturnsCanonicalSignature(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{HighS: true, ChunkSize: 7})
	acct, err := dev.GenerateAccount(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req := signRequest(t, acct)

	resolveWhen(t, dev, emulator.StatusSigning, func() error { return dev.ResolveSignature(true) })
	res, err := kc.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if res.Rejected {
		t.Fatalf("unexpected rejection")
	}
	if !res.Signature.IsLowS() {
		t.Fatalf("signature not canonical: %x", res.Signature.S)
	}
	if len(res.Signature.Bytes()) != 64 {
		t.Fatalf("witness length %d", len(res.Signature.Bytes()))
	}
	ok, err := res.Signature.Verify(acct.PK, req.Msg)
	if err != nil || !ok {
		t.Fatalf("verify ok=%v err=%v", ok, err)
	}
}

func TestSignRejectedByUser(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{})
	acct, err := dev.GenerateAccount(3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	resolveWhen(t, dev, emulator.StatusSigning, func() error { return dev.ResolveSignature(false) })
	res, err := kc.Sign(context.Background(), signRequest(t, acct))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("expected rejection")
	}
}

func TestSignDeviceErrors(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{})
	acct, err := dev.GenerateAccount(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	wrong := signRequest(t, acct)
	wrong.PK = append(command.Bytes(nil), acct.PK...)
	wrong.PK[10] ^= 0x01
	var devErr *DeviceError
	if _, err := kc.Sign(context.Background(), wrong); !errors.As(err, &devErr) || devErr.Message != emulator.MsgInvalidPublicKey {
		t.Fatalf("expected invalid public key, got %v", err)
	}

	empty, _ := dev.Account(4)
	if _, err := kc.Sign(context.Background(), signRequest(t, empty)); !errors.As(err, &devErr) || devErr.Message != emulator.MsgAccountUninitialized {
		t.Fatalf("expected uninitialized account, got %v", err)
	}

	short := signRequest(t, acct)
	short.Msg = short.Msg[:10]
	if _, err := kc.Sign(context.Background(), short); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestSender(t *testing.T) {
	testlog.Start(t)
	dev, kc := newEmulated(t, emulator.Config{})

	var devErr *DeviceError
	if _, err := kc.Sender(context.Background()); !errors.As(err, &devErr) || devErr.Message != emulator.MsgUnexpectedSender {
		t.Fatalf("expected unexpected sender error, got %v", err)
	}

	dev.SetSender("0x0b2a")
	sender, err := kc.Sender(context.Background())
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if sender != "0x0b2a" {
		t.Fatalf("unexpected sender %q", sender)
	}
	if dev.Status() != emulator.StatusIdle {
		t.Fatalf("device should be idle after sender, got %d", dev.Status())
	}
}

type fixedExchanger struct {
	resp command.Command
}

func (f fixedExchanger) ExchangeTimeout(context.Context, command.Command, time.Duration) (command.Command, error) {
	return f.resp, nil
}

func TestUnexpectedResponseType(t *testing.T) {
	testlog.Start(t)
	kc := NewKeychain(fixedExchanger{resp: command.New(command.SenderResponse{Sender: "0x1"})}, DefaultConfig(), nil)

	_, err := kc.Account(context.Background(), 0)
	var typeErr *UnexpectedResponseTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected unexpected response type, got %v", err)
	}
	if typeErr.Actual != command.TypeGetSenderResponse || len(typeErr.Expected) != 2 {
		t.Fatalf("unexpected error detail %+v", typeErr)
	}
}

func TestAccountRejectsOtherSlot(t *testing.T) {
	testlog.Start(t)
	acct := command.Account{Index: 1, PK: bytes.Repeat([]byte{7}, command.PublicKeyLen)}
	kc := NewKeychain(fixedExchanger{resp: command.New(acct)}, DefaultConfig(), nil)

	_, err := kc.Account(context.Background(), 3)
	var mismatch *AccountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected account mismatch, got %v", err)
	}
	if mismatch.Requested != 3 || mismatch.Actual != 1 {
		t.Fatalf("unexpected error detail %+v", mismatch)
	}

	// A device-side selection may answer with any slot.
	res, err := kc.SelectAccount(context.Background())
	if err != nil || res.Account.Index != 1 {
		t.Fatalf("select: res=%+v err=%v", res, err)
	}
}

func TestSignRejectsOutOfRangeScalar(t *testing.T) {
	testlog.Start(t)
	raw := make([]byte, signature.RawLen)
	raw[signature.ScalarLen-1] = 1 // r = 1, s = 0
	kc := NewKeychain(fixedExchanger{resp: command.New(command.SignatureAccepted{Signature: raw})},
		Config{VerifySignatures: false}, nil)

	req := command.SignatureRequest{
		Index: 0,
		PK:    bytes.Repeat([]byte{7}, command.PublicKeyLen),
		Msg:   []byte("amessagewith32charactersforsure1"),
	}
	if _, err := kc.Sign(context.Background(), req); !errors.Is(err, signature.ErrInvalidScalar) {
		t.Fatalf("expected invalid scalar, got %v", err)
	}
}
