package store

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/testutil/testlog"
	"github.com/goccy/go-json"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestArtifactRoundTrip(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t)

	if _, ok, err := s.Artifact(); err != nil || ok {
		t.Fatalf("empty store ok=%v err=%v", ok, err)
	}
	doc := json.RawMessage(`{"name":"EcdsaRAccount","functions":[]}`)
	if err := s.StoreArtifact(doc); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := s.Artifact()
	if err != nil || !ok {
		t.Fatalf("artifact ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, doc) {
		t.Fatalf("got %s want %s", got, doc)
	}
}

func TestAccountsPersistAcrossReopen(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, idx := range []int{3, 0, 1} {
		a := command.Account{
			Index: idx,
			PK:    bytes.Repeat([]byte{byte(idx + 1)}, command.PublicKeyLen),
			Salt:  bytes.Repeat([]byte{0xAA}, command.SaltLen),
			MSK:   bytes.Repeat([]byte{0xBB}, command.SecretLen),
		}
		if err := s.PutAccount(a); err != nil {
			t.Fatalf("put %d: %v", idx, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	accts, err := s.Accounts()
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accts) != 3 || accts[0].Index != 0 || accts[1].Index != 1 || accts[2].Index != 3 {
		t.Fatalf("unexpected accounts %+v", accts)
	}
	if accts[2].PK[0] != 4 || !accts[2].Initialized() {
		t.Fatalf("unexpected pk %x", accts[2].PK)
	}

	if err := s.DeleteAccount(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.Account(1); err != nil || ok {
		t.Fatalf("deleted account still present ok=%v err=%v", ok, err)
	}
	a, ok, err := s.Account(0)
	if err != nil || !ok || len(a.Salt) != command.SaltLen {
		t.Fatalf("account 0 ok=%v err=%v salt=%d", ok, err, len(a.Salt))
	}
}

func TestClosedStore(t *testing.T) {
	testlog.Start(t)
	s, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.StoreArtifact(json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if _, err := s.Accounts(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
