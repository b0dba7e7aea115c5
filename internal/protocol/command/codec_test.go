package command

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/keychainctl/internal/protocol"
	"github.com/danmuck/keychainctl/internal/testutil/testlog"
)

func TestEveryTypeKeepsItsOrdinal(t *testing.T) {
	testlog.Start(t)
	for _, typ := range Types() {
		payload, err := Encode(Command{Type: typ})
		if err != nil {
			t.Fatalf("encode %s: %v", typ, err)
		}
		if payload[len(payload)-1] != '\n' {
			t.Fatalf("%s: encoded segment not newline terminated", typ)
		}
		got, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
		if got.Type != typ || got.Data.Type() != typ {
			t.Fatalf("ordinal drift: want=%d got=%d payload=%d", typ, got.Type, got.Data.Type())
		}
	}
	if TypeError != 10 || TypeGetArtifactResponseStart != 7 {
		t.Fatalf("wire ordinals moved: error=%d artifact_start=%d", TypeError, TypeGetArtifactResponseStart)
	}
}

func TestEncodeWireShape(t *testing.T) {
	testlog.Start(t)
	out, err := Encode(New(AccountRequest{Index: 2}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(out) != "{\"type\":3,\"data\":{\"index\":2}}\n" {
		t.Fatalf("unexpected wire form: %q", out)
	}

	out, err = Encode(New(SignatureRequest{Index: 1, PK: Bytes{1, 2}, Msg: Bytes{255}}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), "\"pk\":[1,2]") || !strings.Contains(string(out), "\"msg\":[255]") {
		t.Fatalf("byte buffers should encode as number arrays: %q", out)
	}
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Command{Type: TypeGetSenderRequest, Data: AccountRequest{}}); err == nil {
		t.Fatalf("expected payload/envelope mismatch error")
	}
	if _, err := Encode(Command{Type: Type(42)}); err == nil {
		t.Fatalf("expected invalid type error")
	}
}

func TestDecodeDeviceAccountResponse(t *testing.T) {
	testlog.Start(t)
	pk := bytes.Repeat([]byte{7}, PublicKeyLen)
	seg := []byte(`{"type":4,"data":{"index":1,"pk":` + string(mustJSON(t, Bytes(pk))) +
		`,"msk":"base64:` + strings.Repeat("AAAA", 10) + `AAA=","salt":{"type":"Buffer","data":[` +
		strings.TrimSuffix(strings.Repeat("9,", SaltLen), ",") + `]}}}` + "\r\n")
	got, err := Decode(seg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	acct, ok := got.Data.(Account)
	if !ok {
		t.Fatalf("unexpected payload %T", got.Data)
	}
	if acct.Index != 1 || !bytes.Equal(acct.PK, pk) || len(acct.MSK) != SecretLen || acct.Salt[0] != 9 {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if err := acct.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !acct.Initialized() {
		t.Fatalf("account with real pk should be initialized")
	}
}

func TestAccountInitializedSentinel(t *testing.T) {
	testlog.Start(t)
	empty := Account{PK: bytes.Repeat([]byte{0xFF}, PublicKeyLen)}
	if empty.Initialized() {
		t.Fatalf("all-0xFF pk must be uninitialized")
	}
	if (Account{}).Initialized() {
		t.Fatalf("missing pk must be uninitialized")
	}
}

func TestDecodeMissingDataYieldsZeroPayload(t *testing.T) {
	testlog.Start(t)
	got, err := Decode([]byte(`{"type":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got.Data.(AccountRejected); !ok || got.Type != TypeGetAccountRejected {
		t.Fatalf("unexpected command: %+v", got)
	}
}

func TestDecodeKeepsLargeArtifactNumbers(t *testing.T) {
	testlog.Start(t)
	got, err := Decode([]byte(`{"type":7,"data":{"size":12,"data":{"n":123456789012345678901234567890}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start := got.Data.(ArtifactStart)
	if start.Size != 12 || !strings.Contains(string(start.Data), "123456789012345678901234567890") {
		t.Fatalf("artifact payload lost precision: %+v", start)
	}
}

func TestDecodeMalformedSegments(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		"",
		"not json\n",
		"{}\n",
		`{"type":null}`,
		`{"type":11,"data":{}}`,
		`{"type":-1}`,
		`{"type":"three"}`,
		`{"type":4,"data":{"pk":[256]}}`,
		`{"type":4,"data":{"pk":"plain"}}`,
		`{"type":4,"data":{"pk":{"type":"Array","data":[]}}}`,
		`[1,2,3]`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, protocol.ErrMalformedFrame) {
			t.Fatalf("%q: expected ErrMalformedFrame, got %v", raw, err)
		}
	}
}

func TestDecodeQuotedOrdinal(t *testing.T) {
	testlog.Start(t)
	got, err := Decode([]byte(`{"type":"9","data":{"sender":"0x01"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data.(SenderResponse).Sender != "0x01" {
		t.Fatalf("unexpected sender: %+v", got)
	}
}

func TestBytesHexForms(t *testing.T) {
	testlog.Start(t)
	var b Bytes
	if err := b.UnmarshalJSON([]byte(`"0x00ff10"`)); err != nil {
		t.Fatalf("unmarshal hex: %v", err)
	}
	if !bytes.Equal(b, []byte{0, 0xff, 0x10}) || b.Hex() != "0x00ff10" {
		t.Fatalf("unexpected bytes: %v %s", []byte(b), b.Hex())
	}
	if err := b.UnmarshalJSON([]byte("null")); err != nil || b != nil {
		t.Fatalf("null should clear buffer: %v %v", b, err)
	}
}

func mustJSON(t *testing.T, b Bytes) []byte {
	t.Helper()
	out, err := b.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal bytes: %v", err)
	}
	return out
}
