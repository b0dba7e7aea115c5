package command

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	PublicKeyLen = 64
	SecretLen    = 32
	SaltLen      = 32
	MessageLen   = 32
	SignatureLen = 64

	// SelectOnDevice asks the device to let its user pick the account.
	SelectOnDevice = -1
)

// Payload is the type-specific body of a Command.
type Payload interface {
	Type() Type
}

type SignatureRequest struct {
	Index int   `json:"index"`
	PK    Bytes `json:"pk"`
	Msg   Bytes `json:"msg"`
}

func (SignatureRequest) Type() Type { return TypeSignatureRequest }

func (r SignatureRequest) Validate() error {
	if r.Index < 0 {
		return fmt.Errorf("command: signature request index %d out of range", r.Index)
	}
	if len(r.PK) != PublicKeyLen {
		return fmt.Errorf("command: signature request pk must be %d bytes, got %d", PublicKeyLen, len(r.PK))
	}
	if len(r.Msg) != MessageLen {
		return fmt.Errorf("command: signature request msg must be %d bytes, got %d", MessageLen, len(r.Msg))
	}
	return nil
}

// SignatureAccepted carries the raw device signature, r||s plus optional
// trailing bytes.
type SignatureAccepted struct {
	Signature Bytes `json:"signature"`
}

func (SignatureAccepted) Type() Type { return TypeSignatureAccepted }

type SignatureRejected struct{}

func (SignatureRejected) Type() Type { return TypeSignatureRejected }

type AccountRequest struct {
	Index int `json:"index"`
}

func (AccountRequest) Type() Type { return TypeGetAccountRequest }

// Account is a device account record. The host only ever holds copies.
type Account struct {
	Index           int   `json:"index"`
	PK              Bytes `json:"pk"`
	Salt            Bytes `json:"salt"`
	MSK             Bytes `json:"msk"`
	ContractClassID Bytes `json:"contractClassId,omitempty"`
}

func (Account) Type() Type { return TypeGetAccountResponse }

// Initialized reports whether the public key differs from the all-0xFF
// sentinel the device uses for empty slots.
func (a Account) Initialized() bool {
	if len(a.PK) == 0 {
		return false
	}
	return !bytes.Equal(a.PK, bytes.Repeat([]byte{0xFF}, len(a.PK)))
}

func (a Account) Validate() error {
	if len(a.PK) != PublicKeyLen {
		return fmt.Errorf("command: account pk must be %d bytes, got %d", PublicKeyLen, len(a.PK))
	}
	if len(a.Salt) != 0 && len(a.Salt) != SaltLen {
		return fmt.Errorf("command: account salt must be %d bytes, got %d", SaltLen, len(a.Salt))
	}
	if len(a.MSK) != 0 && len(a.MSK) != SecretLen {
		return fmt.Errorf("command: account msk must be %d bytes, got %d", SecretLen, len(a.MSK))
	}
	return nil
}

type AccountRejected struct{}

func (AccountRejected) Type() Type { return TypeGetAccountRejected }

type ArtifactRequest struct{}

func (ArtifactRequest) Type() Type { return TypeGetArtifactRequest }

// ArtifactStart announces a data-mode transfer of Size raw bytes. Data is
// filled in by the session once the transfer has been decompressed.
type ArtifactStart struct {
	Size int64           `json:"size"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (ArtifactStart) Type() Type { return TypeGetArtifactResponseStart }

type SenderRequest struct{}

func (SenderRequest) Type() Type { return TypeGetSenderRequest }

type SenderResponse struct {
	Sender string `json:"sender"`
}

func (SenderResponse) Type() Type { return TypeGetSenderResponse }

// Failure is the body of an ERROR command.
type Failure struct {
	Error string `json:"error"`
}

func (Failure) Type() Type { return TypeError }
