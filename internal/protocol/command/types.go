// Package command defines the envelope exchanged with the keychain device and
// its JSON codec.
package command

import (
	"bytes"
	"fmt"
	"strconv"
)

// Type is the command discriminator. Its wire value is the ordinal, so the
// order of these constants is part of the device contract.
type Type int

const (
	TypeSignatureRequest Type = iota
	TypeSignatureAccepted
	TypeSignatureRejected
	TypeGetAccountRequest
	TypeGetAccountResponse
	TypeGetAccountRejected
	TypeGetArtifactRequest
	TypeGetArtifactResponseStart
	TypeGetSenderRequest
	TypeGetSenderResponse
	TypeError
)

var typeNames = [...]string{
	TypeSignatureRequest:         "SIGNATURE_REQUEST",
	TypeSignatureAccepted:        "SIGNATURE_ACCEPTED_RESPONSE",
	TypeSignatureRejected:        "SIGNATURE_REJECTED_RESPONSE",
	TypeGetAccountRequest:        "GET_ACCOUNT_REQUEST",
	TypeGetAccountResponse:       "GET_ACCOUNT_RESPONSE",
	TypeGetAccountRejected:       "GET_ACCOUNT_REJECTED",
	TypeGetArtifactRequest:       "GET_ARTIFACT_REQUEST",
	TypeGetArtifactResponseStart: "GET_ARTIFACT_RESPONSE_START",
	TypeGetSenderRequest:         "GET_SENDER_REQUEST",
	TypeGetSenderResponse:        "GET_SENDER_RESPONSE",
	TypeError:                    "ERROR",
}

// Types lists every defined command type in ordinal order.
func Types() []Type {
	out := make([]Type, len(typeNames))
	for i := range typeNames {
		out[i] = Type(i)
	}
	return out
}

func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

func (t Type) String() string {
	if !t.Valid() {
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

func (t Type) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("command: invalid type %d", int(t))
	}
	return strconv.AppendInt(nil, int64(t), 10), nil
}

// UnmarshalJSON accepts the numeric ordinal, bare or quoted.
func (t *Type) UnmarshalJSON(data []byte) error {
	raw := bytes.Trim(bytes.TrimSpace(data), `"`)
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("command: type %s is not an ordinal", data)
	}
	v := Type(n)
	if !v.Valid() {
		return fmt.Errorf("command: unknown type %d", n)
	}
	*t = v
	return nil
}

// Command is the immutable envelope crossing the wire.
type Command struct {
	Type Type
	Data Payload
}

// New builds a command whose type is taken from the payload.
func New(p Payload) Command {
	return Command{Type: p.Type(), Data: p}
}

func (c Command) String() string {
	return fmt.Sprintf("%s %+v", c.Type, c.Data)
}
