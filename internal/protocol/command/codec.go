package command

import (
	"bytes"
	"fmt"

	"github.com/danmuck/keychainctl/internal/protocol"
	"github.com/goccy/go-json"
)

type wireCommand struct {
	Type Type    `json:"type"`
	Data Payload `json:"data"`
}

type wireDecode struct {
	Type *Type          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode renders c as one newline-terminated JSON segment.
func Encode(c Command) ([]byte, error) {
	if !c.Type.Valid() {
		return nil, fmt.Errorf("command: encode: invalid type %d", int(c.Type))
	}
	data := c.Data
	if data == nil {
		p, err := zeroPayload(c.Type)
		if err != nil {
			return nil, err
		}
		data = p
	}
	if data.Type() != c.Type {
		return nil, fmt.Errorf("command: encode: %s payload under %s envelope", data.Type(), c.Type)
	}
	out, err := json.Marshal(wireCommand{Type: c.Type, Data: data})
	if err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", c.Type, err)
	}
	return append(out, '\n'), nil
}

// Decode parses one segment. Every failure wraps protocol.ErrMalformedFrame.
func Decode(segment []byte) (Command, error) {
	segment = bytes.TrimSpace(segment)
	if len(segment) == 0 {
		return Command{}, fmt.Errorf("%w: empty segment", protocol.ErrMalformedFrame)
	}
	var w wireDecode
	if err := json.Unmarshal(segment, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	if w.Type == nil {
		return Command{}, fmt.Errorf("%w: missing type", protocol.ErrMalformedFrame)
	}
	p, err := decodePayload(*w.Type, w.Data)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s data: %v", protocol.ErrMalformedFrame, *w.Type, err)
	}
	return Command{Type: *w.Type, Data: p}, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeSignatureRequest:
		return decodeInto[SignatureRequest](raw)
	case TypeSignatureAccepted:
		return decodeInto[SignatureAccepted](raw)
	case TypeSignatureRejected:
		return decodeInto[SignatureRejected](raw)
	case TypeGetAccountRequest:
		return decodeInto[AccountRequest](raw)
	case TypeGetAccountResponse:
		return decodeInto[Account](raw)
	case TypeGetAccountRejected:
		return decodeInto[AccountRejected](raw)
	case TypeGetArtifactRequest:
		return decodeInto[ArtifactRequest](raw)
	case TypeGetArtifactResponseStart:
		return decodeInto[ArtifactStart](raw)
	case TypeGetSenderRequest:
		return decodeInto[SenderRequest](raw)
	case TypeGetSenderResponse:
		return decodeInto[SenderResponse](raw)
	case TypeError:
		return decodeInto[Failure](raw)
	default:
		return nil, fmt.Errorf("unknown type %d", int(t))
	}
}

func decodeInto[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

func zeroPayload(t Type) (Payload, error) {
	p, err := decodePayload(t, nil)
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	return p, nil
}
