package command

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const base64Prefix = "base64:"

// Bytes is a byte buffer with a lenient JSON form. It decodes from a number
// array, a buffer-json object ({"type":"Buffer","data":...}), a "base64:"
// string or a 0x-prefixed hex string, and always encodes as a number array,
// which is what the firmware reads.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("command: empty byte buffer")
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("command: invalid byte buffer %q", data)
		}
		*b = nil
		return nil
	case '[':
		var nums []json.Number
		if err := json.Unmarshal(data, &nums); err != nil {
			return fmt.Errorf("command: byte array: %w", err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			v, err := strconv.ParseUint(n.String(), 10, 8)
			if err != nil {
				return fmt.Errorf("command: byte array[%d]=%s out of range", i, n)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	case '{':
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("command: buffer object: %w", err)
		}
		if env.Type != "Buffer" {
			return fmt.Errorf("command: buffer object has type %q", env.Type)
		}
		return b.UnmarshalJSON(env.Data)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return b.decodeString(s)
	default:
		return fmt.Errorf("command: invalid byte buffer %q", data)
	}
}

func (b *Bytes) decodeString(s string) error {
	switch {
	case strings.HasPrefix(s, base64Prefix):
		out, err := base64.StdEncoding.DecodeString(s[len(base64Prefix):])
		if err != nil {
			return fmt.Errorf("command: base64 buffer: %w", err)
		}
		*b = out
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		out, err := hex.DecodeString(s[2:])
		if err != nil {
			return fmt.Errorf("command: hex buffer: %w", err)
		}
		*b = out
	default:
		return fmt.Errorf("command: unsupported buffer string %q", s)
	}
	return nil
}

// Hex renders the buffer as 0x-prefixed lowercase hex.
func (b Bytes) Hex() string {
	return "0x" + hex.EncodeToString(b)
}
