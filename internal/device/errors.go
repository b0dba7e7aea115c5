package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/keychainctl/internal/protocol/command"
)

var (
	ErrInvalidRequest   = errors.New("device: invalid request")
	ErrInvalidAccount   = errors.New("device: invalid account record")
	ErrSignatureInvalid = errors.New("device: signature does not verify")
)

// UnexpectedResponseTypeError reports a terminal response of a type the
// operation did not ask for.
type UnexpectedResponseTypeError struct {
	Expected []command.Type
	Actual   command.Type
}

func (e *UnexpectedResponseTypeError) Error() string {
	names := make([]string, 0, len(e.Expected))
	for _, t := range e.Expected {
		names = append(names, t.String())
	}
	return fmt.Sprintf("device: unexpected response %s, expected %s", e.Actual, strings.Join(names, " or "))
}

// AccountMismatchError reports an account response for a different slot than
// the one requested, such as a late answer to an abandoned read.
type AccountMismatchError struct {
	Requested int
	Actual    int
}

func (e *AccountMismatchError) Error() string {
	return fmt.Sprintf("device: requested account %d, got account %d", e.Requested, e.Actual)
}

// DeviceError carries the message of an ERROR command.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	return "device: " + e.Message
}

// expect maps ERROR to *DeviceError and anything outside want to
// *UnexpectedResponseTypeError.
func expect(resp command.Command, want ...command.Type) error {
	for _, t := range want {
		if resp.Type == t {
			return nil
		}
	}
	if f, ok := resp.Data.(command.Failure); ok {
		return &DeviceError{Message: f.Error}
	}
	return &UnexpectedResponseTypeError{Expected: want, Actual: resp.Type}
}
