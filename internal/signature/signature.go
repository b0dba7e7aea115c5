// Package signature turns raw device signatures into canonical low-S P-256
// signatures.
package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
)

const (
	ScalarLen = 32
	RawLen    = 2 * ScalarLen
)

var (
	ErrShortSignature = errors.New("signature: raw signature too short")
	ErrInvalidKey     = errors.New("signature: invalid public key")
	// ErrInvalidScalar marks an r or s outside [1, N-1].
	ErrInvalidScalar  = errors.New("signature: scalar out of range")
)

var (
	curveOrder = elliptic.P256().Params().N
	halfOrder  = new(big.Int).Rsh(curveOrder, 1)
)

// Raw is a device signature split into its parts. S keeps the width the
// device sent.
type Raw struct {
	R            [ScalarLen]byte
	S            []byte
	RecoveryByte *byte
}

// Canonical is a signature whose S lies in the lower half of the curve order.
type Canonical struct {
	R [ScalarLen]byte
	S [ScalarLen]byte
}

// ParseRaw splits r = b[0:32], s = b[32:64] and an optional recovery byte at 64.
func ParseRaw(b []byte) (Raw, error) {
	if len(b) < RawLen {
		return Raw{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortSignature, len(b), RawLen)
	}
	var raw Raw
	copy(raw.R[:], b[:ScalarLen])
	raw.S = append([]byte(nil), b[ScalarLen:RawLen]...)
	if len(b) > RawLen {
		v := b[RawLen]
		raw.RecoveryByte = &v
	}
	return raw, nil
}

// Canonical maps S to N-S when S is above N/2. The result is always encoded
// at full width. R and S must both lie in [1, N-1].
func (r Raw) Canonical() (Canonical, error) {
	if err := checkScalar("r", new(big.Int).SetBytes(r.R[:])); err != nil {
		return Canonical{}, err
	}
	s := new(big.Int).SetBytes(r.S)
	if err := checkScalar("s", s); err != nil {
		return Canonical{}, err
	}
	if s.Cmp(halfOrder) > 0 {
		s.Sub(curveOrder, s)
	}
	out := Canonical{R: r.R}
	s.FillBytes(out.S[:])
	return out, nil
}

func checkScalar(name string, v *big.Int) error {
	if v.Sign() == 0 || v.Cmp(curveOrder) >= 0 {
		return fmt.Errorf("%w: %s=%x", ErrInvalidScalar, name, v)
	}
	return nil
}

// Canonicalize parses a raw device signature and returns its low-S form.
func Canonicalize(b []byte) (Canonical, error) {
	raw, err := ParseRaw(b)
	if err != nil {
		return Canonical{}, err
	}
	return raw.Canonical()
}

// Bytes returns the 64-byte r||s witness.
func (c Canonical) Bytes() []byte {
	out := make([]byte, 0, RawLen)
	out = append(out, c.R[:]...)
	return append(out, c.S[:]...)
}

func (c Canonical) IsLowS() bool {
	return new(big.Int).SetBytes(c.S[:]).Cmp(halfOrder) <= 0
}

// Verify checks the signature over digest against a 64-byte X||Y public key.
// digest is used as is; the device signs the 32-byte message directly.
func (c Canonical) Verify(pk, digest []byte) (bool, error) {
	key, err := PublicKey(pk)
	if err != nil {
		return false, err
	}
	r := new(big.Int).SetBytes(c.R[:])
	s := new(big.Int).SetBytes(c.S[:])
	return ecdsa.Verify(key, digest, r, s), nil
}

// PublicKey decodes a 64-byte uncompressed X||Y P-256 point.
func PublicKey(pk []byte) (*ecdsa.PublicKey, error) {
	if len(pk) != RawLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrInvalidKey, len(pk), RawLen)
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(pk[:ScalarLen])
	y := new(big.Int).SetBytes(pk[ScalarLen:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalPublicKey encodes key as 64-byte X||Y.
func MarshalPublicKey(key *ecdsa.PublicKey) []byte {
	out := make([]byte, RawLen)
	key.X.FillBytes(out[:ScalarLen])
	key.Y.FillBytes(out[ScalarLen:])
	return out
}
