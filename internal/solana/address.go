package solana

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeyLength is the byte length of a Solana address.
const PublicKeyLength = 32

// ErrInvalidAddress is returned when a string is not a base58 32-byte key.
var ErrInvalidAddress = errors.New("invalid solana address")

// DecodeAddress decodes a base58 address into its 32 raw bytes.
func DecodeAddress(addr string) ([]byte, error) {
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	b, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != PublicKeyLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(b))
	}
	return b, nil
}

// IsValidAddress reports whether addr decodes to a 32-byte key.
func IsValidAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}

// IsOnCurve reports whether addr is an ed25519 point, i.e. a keypair wallet
// rather than a program derived address.
func IsOnCurve(addr string) bool {
	b, err := DecodeAddress(addr)
	if err != nil {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(b)
	return err == nil
}
