package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// AddressSize is the size of a validator address in bytes
const AddressSize = 20

// SignatureSize is the expected size of a signature in bytes
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the expected size of a public key in bytes
const PublicKeySize = ed25519.PublicKeySize

// Hash is a SHA-256 digest. Blocks are opaque to this module and are
// identified only by their Hash.
type Hash [HashSize]byte

// Address identifies a validator. It is derived from the validator's public key.
type Address [AddressSize]byte

// Signature is an ed25519 signature.
type Signature []byte

// PublicKey is an ed25519 public key.
type PublicKey []byte

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// IsZero returns true if every byte of the hash is zero
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the hash as a byte slice
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// String returns hex-encoded hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 6 bytes hex-encoded, for logs
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// MarshalText encodes the hash as hex for JSON and config files.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	parsed, err := NewHash(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// AddressFromPubKey derives an address from the first 20 bytes of the
// SHA-256 of the public key.
func AddressFromPubKey(pub PublicKey) Address {
	var a Address
	sum := sha256.Sum256(pub)
	copy(a[:], sum[:AddressSize])
	return a
}

// IsZero returns true if the address is unset
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns hex-encoded address
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Compare orders addresses bytewise. Validator sets are sorted by it.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// MarshalText encodes the address as hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex-encoded address.
func (a *Address) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid address hex: %w", err)
	}
	if len(raw) != AddressSize {
		return fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(raw))
	}
	copy(a[:], raw)
	return nil
}

// NewSignature creates a Signature from bytes, returning error if invalid.
// The input is copied.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	copied := make([]byte, SignatureSize)
	copy(copied, data)
	return copied, nil
}

// MustNewSignature creates a Signature, panicking if invalid.
// Use only for trusted internal data (e.g., crypto library output).
func MustNewSignature(data []byte) Signature {
	s, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return s
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
// The input is copied.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copied := make([]byte, PublicKeySize)
	copy(copied, data)
	return copied, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for keys derived locally from a private key.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// Equal compares two public keys
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p, other)
}

// Address returns the address derived from this key
func (p PublicKey) Address() Address {
	return AddressFromPubKey(p)
}

// VerifySignature checks an ed25519 signature over msg.
func VerifySignature(pub PublicKey, msg []byte, sig Signature) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// CopyBytes returns a copy of b, preserving nil.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
