package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func TestNewHash(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}

	h, err := NewHash(data)
	if err != nil {
		t.Fatalf("NewHash failed: %v", err)
	}
	if !bytes.Equal(h[:], data) {
		t.Error("hash data mismatch")
	}

	// Mutating the input must not change the hash
	data[0] = 0xff
	if h[0] == 0xff {
		t.Error("hash shares memory with input")
	}
}

func TestNewHashError(t *testing.T) {
	_, err := NewHash(make([]byte, 16))
	if err == nil {
		t.Error("expected error for wrong size")
	}
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h := HashBytes(data)

	if h != HashBytes(data) {
		t.Error("same input should produce same hash")
	}
	if h == HashBytes([]byte("different")) {
		t.Error("different input should produce different hash")
	}
	if h.IsZero() {
		t.Error("digest should not be zero")
	}
	if !(Hash{}).IsZero() {
		t.Error("zero value should be zero")
	}
}

func TestHashString(t *testing.T) {
	h := HashBytes([]byte("x"))
	if len(h.String()) != 64 {
		t.Errorf("expected 64 chars, got %d", len(h.String()))
	}
	if len(h.Short()) != 12 {
		t.Errorf("expected 12 chars, got %d", len(h.Short()))
	}
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := HashBytes([]byte("json"))
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Hash
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Error("hash changed across JSON round trip")
	}

	if err := got.UnmarshalText([]byte("zz")); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestAddressFromPubKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	a1 := AddressFromPubKey(PublicKey(pub))
	a2 := PublicKey(pub).Address()
	if a1 != a2 {
		t.Error("address derivation should be deterministic")
	}
	if a1.IsZero() {
		t.Error("derived address should not be zero")
	}

	var parsed Address
	text, _ := a1.MarshalText()
	if err := parsed.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed != a1 {
		t.Error("address changed across text round trip")
	}
}

func TestNewPublicKey(t *testing.T) {
	data := make([]byte, 32)
	pk, err := NewPublicKey(data)
	if err != nil {
		t.Fatalf("NewPublicKey failed: %v", err)
	}
	if !bytes.Equal(pk, data) {
		t.Error("public key data mismatch")
	}

	if _, err := NewPublicKey(make([]byte, 16)); err == nil {
		t.Error("expected error for wrong size")
	}
}

func TestNewSignature(t *testing.T) {
	sig, err := NewSignature(make([]byte, 64))
	if err != nil {
		t.Fatalf("NewSignature failed: %v", err)
	}
	if len(sig) != SignatureSize {
		t.Errorf("expected %d bytes, got %d", SignatureSize, len(sig))
	}

	if _, err := NewSignature(make([]byte, 32)); err == nil {
		t.Error("expected error for wrong size")
	}
}

func TestMustNewSignaturePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for wrong size")
		}
	}()
	MustNewSignature(make([]byte, 32))
}

func TestMustNewPublicKeyPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for wrong size")
		}
	}()
	MustNewPublicKey(make([]byte, 16))
}

func TestVerifySignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	msg := []byte("message")
	sig := ed25519.Sign(priv, msg)

	if !VerifySignature(PublicKey(pub), msg, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(PublicKey(pub), []byte("other"), sig) {
		t.Error("signature over different message accepted")
	}
	if VerifySignature(PublicKey(pub[:10]), msg, sig) {
		t.Error("short key accepted")
	}
}
