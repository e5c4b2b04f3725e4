package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical encoding uses CBOR Core Deterministic Encoding (RFC 8949 §4.2.1):
// map keys are sorted and integers use their shortest form, so equal values
// always produce equal bytes. Everything that is signed or hashed goes
// through this codec.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cbor decoder: %v", err))
	}
}

// Marshal encodes v canonically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal encodes v canonically, panicking on failure.
// Use only for in-memory values whose encoding cannot fail.
func MustMarshal(v any) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal %T: %v", v, err))
	}
	return data
}

// Unmarshal decodes canonical bytes into v. Duplicate map keys are rejected.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
