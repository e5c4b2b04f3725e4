package types

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// MaxValidators is the maximum number of validators in a set
	MaxValidators = 65535

	// MaxTotalBond prevents overflow when summing bonds
	MaxTotalBond = int64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidBond        = errors.New("invalid bond")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalBondOverflow  = errors.New("total bond overflow")
	ErrInvalidPublicKey   = errors.New("invalid validator public key")
)

// Validator is a bonded member of the validator set. Reputation is a local
// score and never affects quorum arithmetic.
type Validator struct {
	Address    Address   `cbor:"1,keyasint" json:"address"`
	PublicKey  PublicKey `cbor:"2,keyasint" json:"pub_key"`
	Bond       int64     `cbor:"3,keyasint" json:"bond"`
	Reputation int64     `cbor:"4,keyasint" json:"reputation"`
}

// NewValidator builds a validator whose address is derived from pub.
func NewValidator(pub PublicKey, bond int64) *Validator {
	return &Validator{
		Address:   AddressFromPubKey(pub),
		PublicKey: CopyBytes(pub),
		Bond:      bond,
	}
}

// Copy returns a deep copy
func (v *Validator) Copy() *Validator {
	if v == nil {
		return nil
	}
	return &Validator{
		Address:    v.Address,
		PublicKey:  CopyBytes(v.PublicKey),
		Bond:       v.Bond,
		Reputation: v.Reputation,
	}
}

// ValidatorSet is an immutable, address-sorted set of validators. Every
// mutation returns a new set; the receiver is never modified, so a set can
// be shared across goroutines without locking.
type ValidatorSet struct {
	validators []*Validator
	byAddress  map[Address]*Validator
	totalBond  int64
	params     BFTParameters
	hash       Hash
}

// NewValidatorSet creates a ValidatorSet from validators. The input is
// copied and sorted by address.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		validators: make([]*Validator, 0, len(validators)),
		byAddress:  make(map[Address]*Validator, len(validators)),
	}

	for i, v := range validators {
		if v == nil || len(v.PublicKey) != PublicKeySize {
			return nil, fmt.Errorf("%w: validator %d", ErrInvalidPublicKey, i)
		}
		if v.Address != AddressFromPubKey(v.PublicKey) {
			return nil, fmt.Errorf("%w: validator %d address does not match key", ErrInvalidPublicKey, i)
		}
		if v.Bond <= 0 {
			return nil, fmt.Errorf("%w: validator %s bond %d", ErrInvalidBond, v.Address, v.Bond)
		}
		if _, exists := vs.byAddress[v.Address]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.Address)
		}
		if vs.totalBond > MaxTotalBond-v.Bond {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalBondOverflow, MaxTotalBond)
		}

		val := v.Copy()
		vs.validators = append(vs.validators, val)
		vs.byAddress[val.Address] = val
		vs.totalBond += val.Bond
	}

	slices.SortFunc(vs.validators, func(a, b *Validator) int {
		return a.Address.Compare(b.Address)
	})

	// Size is at least one here, so this cannot fail.
	vs.params, _ = NewBFTParameters(len(vs.validators))
	vs.hash = vs.computeHash()
	return vs, nil
}

// GetByAddress returns a copy of the validator with the given address, or nil.
func (vs *ValidatorSet) GetByAddress(addr Address) *Validator {
	return vs.byAddress[addr].Copy()
}

// Has reports membership
func (vs *ValidatorSet) Has(addr Address) bool {
	_, ok := vs.byAddress[addr]
	return ok
}

// PublicKey returns the key for addr without copying the validator.
func (vs *ValidatorSet) PublicKey(addr Address) (PublicKey, bool) {
	v, ok := vs.byAddress[addr]
	if !ok {
		return nil, false
	}
	return v.PublicKey, true
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.validators)
}

// TotalBond returns the sum of all bonds
func (vs *ValidatorSet) TotalBond() int64 {
	return vs.totalBond
}

// Params returns the BFT bounds for this set's size
func (vs *ValidatorSet) Params() BFTParameters {
	return vs.params
}

// Validators returns copies of all validators in address order
func (vs *ValidatorSet) Validators() []*Validator {
	out := make([]*Validator, len(vs.validators))
	for i, v := range vs.validators {
		out[i] = v.Copy()
	}
	return out
}

// Addresses returns member addresses in address order
func (vs *ValidatorSet) Addresses() []Address {
	out := make([]Address, len(vs.validators))
	for i, v := range vs.validators {
		out[i] = v.Address
	}
	return out
}

// Copy creates a deep copy of the validator set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	// Re-validation cannot fail for an existing set.
	cp, err := NewValidatorSet(vs.validators)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: copy of valid validator set failed: %v", err))
	}
	return cp
}

// WithoutValidator returns a new set with addr removed.
func (vs *ValidatorSet) WithoutValidator(addr Address) (*ValidatorSet, error) {
	if !vs.Has(addr) {
		return nil, fmt.Errorf("%w: %s", ErrValidatorNotFound, addr)
	}
	rest := make([]*Validator, 0, len(vs.validators)-1)
	for _, v := range vs.validators {
		if v.Address != addr {
			rest = append(rest, v)
		}
	}
	return NewValidatorSet(rest)
}

// WithValidator returns a new set with val added.
func (vs *ValidatorSet) WithValidator(val *Validator) (*ValidatorSet, error) {
	all := make([]*Validator, 0, len(vs.validators)+1)
	all = append(all, vs.validators...)
	all = append(all, val)
	return NewValidatorSet(all)
}

// WithBond returns a new set with addr's bond replaced.
func (vs *ValidatorSet) WithBond(addr Address, bond int64) (*ValidatorSet, error) {
	if !vs.Has(addr) {
		return nil, fmt.Errorf("%w: %s", ErrValidatorNotFound, addr)
	}
	all := make([]*Validator, len(vs.validators))
	for i, v := range vs.validators {
		c := v.Copy()
		if c.Address == addr {
			c.Bond = bond
		}
		all[i] = c
	}
	return NewValidatorSet(all)
}

// Hash returns the deterministic hash of the set's composition. Reputation
// is excluded: it is local state and two nodes agreeing on membership must
// agree on the hash.
func (vs *ValidatorSet) Hash() Hash {
	return vs.hash
}

type hashedValidator struct {
	Address   Address   `cbor:"1,keyasint"`
	PublicKey PublicKey `cbor:"2,keyasint"`
	Bond      int64     `cbor:"3,keyasint"`
}

func (vs *ValidatorSet) computeHash() Hash {
	entries := make([]hashedValidator, len(vs.validators))
	for i, v := range vs.validators {
		entries[i] = hashedValidator{Address: v.Address, PublicKey: v.PublicKey, Bond: v.Bond}
	}
	return HashBytes(MustMarshal(entries))
}

// Index returns addr's position in address order, or -1.
func (vs *ValidatorSet) Index(addr Address) int {
	i, ok := slices.BinarySearchFunc(vs.validators, addr, func(v *Validator, a Address) int {
		return v.Address.Compare(a)
	})
	if !ok {
		return -1
	}
	return i
}
