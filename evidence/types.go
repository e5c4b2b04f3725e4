package evidence

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrEvidenceNotFound  = errors.New("evidence not found")
	ErrPoolFull          = errors.New("evidence pool full")
)

// FaultType is the closed set of validator faults
type FaultType uint8

const (
	FaultCrash FaultType = iota + 1
	FaultByzantine
	FaultTiming
	FaultCryptographic
	FaultDoubleSpend
	FaultCoordinated
)

func (t FaultType) String() string {
	switch t {
	case FaultCrash:
		return "crash"
	case FaultByzantine:
		return "byzantine"
	case FaultTiming:
		return "timing"
	case FaultCryptographic:
		return "cryptographic"
	case FaultDoubleSpend:
		return "double_spend"
	case FaultCoordinated:
		return "coordinated"
	default:
		return fmt.Sprintf("fault(%d)", uint8(t))
	}
}

// Valid reports whether t is a known fault type
func (t FaultType) Valid() bool {
	return t >= FaultCrash && t <= FaultCoordinated
}

// SpendClaim is a signed claim by a validator that a resource was consumed
// by a transaction. Two claims for one resource with different transactions
// prove a double spend.
type SpendClaim struct {
	Resource  types.Hash      `cbor:"1,keyasint"`
	TxHash    types.Hash      `cbor:"2,keyasint"`
	Height    int64           `cbor:"3,keyasint"`
	Signer    types.Address   `cbor:"4,keyasint"`
	Signature types.Signature `cbor:"5,keyasint,omitempty"`
}

// SpendSignBytes returns the bytes a validator signs for a spend claim
func SpendSignBytes(chainID string, s *SpendClaim) []byte {
	canonical := *s
	canonical.Signature = nil
	return append([]byte(chainID), types.MustMarshal(&canonical)...)
}

// FaultEvidence is a report that a validator misbehaved. Which fields are
// populated depends on Type.
type FaultEvidence struct {
	Type      FaultType     `cbor:"1,keyasint"`
	Validator types.Address `cbor:"2,keyasint"`
	EpochID   uint64        `cbor:"3,keyasint"`
	Height    int64         `cbor:"4,keyasint"`
	Round     int32         `cbor:"5,keyasint"`
	Timestamp int64         `cbor:"6,keyasint"`
	Reporter  types.Address `cbor:"7,keyasint"`

	// Byzantine, Coordinated: two conflicting signed votes for one slot
	Votes []*types.ConsensusVote `cbor:"8,keyasint,omitempty"`
	// Cryptographic: a message attributed to Validator whose signature fails
	Claimed *types.ConsensusVote `cbor:"9,keyasint,omitempty"`
	// DoubleSpend: two signed spends of one resource
	Spends []SpendClaim `cbor:"10,keyasint,omitempty"`

	// Crash
	MissedRounds int   `cbor:"11,keyasint,omitempty"`
	LastSeen     int64 `cbor:"12,keyasint,omitempty"`
	// Timing
	Latency time.Duration `cbor:"13,keyasint,omitempty"`
	// Byzantine flooding, messages per second
	MessageRate float64 `cbor:"14,keyasint,omitempty"`
	// Coordinated
	Colluders []types.Address `cbor:"15,keyasint,omitempty"`

	Details string `cbor:"16,keyasint,omitempty"`
}

// Hash returns the evidence ID
func (ev *FaultEvidence) Hash() types.Hash {
	return types.HashBytes(types.MustMarshal(ev))
}

// Time returns the evidence timestamp
func (ev *FaultEvidence) Time() time.Time {
	return time.Unix(0, ev.Timestamp)
}

// Key identifies a report for deduplication. Reports of one fault from
// different reporters have different keys, so they count as corroboration.
func (ev *FaultEvidence) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d/%s",
		ev.Type, ev.Validator, ev.EpochID, ev.Height, ev.Round, ev.Reporter)
}

// Supersedes reports whether ev replaces other: same fault, newer report.
func (ev *FaultEvidence) Supersedes(other *FaultEvidence) bool {
	return ev.Key() == other.Key() && ev.Timestamp > other.Timestamp
}

// Encode returns the canonical encoding of the evidence
func (ev *FaultEvidence) Encode() ([]byte, error) {
	return types.Marshal(ev)
}

// Decode decodes canonical evidence bytes
func Decode(data []byte) (*FaultEvidence, error) {
	ev := &FaultEvidence{}
	if err := types.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return ev, nil
}

// Validate checks the internal consistency of the evidence and every
// signature it carries against valSet.
func (ev *FaultEvidence) Validate(chainID string, valSet *types.ValidatorSet) error {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvidence)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown fault type %d", ErrInvalidEvidence, ev.Type)
	}
	if ev.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvidence)
	}
	pub, ok := valSet.PublicKey(ev.Validator)
	if !ok {
		return fmt.Errorf("%w: %s is not a validator", ErrInvalidEvidence, ev.Validator)
	}

	var err error
	switch ev.Type {
	case FaultCrash:
		if ev.MissedRounds <= 0 && ev.LastSeen <= 0 {
			err = errors.New("crash evidence needs missed rounds or last seen")
		}
	case FaultTiming:
		if ev.Latency <= 0 {
			err = errors.New("timing evidence needs a latency")
		}
	case FaultByzantine:
		if len(ev.Votes) == 0 && ev.MessageRate <= 0 {
			err = errors.New("byzantine evidence needs conflicting votes or a message rate")
		} else if len(ev.Votes) > 0 {
			err = verifyEquivocation(chainID, ev.Validator, pub, ev.Votes)
		}
	case FaultCryptographic:
		err = verifyForgery(chainID, ev.Validator, pub, ev.Claimed)
	case FaultDoubleSpend:
		err = verifyDoubleSpend(chainID, ev.Validator, pub, ev.Spends)
	case FaultCoordinated:
		err = verifyCoordination(chainID, ev, pub, valSet)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvidence, ev.Type, err)
	}
	return nil
}

// verifyEquivocation checks that votes are two signed votes by validator for
// the same slot with different block hashes.
func verifyEquivocation(chainID string, validator types.Address, pub types.PublicKey, votes []*types.ConsensusVote) error {
	if len(votes) != 2 || votes[0] == nil || votes[1] == nil {
		return errors.New("need exactly two votes")
	}
	a, b := votes[0], votes[1]
	if a.Voter != validator || b.Voter != validator {
		return errors.New("votes are not from the accused validator")
	}
	if a.Slot() != b.Slot() {
		return errors.New("votes are for different slots")
	}
	if a.BlockHash == b.BlockHash {
		return errors.New("votes for the same block are not equivocation")
	}
	if err := types.VerifyVoteSignature(chainID, a, pub); err != nil {
		return fmt.Errorf("vote A: %w", err)
	}
	if err := types.VerifyVoteSignature(chainID, b, pub); err != nil {
		return fmt.Errorf("vote B: %w", err)
	}
	return nil
}

func verifyForgery(chainID string, validator types.Address, pub types.PublicKey, claimed *types.ConsensusVote) error {
	if claimed == nil {
		return errors.New("no claimed message")
	}
	if claimed.Voter != validator {
		return errors.New("claimed message is not attributed to the accused validator")
	}
	if types.VerifyVoteSignature(chainID, claimed, pub) == nil {
		return errors.New("claimed message signature is valid")
	}
	return nil
}

func verifyDoubleSpend(chainID string, validator types.Address, pub types.PublicKey, spends []SpendClaim) error {
	if len(spends) != 2 {
		return errors.New("need exactly two spends")
	}
	a, b := &spends[0], &spends[1]
	if a.Signer != validator || b.Signer != validator {
		return errors.New("spends are not signed by the accused validator")
	}
	if a.Resource != b.Resource {
		return errors.New("spends are for different resources")
	}
	if a.TxHash == b.TxHash {
		return errors.New("spends are for the same transaction")
	}
	for i, s := range spends {
		if !types.VerifySignature(pub, SpendSignBytes(chainID, &s), s.Signature) {
			return fmt.Errorf("spend %d: invalid signature", i)
		}
	}
	return nil
}

// verifyCoordination requires the accused validator's own equivocation proof
// and at least one other known colluder.
func verifyCoordination(chainID string, ev *FaultEvidence, pub types.PublicKey, valSet *types.ValidatorSet) error {
	if len(ev.Colluders) == 0 {
		return errors.New("no colluders")
	}
	seen := make(map[types.Address]struct{}, len(ev.Colluders))
	for _, c := range ev.Colluders {
		if c == ev.Validator {
			return errors.New("validator listed as its own colluder")
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate colluder %s", c)
		}
		seen[c] = struct{}{}
		if !valSet.Has(c) {
			return fmt.Errorf("colluder %s is not a validator", c)
		}
	}
	return verifyEquivocation(chainID, ev.Validator, pub, ev.Votes)
}

// CopyEvidence returns a deep copy of ev
func CopyEvidence(ev *FaultEvidence) *FaultEvidence {
	if ev == nil {
		return nil
	}
	cp := *ev
	if ev.Votes != nil {
		cp.Votes = make([]*types.ConsensusVote, len(ev.Votes))
		for i, v := range ev.Votes {
			cp.Votes[i] = types.CopyVote(v)
		}
	}
	cp.Claimed = types.CopyVote(ev.Claimed)
	if ev.Spends != nil {
		cp.Spends = make([]SpendClaim, len(ev.Spends))
		for i, s := range ev.Spends {
			s.Signature = types.CopyBytes(s.Signature)
			cp.Spends[i] = s
		}
	}
	if ev.Colluders != nil {
		cp.Colluders = append([]types.Address(nil), ev.Colluders...)
	}
	return &cp
}
