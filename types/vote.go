package types

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrInvalidVote      = errors.New("invalid vote")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ConsensusVote is a validator's signed statement that it accepts BlockHash at
// (EpochID, Height, Round). VoteSeq is the signer's monotonically increasing
// vote sequence; the replay guard rejects any vote whose sequence does not
// strictly advance for its (epoch, height, signer) key.
type ConsensusVote struct {
	EpochID   uint64    `cbor:"1,keyasint" json:"epoch_id"`
	Height    int64     `cbor:"2,keyasint" json:"height"`
	Round     int32     `cbor:"3,keyasint" json:"round"`
	BlockHash Hash      `cbor:"4,keyasint" json:"block_hash"`
	Voter     Address   `cbor:"5,keyasint" json:"voter"`
	VoteSeq   uint64    `cbor:"6,keyasint" json:"vote_seq"`
	Timestamp int64     `cbor:"7,keyasint" json:"timestamp"` // unix nanoseconds
	Signature Signature `cbor:"8,keyasint,omitempty" json:"signature"`
}

// VoteSlot identifies the position a validator may vote for at most one
// block in.
type VoteSlot struct {
	EpochID uint64
	Height  int64
	Round   int32
	Voter   Address
}

// Slot returns the vote's slot
func (v *ConsensusVote) Slot() VoteSlot {
	return VoteSlot{EpochID: v.EpochID, Height: v.Height, Round: v.Round, Voter: v.Voter}
}

// Time returns the vote timestamp
func (v *ConsensusVote) Time() time.Time {
	return time.Unix(0, v.Timestamp)
}

// ValidateBasic checks fields that do not need the validator set.
func (v *ConsensusVote) ValidateBasic() error {
	if v == nil {
		return ErrInvalidVote
	}
	if v.Height <= 0 {
		return fmt.Errorf("%w: height %d", ErrInvalidVote, v.Height)
	}
	if v.Round < 0 {
		return fmt.Errorf("%w: round %d", ErrInvalidVote, v.Round)
	}
	if v.BlockHash.IsZero() {
		return fmt.Errorf("%w: empty block hash", ErrInvalidVote)
	}
	if v.Voter.IsZero() {
		return fmt.Errorf("%w: empty voter", ErrInvalidVote)
	}
	if len(v.Signature) != SignatureSize {
		return fmt.Errorf("%w: signature size %d", ErrInvalidVote, len(v.Signature))
	}
	return nil
}

// VoteSignBytes returns the bytes to sign for a vote: the chain ID followed
// by the canonical encoding of the vote without its signature.
func VoteSignBytes(chainID string, v *ConsensusVote) []byte {
	canonical := *v
	canonical.Signature = nil
	data := MustMarshal(&canonical)
	return append([]byte(chainID), data...)
}

// VerifyVoteSignature verifies the signature on a vote
func VerifyVoteSignature(chainID string, vote *ConsensusVote, pubKey PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(vote.Signature) == 0 {
		return fmt.Errorf("%w: vote has no signature", ErrInvalidSignature)
	}
	if len(pubKey) != PublicKeySize {
		return fmt.Errorf("%w: public key size %d", ErrInvalidSignature, len(pubKey))
	}
	if !VerifySignature(pubKey, VoteSignBytes(chainID, vote), vote.Signature) {
		return fmt.Errorf("%w: vote from %s", ErrInvalidSignature, vote.Voter)
	}
	return nil
}

// CopyVote returns a deep copy
func CopyVote(v *ConsensusVote) *ConsensusVote {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Signature = CopyBytes(v.Signature)
	return &cp
}
