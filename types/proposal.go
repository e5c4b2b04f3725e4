package types

import (
	"errors"
	"fmt"
)

// ErrInvalidProposal is returned for malformed proposals
var ErrInvalidProposal = errors.New("invalid proposal")

// Proposal announces a block hash for (EpochID, Height, Round). Seq is the
// proposer's monotonically increasing proposal sequence and is checked by the
// replay guard independently from vote sequences.
type Proposal struct {
	EpochID   uint64    `cbor:"1,keyasint" json:"epoch_id"`
	Height    int64     `cbor:"2,keyasint" json:"height"`
	Round     int32     `cbor:"3,keyasint" json:"round"`
	BlockHash Hash      `cbor:"4,keyasint" json:"block_hash"`
	Proposer  Address   `cbor:"5,keyasint" json:"proposer"`
	Seq       uint64    `cbor:"6,keyasint" json:"seq"`
	Timestamp int64     `cbor:"7,keyasint" json:"timestamp"`
	Signature Signature `cbor:"8,keyasint,omitempty" json:"signature"`
}

// ProposalSignBytes returns the bytes to sign for a proposal
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	canonical := *p
	canonical.Signature = nil
	return append([]byte(chainID), MustMarshal(&canonical)...)
}

// VerifyProposalSignature verifies the proposer's signature
func VerifyProposalSignature(chainID string, p *Proposal, pubKey PublicKey) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if p.Height <= 0 || p.Round < 0 || p.BlockHash.IsZero() {
		return fmt.Errorf("%w: height=%d round=%d", ErrInvalidProposal, p.Height, p.Round)
	}
	if !VerifySignature(pubKey, ProposalSignBytes(chainID, p), p.Signature) {
		return fmt.Errorf("%w: proposal from %s", ErrInvalidSignature, p.Proposer)
	}
	return nil
}

// CopyProposal returns a deep copy
func CopyProposal(p *Proposal) *Proposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Signature = CopyBytes(p.Signature)
	return &cp
}
