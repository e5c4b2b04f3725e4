package privval

import (
	"errors"

	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrEpochRegression  = errors.New("epoch regression")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrStepRegression   = errors.New("step regression")
	ErrInvalidKeyFile   = errors.New("invalid key file")
)

// PrivValidator signs consensus messages on behalf of one validator
type PrivValidator interface {
	// PublicKey returns the public key
	PublicKey() types.PublicKey

	// Address returns the validator address derived from the public key
	Address() types.Address

	// SignVote sets the vote's voter and sequence and signs it, refusing to
	// sign a conflicting vote for a slot already signed
	SignVote(chainID string, vote *types.ConsensusVote) error

	// SignProposal sets the proposal's proposer and sequence and signs it
	SignProposal(chainID string, proposal *types.Proposal) error
}

// Step values for double-sign prevention.
// Proposals come before votes in a round.
const (
	StepProposal int8 = 0
	StepVote     int8 = 1
)

// LastSignState tracks the last signed message for double-sign prevention.
// VoteSeq and ProposalSeq are the last sequence numbers handed out; every new
// message gets a strictly greater one so replay guards accept it.
type LastSignState struct {
	EpochID     uint64
	Height      int64
	Round       int32
	Step        int8
	VoteSeq     uint64
	ProposalSeq uint64

	BlockHash types.Hash
	Signature types.Signature
	// Sign bytes are hashed without seq and signature so an identical
	// re-sign request can be answered from the cache.
	SignBytesHash types.Hash
	Timestamp     int64
}

// CheckHRS checks whether signing at (epoch, height, round, step) would
// regress or double sign. Returns nil if signing is allowed.
func (lss *LastSignState) CheckHRS(epoch uint64, height int64, round int32, step int8) error {
	if lss.EpochID > epoch {
		return ErrEpochRegression
	}
	if lss.EpochID < epoch {
		return nil
	}
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height == height {
		if lss.Round > round {
			return ErrRoundRegression
		}
		if lss.Round == round {
			if lss.Step > step {
				return ErrStepRegression
			}
			if lss.Step == step {
				return ErrDoubleSign
			}
		}
	}
	return nil
}

// voteIdentity hashes the parts of a vote that define what was voted for.
func voteIdentity(chainID string, vote *types.ConsensusVote) types.Hash {
	v := *vote
	v.VoteSeq = 0
	v.Timestamp = 0
	v.Signature = nil
	return types.HashBytes(types.VoteSignBytes(chainID, &v))
}
