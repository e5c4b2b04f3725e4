package engine

import (
	"errors"
	"fmt"
)

// Finality errors
var (
	ErrInvalidVote             = errors.New("invalid vote")
	ErrInvalidProposal         = errors.New("invalid proposal")
	ErrUnknownValidator        = errors.New("unknown validator")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrWrongEpoch              = errors.New("vote for wrong epoch")
	ErrStaleVote               = errors.New("vote timestamp outside freshness window")
	ErrReplayDetected          = errors.New("replay detected")
	ErrDoubleVote              = errors.New("double vote (equivocation)")
	ErrInconsistentVote        = errors.New("inconsistent vote")
	ErrInconsistentBlockHash   = errors.New("inconsistent block hash")
	ErrInsufficientSignatures  = errors.New("insufficient signatures")
	ErrCertificateVerification = errors.New("generated certificate failed verification")
	ErrAlreadyFinalized        = errors.New("block already finalized")
	ErrHeightFinalized         = errors.New("height already finalized with a different block")
	ErrConflictingFinality     = errors.New("conflicting certificate for finalized height")
	ErrPendingCapacity         = errors.New("pending block capacity reached")
	ErrAlreadyStarted          = errors.New("finality engine already started")
	ErrNotStarted              = errors.New("finality engine not started")
	ErrInvalidConfig           = errors.New("invalid finality config")
)

// Vote fields named by InconsistentVoteError
const (
	FieldEpoch     = "epoch_id"
	FieldBlockHash = "block_hash"
	FieldRound     = "round"
	FieldHeight    = "height"
)

// InconsistentVoteError reports the first vote in a batch that does not match
// the certificate target. It matches ErrInconsistentVote, and a block hash
// mismatch also matches ErrInconsistentBlockHash.
type InconsistentVoteError struct {
	Field    string
	Expected string
	Found    string
}

func (e *InconsistentVoteError) Error() string {
	return fmt.Sprintf("%v: %s expected %s, found %s", ErrInconsistentVote, e.Field, e.Expected, e.Found)
}

// Is implements errors.Is matching
func (e *InconsistentVoteError) Is(target error) bool {
	if target == ErrInconsistentVote {
		return true
	}
	return target == ErrInconsistentBlockHash && e.Field == FieldBlockHash
}

// InsufficientSignaturesError reports how many valid signatures a certificate
// attempt collected against the 2f+1 requirement.
type InsufficientSignaturesError struct {
	Required int
	Received int
}

func (e *InsufficientSignaturesError) Error() string {
	return fmt.Sprintf("%v: required %d, received %d", ErrInsufficientSignatures, e.Required, e.Received)
}

// Is implements errors.Is matching
func (e *InsufficientSignaturesError) Is(target error) bool {
	return target == ErrInsufficientSignatures
}
