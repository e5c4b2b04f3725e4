package types

import (
	"errors"
	"fmt"
)

// ErrInvalidValidatorCount is returned for validator counts below one.
var ErrInvalidValidatorCount = errors.New("invalid validator count")

// BFTParameters are the fault-tolerance bounds for a validator set of size N.
// All values are derived from N and never configured independently.
type BFTParameters struct {
	N               int
	F               int     // max tolerated faulty validators, floor((N-1)/3)
	QuorumSize      int     // 2F+1
	HonestThreshold int     // N-F
	SafetyMargin    float64 // HonestThreshold/N
}

// NewBFTParameters computes the bounds for n validators.
func NewBFTParameters(n int) (BFTParameters, error) {
	if n < 1 {
		return BFTParameters{}, fmt.Errorf("%w: %d", ErrInvalidValidatorCount, n)
	}
	f := (n - 1) / 3
	return BFTParameters{
		N:               n,
		F:               f,
		QuorumSize:      2*f + 1,
		HonestThreshold: n - f,
		SafetyMargin:    float64(n-f) / float64(n),
	}, nil
}

// IsSafe reports whether the observed number of faulty validators is within
// the tolerated bound.
func (p BFTParameters) IsSafe(faulty int) bool {
	return faulty >= 0 && faulty <= p.F
}

// CanReachQuorum reports whether the available validators can still form a
// quorum.
func (p BFTParameters) CanReachQuorum(available int) bool {
	return available >= p.QuorumSize
}

// String implements fmt.Stringer
func (p BFTParameters) String() string {
	return fmt.Sprintf("BFT{n=%d f=%d quorum=%d honest=%d}", p.N, p.F, p.QuorumSize, p.HonestThreshold)
}
