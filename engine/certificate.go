package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockberries/finalberry/types"
)

// CertificateTarget is what a certificate commits to.
type CertificateTarget struct {
	EpochID   uint64
	BlockHash types.Hash
	Round     int32
	Height    int64
}

// TargetOf returns the target a vote is cast for
func TargetOf(v *types.ConsensusVote) CertificateTarget {
	return CertificateTarget{EpochID: v.EpochID, BlockHash: v.BlockHash, Round: v.Round, Height: v.Height}
}

// DoubleVoteChecker reports whether a signer is known to have voted for more
// than one block in a slot. The finality engine owns the backing index and
// lends it to the generator for the duration of a call.
type DoubleVoteChecker interface {
	HasEquivocated(slot types.VoteSlot) bool
}

// CertificateGenerator assembles certificates from batches of votes. It holds
// no mutable state: every input is passed per call, so one generator can be
// shared by any number of goroutines.
type CertificateGenerator struct {
	chainID   string
	freshness time.Duration
	workers   int
	now       func() time.Time
}

// NewCertificateGenerator creates a generator
func NewCertificateGenerator(chainID string, freshness time.Duration, workers int) *CertificateGenerator {
	if workers < 1 {
		workers = 1
	}
	return &CertificateGenerator{
		chainID:   chainID,
		freshness: freshness,
		workers:   workers,
		now:       time.Now,
	}
}

// Generate builds a certificate for target from votes.
//
// Any vote whose epoch, block hash, round or height differs from target fails
// the whole batch with an InconsistentVoteError. The remaining votes are then
// filtered: the signer must be a member of valSet, the signature must verify,
// the timestamp must be within the freshness window and the signer must not
// have equivocated in the slot. If fewer than 2f+1 distinct signers survive,
// an InsufficientSignaturesError is returned.
//
// The result is not trusted by the generator itself; callers re-verify it with
// types.VerifyCertificate before acting on it.
func (g *CertificateGenerator) Generate(
	ctx context.Context,
	target CertificateTarget,
	votes []*types.ConsensusVote,
	valSet *types.ValidatorSet,
	conflicts DoubleVoteChecker,
) (*types.ConsensusCertificate, error) {
	for _, v := range votes {
		if err := checkConsistency(target, v); err != nil {
			return nil, err
		}
	}

	required := valSet.Params().QuorumSize
	valid, err := g.validate(ctx, votes, valSet, conflicts)
	if err != nil {
		return nil, err
	}

	// One signature per voter; the first valid one wins.
	seen := make(map[types.Address]struct{}, len(votes))
	sigs := make([]types.CommitSig, 0, len(votes))
	var latest int64
	for i, v := range votes {
		if !valid[i] {
			continue
		}
		if _, dup := seen[v.Voter]; dup {
			continue
		}
		seen[v.Voter] = struct{}{}
		sigs = append(sigs, types.CommitSig{
			Voter:     v.Voter,
			VoteSeq:   v.VoteSeq,
			Timestamp: v.Timestamp,
			Signature: types.CopyBytes(v.Signature),
		})
		latest = max(latest, v.Timestamp)
	}

	if len(sigs) < required {
		return nil, &InsufficientSignaturesError{Required: required, Received: len(sigs)}
	}

	slices.SortFunc(sigs, func(a, b types.CommitSig) int {
		return a.Voter.Compare(b.Voter)
	})

	return &types.ConsensusCertificate{
		EpochID:          target.EpochID,
		BlockHash:        target.BlockHash,
		Round:            target.Round,
		Height:           target.Height,
		Signatures:       sigs,
		Timestamp:        latest,
		ValidatorSetHash: valSet.Hash(),
		Threshold:        required,
	}, nil
}

func checkConsistency(target CertificateTarget, v *types.ConsensusVote) error {
	switch {
	case v.EpochID != target.EpochID:
		return &InconsistentVoteError{
			Field:    FieldEpoch,
			Expected: strconv.FormatUint(target.EpochID, 10),
			Found:    strconv.FormatUint(v.EpochID, 10),
		}
	case v.BlockHash != target.BlockHash:
		return &InconsistentVoteError{
			Field:    FieldBlockHash,
			Expected: target.BlockHash.String(),
			Found:    v.BlockHash.String(),
		}
	case v.Round != target.Round:
		return &InconsistentVoteError{
			Field:    FieldRound,
			Expected: strconv.Itoa(int(target.Round)),
			Found:    strconv.Itoa(int(v.Round)),
		}
	case v.Height != target.Height:
		return &InconsistentVoteError{
			Field:    FieldHeight,
			Expected: strconv.FormatInt(target.Height, 10),
			Found:    strconv.FormatInt(v.Height, 10),
		}
	}
	return nil
}

// validate checks votes in disjoint partitions concurrently. Each worker
// writes only the indices of its own partition, so no locking is needed.
func (g *CertificateGenerator) validate(
	ctx context.Context,
	votes []*types.ConsensusVote,
	valSet *types.ValidatorSet,
	conflicts DoubleVoteChecker,
) ([]bool, error) {
	valid := make([]bool, len(votes))
	if len(votes) == 0 {
		return valid, nil
	}

	now := g.now()
	chunk := (len(votes) + g.workers - 1) / g.workers
	grp, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(votes); start += chunk {
		end := min(start+chunk, len(votes))
		grp.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				valid[i] = g.checkVote(votes[i], valSet, now, conflicts) == nil
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("certificate generation aborted: %w", err)
	}
	return valid, nil
}

// checkVote applies the per-vote admission filter.
func (g *CertificateGenerator) checkVote(
	v *types.ConsensusVote,
	valSet *types.ValidatorSet,
	now time.Time,
	conflicts DoubleVoteChecker,
) error {
	pub, ok := valSet.PublicKey(v.Voter)
	if !ok {
		return ErrUnknownValidator
	}
	if err := types.VerifyVoteSignature(g.chainID, v, pub); err != nil {
		return ErrInvalidSignature
	}
	if !fresh(v.Timestamp, now, g.freshness) {
		return ErrStaleVote
	}
	if conflicts != nil && conflicts.HasEquivocated(v.Slot()) {
		return ErrDoubleVote
	}
	return nil
}

func fresh(ts int64, now time.Time, window time.Duration) bool {
	t := time.Unix(0, ts)
	return !t.After(now.Add(window)) && !t.Before(now.Add(-window))
}
