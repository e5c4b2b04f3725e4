package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/types"
)

type equivocators map[types.VoteSlot]bool

func (e equivocators) HasEquivocated(slot types.VoteSlot) bool { return e[slot] }

func newTestGenerator() *CertificateGenerator {
	return NewCertificateGenerator(testutil.ChainID, DefaultFreshnessWindow, 4)
}

func targetFor(height int64, block types.Hash) CertificateTarget {
	return CertificateTarget{EpochID: 1, BlockHash: block, Height: height}
}

func TestGenerateCertificate(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")
	votes := testutil.Votes(keys[:3], 10, block, 1)

	cert, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)
	require.NoError(t, err)
	require.Len(t, cert.Signatures, 3)
	require.Equal(t, 3, cert.Threshold)
	require.Equal(t, vs.Hash(), cert.ValidatorSetHash)

	for i := 1; i < len(cert.Signatures); i++ {
		require.Negative(t, cert.Signatures[i-1].Voter.Compare(cert.Signatures[i].Voter))
	}
	require.NoError(t, types.VerifyCertificate(testutil.ChainID, vs, cert))
}

func TestGenerateInsufficientSignatures(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")
	votes := testutil.Votes(keys[:2], 10, block, 1)

	_, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)

	var insufficient *InsufficientSignaturesError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 3, insufficient.Required)
	require.Equal(t, 2, insufficient.Received)
	require.ErrorIs(t, err, ErrInsufficientSignatures)
}

func TestGenerateInconsistentVote(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")
	votes := testutil.Votes(keys[:3], 10, block, 1)
	votes = append(votes, keys[3].Vote(10, testutil.Hash("other"), 1))

	_, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)

	var inconsistent *InconsistentVoteError
	require.ErrorAs(t, err, &inconsistent)
	require.Equal(t, FieldBlockHash, inconsistent.Field)
	require.Equal(t, block.String(), inconsistent.Expected)
	require.ErrorIs(t, err, ErrInconsistentBlockHash)
	require.ErrorIs(t, err, ErrInconsistentVote)

	// A height mismatch is inconsistent but not a block hash mismatch
	wrongHeight := keys[3].Vote(11, block, 1)
	_, err = newTestGenerator().Generate(context.Background(), targetFor(10, block),
		append(testutil.Votes(keys[:3], 10, block, 1), wrongHeight), vs, nil)
	require.ErrorIs(t, err, ErrInconsistentVote)
	require.False(t, errors.Is(err, ErrInconsistentBlockHash))
}

func TestGenerateFiltersInvalidVotes(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")
	outsider := testutil.NewKey(200)

	good := testutil.Votes(keys[:2], 10, block, 1)

	badSig := keys[2].Vote(10, block, 1)
	badSig.Signature[0] ^= 0xff

	stale := keys[3].Sign(&types.ConsensusVote{
		EpochID:   1,
		Height:    10,
		BlockHash: block,
		VoteSeq:   1,
		Timestamp: time.Now().Add(-time.Hour).UnixNano(),
	})

	votes := append(good, badSig, stale, outsider.Vote(10, block, 1))
	_, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)

	var insufficient *InsufficientSignaturesError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 2, insufficient.Received)
}

func TestGenerateDeduplicatesVoters(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")

	votes := testutil.Votes(keys[:2], 10, block, 1)
	votes = append(votes, keys[0].Vote(10, block, 2), keys[1].Vote(10, block, 2))

	_, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)
	var insufficient *InsufficientSignaturesError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 2, insufficient.Received)
}

func TestGenerateExcludesEquivocators(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")
	votes := testutil.Votes(keys[:3], 10, block, 1)

	conflicts := equivocators{votes[0].Slot(): true}
	_, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, conflicts)
	require.ErrorIs(t, err, ErrInsufficientSignatures)

	votes = append(votes, keys[3].Vote(10, block, 1))
	cert, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, conflicts)
	require.NoError(t, err)
	require.NotContains(t, cert.Signers(), keys[0].Addr)
}

func TestGenerateLargeSet(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 31)
	block := testutil.Hash("block")
	votes := testutil.Votes(keys[:21], 10, block, 1)

	cert, err := newTestGenerator().Generate(context.Background(), targetFor(10, block), votes, vs, nil)
	require.NoError(t, err)
	require.Len(t, cert.Signatures, 21)
	require.Equal(t, 21, cert.Threshold)
}

func TestGenerateCancelled(t *testing.T) {
	vs, keys := testutil.ValidatorSet(t, 4)
	block := testutil.Hash("block")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestGenerator().Generate(ctx, targetFor(10, block), testutil.Votes(keys, 10, block, 1), vs, nil)
	require.ErrorIs(t, err, context.Canceled)
}
