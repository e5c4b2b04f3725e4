package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/types"
)

func TestReplayGuardVotes(t *testing.T) {
	g := NewReplayGuard()
	k := testutil.NewKey(1)
	block := testutil.Hash("b")

	require.NoError(t, g.CheckVote(k.Vote(5, block, 1)))
	require.NoError(t, g.CheckVote(k.Vote(5, block, 2)))

	require.ErrorIs(t, g.CheckVote(k.Vote(5, block, 2)), ErrReplayDetected)
	require.ErrorIs(t, g.CheckVote(k.Vote(5, block, 1)), ErrReplayDetected)

	// Different height is an independent key
	require.NoError(t, g.CheckVote(k.Vote(6, block, 1)))

	seq, ok := g.LastVoteSeq(1, 5, k.Addr)
	require.True(t, ok)
	require.Equal(t, uint64(2), seq)
}

func TestReplayGuardSeparatesProposalsAndVotes(t *testing.T) {
	g := NewReplayGuard()
	k := testutil.NewKey(1)

	p := k.SignProposal(&types.Proposal{EpochID: 1, Height: 5, BlockHash: testutil.Hash("b"), Seq: 3})
	require.NoError(t, g.CheckProposal(p))

	// A vote with a lower sequence is unaffected by the proposal sequence
	require.NoError(t, g.CheckVote(k.Vote(5, testutil.Hash("b"), 1)))
	require.ErrorIs(t, g.CheckProposal(p), ErrReplayDetected)
}

func TestReplayGuardPrune(t *testing.T) {
	g := NewReplayGuard()
	k := testutil.NewKey(1)
	for h := int64(1); h <= 10; h++ {
		require.NoError(t, g.CheckVote(k.Vote(h, testutil.Hash("b"), 1)))
	}
	require.Equal(t, 10, g.Size())

	require.Equal(t, 4, g.Prune(5))
	require.Equal(t, 6, g.Size())

	// Pruned keys accept again
	require.NoError(t, g.CheckVote(k.Vote(1, testutil.Hash("b"), 1)))
}

func TestReplayGuardConcurrentSameKey(t *testing.T) {
	g := NewReplayGuard()
	k := testutil.NewKey(1)
	vote := k.Vote(5, testutil.Hash("b"), 9)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckVote(vote) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
}
