package engine

import (
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/blockberries/finalberry/types"
)

// replayShards is the number of independently locked shards per sequence map.
const replayShards = 64

// replayKey scopes a sequence number. Sequences for different epochs,
// heights or signers never interact.
type replayKey struct {
	epoch  uint64
	height int64
	signer types.Address
}

type seqShard struct {
	mu   sync.Mutex
	seqs map[replayKey]uint64
}

// sequenceMap is a lock-striped map from replayKey to the highest accepted
// sequence. Operations on different keys in different shards never contend.
type sequenceMap struct {
	seed   maphash.Seed
	shards [replayShards]seqShard
}

func newSequenceMap() *sequenceMap {
	m := &sequenceMap{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].seqs = make(map[replayKey]uint64)
	}
	return m
}

func (m *sequenceMap) shard(k replayKey) *seqShard {
	return &m.shards[maphash.Comparable(m.seed, k)%replayShards]
}

// advance records seq for k iff it is strictly greater than the stored value.
func (m *sequenceMap) advance(k replayKey, seq uint64) (last uint64, ok bool) {
	s := m.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.seqs[k]
	if seen && seq <= prev {
		return prev, false
	}
	s.seqs[k] = seq
	return prev, true
}

func (m *sequenceMap) get(k replayKey) (uint64, bool) {
	s := m.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[k]
	return seq, ok
}

func (m *sequenceMap) prune(belowHeight int64) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.seqs {
			if k.height < belowHeight {
				delete(s.seqs, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *sequenceMap) size() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.seqs)
		s.mu.Unlock()
	}
	return n
}

// ReplayGuard rejects proposals and votes whose sequence number does not
// strictly exceed the last one accepted for the same (epoch, height, signer).
// Proposals and votes are tracked in separate maps, so a proposal sequence
// never shadows a vote sequence.
type ReplayGuard struct {
	proposals *sequenceMap
	votes     *sequenceMap
}

// NewReplayGuard creates an empty guard
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		proposals: newSequenceMap(),
		votes:     newSequenceMap(),
	}
}

// CheckVote accepts and records v's sequence, or returns ErrReplayDetected.
func (g *ReplayGuard) CheckVote(v *types.ConsensusVote) error {
	k := replayKey{epoch: v.EpochID, height: v.Height, signer: v.Voter}
	if last, ok := g.votes.advance(k, v.VoteSeq); !ok {
		return fmt.Errorf("%w: vote from %s at height %d seq %d <= %d",
			ErrReplayDetected, v.Voter, v.Height, v.VoteSeq, last)
	}
	return nil
}

// CheckProposal accepts and records p's sequence, or returns ErrReplayDetected.
func (g *ReplayGuard) CheckProposal(p *types.Proposal) error {
	k := replayKey{epoch: p.EpochID, height: p.Height, signer: p.Proposer}
	if last, ok := g.proposals.advance(k, p.Seq); !ok {
		return fmt.Errorf("%w: proposal from %s at height %d seq %d <= %d",
			ErrReplayDetected, p.Proposer, p.Height, p.Seq, last)
	}
	return nil
}

// LastVoteSeq returns the last accepted vote sequence for the key.
func (g *ReplayGuard) LastVoteSeq(epoch uint64, height int64, signer types.Address) (uint64, bool) {
	return g.votes.get(replayKey{epoch: epoch, height: height, signer: signer})
}

// Prune drops state for heights below belowHeight and returns how many
// entries were removed.
func (g *ReplayGuard) Prune(belowHeight int64) int {
	return g.proposals.prune(belowHeight) + g.votes.prune(belowHeight)
}

// Size returns the number of tracked keys across both maps
func (g *ReplayGuard) Size() int {
	return g.proposals.size() + g.votes.size()
}
