package engine

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockberries/finalberry/types"
)

const pendingShards = 64

// pendingBucket collects votes for one CertificateTarget until it reaches
// quorum, expires or is superseded by a finalized block at the same height.
type pendingBucket struct {
	mu       sync.Mutex
	target   CertificateTarget
	created  time.Time
	required int

	votes map[types.Address]*types.ConsensusVote
	order []types.Address
}

func newPendingBucket(target CertificateTarget, required int, now time.Time) *pendingBucket {
	return &pendingBucket{
		target:   target,
		created:  now,
		required: required,
		votes:    make(map[types.Address]*types.ConsensusVote),
	}
}

// add stores a copy of v unless the voter already has a vote in the bucket.
// Returns whether it was added and the resulting vote count.
func (b *pendingBucket) add(v *types.ConsensusVote) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.votes[v.Voter]; exists {
		return false, len(b.votes)
	}
	b.votes[v.Voter] = types.CopyVote(v)
	b.order = append(b.order, v.Voter)
	return true, len(b.votes)
}

// snapshot returns copies of the votes in arrival order
func (b *pendingBucket) snapshot() []*types.ConsensusVote {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*types.ConsensusVote, 0, len(b.order))
	for _, addr := range b.order {
		out = append(out, types.CopyVote(b.votes[addr]))
	}
	return out
}

func (b *pendingBucket) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.votes)
}

type pendingShard struct {
	mu      sync.Mutex
	buckets map[CertificateTarget]*pendingBucket
}

// pendingTable is the set of blocks in the Pending state, striped by target
// so that votes for different blocks proceed in parallel.
type pendingTable struct {
	seed   maphash.Seed
	shards [pendingShards]pendingShard
	size   atomic.Int64
	limit  int64

	// closed reports why no new bucket may open for a target. Promotion
	// publishes the certificate before sweeping the table, so checking under
	// the shard lock leaves no window for a stale bucket.
	closed func(CertificateTarget) error
}

func newPendingTable(limit int, closed func(CertificateTarget) error) *pendingTable {
	t := &pendingTable{seed: maphash.MakeSeed(), limit: int64(limit), closed: closed}
	for i := range t.shards {
		t.shards[i].buckets = make(map[CertificateTarget]*pendingBucket)
	}
	return t
}

func (t *pendingTable) shard(target CertificateTarget) *pendingShard {
	return &t.shards[maphash.Comparable(t.seed, target)%pendingShards]
}

// getOrCreate returns the bucket for target, creating it with the given
// quorum if its height is still open and capacity allows.
func (t *pendingTable) getOrCreate(target CertificateTarget, required int, now time.Time) (*pendingBucket, error) {
	s := t.shard(target)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[target]; ok {
		return b, nil
	}
	if t.closed != nil {
		if err := t.closed(target); err != nil {
			return nil, err
		}
	}
	if t.size.Load() >= t.limit {
		return nil, ErrPendingCapacity
	}
	b := newPendingBucket(target, required, now)
	s.buckets[target] = b
	t.size.Add(1)
	return b, nil
}

func (t *pendingTable) remove(target CertificateTarget) {
	s := t.shard(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[target]; ok {
		delete(s.buckets, target)
		t.size.Add(-1)
	}
}

// removeWhere deletes every bucket matching pred and returns them.
func (t *pendingTable) removeWhere(pred func(*pendingBucket) bool) []*pendingBucket {
	var removed []*pendingBucket
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for target, b := range s.buckets {
			if pred(b) {
				delete(s.buckets, target)
				t.size.Add(-1)
				removed = append(removed, b)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *pendingTable) len() int {
	return int(t.size.Load())
}

// PendingStatus describes one pending block
type PendingStatus struct {
	Target        CertificateTarget
	VotesReceived int
	RequiredVotes int
	Created       time.Time
}

func (t *pendingTable) status() []PendingStatus {
	var out []PendingStatus
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, b := range s.buckets {
			out = append(out, PendingStatus{
				Target:        b.target,
				VotesReceived: b.count(),
				RequiredVotes: b.required,
				Created:       b.created,
			})
		}
		s.mu.Unlock()
	}
	return out
}

type slotEntry struct {
	first       *types.ConsensusVote
	equivocated bool
}

type slotShard struct {
	mu    sync.Mutex
	slots map[types.VoteSlot]*slotEntry
}

// slotIndex remembers the first block each signer voted for in every slot.
// It implements DoubleVoteChecker.
type slotIndex struct {
	seed   maphash.Seed
	shards [pendingShards]slotShard
}

func newSlotIndex() *slotIndex {
	idx := &slotIndex{seed: maphash.MakeSeed()}
	for i := range idx.shards {
		idx.shards[i].slots = make(map[types.VoteSlot]*slotEntry)
	}
	return idx
}

func (idx *slotIndex) shard(slot types.VoteSlot) *slotShard {
	return &idx.shards[maphash.Comparable(idx.seed, slot)%pendingShards]
}

// record notes v. If the signer already voted for a different block in the
// slot, the slot is marked equivocated and the earlier vote is returned.
func (idx *slotIndex) record(v *types.ConsensusVote) *types.ConsensusVote {
	slot := v.Slot()
	s := idx.shard(slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.slots[slot]
	if !ok {
		s.slots[slot] = &slotEntry{first: types.CopyVote(v)}
		return nil
	}
	if e.first.BlockHash == v.BlockHash {
		return nil
	}
	e.equivocated = true
	return types.CopyVote(e.first)
}

// HasEquivocated implements DoubleVoteChecker
func (idx *slotIndex) HasEquivocated(slot types.VoteSlot) bool {
	s := idx.shard(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slots[slot]
	return ok && e.equivocated
}

func (idx *slotIndex) prune(belowHeight int64) {
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.Lock()
		for slot := range s.slots {
			if slot.Height < belowHeight {
				delete(s.slots, slot)
			}
		}
		s.mu.Unlock()
	}
}
