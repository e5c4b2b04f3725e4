package peer

import (
	"sync"
	"time"

	"github.com/blockberries/finalberry/types"
)

// VoteBitmap tracks which validators, by position in the set, a peer has
// votes from.
type VoteBitmap struct {
	mu    sync.RWMutex
	bits  []uint64
	size  int
	count int
}

// NewVoteBitmap creates a bitmap for a set of size validators
func NewVoteBitmap(size int) *VoteBitmap {
	return &VoteBitmap{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// Set marks index as present
func (vb *VoteBitmap) Set(index int) {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	if index < 0 || index >= vb.size {
		return
	}
	mask := uint64(1) << (index % 64)
	if vb.bits[index/64]&mask == 0 {
		vb.bits[index/64] |= mask
		vb.count++
	}
}

// Has reports whether index is present
func (vb *VoteBitmap) Has(index int) bool {
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	if index < 0 || index >= vb.size {
		return false
	}
	return vb.bits[index/64]&(uint64(1)<<(index%64)) != 0
}

// Count returns the number of indices present
func (vb *VoteBitmap) Count() int {
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.count
}

// Missing returns the indices not present
func (vb *VoteBitmap) Missing() []int {
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	missing := make([]int, 0, vb.size-vb.count)
	for i := 0; i < vb.size; i++ {
		if vb.bits[i/64]&(uint64(1)<<(i%64)) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// Copy creates a copy of the bitmap
func (vb *VoteBitmap) Copy() *VoteBitmap {
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	bits := make([]uint64, len(vb.bits))
	copy(bits, vb.bits)
	return &VoteBitmap{bits: bits, size: vb.size, count: vb.count}
}

// RoundState is a snapshot of what a peer reported about its progress
type RoundState struct {
	Height     int64
	Round      int32
	Votes      *VoteBitmap // votes the peer has for (Height, Round)
	CatchingUp bool        // peer is behind our finalized height
	Down       bool        // link marked down by the transport
}

// State tracks a single peer
type State struct {
	mu sync.RWMutex

	id        string
	validator types.Address // zero if the peer is not a validator
	valSet    *types.ValidatorSet
	rs        RoundState
	lastSeen  time.Time
}

func newState(id string, validator types.Address, valSet *types.ValidatorSet, now time.Time) *State {
	return &State{
		id:        id,
		validator: validator,
		valSet:    valSet,
		rs:        RoundState{Votes: NewVoteBitmap(valSet.Size())},
		lastSeen:  now,
	}
}

// ID returns the peer ID
func (ps *State) ID() string {
	return ps.id
}

// Validator returns the validator the peer speaks for, if any
func (ps *State) Validator() (types.Address, bool) {
	return ps.validator, !ps.validator.IsZero()
}

// RoundState returns a copy of the peer's round state
func (ps *State) RoundState() RoundState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	rs := ps.rs
	rs.Votes = ps.rs.Votes.Copy()
	return rs
}

// Height returns the peer's last reported height
func (ps *State) Height() int64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rs.Height
}

// LastSeen returns when we last heard from the peer
func (ps *State) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// IsDown reports whether the link is marked down
func (ps *State) IsDown() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rs.Down
}

// IsCatchingUp returns true if the peer is behind
func (ps *State) IsCatchingUp() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rs.CatchingUp
}

// observe records progress. Regressions in height or round are ignored but
// still count as liveness.
func (ps *State) observe(height int64, round int32, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastSeen = now
	ps.rs.Down = false

	switch {
	case height > ps.rs.Height:
		ps.rs.Height = height
		ps.rs.Round = round
		ps.rs.Votes = NewVoteBitmap(ps.valSet.Size())
	case height == ps.rs.Height && round > ps.rs.Round:
		ps.rs.Round = round
		ps.rs.Votes = NewVoteBitmap(ps.valSet.Size())
	}
}

// setHasVote marks that the peer has vote
func (ps *State) setHasVote(vote *types.ConsensusVote, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastSeen = now
	if vote.Height != ps.rs.Height || vote.Round != ps.rs.Round {
		return
	}
	ps.rs.Votes.Set(ps.valSet.Index(vote.Voter))
}

// needsVote reports whether the peer is at vote's slot and lacks it
func (ps *State) needsVote(vote *types.ConsensusVote) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.rs.Down || vote.Height != ps.rs.Height || vote.Round != ps.rs.Round {
		return false
	}
	return !ps.rs.Votes.Has(ps.valSet.Index(vote.Voter))
}

func (ps *State) setDown() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rs.Down = true
}

func (ps *State) setCatchingUp(catching bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rs.CatchingUp = catching
}

func (ps *State) updateValidatorSet(valSet *types.ValidatorSet) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.valSet = valSet
	ps.rs.Votes = NewVoteBitmap(valSet.Size())
}

// healthy reports whether the link is up and the peer spoke within timeout
func (ps *State) healthy(now time.Time, timeout time.Duration) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return !ps.rs.Down && now.Sub(ps.lastSeen) < timeout
}

// Set manages the peers a node is linked to and their health
type Set struct {
	mu     sync.RWMutex
	peers  map[string]*State
	valSet *types.ValidatorSet

	now func() time.Time
}

// NewSet creates an empty peer set
func NewSet(valSet *types.ValidatorSet) *Set {
	return &Set{
		peers:  make(map[string]*State),
		valSet: valSet,
		now:    time.Now,
	}
}

// AddPeer adds a peer, returning the existing state if already present.
// validator is the zero address for non-validator peers.
func (s *Set) AddPeer(id string, validator types.Address) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.peers[id]; ok {
		return existing
	}
	ps := newState(id, validator, s.valSet, s.now())
	s.peers[id] = ps
	return ps
}

// RemovePeer removes a peer
func (s *Set) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// GetPeer returns a peer's state, or nil
func (s *Set) GetPeer(id string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Size returns the number of peers
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Peers returns all peer states
func (s *Set) Peers() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*State, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Observe records that id is alive at height and round. Unknown peers are
// ignored.
func (s *Set) Observe(id string, height int64, round int32) {
	if p := s.GetPeer(id); p != nil {
		p.observe(height, round, s.now())
	}
}

// ObserveVote records that id has vote
func (s *Set) ObserveVote(id string, vote *types.ConsensusVote) {
	if p := s.GetPeer(id); p != nil {
		p.setHasVote(vote, s.now())
	}
}

// MarkDown marks id's link as down until it is observed again
func (s *Set) MarkDown(id string) {
	if p := s.GetPeer(id); p != nil {
		p.setDown()
	}
}

// Healthy returns the peers whose link is up and that spoke within timeout
func (s *Set) Healthy(timeout time.Duration) []*State {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*State
	for _, p := range s.peers {
		if p.healthy(now, timeout) {
			out = append(out, p)
		}
	}
	return out
}

// ValidatorLinks returns, for every validator other than self, whether a
// healthy link to it exists.
func (s *Set) ValidatorLinks(self types.Address, timeout time.Duration) map[types.Address]bool {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make(map[types.Address]bool, s.valSet.Size())
	for _, addr := range s.valSet.Addresses() {
		if addr != self {
			links[addr] = false
		}
	}
	for _, p := range s.peers {
		if _, ok := links[p.validator]; ok && p.healthy(now, timeout) {
			links[p.validator] = true
		}
	}
	return links
}

// MaxHeight returns the highest height reported by a peer whose link is up
func (s *Set) MaxHeight() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxH int64
	for _, p := range s.peers {
		if !p.IsDown() {
			maxH = max(maxH, p.Height())
		}
	}
	return maxH
}

// PeersAtOrAbove returns peers whose link is up and that reported at least height
func (s *Set) PeersAtOrAbove(height int64) []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*State
	for _, p := range s.peers {
		if !p.IsDown() && p.Height() >= height {
			out = append(out, p)
		}
	}
	return out
}

// PeersNeedingVote returns peers that are at vote's slot and lack it
func (s *Set) PeersNeedingVote(vote *types.ConsensusVote) []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*State
	for _, p := range s.peers {
		if p.needsVote(vote) {
			out = append(out, p)
		}
	}
	return out
}

// MarkCatchingUp flags every peer below ourHeight as catching up
func (s *Set) MarkCatchingUp(ourHeight int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		p.setCatchingUp(p.Height() < ourHeight)
	}
}

// CatchingUpPeers returns peers that are behind
func (s *Set) CatchingUpPeers() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*State
	for _, p := range s.peers {
		if p.IsCatchingUp() {
			out = append(out, p)
		}
	}
	return out
}

// UpdateValidatorSet replaces the validator set for all peers
func (s *Set) UpdateValidatorSet(valSet *types.ValidatorSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.valSet = valSet
	for _, p := range s.peers {
		p.updateValidatorSet(valSet)
	}
}
