package membership

import (
	"sync"

	"github.com/blockberries/finalberry/types"
)

// Reputation bounds
const (
	MinReputation int64 = -100
	MaxReputation int64 = 100
)

// ReputationBook keeps this node's local view of validator reputation.
// Scores are never replicated and never affect the validator set directly;
// they inform how the node reacts to later faults.
type ReputationBook struct {
	mu     sync.RWMutex
	scores map[types.Address]int64
}

// NewReputationBook creates an empty book; unknown validators score 0
func NewReputationBook() *ReputationBook {
	return &ReputationBook{scores: make(map[types.Address]int64)}
}

// Adjust adds delta to addr's score, clamped to [MinReputation, MaxReputation],
// and returns the new score.
func (b *ReputationBook) Adjust(addr types.Address, delta int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	score := min(max(b.scores[addr]+delta, MinReputation), MaxReputation)
	if score == 0 {
		delete(b.scores, addr)
	} else {
		b.scores[addr] = score
	}
	return score
}

// Score returns addr's score
func (b *ReputationBook) Score(addr types.Address) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scores[addr]
}

// Reset forgets addr
func (b *ReputationBook) Reset(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scores, addr)
}

// Below returns the validators scoring strictly below threshold
func (b *ReputationBook) Below(threshold int64) []types.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Address
	for addr, score := range b.scores {
		if score < threshold {
			out = append(out, addr)
		}
	}
	return out
}
