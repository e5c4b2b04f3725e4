package evidence

import (
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is the maximum age of evidence kept pending
	MaxAge time.Duration `mapstructure:"max_age"`
	// MaxAgeBlocks is the maximum height age of evidence
	MaxAgeBlocks int64 `mapstructure:"max_age_blocks"`
	// MaxPending bounds the number of pending reports
	MaxPending int `mapstructure:"max_pending"`
	// MaxSeenVotes bounds the equivocation-detection cache. Least
	// recently seen slots are evicted first.
	MaxSeenVotes int `mapstructure:"max_seen_votes"`
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge:       48 * time.Hour,
		MaxAgeBlocks: 100000,
		MaxPending:   10000,
		MaxSeenVotes: 100000,
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if c.MaxAge <= 0 || c.MaxAgeBlocks <= 0 {
		return fmt.Errorf("evidence max age must be positive")
	}
	if c.MaxPending <= 0 || c.MaxSeenVotes <= 0 {
		return fmt.Errorf("evidence pool sizes must be positive")
	}
	return nil
}

// Pool holds fault evidence awaiting a penalty decision and detects
// equivocation in the stream of verified votes.
type Pool struct {
	mu       sync.RWMutex
	config   Config
	reporter types.Address
	logger   *zap.Logger
	metrics  *metrics.Metrics

	pending []*FaultEvidence

	// key -> height, for reports already acted upon
	committed map[string]int64
	// hash -> height of every report admitted, pending or acted upon
	known map[types.Hash]int64

	seenVotes *lru.Cache[types.VoteSlot, *types.ConsensusVote]

	currentHeight int64
	currentTime   time.Time
}

// NewPool creates a pool. reporter is stamped on evidence the pool itself
// produces.
func NewPool(config Config, reporter types.Address) (*Pool, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	seen, err := lru.New[types.VoteSlot, *types.ConsensusVote](config.MaxSeenVotes)
	if err != nil {
		return nil, err
	}
	return &Pool{
		config:    config,
		reporter:  reporter,
		logger:    zap.NewNop(),
		metrics:   metrics.Nop(),
		committed: make(map[string]int64),
		known:     make(map[types.Hash]int64),
		seenVotes: seen,
	}, nil
}

// SetLogger sets the logger
func (p *Pool) SetLogger(l *zap.Logger) {
	p.logger = l.Named("evidence")
}

// SetMetrics sets the metrics sink
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Update updates the pool's knowledge of current height and time and prunes
// expired evidence.
func (p *Pool) Update(height int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	p.currentTime = now
	p.pruneExpired()
}

// CheckVote records a verified vote and returns equivocation evidence if the
// voter already voted for a different block in the same slot.
func (p *Pool) CheckVote(vote *types.ConsensusVote) *FaultEvidence {
	slot := vote.Slot()
	// Peek-then-add under the pool lock keeps the check atomic
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.seenVotes.Get(slot)
	if !ok {
		p.seenVotes.Add(slot, types.CopyVote(vote))
		return nil
	}
	if existing.BlockHash == vote.BlockHash {
		return nil
	}

	p.logger.Warn("equivocation detected",
		zap.Stringer("validator", vote.Voter),
		zap.Int64("height", vote.Height),
		zap.Int32("round", vote.Round))
	return &FaultEvidence{
		Type:      FaultByzantine,
		Validator: vote.Voter,
		EpochID:   vote.EpochID,
		Height:    vote.Height,
		Round:     vote.Round,
		Timestamp: time.Now().UnixNano(),
		Reporter:  p.reporter,
		Votes:     []*types.ConsensusVote{types.CopyVote(existing), types.CopyVote(vote)},
	}
}

// AddEvidence adds validated evidence to the pool. A newer report of the
// same fault from the same reporter replaces the older one.
func (p *Pool) AddEvidence(ev *FaultEvidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Key()
	if _, ok := p.committed[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	for i, pending := range p.pending {
		if pending.Key() != key {
			continue
		}
		if !ev.Supersedes(pending) {
			return ErrDuplicateEvidence
		}
		p.pending[i] = CopyEvidence(ev)
		p.known[ev.Hash()] = ev.Height
		return nil
	}

	if len(p.pending) >= p.config.MaxPending {
		return ErrPoolFull
	}
	p.pending = append(p.pending, CopyEvidence(ev))
	p.known[ev.Hash()] = ev.Height
	p.metrics.FaultsDetected.WithLabelValues(ev.Type.String()).Inc()
	p.metrics.EvidencePending.Set(float64(len(p.pending)))
	p.logger.Info("evidence added",
		zap.Stringer("type", ev.Type),
		zap.Stringer("validator", ev.Validator),
		zap.Stringer("reporter", ev.Reporter),
		zap.Int64("height", ev.Height))
	return nil
}

// PendingEvidence returns up to limit pending reports, oldest first. A limit
// <= 0 returns all of them.
func (p *Pool) PendingEvidence(limit int) []*FaultEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*FaultEvidence, n)
	for i := range out {
		out[i] = CopyEvidence(p.pending[i])
	}
	return out
}

// ForValidator returns every pending report against addr
func (p *Pool) ForValidator(addr types.Address) []*FaultEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*FaultEvidence
	for _, ev := range p.pending {
		if ev.Validator == addr {
			out = append(out, CopyEvidence(ev))
		}
	}
	return out
}

// Reporters returns the distinct reporters of pending evidence of type t
// against addr
func (p *Pool) Reporters(addr types.Address, t FaultType) []types.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.Address
	for _, ev := range p.pending {
		if ev.Validator == addr && ev.Type == t && !slices.Contains(out, ev.Reporter) {
			out = append(out, ev.Reporter)
		}
	}
	return out
}

// MarkCommitted records that evidence has been acted upon and removes it
// from pending.
func (p *Pool) MarkCommitted(evidence []*FaultEvidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remove := make(map[string]struct{}, len(evidence))
	for _, ev := range evidence {
		key := ev.Key()
		p.committed[key] = ev.Height
		remove[key] = struct{}{}
	}
	p.pending = slices.DeleteFunc(p.pending, func(ev *FaultEvidence) bool {
		_, ok := remove[ev.Key()]
		return ok
	})
	p.metrics.EvidencePending.Set(float64(len(p.pending)))
}

// IsCommitted reports whether ev's fault has already been acted upon
func (p *Pool) IsCommitted(ev *FaultEvidence) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.committed[ev.Key()]
	return ok
}

// Contains reports whether a report with hash was admitted to the pool and
// has not yet aged out
func (p *Pool) Contains(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.known[hash]
	return ok
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// pruneExpired drops expired pending evidence, committed keys and seen
// votes. Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	before := len(p.pending)
	p.pending = slices.DeleteFunc(p.pending, p.isExpired)
	if dropped := before - len(p.pending); dropped > 0 {
		p.logger.Debug("pruned expired evidence", zap.Int("count", dropped))
	}

	for key, h := range p.committed {
		if p.currentHeight-h > p.config.MaxAgeBlocks {
			delete(p.committed, key)
		}
	}
	for hash, h := range p.known {
		if p.currentHeight-h > p.config.MaxAgeBlocks {
			delete(p.known, hash)
		}
	}
	for _, slot := range p.seenVotes.Keys() {
		if p.currentHeight-slot.Height > p.config.MaxAgeBlocks {
			p.seenVotes.Remove(slot)
		}
	}
	p.metrics.EvidencePending.Set(float64(len(p.pending)))
}

// isExpired checks if evidence is too old
func (p *Pool) isExpired(ev *FaultEvidence) bool {
	if p.currentHeight-ev.Height > p.config.MaxAgeBlocks {
		return true
	}
	return !p.currentTime.IsZero() && p.currentTime.Sub(ev.Time()) > p.config.MaxAge
}
