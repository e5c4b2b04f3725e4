package recovery

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

// PartitionType classifies a partition from this node's side of it
type PartitionType uint8

const (
	// PartitionIsolated means no validator link is healthy
	PartitionIsolated PartitionType = iota + 1
	// PartitionMinority means the reachable validators, this node included,
	// cannot form a quorum
	PartitionMinority
	// PartitionMajority means the reachable side can still form a quorum
	// but some validators are cut off
	PartitionMajority
)

func (t PartitionType) String() string {
	switch t {
	case PartitionIsolated:
		return "isolated"
	case PartitionMinority:
		return "minority"
	case PartitionMajority:
		return "majority"
	default:
		return fmt.Sprintf("partition(%d)", uint8(t))
	}
}

// NetworkPartition is a detected loss of connectivity. Affected lists the
// validators this node cannot reach, sorted.
type NetworkPartition struct {
	DetectedAt        time.Time
	ConnectivityScore float64
	Affected          []types.Address
	Type              PartitionType
}

func copyPartition(p *NetworkPartition) *NetworkPartition {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Affected = slices.Clone(p.Affected)
	return &cp
}

// LinkSource reports link health to every other validator. peer.Set
// implements it.
type LinkSource interface {
	ValidatorLinks(self types.Address, timeout time.Duration) map[types.Address]bool
}

// PartitionDetector scores connectivity as the fraction of healthy validator
// links and reports a partition while the score is below the threshold.
type PartitionDetector struct {
	threshold   float64
	linkTimeout time.Duration
	self        types.Address
	links       LinkSource

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *NetworkPartition
	now     func() time.Time
}

// NewPartitionDetector creates a detector for self over links
func NewPartitionDetector(config Config, self types.Address, links LinkSource) (*PartitionDetector, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if links == nil {
		return nil, fmt.Errorf("%w: link source is required", ErrInvalidConfig)
	}
	return &PartitionDetector{
		threshold:   config.ConnectivityThreshold,
		linkTimeout: config.LinkTimeout,
		self:        self,
		links:       links,
		logger:      zap.NewNop(),
		metrics:     metrics.Nop(),
		now:         time.Now,
	}, nil
}

// SetLogger sets the logger
func (d *PartitionDetector) SetLogger(l *zap.Logger) {
	d.logger = l.Named("recovery.partition")
}

// SetMetrics sets the metrics sink
func (d *PartitionDetector) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Threshold returns the connectivity threshold
func (d *PartitionDetector) Threshold() float64 {
	return d.threshold
}

// Connectivity measures and returns the current connectivity score. A node
// with no other validators is fully connected.
func (d *PartitionDetector) Connectivity() float64 {
	score, _, _ := d.measure()
	return score
}

// measure returns the score, the unreachable validators and the number of
// validator links
func (d *PartitionDetector) measure() (float64, []types.Address, int) {
	links := d.links.ValidatorLinks(d.self, d.linkTimeout)
	var down []types.Address
	for addr, ok := range links {
		if !ok {
			down = append(down, addr)
		}
	}
	slices.SortFunc(down, types.Address.Compare)

	score := 1.0
	if len(links) > 0 {
		score = float64(len(links)-len(down)) / float64(len(links))
	}
	d.metrics.ConnectivityScore.Set(score)
	return score, down, len(links)
}

// Recoverable reports whether connectivity exceeds the threshold, the
// condition partition recovery waits for. A score exactly at the threshold
// no longer counts as a partition but does not end one either.
func (d *PartitionDetector) Recoverable() bool {
	score, _, _ := d.measure()
	return d.exceeds(score)
}

func (d *PartitionDetector) exceeds(score float64) bool {
	return score > d.threshold
}

// Detect measures connectivity and returns the ongoing partition, if any. A
// partition keeps its detection time for as long as it lasts and is
// discarded once the score is back at or above the threshold.
func (d *PartitionDetector) Detect() (*NetworkPartition, bool) {
	score, down, links := d.measure()

	d.mu.Lock()
	defer d.mu.Unlock()

	if score >= d.threshold {
		if d.current != nil {
			d.logger.Info("partition healed",
				zap.Float64("connectivity", score),
				zap.Duration("lasted", d.now().Sub(d.current.DetectedAt)))
			d.current = nil
		}
		return nil, false
	}

	typ := classify(links, len(down))
	if d.current == nil {
		d.current = &NetworkPartition{DetectedAt: d.now()}
		d.logger.Warn("partition detected",
			zap.Float64("connectivity", score),
			zap.Stringer("type", typ),
			zap.Int("unreachable", len(down)))
	}
	d.current.ConnectivityScore = score
	d.current.Affected = down
	d.current.Type = typ
	return copyPartition(d.current), true
}

// Current returns the partition found by the last Detect
func (d *PartitionDetector) Current() (*NetworkPartition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyPartition(d.current), d.current != nil
}

// classify grades a partition among links+1 validators, this node
// included, of which unreachable cannot be reached.
func classify(links, unreachable int) PartitionType {
	if unreachable == links {
		return PartitionIsolated
	}
	params, err := types.NewBFTParameters(links + 1)
	if err != nil || !params.CanReachQuorum(links-unreachable+1) {
		return PartitionMinority
	}
	return PartitionMajority
}
