package evidence

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/types"
)

// DetectorConfig holds the thresholds of the fault detector
type DetectorConfig struct {
	// CrashTimeout is the silence after which a validator is considered crashed
	CrashTimeout time.Duration `mapstructure:"crash_timeout"`
	// CrashMissedRounds is the number of consecutive missed rounds that
	// counts as a crash
	CrashMissedRounds int `mapstructure:"crash_missed_rounds"`
	// TimingThreshold is the mean message latency above which a validator
	// has a timing fault
	TimingThreshold time.Duration `mapstructure:"timing_threshold"`
	// CoordinationThreshold is the number of other validators equivocating in
	// the same slot that turns an equivocation into a coordinated attack
	CoordinationThreshold int `mapstructure:"coordination_threshold"`
	// MaxMessageRate is the message rate, per second, above which a
	// validator is flooding
	MaxMessageRate float64 `mapstructure:"max_message_rate"`
}

// DefaultDetectorConfig returns default detector thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CrashTimeout:          30 * time.Second,
		CrashMissedRounds:     5,
		TimingThreshold:       5 * time.Second,
		CoordinationThreshold: 2,
		MaxMessageRate:        100,
	}
}

// ValidateBasic performs basic validation of the config
func (c DetectorConfig) ValidateBasic() error {
	if c.CrashTimeout <= 0 || c.TimingThreshold <= 0 {
		return fmt.Errorf("detector timeouts must be positive")
	}
	if c.CrashMissedRounds <= 0 {
		return fmt.Errorf("crash_missed_rounds must be positive")
	}
	if c.CoordinationThreshold <= 0 {
		return fmt.Errorf("coordination_threshold must be positive")
	}
	if c.MaxMessageRate <= 0 {
		return fmt.Errorf("max_message_rate must be positive")
	}
	return nil
}

// Behavior is what a node observed of one validator over a window. Zero
// fields mean "not observed".
type Behavior struct {
	Now     time.Time
	EpochID uint64
	Height  int64
	Round   int32

	// Liveness
	LastSeen     time.Time
	MissedRounds int
	MeanLatency  time.Duration

	// Signed votes received from the validator
	Votes []*types.ConsensusVote
	// Signed spend claims received from the validator
	Spends []SpendClaim
	// A message attributed to the validator whose signature must be checked
	Claimed *types.ConsensusVote

	// Other validators that equivocated in the same slot
	CoEquivocators []types.Address
	// Messages per second received from the validator
	MessageRate float64
}

// KeySource resolves a validator's public key
type KeySource interface {
	PublicKey(addr types.Address) (types.PublicKey, bool)
}

// subDetector inspects a behavior and returns evidence or nil
type subDetector struct {
	name   string
	detect func(types.Address, *Behavior) *FaultEvidence
}

// FaultDetector classifies observed behavior into at most one fault. It runs
// the timeout, inconsistency, signature and behavior checks in that order
// and returns the first match, so a silent validator is never judged from
// stale votes. Detect has no side effects beyond logging.
type FaultDetector struct {
	config   DetectorConfig
	chainID  string
	keys     KeySource
	reporter types.Address
	logger   *zap.Logger

	chain []subDetector
}

// NewFaultDetector creates a detector. Signatures are checked against keys;
// evidence is stamped with reporter.
func NewFaultDetector(config DetectorConfig, chainID string, keys KeySource, reporter types.Address) (*FaultDetector, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	d := &FaultDetector{
		config:   config,
		chainID:  chainID,
		keys:     keys,
		reporter: reporter,
		logger:   zap.NewNop(),
	}
	d.chain = []subDetector{
		{"timeout", d.detectTimeout},
		{"inconsistency", d.detectInconsistency},
		{"signature", d.detectSignature},
		{"behavior", d.analyzeBehavior},
	}
	return d, nil
}

// SetLogger sets the logger
func (d *FaultDetector) SetLogger(l *zap.Logger) {
	d.logger = l.Named("evidence.detector")
}

// SetKeys replaces the key source, typically after a membership change.
// Not safe for concurrent use with Detect.
func (d *FaultDetector) SetKeys(keys KeySource) {
	d.keys = keys
}

// Detect returns evidence for the first fault the chain finds, or nil.
func (d *FaultDetector) Detect(validator types.Address, b *Behavior) *FaultEvidence {
	if b == nil {
		return nil
	}
	for _, sd := range d.chain {
		ev := sd.detect(validator, b)
		if ev == nil {
			continue
		}
		d.logger.Debug("fault detected",
			zap.String("detector", sd.name),
			zap.Stringer("type", ev.Type),
			zap.Stringer("validator", validator))
		return ev
	}
	return nil
}

func (d *FaultDetector) newEvidence(t FaultType, validator types.Address, b *Behavior) *FaultEvidence {
	now := b.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &FaultEvidence{
		Type:      t,
		Validator: validator,
		EpochID:   b.EpochID,
		Height:    b.Height,
		Round:     b.Round,
		Timestamp: now.UnixNano(),
		Reporter:  d.reporter,
	}
}

// detectTimeout finds crash and timing faults
func (d *FaultDetector) detectTimeout(validator types.Address, b *Behavior) *FaultEvidence {
	silent := !b.LastSeen.IsZero() && !b.Now.IsZero() && b.Now.Sub(b.LastSeen) >= d.config.CrashTimeout
	if silent || b.MissedRounds >= d.config.CrashMissedRounds {
		ev := d.newEvidence(FaultCrash, validator, b)
		ev.MissedRounds = b.MissedRounds
		if !b.LastSeen.IsZero() {
			ev.LastSeen = b.LastSeen.UnixNano()
		}
		return ev
	}
	if b.MeanLatency >= d.config.TimingThreshold {
		ev := d.newEvidence(FaultTiming, validator, b)
		ev.Latency = b.MeanLatency
		return ev
	}
	return nil
}

// detectInconsistency finds conflicting signed statements. Only statements
// whose signatures verify against validator's key count, so a peer cannot
// frame a validator with forged votes.
func (d *FaultDetector) detectInconsistency(validator types.Address, b *Behavior) *FaultEvidence {
	pub, ok := d.keys.PublicKey(validator)
	if !ok {
		return nil
	}
	if a, c := conflictingVotes(validator, d.signedVotes(pub, b.Votes)); a != nil {
		ev := d.newEvidence(FaultByzantine, validator, b)
		ev.EpochID, ev.Height, ev.Round = a.EpochID, a.Height, a.Round
		ev.Votes = []*types.ConsensusVote{types.CopyVote(a), types.CopyVote(c)}
		// Equivocation shared with enough others in the same slot
		if colluders := otherThan(validator, b.CoEquivocators); len(colluders) >= d.config.CoordinationThreshold {
			ev.Type = FaultCoordinated
			ev.Colluders = colluders
		}
		return ev
	}
	if a, c := conflictingSpends(validator, d.signedSpends(pub, b.Spends)); a != nil {
		ev := d.newEvidence(FaultDoubleSpend, validator, b)
		ev.Height = a.Height
		ev.Spends = []SpendClaim{copySpend(*a), copySpend(*c)}
		return ev
	}
	return nil
}

// detectSignature finds messages attributed to validator that it did not sign
func (d *FaultDetector) detectSignature(validator types.Address, b *Behavior) *FaultEvidence {
	if b.Claimed == nil || b.Claimed.Voter != validator {
		return nil
	}
	pub, ok := d.keys.PublicKey(validator)
	if !ok {
		return nil
	}
	if types.VerifyVoteSignature(d.chainID, b.Claimed, pub) == nil {
		return nil
	}
	ev := d.newEvidence(FaultCryptographic, validator, b)
	ev.Claimed = types.CopyVote(b.Claimed)
	return ev
}

// analyzeBehavior finds anomalies in message volume
func (d *FaultDetector) analyzeBehavior(validator types.Address, b *Behavior) *FaultEvidence {
	if b.MessageRate > d.config.MaxMessageRate {
		ev := d.newEvidence(FaultByzantine, validator, b)
		ev.MessageRate = b.MessageRate
		ev.Details = fmt.Sprintf("message rate %.1f/s exceeds %.1f/s", b.MessageRate, d.config.MaxMessageRate)
		return ev
	}
	return nil
}

func (d *FaultDetector) signedVotes(pub types.PublicKey, votes []*types.ConsensusVote) []*types.ConsensusVote {
	out := make([]*types.ConsensusVote, 0, len(votes))
	for _, v := range votes {
		if v != nil && types.VerifyVoteSignature(d.chainID, v, pub) == nil {
			out = append(out, v)
		}
	}
	return out
}

func (d *FaultDetector) signedSpends(pub types.PublicKey, spends []SpendClaim) []SpendClaim {
	out := make([]SpendClaim, 0, len(spends))
	for i := range spends {
		if types.VerifySignature(pub, SpendSignBytes(d.chainID, &spends[i]), spends[i].Signature) {
			out = append(out, spends[i])
		}
	}
	return out
}

// conflictingVotes returns the first pair of votes by validator for the same
// slot with different block hashes.
func conflictingVotes(validator types.Address, votes []*types.ConsensusVote) (*types.ConsensusVote, *types.ConsensusVote) {
	first := make(map[types.VoteSlot]*types.ConsensusVote, len(votes))
	for _, v := range votes {
		if v == nil || v.Voter != validator {
			continue
		}
		slot := v.Slot()
		prev, ok := first[slot]
		if !ok {
			first[slot] = v
			continue
		}
		if prev.BlockHash != v.BlockHash {
			return prev, v
		}
	}
	return nil, nil
}

// conflictingSpends returns the first pair of spends by validator of the same
// resource in different transactions.
func conflictingSpends(validator types.Address, spends []SpendClaim) (*SpendClaim, *SpendClaim) {
	first := make(map[types.Hash]*SpendClaim, len(spends))
	for i := range spends {
		s := &spends[i]
		if s.Signer != validator {
			continue
		}
		prev, ok := first[s.Resource]
		if !ok {
			first[s.Resource] = s
			continue
		}
		if prev.TxHash != s.TxHash {
			return prev, s
		}
	}
	return nil, nil
}

func otherThan(validator types.Address, addrs []types.Address) []types.Address {
	var out []types.Address
	for _, a := range addrs {
		if a != validator && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func copySpend(s SpendClaim) SpendClaim {
	s.Signature = types.CopyBytes(s.Signature)
	return s
}
