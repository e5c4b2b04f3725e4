package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

// Severity grades a fault
type Severity uint8

const (
	SeverityMinor Severity = iota + 1
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// Action is the response taken against a faulty validator
type Action uint8

const (
	// ActionNone means nothing was done, e.g. the validator is already banned
	ActionNone Action = iota
	ActionWarning
	ActionSuspend
	ActionSlash
	ActionBan
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarning:
		return "warning"
	case ActionSuspend:
		return "suspend"
	case ActionSlash:
		return "slash"
	case ActionBan:
		return "ban"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Reputation change per severity
var reputationDelta = map[Severity]int64{
	SeverityMinor:    -1,
	SeverityModerate: -10,
	SeveritySevere:   -50,
	SeverityCritical: 2 * membership.MinReputation,
}

// Response is the outcome of handling one piece of evidence. Proposal is the
// membership change submitted for certification; it is nil for warnings.
type Response struct {
	Evidence      types.Hash        `cbor:"1,keyasint"`
	Validator     types.Address     `cbor:"2,keyasint"`
	Severity      Severity          `cbor:"3,keyasint"`
	Action        Action            `cbor:"4,keyasint"`
	Corroboration int               `cbor:"5,keyasint"`
	Penalty       int64             `cbor:"6,keyasint,omitempty"`
	Reputation    int64             `cbor:"7,keyasint"`
	Proposal      *membership.Event `cbor:"8,keyasint,omitempty"`
}

// MembershipProposer submits validator-set changes for certification.
// membership.Manager implements it.
type MembershipProposer interface {
	CurrentValidatorSet() *types.ValidatorSet
	Banned(addr types.Address) bool
	Propose(ev *membership.Event) (*membership.Event, error)
}

// Broadcaster announces evidence and the local response to it
type Broadcaster interface {
	BroadcastResponse(ev *evidence.FaultEvidence, resp *Response)
}

// ByzantineRecovery turns fault evidence into graduated penalties. It never
// mutates the validator set itself: suspensions, slashing and bans are
// proposed as membership events and take effect once certified.
type ByzantineRecovery struct {
	config     Config
	chainID    string
	pool       *evidence.Pool
	members    MembershipProposer
	reputation *membership.ReputationBook
	stats      *Stats

	broadcaster Broadcaster
	height      func() int64

	logger  *zap.Logger
	metrics *metrics.Metrics

	// one lock per validator, so unrelated validators are handled in parallel
	mu    sync.Mutex
	locks map[types.Address]*sync.Mutex
}

// NewByzantineRecovery creates a byzantine recovery over pool and members. A
// nil reputation book starts an empty one.
func NewByzantineRecovery(
	config Config,
	chainID string,
	pool *evidence.Pool,
	members MembershipProposer,
	reputation *membership.ReputationBook,
) (*ByzantineRecovery, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if pool == nil || members == nil {
		return nil, fmt.Errorf("%w: evidence pool and membership are required", ErrInvalidConfig)
	}
	if reputation == nil {
		reputation = membership.NewReputationBook()
	}
	return &ByzantineRecovery{
		config:     config,
		chainID:    chainID,
		pool:       pool,
		members:    members,
		reputation: reputation,
		stats:      NewStats(nil),
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
		locks:      make(map[types.Address]*sync.Mutex),
	}, nil
}

// SetLogger sets the logger
func (r *ByzantineRecovery) SetLogger(l *zap.Logger) {
	r.logger = l.Named("recovery.byzantine")
}

// SetMetrics sets the metrics sink
func (r *ByzantineRecovery) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetStats shares recovery stats with other recoveries
func (r *ByzantineRecovery) SetStats(s *Stats) {
	r.stats = s
}

// SetBroadcaster sets where responses are announced
func (r *ByzantineRecovery) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// SetHeightSource sets the source of the current chain height, used to date
// proposals and suspensions. Without one the evidence height is used.
func (r *ByzantineRecovery) SetHeightSource(fn func() int64) {
	r.height = fn
}

// Reputation returns the reputation book
func (r *ByzantineRecovery) Reputation() *membership.ReputationBook {
	return r.reputation
}

func (r *ByzantineRecovery) lock(addr types.Address) func() {
	r.mu.Lock()
	l, ok := r.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		r.locks[addr] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Handle validates ev against validator, classifies it and applies the
// graduated response.
func (r *ByzantineRecovery) Handle(ctx context.Context, validator types.Address, ev *evidence.FaultEvidence) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev == nil || ev.Validator != validator {
		return nil, fmt.Errorf("%w: evidence is not against %s", evidence.ErrInvalidEvidence, validator)
	}

	unlock := r.lock(validator)
	defer unlock()

	if r.members.Banned(validator) {
		return &Response{Evidence: ev.Hash(), Validator: validator, Action: ActionNone,
			Reputation: r.reputation.Score(validator)}, nil
	}
	set := r.members.CurrentValidatorSet()
	if err := ev.Validate(r.chainID, set); err != nil {
		return nil, err
	}
	if r.pool.IsCommitted(ev) {
		return nil, evidence.ErrDuplicateEvidence
	}
	if err := r.pool.AddEvidence(ev); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.respond(ev, set)
	r.stats.Record(KindByzantine, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	r.metrics.PenaltiesApplied.WithLabelValues(resp.Severity.String()).Inc()
	r.logger.Warn("fault handled",
		zap.Stringer("validator", validator),
		zap.Stringer("fault", ev.Type),
		zap.Stringer("severity", resp.Severity),
		zap.Stringer("action", resp.Action),
		zap.Int("corroboration", resp.Corroboration),
		zap.Int64("penalty", resp.Penalty),
		zap.Int64("reputation", resp.Reputation))

	if r.broadcaster != nil {
		r.broadcaster.BroadcastResponse(evidence.CopyEvidence(ev), resp)
	}
	return resp, nil
}

func (r *ByzantineRecovery) respond(ev *evidence.FaultEvidence, set *types.ValidatorSet) (*Response, error) {
	reporters := r.pool.Reporters(ev.Validator, ev.Type)
	score := r.reputation.Score(ev.Validator)

	resp := &Response{
		Evidence:      ev.Hash(),
		Validator:     ev.Validator,
		Severity:      r.Classify(ev, len(reporters), score),
		Corroboration: len(reporters),
	}

	height := ev.Height
	if r.height != nil {
		height = max(height, r.height())
	}
	change := &membership.Event{
		Height:    height,
		Validator: ev.Validator,
		Evidence:  resp.Evidence,
		Reason:    fmt.Sprintf("%s fault (%s)", ev.Type, resp.Severity),
	}

	switch resp.Severity {
	case SeverityMinor:
		resp.Action = ActionWarning
		change = nil
	case SeverityModerate:
		resp.Action = ActionSuspend
		change.Kind = membership.EventSuspend
		change.Until = height + r.config.SuspensionBlocks
	case SeveritySevere:
		bond := set.GetByAddress(ev.Validator).Bond
		resp.Penalty = max(int64(float64(bond)*r.config.SlashFraction), 1)
		if remaining := bond - resp.Penalty; remaining > 0 {
			resp.Action = ActionSlash
			change.Kind = membership.EventRemove
			change.Bond = remaining
		} else {
			resp.Penalty = bond
			resp.Action = ActionBan
			change.Kind = membership.EventBan
		}
	case SeverityCritical:
		resp.Action = ActionBan
		change.Kind = membership.EventBan
	}

	if change != nil {
		proposed, err := r.members.Propose(change)
		if err != nil {
			return nil, fmt.Errorf("failed to propose %s of %s: %w", change.Kind, ev.Validator, err)
		}
		resp.Proposal = proposed
	}

	resp.Reputation = r.reputation.Adjust(ev.Validator, reputationDelta[resp.Severity])
	// An uncorroborated crash stays pending until other reporters confirm it
	if ev.Type != evidence.FaultCrash || resp.Severity != SeverityMinor {
		r.pool.MarkCommitted(r.sameFault(ev))
	}
	return resp, nil
}

// sameFault returns the pending reports of ev's fault type against its
// validator; they are settled together.
func (r *ByzantineRecovery) sameFault(ev *evidence.FaultEvidence) []*evidence.FaultEvidence {
	var out []*evidence.FaultEvidence
	for _, pending := range r.pool.ForValidator(ev.Validator) {
		if pending.Type == ev.Type {
			out = append(out, pending)
		}
	}
	return out
}

// Classify grades ev given the number of distinct reporters of the same
// fault and the validator's reputation before this fault.
//
// Signed proofs are graded on their own. Crash reports are observations, so
// only corroborated crashes are moderate. A severe fault from a validator
// whose reputation is already at or below RepeatOffenderReputation is
// critical.
func (r *ByzantineRecovery) Classify(ev *evidence.FaultEvidence, reporters int, reputation int64) Severity {
	var s Severity
	switch ev.Type {
	case evidence.FaultTiming:
		s = SeverityMinor
	case evidence.FaultCrash:
		s = SeverityMinor
		if reporters >= r.config.MinCorroboration {
			s = SeverityModerate
		}
	case evidence.FaultCryptographic:
		s = SeverityModerate
	case evidence.FaultByzantine:
		// Flooding carries no signed conflict
		s = SeverityModerate
		if len(ev.Votes) > 0 {
			s = SeveritySevere
		}
	case evidence.FaultDoubleSpend:
		s = SeveritySevere
	case evidence.FaultCoordinated:
		s = SeverityCritical
	default:
		s = SeverityMinor
	}
	if s == SeveritySevere && reputation <= r.config.RepeatOffenderReputation {
		s = SeverityCritical
	}
	return s
}
