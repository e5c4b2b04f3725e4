package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/statesync"
	"github.com/blockberries/finalberry/types"
)

// Step is a stage of partition recovery. Steps run in declaration order.
type Step uint8

const (
	StepSync Step = iota + 1
	StepReplay
	StepReintegrate
	StepResume
)

func (s Step) String() string {
	switch s {
	case StepSync:
		return "sync"
	case StepReplay:
		return "replay"
	case StepReintegrate:
		return "reintegrate"
	case StepResume:
		return "resume"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Rough per-item costs for plan estimates before any recovery has been timed
const (
	estimatePerBlock   = 5 * time.Millisecond
	estimatePerMessage = time.Millisecond
)

// Plan is a partition recovery plan. Completed is the last step that
// finished; a retry of the same partition resumes after it.
type Plan struct {
	ID           uuid.UUID
	Partition    *NetworkPartition
	SyncStrategy statesync.Strategy
	SyncTarget   int64
	// SyncedHeight is the height the sync step reached
	SyncedHeight int64
	// ReplayOrder is the buffered messages in the order they will be replayed
	ReplayOrder []*BufferedMessage
	Reintegrate []types.Address
	Estimate    time.Duration
	CreatedAt   time.Time
	Completed   Step
	Attempts    int
}

func copyPlan(p *Plan) *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Partition = copyPartition(p.Partition)
	cp.ReplayOrder = slices.Clone(p.ReplayOrder)
	cp.Reintegrate = slices.Clone(p.Reintegrate)
	return &cp
}

// RecoveryReport describes a successful partition recovery
type RecoveryReport struct {
	PlanID       uuid.UUID
	Sync         *statesync.Result
	Replayed     int
	Dropped      int
	Reintegrated []types.Address
	Connectivity float64
	Elapsed      time.Duration
}

// StateSyncer catches the local state up with the network.
// statesync.Synchronizer implements it.
type StateSyncer interface {
	Plan(ctx context.Context, target int64) statesync.SyncPlan
	Sync(ctx context.Context, target int64) (*statesync.Result, error)
}

// Reintegrator proposes validators back into the set. membership.Manager
// implements it.
type Reintegrator interface {
	CurrentValidatorSet() *types.ValidatorSet
	Banned(addr types.Address) bool
	Suspended(addr types.Address) (int64, bool)
	Propose(ev *membership.Event) (*membership.Event, error)
}

// MessageHandler processes one replayed message
type MessageHandler func(ctx context.Context, m *BufferedMessage) error

// PartitionRecovery brings a node back after a partition: sync state,
// replay buffered messages in causal order, propose reintegration of
// validators that were dropped, and resume. Success is reported only if
// connectivity is back above the threshold within RecoveryTimeout.
type PartitionRecovery struct {
	config   Config
	self     types.Address
	detector *PartitionDetector
	syncer   StateSyncer
	members  Reintegrator
	buffer   *MessageBuffer
	handler  MessageHandler

	height   func() int64
	onResume func(ctx context.Context) error
	stats    *Stats
	logger   *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	active *Plan
}

// NewPartitionRecovery creates a partition recovery for self
func NewPartitionRecovery(
	config Config,
	self types.Address,
	detector *PartitionDetector,
	syncer StateSyncer,
	members Reintegrator,
	buffer *MessageBuffer,
	handler MessageHandler,
) (*PartitionRecovery, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if detector == nil || syncer == nil || members == nil || buffer == nil || handler == nil {
		return nil, fmt.Errorf("%w: detector, syncer, membership, buffer and handler are required", ErrInvalidConfig)
	}
	return &PartitionRecovery{
		config:   config,
		self:     self,
		detector: detector,
		syncer:   syncer,
		members:  members,
		buffer:   buffer,
		handler:  handler,
		stats:    NewStats(nil),
		logger:   zap.NewNop(),
	}, nil
}

// SetLogger sets the logger
func (r *PartitionRecovery) SetLogger(l *zap.Logger) {
	r.logger = l.Named("recovery.partition")
}

// SetStats shares recovery stats with other recoveries
func (r *PartitionRecovery) SetStats(s *Stats) {
	r.stats = s
}

// SetHeightSource sets the source of the local chain height, used to date
// reintegration proposals
func (r *PartitionRecovery) SetHeightSource(fn func() int64) {
	r.height = fn
}

// SetOnResume sets the callback that resumes normal processing
func (r *PartitionRecovery) SetOnResume(fn func(ctx context.Context) error) {
	r.onResume = fn
}

// Buffer returns the message buffer
func (r *PartitionRecovery) Buffer() *MessageBuffer {
	return r.buffer
}

// ActivePlan returns the unfinished plan, if any
func (r *PartitionRecovery) ActivePlan() (*Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyPlan(r.active), r.active != nil
}

// InitiateRecovery recovers from partition. If an earlier attempt at the
// same partition failed, its plan is resumed after the last completed step.
func (r *PartitionRecovery) InitiateRecovery(ctx context.Context, partition *NetworkPartition) (*RecoveryReport, error) {
	if partition == nil {
		return nil, ErrNotPartitioned
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRecoveryInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	plan := r.planFor(ctx, partition)

	runCtx, cancel := context.WithTimeout(ctx, r.config.RecoveryTimeout)
	defer cancel()

	report, err := r.execute(runCtx, plan)
	elapsed := time.Since(start)
	if err == nil && elapsed >= r.config.RecoveryTimeout {
		err = &RecoveryError{Step: StepResume, PlanID: plan.ID,
			Err: fmt.Errorf("%w: took %s", ErrRecoveryTimeout, elapsed)}
	}
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = timeoutError(err)
	}
	r.stats.Record(KindPartition, err == nil, elapsed)

	if err != nil {
		r.logger.Error("partition recovery failed",
			zap.Stringer("plan", plan.ID),
			zap.Stringer("completed", plan.Completed),
			zap.Int("attempt", plan.Attempts),
			zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	report.Elapsed = elapsed
	r.logger.Info("partition recovery complete",
		zap.Stringer("plan", plan.ID),
		zap.Int("replayed", report.Replayed),
		zap.Int("reintegrated", len(report.Reintegrated)),
		zap.Float64("connectivity", report.Connectivity),
		zap.Duration("elapsed", elapsed))
	return report, nil
}

// timeoutError rewraps a deadline error so it matches ErrRecoveryTimeout
func timeoutError(err error) error {
	var re *RecoveryError
	if errors.As(err, &re) {
		return &RecoveryError{Step: re.Step, PlanID: re.PlanID, Err: fmt.Errorf("%w: %v", ErrRecoveryTimeout, re.Err)}
	}
	return fmt.Errorf("%w: %v", ErrRecoveryTimeout, err)
}

// planFor returns the active plan if it is for the same partition, or a new
// one.
func (r *PartitionRecovery) planFor(ctx context.Context, partition *NetworkPartition) *Plan {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.Partition.DetectedAt.Equal(partition.DetectedAt) {
		r.active.Attempts++
		r.logger.Info("resuming partition recovery",
			zap.Stringer("plan", r.active.ID),
			zap.Stringer("completed", r.active.Completed))
		return r.active
	}

	sp := r.syncer.Plan(ctx, 0)
	order := r.buffer.Ordered()
	plan := &Plan{
		ID:           uuid.New(),
		Partition:    copyPartition(partition),
		SyncStrategy: sp.Strategy,
		SyncTarget:   sp.Target,
		ReplayOrder:  order,
		Reintegrate:  r.reintegrationCandidates(partition),
		CreatedAt:    time.Now(),
		Attempts:     1,
	}
	if prev := r.stats.Kind(KindPartition); prev.Successes > 0 {
		plan.Estimate = prev.Average()
	} else {
		plan.Estimate = time.Duration(sp.Gap())*estimatePerBlock + time.Duration(len(order))*estimatePerMessage
	}
	r.active = plan

	r.logger.Info("partition recovery planned",
		zap.Stringer("plan", plan.ID),
		zap.Stringer("partition", partition.Type),
		zap.Stringer("sync", plan.SyncStrategy),
		zap.Int64("target", plan.SyncTarget),
		zap.Int("buffered", len(order)),
		zap.Int("reintegrate", len(plan.Reintegrate)),
		zap.Duration("estimate", plan.Estimate))
	return plan
}

// reintegrationCandidates returns this node and the validators cut off by
// the partition that are no longer in the set and not banned
func (r *PartitionRecovery) reintegrationCandidates(p *NetworkPartition) []types.Address {
	set := r.members.CurrentValidatorSet()
	var out []types.Address
	for _, addr := range append([]types.Address{r.self}, p.Affected...) {
		if addr.IsZero() || set.Has(addr) || r.members.Banned(addr) || slices.Contains(out, addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (r *PartitionRecovery) complete(plan *Plan, step Step) {
	r.mu.Lock()
	plan.Completed = step
	r.mu.Unlock()
}

func (r *PartitionRecovery) execute(ctx context.Context, plan *Plan) (*RecoveryReport, error) {
	report := &RecoveryReport{PlanID: plan.ID}
	fail := func(step Step, err error) (*RecoveryReport, error) {
		return nil, &RecoveryError{Step: step, PlanID: plan.ID, Err: err}
	}

	if plan.Completed < StepSync {
		res, err := r.syncer.Sync(ctx, plan.SyncTarget)
		if err != nil {
			return fail(StepSync, err)
		}
		report.Sync = res
		r.mu.Lock()
		plan.SyncedHeight = res.Height
		r.mu.Unlock()
		r.complete(plan, StepSync)
	}

	if plan.Completed < StepReplay {
		// Messages for heights the sync already finalized are stale
		report.Dropped = r.buffer.DropThrough(plan.SyncedHeight)
		n, err := r.buffer.Drain(ctx, func(m *BufferedMessage) error {
			return r.handler(ctx, m)
		})
		report.Replayed = n
		if err != nil {
			return fail(StepReplay, err)
		}
		r.complete(plan, StepReplay)
	}

	if plan.Completed < StepReintegrate {
		added, err := r.reintegrate(plan.Reintegrate)
		report.Reintegrated = added
		if err != nil {
			return fail(StepReintegrate, err)
		}
		r.complete(plan, StepReintegrate)
	}

	if plan.Completed < StepResume {
		if r.onResume != nil {
			if err := r.onResume(ctx); err != nil {
				return fail(StepResume, err)
			}
		}
		score, err := r.awaitConnectivity(ctx)
		report.Connectivity = score
		if err != nil {
			return fail(StepResume, err)
		}
		r.complete(plan, StepResume)
	}
	return report, nil
}

// reintegrate proposes each candidate still out of the set whose suspension
// is over. Proposals take effect once certified.
func (r *PartitionRecovery) reintegrate(candidates []types.Address) ([]types.Address, error) {
	var height int64
	if r.height != nil {
		height = r.height()
	}
	set := r.members.CurrentValidatorSet()

	var added []types.Address
	for _, addr := range candidates {
		if set.Has(addr) || r.members.Banned(addr) {
			continue
		}
		if until, ok := r.members.Suspended(addr); ok && height < until {
			r.logger.Info("validator still suspended",
				zap.Stringer("validator", addr),
				zap.Int64("until", until))
			continue
		}
		ev, err := r.members.Propose(&membership.Event{
			Kind:      membership.EventReintegrate,
			Height:    height,
			Validator: addr,
			Reason:    "partition recovery",
		})
		if err != nil {
			return added, fmt.Errorf("reintegrate %s: %w", addr, err)
		}
		r.logger.Info("reintegration proposed",
			zap.Stringer("validator", addr),
			zap.Uint64("seq", ev.Seq))
		added = append(added, addr)
	}
	return added, nil
}

// awaitConnectivity polls until connectivity exceeds the threshold or ctx
// ends
func (r *PartitionRecovery) awaitConnectivity(ctx context.Context) (float64, error) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		score := r.detector.Connectivity()
		if r.detector.exceeds(score) {
			return score, nil
		}
		select {
		case <-ctx.Done():
			return score, fmt.Errorf("connectivity %.2f, need above %.2f: %w",
				score, r.detector.Threshold(), ctx.Err())
		case <-ticker.C:
		}
	}
}
