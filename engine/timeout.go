package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

const (
	// timeoutChannelSize is the buffer size for timeout channels
	timeoutChannelSize = 100
)

// Operation is a class of work with its own timeout
type Operation uint8

const (
	OpVoteCollection Operation = iota
	OpProposal
	OpStateSync
	OpMessageReplay
	OpCrashRecovery
	OpPartitionRecovery
	OpCheckpoint
	numOperations
)

func (o Operation) String() string {
	switch o {
	case OpVoteCollection:
		return "vote_collection"
	case OpProposal:
		return "proposal"
	case OpStateSync:
		return "state_sync"
	case OpMessageReplay:
		return "message_replay"
	case OpCrashRecovery:
		return "crash_recovery"
	case OpPartitionRecovery:
		return "partition_recovery"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// TimeoutClass classifies a validator's recent timeout history
type TimeoutClass uint8

const (
	TimeoutNone TimeoutClass = iota
	TimeoutIsolated
	TimeoutRecurring
	TimeoutPersistent
	TimeoutMalicious
)

func (c TimeoutClass) String() string {
	switch c {
	case TimeoutNone:
		return "none"
	case TimeoutIsolated:
		return "isolated"
	case TimeoutRecurring:
		return "recurring"
	case TimeoutPersistent:
		return "persistent"
	case TimeoutMalicious:
		return "malicious"
	default:
		return "unknown"
	}
}

// TimeoutAction is the recommended response to a TimeoutClass
type TimeoutAction uint8

const (
	ActionNone TimeoutAction = iota
	ActionRetry
	ActionIncreaseTimeout
	ActionMarkSuspect
	ActionReportByzantine
)

func (a TimeoutAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetry:
		return "retry"
	case ActionIncreaseTimeout:
		return "increase_timeout"
	case ActionMarkSuspect:
		return "mark_suspect"
	case ActionReportByzantine:
		return "report_byzantine"
	default:
		return "unknown"
	}
}

// RecommendedAction maps a class to its action
func (c TimeoutClass) RecommendedAction() TimeoutAction {
	switch c {
	case TimeoutIsolated:
		return ActionRetry
	case TimeoutRecurring:
		return ActionIncreaseTimeout
	case TimeoutPersistent:
		return ActionMarkSuspect
	case TimeoutMalicious:
		return ActionReportByzantine
	default:
		return ActionNone
	}
}

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	VoteCollection    time.Duration `mapstructure:"vote_collection"`
	Proposal          time.Duration `mapstructure:"proposal"`
	StateSync         time.Duration `mapstructure:"state_sync"`
	MessageReplay     time.Duration `mapstructure:"message_replay"`
	CrashRecovery     time.Duration `mapstructure:"crash_recovery"`
	PartitionRecovery time.Duration `mapstructure:"partition_recovery"`
	Checkpoint        time.Duration `mapstructure:"checkpoint"`

	// Min and Max clamp every adaptive timeout
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`

	// BackoffFactor multiplies the timeout per consecutive timeout
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	// Smoothing is the EWMA weight of the newest observation
	Smoothing float64 `mapstructure:"smoothing"`
	// SafetyMultiplier scales the observed mean into a timeout
	SafetyMultiplier float64 `mapstructure:"safety_multiplier"`

	// Validator classification thresholds, counted within Window
	Window              time.Duration `mapstructure:"window"`
	RecurringThreshold  int           `mapstructure:"recurring_threshold"`
	PersistentThreshold int           `mapstructure:"persistent_threshold"`
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		VoteCollection:      3 * time.Second,
		Proposal:            3 * time.Second,
		StateSync:           2 * time.Minute,
		MessageReplay:       30 * time.Second,
		CrashRecovery:       5 * time.Minute,
		PartitionRecovery:   5 * time.Minute,
		Checkpoint:          30 * time.Second,
		Min:                 100 * time.Millisecond,
		Max:                 10 * time.Minute,
		BackoffFactor:       1.5,
		Smoothing:           0.2,
		SafetyMultiplier:    3,
		Window:              5 * time.Minute,
		RecurringThreshold:  3,
		PersistentThreshold: 6,
	}
}

// ValidateBasic checks the timeout configuration
func (c TimeoutConfig) ValidateBasic() error {
	for op := Operation(0); op < numOperations; op++ {
		if c.base(op) <= 0 {
			return fmt.Errorf("%w: %s timeout must be positive", ErrInvalidConfig, op)
		}
	}
	if c.Min <= 0 || c.Max < c.Min {
		return fmt.Errorf("%w: timeout bounds min=%s max=%s", ErrInvalidConfig, c.Min, c.Max)
	}
	if c.BackoffFactor < 1 || c.SafetyMultiplier < 1 {
		return fmt.Errorf("%w: backoff and safety multipliers must be >= 1", ErrInvalidConfig)
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("%w: smoothing must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Window <= 0 || c.RecurringThreshold < 2 || c.PersistentThreshold <= c.RecurringThreshold {
		return fmt.Errorf("%w: invalid timeout classification thresholds", ErrInvalidConfig)
	}
	return nil
}

func (c TimeoutConfig) base(op Operation) time.Duration {
	switch op {
	case OpVoteCollection:
		return c.VoteCollection
	case OpProposal:
		return c.Proposal
	case OpStateSync:
		return c.StateSync
	case OpMessageReplay:
		return c.MessageReplay
	case OpCrashRecovery:
		return c.CrashRecovery
	case OpPartitionRecovery:
		return c.PartitionRecovery
	case OpCheckpoint:
		return c.Checkpoint
	default:
		return time.Second
	}
}

// AdaptiveTiming learns per-operation timeouts from observed durations.
// The timeout is max(base, mean*SafetyMultiplier) scaled by BackoffFactor
// for every consecutive timeout, then clamped to [Min, Max].
type AdaptiveTiming struct {
	mu     sync.Mutex
	config TimeoutConfig

	mean        [numOperations]float64 // nanoseconds, 0 = no observation yet
	consecutive [numOperations]int
}

// NewAdaptiveTiming creates an AdaptiveTiming
func NewAdaptiveTiming(config TimeoutConfig) *AdaptiveTiming {
	return &AdaptiveTiming{config: config}
}

// Timeout returns the current timeout for op
func (a *AdaptiveTiming) Timeout(op Operation) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := float64(a.config.base(op))
	if learned := a.mean[op] * a.config.SafetyMultiplier; learned > d {
		d = learned
	}
	d *= math.Pow(a.config.BackoffFactor, float64(a.consecutive[op]))
	d = math.Min(d, float64(a.config.Max))
	d = math.Max(d, float64(a.config.Min))
	return time.Duration(d)
}

// ObserveSuccess folds a completed operation's duration into the mean and
// resets the backoff.
func (a *AdaptiveTiming) ObserveSuccess(op Operation, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mean[op] == 0 {
		a.mean[op] = float64(d)
	} else {
		alpha := a.config.Smoothing
		a.mean[op] = alpha*float64(d) + (1-alpha)*a.mean[op]
	}
	a.consecutive[op] = 0
}

// ObserveTimeout increases the backoff for op
func (a *AdaptiveTiming) ObserveTimeout(op Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutive[op]++
}

// TimeoutInfo represents a scheduled timeout
type TimeoutInfo struct {
	Key       string
	Operation Operation
	Height    int64
	Duration  time.Duration
}

type validatorTimeouts struct {
	times      []time.Time
	lastActive time.Time
}

// TimeoutManager schedules wall-clock deadlines for operations, adapts them
// to observed performance and classifies validators by how often they time
// out.
type TimeoutManager struct {
	mu      sync.Mutex
	config  TimeoutConfig
	timing  *AdaptiveTiming
	logger  *zap.Logger
	metrics *metrics.Metrics

	timers     map[string]*time.Timer
	tockCh     chan TimeoutInfo
	stopCh     chan struct{}
	stopped    bool
	validators map[types.Address]*validatorTimeouts

	droppedTimeouts atomic.Uint64
	now             func() time.Time
}

// NewTimeoutManager creates a TimeoutManager
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	return &TimeoutManager{
		config:     config,
		timing:     NewAdaptiveTiming(config),
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
		timers:     make(map[string]*time.Timer),
		tockCh:     make(chan TimeoutInfo, timeoutChannelSize),
		stopCh:     make(chan struct{}),
		validators: make(map[types.Address]*validatorTimeouts),
		now:        time.Now,
	}
}

// SetLogger sets the logger
func (tm *TimeoutManager) SetLogger(l *zap.Logger) {
	tm.logger = l.Named("timeouts")
}

// SetMetrics sets the metrics sink
func (tm *TimeoutManager) SetMetrics(m *metrics.Metrics) {
	tm.metrics = m
}

// Timing returns the underlying adaptive timing
func (tm *TimeoutManager) Timing() *AdaptiveTiming {
	return tm.timing
}

// Timeout returns the current timeout for op
func (tm *TimeoutManager) Timeout(op Operation) time.Duration {
	return tm.timing.Timeout(op)
}

// Deadline derives a context that expires after op's current timeout.
func (tm *TimeoutManager) Deadline(ctx context.Context, op Operation) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.timing.Timeout(op))
}

// Chan returns the channel that delivers expired timeouts
func (tm *TimeoutManager) Chan() <-chan TimeoutInfo {
	return tm.tockCh
}

// Schedule arms a timeout under ti.Key, replacing any timeout with the same
// key. The duration is taken from AdaptiveTiming.
func (tm *TimeoutManager) Schedule(ti TimeoutInfo) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return
	}
	if t, ok := tm.timers[ti.Key]; ok {
		t.Stop()
	}

	ti.Duration = tm.timing.Timeout(ti.Operation)
	fired := ti
	tm.timers[ti.Key] = time.AfterFunc(ti.Duration, func() {
		tm.mu.Lock()
		delete(tm.timers, fired.Key)
		tm.mu.Unlock()

		tm.timing.ObserveTimeout(fired.Operation)
		tm.metrics.Timeouts.WithLabelValues(fired.Operation.String()).Inc()

		select {
		case tm.tockCh <- fired:
		case <-tm.stopCh:
		default:
			count := tm.droppedTimeouts.Add(1)
			tm.logger.Warn("dropped timeout due to full channel",
				zap.String("key", fired.Key),
				zap.Stringer("operation", fired.Operation),
				zap.Uint64("total_dropped", count))
		}
	})
}

// Complete cancels the timeout under key and records the operation duration.
func (tm *TimeoutManager) Complete(key string, op Operation, elapsed time.Duration) {
	tm.Cancel(key)
	tm.timing.ObserveSuccess(op, elapsed)
}

// Cancel stops the timeout under key, if any
func (tm *TimeoutManager) Cancel(key string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t, ok := tm.timers[key]; ok {
		t.Stop()
		delete(tm.timers, key)
	}
}

// Stop cancels every timer
func (tm *TimeoutManager) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped {
		return
	}
	tm.stopped = true
	close(tm.stopCh)
	for k, t := range tm.timers {
		t.Stop()
		delete(tm.timers, k)
	}
}

// DroppedTimeouts returns the number of timeouts dropped due to full channel
func (tm *TimeoutManager) DroppedTimeouts() uint64 {
	return tm.droppedTimeouts.Load()
}

// ObserveValidatorTimeout records that validator failed to respond in time
// and returns its updated classification.
func (tm *TimeoutManager) ObserveValidatorTimeout(validator types.Address) TimeoutClass {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	vt := tm.validator(validator)
	vt.times = append(vt.times, tm.now())
	return tm.classifyLocked(vt)
}

// ObserveValidatorActivity records that validator was seen doing other work.
// A validator that keeps timing out while otherwise active is withholding
// selectively.
func (tm *TimeoutManager) ObserveValidatorActivity(validator types.Address) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.validator(validator).lastActive = tm.now()
}

// Classify returns validator's current timeout class
func (tm *TimeoutManager) Classify(validator types.Address) TimeoutClass {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	vt, ok := tm.validators[validator]
	if !ok {
		return TimeoutNone
	}
	return tm.classifyLocked(vt)
}

// TimeoutCount returns how many timeouts validator has within the window
func (tm *TimeoutManager) TimeoutCount(validator types.Address) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	vt, ok := tm.validators[validator]
	if !ok {
		return 0
	}
	tm.trimLocked(vt)
	return len(vt.times)
}

func (tm *TimeoutManager) validator(addr types.Address) *validatorTimeouts {
	vt, ok := tm.validators[addr]
	if !ok {
		vt = &validatorTimeouts{}
		tm.validators[addr] = vt
	}
	return vt
}

func (tm *TimeoutManager) trimLocked(vt *validatorTimeouts) {
	cutoff := tm.now().Add(-tm.config.Window)
	i := 0
	for i < len(vt.times) && vt.times[i].Before(cutoff) {
		i++
	}
	vt.times = vt.times[i:]
}

func (tm *TimeoutManager) classifyLocked(vt *validatorTimeouts) TimeoutClass {
	tm.trimLocked(vt)
	n := len(vt.times)
	active := !vt.lastActive.IsZero() && tm.now().Sub(vt.lastActive) < tm.config.Window
	switch {
	case n == 0:
		return TimeoutNone
	case n >= tm.config.PersistentThreshold && active:
		return TimeoutMalicious
	case n >= tm.config.PersistentThreshold:
		return TimeoutPersistent
	case n >= tm.config.RecurringThreshold:
		return TimeoutRecurring
	default:
		return TimeoutIsolated
	}
}
