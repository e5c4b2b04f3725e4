package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/store"
)

// Config configures checkpointing
type Config struct {
	// Interval creates a checkpoint every Interval finalized heights
	Interval int64 `mapstructure:"interval"`

	// Period creates a checkpoint at least this often while state advances
	Period time.Duration `mapstructure:"period"`

	// Retention is the number of checkpoints kept; older ones are pruned
	Retention int `mapstructure:"retention"`

	// MaxStateSize bounds the uncompressed snapshot size
	MaxStateSize int64 `mapstructure:"max_state_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Interval:     100,
		Period:       time.Minute,
		Retention:    5,
		MaxStateSize: 256 << 20,
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if c.Period <= 0 {
		return fmt.Errorf("%w: period must be positive", ErrInvalidConfig)
	}
	if c.Retention < 1 {
		return fmt.Errorf("%w: retention must be at least 1", ErrInvalidConfig)
	}
	if c.MaxStateSize <= 0 {
		return fmt.Errorf("%w: max state size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Store persists encoded checkpoints by height. store.DB implements it.
type Store interface {
	SaveCheckpoint(height int64, data []byte) error
	LoadCheckpoint(height int64) ([]byte, error)
	DeleteCheckpoint(height int64) error
	CheckpointHeights() ([]int64, error)
}

// StateSource is the state being checkpointed. Snapshot must hold its own
// lock only while copying.
type StateSource interface {
	Height() int64
	Snapshot() (*statemachine.Snapshot, error)
}

// CreatedFunc is called after a checkpoint is stored. oldest is the lowest
// height still retained, below which logged messages are no longer needed.
type CreatedFunc func(cp *Checkpoint, oldest int64)

// Manager creates, retains and restores checkpoints.
type Manager struct {
	config     Config
	store      Store
	source     StateSource
	validators engine.ValidatorSetSource
	comp       *compressor
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// createMu serializes Create and Prune
	createMu  sync.Mutex
	onCreated CreatedFunc

	notifyCh chan struct{}

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager. Call Close when done.
func NewManager(
	config Config,
	st Store,
	source StateSource,
	validators engine.ValidatorSetSource,
) (*Manager, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if st == nil || source == nil || validators == nil {
		return nil, fmt.Errorf("%w: store, state source and validators are required", ErrInvalidConfig)
	}
	comp, err := newCompressor(config.MaxStateSize, zstd.SpeedDefault)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:     config,
		store:      st,
		source:     source,
		validators: validators,
		comp:       comp,
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
		now:        time.Now,
		notifyCh:   make(chan struct{}, 1),
	}, nil
}

// SetLogger sets the logger
func (m *Manager) SetLogger(l *zap.Logger) {
	m.logger = l.Named("checkpoint")
}

// SetMetrics sets the metrics sink
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// SetOnCreated sets the callback run after each stored checkpoint
func (m *Manager) SetOnCreated(fn CreatedFunc) {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	m.onCreated = fn
}

// Close releases the compressor. The manager must be stopped.
func (m *Manager) Close() {
	m.comp.close()
}

// Create snapshots the state source and stores a checkpoint at its height.
// Returns ErrNoStateProgress if a checkpoint at that height already exists.
func (m *Manager) Create() (*Checkpoint, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	snap, err := m.source.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}

	heights, err := m.store.CheckpointHeights()
	if err != nil {
		return nil, err
	}
	if _, found := slices.BinarySearch(heights, snap.Height); found {
		return nil, fmt.Errorf("%w: height %d", ErrNoStateProgress, snap.Height)
	}

	compressed, err := m.comp.compress(snap.Data)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		ID:         uuid.New(),
		Height:     snap.Height,
		StateRoot:  snap.Root,
		LastBlock:  snap.LastBlock,
		Timestamp:  m.now().UnixNano(),
		EpochID:    m.validators.CurrentEpoch(),
		Validators: m.validators.CurrentValidatorSet().Validators(),
		State:      compressed,
		RawSize:    int64(len(snap.Data)),
	}
	data, err := cp.Encode()
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveCheckpoint(cp.Height, data); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	m.metrics.CheckpointsCreated.Inc()
	m.metrics.CheckpointBytes.Set(float64(len(compressed)))
	m.logger.Info("checkpoint created",
		zap.Stringer("id", cp.ID),
		zap.Int64("height", cp.Height),
		zap.Stringer("root", cp.StateRoot),
		zap.Int64("raw_bytes", cp.RawSize),
		zap.Int("compressed_bytes", len(compressed)))

	heights = append(heights, cp.Height)
	slices.Sort(heights)
	oldest, err := m.pruneLocked(heights)
	if err != nil {
		m.logger.Warn("failed to prune checkpoints", zap.Error(err))
	}
	if m.onCreated != nil {
		m.onCreated(cp, oldest)
	}
	return cp, nil
}

// Prune deletes checkpoints beyond the retention limit, oldest first, and
// returns the lowest retained height.
func (m *Manager) Prune() (int64, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	heights, err := m.store.CheckpointHeights()
	if err != nil {
		return 0, err
	}
	return m.pruneLocked(heights)
}

func (m *Manager) pruneLocked(heights []int64) (int64, error) {
	for len(heights) > m.config.Retention {
		if err := m.store.DeleteCheckpoint(heights[0]); err != nil {
			return heights[0], err
		}
		m.logger.Debug("pruned checkpoint", zap.Int64("height", heights[0]))
		heights = heights[1:]
	}
	if len(heights) == 0 {
		return 0, nil
	}
	return heights[0], nil
}

// Heights returns retained checkpoint heights in ascending order
func (m *Manager) Heights() ([]int64, error) {
	return m.store.CheckpointHeights()
}

// Load returns the checkpoint at height
func (m *Manager) Load(height int64) (*Checkpoint, error) {
	data, err := m.store.LoadCheckpoint(height)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w at height %d", ErrNoCheckpoint, height)
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Latest returns the highest retained checkpoint
func (m *Manager) Latest() (*Checkpoint, error) {
	return m.LatestAtOrBelow(-1)
}

// LatestAtOrBelow returns the highest checkpoint at or below height. A
// negative height means no bound.
func (m *Manager) LatestAtOrBelow(height int64) (*Checkpoint, error) {
	heights, err := m.store.CheckpointHeights()
	if err != nil {
		return nil, err
	}
	for i := len(heights) - 1; i >= 0; i-- {
		if height < 0 || heights[i] <= height {
			return m.Load(heights[i])
		}
	}
	return nil, ErrNoCheckpoint
}

// Decompress returns the raw snapshot data of cp
func (m *Manager) Decompress(cp *Checkpoint) ([]byte, error) {
	raw, err := m.comp.decompress(cp.State)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) != cp.RawSize {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrCorruptCheckpoint, len(raw), cp.RawSize)
	}
	return raw, nil
}

// Restore loads cp into machine. The restored state must hash to
// cp.StateRoot; otherwise ErrStateRootMismatch is returned and machine is
// unchanged.
func (m *Manager) Restore(cp *Checkpoint, machine statemachine.Machine) error {
	raw, err := m.Decompress(cp)
	if err != nil {
		return err
	}
	if err := machine.Restore(cp.snapshot(raw)); err != nil {
		if errors.Is(err, statemachine.ErrInvalidSnapshot) {
			return fmt.Errorf("%w at height %d: %v", ErrStateRootMismatch, cp.Height, err)
		}
		return err
	}
	m.logger.Info("restored checkpoint",
		zap.Stringer("id", cp.ID),
		zap.Int64("height", cp.Height),
		zap.Stringer("root", cp.StateRoot))
	return nil
}

// Notify tells the manager that height was finalized. It never blocks; the
// background loop creates a checkpoint once Interval heights have passed.
func (m *Manager) Notify(height int64) {
	if height%m.config.Interval != 0 {
		return
	}
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the periodic checkpoint loop
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.checkpointRoutine(m.stopCh)
	return nil
}

// Stop stops the loop and waits for it to exit
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) checkpointRoutine(stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-m.notifyCh:
		case <-ticker.C:
		}
		m.maybeCreate()
	}
}

// maybeCreate checkpoints if state advanced since the latest checkpoint
func (m *Manager) maybeCreate() {
	if m.source.Height() == 0 {
		return
	}
	if latest, err := m.Latest(); err == nil && latest.Height >= m.source.Height() {
		return
	}
	if _, err := m.Create(); err != nil && !errors.Is(err, ErrNoStateProgress) {
		m.logger.Error("failed to create checkpoint", zap.Error(err))
	}
}
