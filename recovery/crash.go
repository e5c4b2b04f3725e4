package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/statesync"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// Checkpoints is the checkpoint store a crashed validator restores from.
// checkpoint.Manager implements it.
type Checkpoints interface {
	Latest() (*checkpoint.Checkpoint, error)
	Restore(cp *checkpoint.Checkpoint, machine statemachine.Machine) error
}

// MessageLog is the durable consensus message log. wal.WAL implements it.
type MessageLog interface {
	MessagesAfter(height int64) ([]*wal.Message, error)
}

// CertificateLoader loads finality certificates by height
type CertificateLoader interface {
	LoadCertificate(height int64) (*types.ConsensusCertificate, error)
}

// ReplayFunc is called for each replayed message after the state machine
// has applied it, e.g. to re-feed votes into the finality engine.
type ReplayFunc func(msg *wal.Message) error

// CrashRecoveryResult describes a completed crash recovery
type CrashRecoveryResult struct {
	Validator        types.Address
	CheckpointHeight int64
	RecoveredHeight  int64
	MessagesReplayed int
	StateRoot        types.Hash
	Elapsed          time.Duration
}

// CrashRecovery rebuilds a validator's state after a crash: restore the
// latest checkpoint, replay the log strictly after it, then verify the
// result against state the validator did not produce itself. A validator
// whose state fails verification must re-sync before it may rejoin.
type CrashRecovery struct {
	chainID     string
	machine     statemachine.Machine
	checkpoints Checkpoints
	log         MessageLog
	certs       CertificateLoader
	validators  engine.ValidatorSetSource

	roots    statesync.RootVerifier
	onReplay ReplayFunc
	stats    *Stats
	logger   *zap.Logger

	running atomic.Bool

	mu          sync.RWMutex
	needsResync map[types.Address]struct{}
}

// NewCrashRecovery creates a crash recovery. checkpoints may be nil, in which
// case the whole log is replayed onto the machine's current state.
func NewCrashRecovery(
	chainID string,
	machine statemachine.Machine,
	checkpoints Checkpoints,
	log MessageLog,
	certs CertificateLoader,
	validators engine.ValidatorSetSource,
) (*CrashRecovery, error) {
	if machine == nil || log == nil || certs == nil || validators == nil {
		return nil, fmt.Errorf("%w: machine, log, certificates and validators are required", ErrInvalidConfig)
	}
	return &CrashRecovery{
		chainID:     chainID,
		machine:     machine,
		checkpoints: checkpoints,
		log:         log,
		certs:       certs,
		validators:  validators,
		stats:       NewStats(nil),
		logger:      zap.NewNop(),
		needsResync: make(map[types.Address]struct{}),
	}, nil
}

// SetLogger sets the logger
func (r *CrashRecovery) SetLogger(l *zap.Logger) {
	r.logger = l.Named("recovery.crash")
}

// SetStats shares recovery stats with other recoveries
func (r *CrashRecovery) SetStats(s *Stats) {
	r.stats = s
}

// SetRootVerifier adds a check of the recovered root against peers
func (r *CrashRecovery) SetRootVerifier(v statesync.RootVerifier) {
	r.roots = v
}

// SetReplayHandler sets the per-message replay callback
func (r *CrashRecovery) SetReplayHandler(fn ReplayFunc) {
	r.onReplay = fn
}

// NeedsResync reports whether addr failed recovery and must re-sync
func (r *CrashRecovery) NeedsResync(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.needsResync[addr]
	return ok
}

// CheckRejoin returns ErrNeedsResync if addr may not rejoin consensus yet
func (r *CrashRecovery) CheckRejoin(addr types.Address) error {
	if r.NeedsResync(addr) {
		return fmt.Errorf("%w: %s", ErrNeedsResync, addr)
	}
	return nil
}

// ClearResync records that addr has re-synced
func (r *CrashRecovery) ClearResync(addr types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.needsResync, addr)
}

// Recover restores addr's state. On any failure after the checkpoint was
// restored the machine holds unverified state and addr is marked as needing
// a re-sync.
func (r *CrashRecovery) Recover(ctx context.Context, addr types.Address) (*CrashRecoveryResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRecoveryInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	res, err := r.recover(ctx, addr)
	elapsed := time.Since(start)
	r.stats.Record(KindCrash, err == nil, elapsed)
	if err != nil {
		r.mu.Lock()
		r.needsResync[addr] = struct{}{}
		r.mu.Unlock()
		r.logger.Error("crash recovery failed, re-sync required",
			zap.Stringer("validator", addr),
			zap.Error(err))
		return nil, err
	}

	res.Elapsed = elapsed
	r.logger.Info("crash recovery complete",
		zap.Stringer("validator", addr),
		zap.Int64("checkpoint", res.CheckpointHeight),
		zap.Int64("height", res.RecoveredHeight),
		zap.Int("replayed", res.MessagesReplayed),
		zap.Stringer("root", res.StateRoot),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (r *CrashRecovery) recover(ctx context.Context, addr types.Address) (*CrashRecoveryResult, error) {
	res := &CrashRecoveryResult{Validator: addr}

	from, err := r.restore()
	if err != nil {
		return nil, err
	}
	res.CheckpointHeight = from

	msgs, err := r.log.MessagesAfter(from)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read message log: %v", ErrRecoveryFailed, err)
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.machine.Apply(msg); err != nil {
			return nil, fmt.Errorf("%w: replay of %s at height %d: %w",
				ErrRecoveryFailed, msg.Type, msg.Height, err)
		}
		if r.onReplay != nil {
			if err := r.onReplay(msg); err != nil {
				return nil, fmt.Errorf("%w: replay handler: %v", ErrRecoveryFailed, err)
			}
		}
		res.MessagesReplayed++
	}

	res.RecoveredHeight = r.machine.Height()
	res.StateRoot = r.machine.Root()
	if err := r.verify(ctx, res.RecoveredHeight, r.machine.LastBlockHash(), res.StateRoot); err != nil {
		return nil, err
	}
	return res, nil
}

// restore loads the latest checkpoint into the machine and returns the
// height replay starts after.
func (r *CrashRecovery) restore() (int64, error) {
	if r.checkpoints == nil {
		return r.machine.Height(), nil
	}
	cp, err := r.checkpoints.Latest()
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return r.machine.Height(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to load checkpoint: %v", ErrRecoveryFailed, err)
	}
	if err := r.checkpoints.Restore(cp, r.machine); err != nil {
		return 0, fmt.Errorf("%w: checkpoint %d: %v", ErrUnverifiedState, cp.Height, err)
	}
	r.logger.Debug("restored checkpoint", zap.Int64("height", cp.Height), zap.Stringer("root", cp.StateRoot))
	return cp.Height, nil
}

// verify checks the recovered state against the finality certificate at
// its height and, if configured, the roots peers report.
func (r *CrashRecovery) verify(ctx context.Context, height int64, lastBlock, root types.Hash) error {
	if height == 0 {
		return nil
	}
	cert, err := r.certs.LoadCertificate(height)
	if err != nil {
		return fmt.Errorf("%w: no certificate at height %d: %v", ErrUnverifiedState, height, err)
	}
	if cert.BlockHash != lastBlock {
		return fmt.Errorf("%w: height %d finalized %s, state is at %s",
			ErrUnverifiedState, height, cert.BlockHash.Short(), lastBlock.Short())
	}
	if err := types.VerifyCertificate(r.chainID, engine.CertificateSet(r.validators, cert), cert); err != nil {
		return fmt.Errorf("%w: certificate at height %d: %v", ErrUnverifiedState, height, err)
	}
	if r.roots != nil {
		if err := r.roots.VerifyRoot(ctx, height, root); err != nil {
			return fmt.Errorf("%w: root at height %d: %v", ErrUnverifiedState, height, err)
		}
	}
	return nil
}
