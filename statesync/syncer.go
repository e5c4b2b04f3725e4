package statesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/peer"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/types"
)

// Sync errors
var (
	ErrNoPeers            = errors.New("no peers available for sync")
	ErrUnknownPeer        = errors.New("unknown sync peer")
	ErrInvalidBlock       = errors.New("invalid block received")
	ErrInvalidCertificate = errors.New("invalid certificate received")
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint received")
	ErrValidationFailed   = errors.New("state validation failed")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrInvalidConfig      = errors.New("invalid sync config")
)

// Strategy is how the synchronizer catches up
type Strategy uint8

const (
	// FullSync fetches, verifies and applies every block from the local height
	FullSync Strategy = iota
	// IncrementalSync restores a local checkpoint the network agrees with and
	// applies the delta since it
	IncrementalSync
	// FastSync restores a peer's checkpoint proven by a certificate, then
	// applies the remaining blocks
	FastSync
)

func (s Strategy) String() string {
	switch s {
	case FullSync:
		return "full"
	case IncrementalSync:
		return "incremental"
	case FastSync:
		return "fast"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Config configures the synchronizer
type Config struct {
	// BatchSize is the number of blocks fetched per batch
	BatchSize int `mapstructure:"batch_size"`

	// Workers bounds concurrent block requests within a batch
	Workers int `mapstructure:"workers"`

	// RequestTimeout bounds a single request to a peer
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// FastSyncThreshold is the minimum gap, in heights, for FastSync
	FastSyncThreshold int64 `mapstructure:"fast_sync_threshold"`

	// FastSyncMinPeers is the minimum number of peers for FastSync
	FastSyncMinPeers int `mapstructure:"fast_sync_min_peers"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:         20,
		Workers:           5,
		RequestTimeout:    10 * time.Second,
		FastSyncThreshold: 1000,
		FastSyncMinPeers:  3,
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if c.BatchSize <= 0 || c.Workers <= 0 {
		return fmt.Errorf("%w: batch size and workers must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	if c.FastSyncThreshold <= 0 || c.FastSyncMinPeers <= 0 {
		return fmt.Errorf("%w: fast sync threshold and peers must be positive", ErrInvalidConfig)
	}
	return nil
}

// SelectStrategy picks a strategy for a gap of heights given the number of
// peers able to serve it. A large gap with enough peers to cross-check is
// fast-synced; otherwise a common checkpoint allows an incremental sync.
func SelectStrategy(config Config, gap int64, peers int, haveCommonCheckpoint bool) Strategy {
	switch {
	case gap >= config.FastSyncThreshold && peers >= config.FastSyncMinPeers:
		return FastSync
	case haveCommonCheckpoint:
		return IncrementalSync
	default:
		return FullSync
	}
}

// Peers is the view of peer heights the synchronizer needs. peer.Set
// implements it.
type Peers interface {
	PeersAtOrAbove(height int64) []*peer.State
	MaxHeight() int64
}

// Checkpoints is the local checkpoint store. checkpoint.Manager implements it.
type Checkpoints interface {
	LatestAtOrBelow(height int64) (*checkpoint.Checkpoint, error)
	Restore(cp *checkpoint.Checkpoint, machine statemachine.Machine) error
}

// MembershipLog is the local membership log. Sync extends it before
// fetching blocks so certificates from newer epochs verify.
// membership.Manager implements it.
type MembershipLog interface {
	NextSeq() uint64
	Commit(ev *membership.Event, cert *types.ConsensusCertificate) error
}

// RootVerifier checks a state root against independently observed state
type RootVerifier interface {
	VerifyRoot(ctx context.Context, height int64, root types.Hash) error
}

// Progress is the observable state of a sync
type Progress struct {
	Syncing  bool
	Strategy Strategy
	Start    int64
	Current  int64
	Target   int64
}

// SyncPlan is the strategy Sync would start with. Gap is Target - From.
type SyncPlan struct {
	Strategy Strategy
	From     int64
	Target   int64
	Peers    int
}

// Gap returns the number of blocks to catch up
func (p SyncPlan) Gap() int64 {
	return max(p.Target-p.From, 0)
}

// Result summarizes a completed sync
type Result struct {
	Strategy         Strategy
	StartHeight      int64
	Height           int64
	CheckpointHeight int64
	BlocksApplied    int
	MembershipEvents int
	StateRoot        types.Hash
	Elapsed          time.Duration
}

// Synchronizer brings the local state machine up to a target height from
// peers. Every block is checked against its certificate before it is
// applied, and every strategy ends with a validation pass.
type Synchronizer struct {
	config     Config
	chainID    string
	machine    statemachine.Machine
	validators engine.ValidatorSetSource
	provider   Provider
	peers      Peers

	checkpoints Checkpoints
	members     MembershipLog
	verifier    RootVerifier
	onBlock     func(*Block)

	logger  *zap.Logger
	metrics *metrics.Metrics

	syncing atomic.Bool

	mu       sync.RWMutex
	progress Progress
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(
	config Config,
	chainID string,
	machine statemachine.Machine,
	validators engine.ValidatorSetSource,
	provider Provider,
	peers Peers,
) (*Synchronizer, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if machine == nil || validators == nil || provider == nil || peers == nil {
		return nil, fmt.Errorf("%w: machine, validators, provider and peers are required", ErrInvalidConfig)
	}
	return &Synchronizer{
		config:     config,
		chainID:    chainID,
		machine:    machine,
		validators: validators,
		provider:   provider,
		peers:      peers,
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
	}, nil
}

// SetLogger sets the logger
func (s *Synchronizer) SetLogger(l *zap.Logger) {
	s.logger = l.Named("statesync")
}

// SetMetrics sets the metrics sink
func (s *Synchronizer) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetCheckpoints enables incremental and fast sync
func (s *Synchronizer) SetCheckpoints(c Checkpoints) {
	s.checkpoints = c
}

// SetMembership sets the membership log extended from peers on every sync
func (s *Synchronizer) SetMembership(l MembershipLog) {
	s.members = l
}

// SetRootVerifier adds a state root check to the validation pass
func (s *Synchronizer) SetRootVerifier(v RootVerifier) {
	s.verifier = v
}

// SetOnBlock sets a callback run synchronously after each applied block,
// typically to persist it.
func (s *Synchronizer) SetOnBlock(fn func(*Block)) {
	s.onBlock = fn
}

// Progress returns the current progress
func (s *Synchronizer) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// IsSyncing reports whether a sync is running
func (s *Synchronizer) IsSyncing() bool {
	return s.syncing.Load()
}

func (s *Synchronizer) setProgress(fn func(p *Progress)) {
	s.mu.Lock()
	fn(&s.progress)
	current, target := s.progress.Current, s.progress.Target
	s.mu.Unlock()

	s.metrics.SyncHeight.Set(float64(current))
	s.metrics.SyncTargetHeight.Set(float64(target))
}

// Sync brings the state machine to target. A non-positive target means the
// highest height reported by a peer.
func (s *Synchronizer) Sync(ctx context.Context, target int64) (*Result, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.syncing.Store(false)

	started := time.Now()
	events := s.syncMembership(ctx)
	plan, common := s.plan(ctx, target)
	target, local := plan.Target, plan.From
	res := &Result{StartHeight: local, Height: local, MembershipEvents: events, StateRoot: s.machine.Root()}
	if target <= local {
		return res, nil
	}
	if plan.Peers == 0 {
		return nil, fmt.Errorf("%w: none at height %d", ErrNoPeers, target)
	}

	strategy := plan.Strategy
	res.Strategy = strategy
	s.setProgress(func(p *Progress) {
		*p = Progress{Syncing: true, Strategy: strategy, Start: local, Current: local, Target: target}
	})
	defer s.setProgress(func(p *Progress) { p.Syncing = false })

	s.logger.Info("starting sync",
		zap.Stringer("strategy", strategy),
		zap.Int64("from", local),
		zap.Int64("to", target))

	switch strategy {
	case FastSync:
		cp, err := s.fastSync(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// No provable checkpoint; verify every block instead.
			s.logger.Warn("fast sync unavailable, falling back", zap.Error(err))
			res.Strategy = FullSync
			if common != nil {
				res.Strategy = IncrementalSync
				if err := s.restore(common); err != nil {
					return nil, err
				}
				res.CheckpointHeight = common.Height
			}
		} else {
			res.CheckpointHeight = cp.Height
		}
	case IncrementalSync:
		if err := s.restore(common); err != nil {
			return nil, err
		}
		res.CheckpointHeight = common.Height
	}

	last, applied, err := s.fetchAndApply(ctx, s.machine.Height()+1, target)
	res.BlocksApplied = applied
	if err != nil {
		return nil, err
	}
	if last == nil {
		// State came entirely from the checkpoint
		if last, err = s.fetchFromAny(ctx, target); err != nil {
			return nil, err
		}
	}
	if err := s.validate(ctx, target, last.Certificate); err != nil {
		return nil, err
	}

	res.Height = s.machine.Height()
	res.StateRoot = s.machine.Root()
	res.Elapsed = time.Since(started)
	s.logger.Info("sync complete",
		zap.Stringer("strategy", res.Strategy),
		zap.Int64("height", res.Height),
		zap.Int("blocks", res.BlocksApplied),
		zap.Stringer("root", res.StateRoot),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Plan reports what Sync would do for target without fetching any blocks
func (s *Synchronizer) Plan(ctx context.Context, target int64) SyncPlan {
	p, _ := s.plan(ctx, target)
	return p
}

func (s *Synchronizer) plan(ctx context.Context, target int64) (SyncPlan, *checkpoint.Checkpoint) {
	if target <= 0 {
		target = s.peers.MaxHeight()
	}
	p := SyncPlan{From: s.machine.Height(), Target: target}
	if target <= p.From {
		return p, nil
	}
	p.Peers = len(s.peersFor(target))
	if p.Peers == 0 {
		return p, nil
	}
	common := s.commonCheckpoint(ctx, target)
	p.Strategy = SelectStrategy(s.config, target-p.From, p.Peers, common != nil)
	if p.Strategy == FastSync && s.checkpoints == nil {
		p.Strategy = FullSync
	}
	return p, common
}

// peersFor returns peers able to serve height in a stable order
func (s *Synchronizer) peersFor(height int64) []*peer.State {
	peers := s.peers.PeersAtOrAbove(height)
	slices.SortFunc(peers, func(a, b *peer.State) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return peers
}

// syncMembership commits the membership events peers have and the local
// log lacks, trying peers in turn. Commit verifies each event against the
// set before it, so the sets stay anchored at genesis. Failures are logged;
// blocks that need a missing set then fail verification.
func (s *Synchronizer) syncMembership(ctx context.Context) int {
	if s.members == nil {
		return 0
	}
	committed := 0
	for _, p := range s.peersFor(0) {
		rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		events, err := s.provider.FetchMembership(rctx, p.ID(), s.members.NextSeq())
		cancel()
		if err != nil {
			s.logger.Debug("membership request failed", zap.String("peer", p.ID()), zap.Error(err))
			continue
		}
		for _, c := range events {
			if c.Event == nil || c.Event.Seq != s.members.NextSeq() {
				continue
			}
			if err := s.members.Commit(c.Event, c.Certificate); err != nil {
				s.logger.Warn("rejected synced membership event",
					zap.String("peer", p.ID()),
					zap.Uint64("seq", c.Event.Seq),
					zap.Error(err))
				break
			}
			committed++
		}
	}
	if committed > 0 {
		s.logger.Info("membership synced",
			zap.Int("events", committed),
			zap.Uint64("next_seq", s.members.NextSeq()))
	}
	return committed
}

// commonCheckpoint returns the newest local checkpoint above the machine's
// height whose last block is the one the network finalized, or nil.
func (s *Synchronizer) commonCheckpoint(ctx context.Context, target int64) *checkpoint.Checkpoint {
	if s.checkpoints == nil {
		return nil
	}
	cp, err := s.checkpoints.LatestAtOrBelow(target)
	if err != nil || cp.Height <= s.machine.Height() {
		return nil
	}
	b, err := s.fetchFromAny(ctx, cp.Height)
	if err != nil {
		s.logger.Debug("cannot confirm local checkpoint", zap.Int64("height", cp.Height), zap.Error(err))
		return nil
	}
	if b.Certificate.BlockHash != cp.LastBlock {
		s.logger.Warn("local checkpoint diverges from finalized chain",
			zap.Int64("height", cp.Height),
			zap.Stringer("checkpoint", cp.LastBlock),
			zap.Stringer("finalized", b.Certificate.BlockHash))
		return nil
	}
	return cp
}

func (s *Synchronizer) restore(cp *checkpoint.Checkpoint) error {
	if err := s.checkpoints.Restore(cp, s.machine); err != nil {
		return err
	}
	s.setProgress(func(p *Progress) { p.Current = cp.Height })
	return nil
}

// fastSync restores the first peer checkpoint whose last block is proven by
// a certificate.
func (s *Synchronizer) fastSync(ctx context.Context, target int64) (*checkpoint.Checkpoint, error) {
	var lastErr error = checkpoint.ErrNoCheckpoint
	for _, p := range s.peersFor(target) {
		cp, err := s.fetchProvenCheckpoint(ctx, p.ID(), target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err := s.restore(cp); err != nil {
			lastErr = err
			s.logger.Warn("peer checkpoint failed to restore", zap.String("peer", p.ID()), zap.Error(err))
			continue
		}
		return cp, nil
	}
	return nil, lastErr
}

func (s *Synchronizer) fetchProvenCheckpoint(ctx context.Context, peerID string, target int64) (*checkpoint.Checkpoint, error) {
	rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	cp, err := s.provider.FetchCheckpoint(rctx, peerID, target)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Height <= s.machine.Height() || cp.Height > target {
		return nil, fmt.Errorf("%w: unusable height", ErrInvalidCheckpoint)
	}
	proof, err := s.provider.FetchBlock(rctx, peerID, cp.Height)
	if err != nil {
		return nil, err
	}
	if err := s.verifyBlock(cp.Height, proof); err != nil {
		return nil, err
	}
	if proof.Certificate.BlockHash != cp.LastBlock {
		return nil, fmt.Errorf("%w: last block %s not certified", ErrInvalidCheckpoint, cp.LastBlock.Short())
	}
	return cp, nil
}

// fetchAndApply applies blocks from..to in batches and returns the last
// applied block.
func (s *Synchronizer) fetchAndApply(ctx context.Context, from, to int64) (*Block, int, error) {
	var last *Block
	applied := 0
	for start := from; start <= to; start += int64(s.config.BatchSize) {
		end := min(start+int64(s.config.BatchSize)-1, to)
		batch, err := s.fetchBatch(ctx, start, end)
		if err != nil {
			return nil, applied, err
		}
		for _, b := range batch {
			if err := s.machine.ApplyBlock(b.Height, b.Payload); err != nil {
				return nil, applied, fmt.Errorf("failed to apply block %d: %w", b.Height, err)
			}
			applied++
			last = b
			if s.onBlock != nil {
				s.onBlock(b)
			}
			s.setProgress(func(p *Progress) { p.Current = b.Height })
		}
		s.logger.Debug("applied batch", zap.Int64("from", start), zap.Int64("to", end))
	}
	return last, applied, nil
}

// fetchBatch fetches heights from..to concurrently. Each worker writes only
// its own slot of the result.
func (s *Synchronizer) fetchBatch(ctx context.Context, from, to int64) ([]*Block, error) {
	out := make([]*Block, to-from+1)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.config.Workers)
	for i := range out {
		height := from + int64(i)
		grp.Go(func() error {
			b, err := s.fetchFromAny(gctx, height)
			out[i] = b
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchFromAny fetches and verifies the block at height, trying each able
// peer in turn.
func (s *Synchronizer) fetchFromAny(ctx context.Context, height int64) (*Block, error) {
	peers := s.peersFor(height)
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: none at height %d", ErrNoPeers, height)
	}
	var lastErr error
	first := int(height % int64(len(peers)))
	for i := range peers {
		id := peers[(first+i)%len(peers)].ID()

		rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		b, err := s.provider.FetchBlock(rctx, id, height)
		cancel()
		if err == nil {
			err = s.verifyBlock(height, b)
		}
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("block request failed",
			zap.String("peer", id), zap.Int64("height", height), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("block %d: %w", height, lastErr)
}

// verifyBlock checks that b is the block certified at height by the set
// its certificate names
func (s *Synchronizer) verifyBlock(height int64, b *Block) error {
	if b == nil || b.Height != height {
		return fmt.Errorf("%w: expected height %d", ErrInvalidBlock, height)
	}
	cert := b.Certificate
	if cert == nil || cert.Height != height {
		return fmt.Errorf("%w: missing or wrong height", ErrInvalidCertificate)
	}
	if hash := types.HashBytes(b.Payload); hash != cert.BlockHash {
		return fmt.Errorf("%w: payload hash %s, certified %s", ErrInvalidBlock, hash.Short(), cert.BlockHash.Short())
	}
	if err := types.VerifyCertificate(s.chainID, engine.CertificateSet(s.validators, cert), cert); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// validate is the final pass every strategy ends with: the state must sit at
// target on the certified block, and its root must satisfy the verifier.
func (s *Synchronizer) validate(ctx context.Context, target int64, cert *types.ConsensusCertificate) error {
	if h := s.machine.Height(); h != target {
		return fmt.Errorf("%w: state at height %d, target %d", ErrValidationFailed, h, target)
	}
	if got := s.machine.LastBlockHash(); got != cert.BlockHash {
		return fmt.Errorf("%w: last block %s, certified %s", ErrValidationFailed, got.Short(), cert.BlockHash.Short())
	}
	if s.verifier != nil {
		if err := s.verifier.VerifyRoot(ctx, target, s.machine.Root()); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}
	return nil
}
