package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

// CertificateStore is the durable record of finalized blocks. It is the
// source of truth behind the engine's recency caches. Lookups of missing
// entries return an error wrapping types.ErrCertificateNotFound.
type CertificateStore interface {
	SaveCertificate(cert *types.ConsensusCertificate) error
	LoadCertificate(height int64) (*types.ConsensusCertificate, error)
	LoadCertificateByHash(hash types.Hash) (*types.ConsensusCertificate, error)
	LatestCertificateHeight() (int64, error)
}

// ValidatorSetSource provides the validator set votes are checked against.
type ValidatorSetSource interface {
	CurrentValidatorSet() *types.ValidatorSet
	CurrentEpoch() uint64
}

// StaticValidatorSet is a ValidatorSetSource that never changes
type StaticValidatorSet struct {
	Epoch uint64
	Set   *types.ValidatorSet
}

// CurrentValidatorSet implements ValidatorSetSource
func (s StaticValidatorSet) CurrentValidatorSet() *types.ValidatorSet { return s.Set }

// CurrentEpoch implements ValidatorSetSource
func (s StaticValidatorSet) CurrentEpoch() uint64 { return s.Epoch }

// ValidatorSetHistory is implemented by sources that keep every set they
// have had, such as membership.Manager.
type ValidatorSetHistory interface {
	ValidatorSetByHash(hash types.Hash) (*types.ValidatorSet, bool)
}

// CertificateSet returns the set cert is verified against: the set named by
// cert.ValidatorSetHash when src keeps history and knows it, otherwise the
// current set.
func CertificateSet(src ValidatorSetSource, cert *types.ConsensusCertificate) *types.ValidatorSet {
	if h, ok := src.(ValidatorSetHistory); ok && cert != nil {
		if set, ok := h.ValidatorSetByHash(cert.ValidatorSetHash); ok {
			return set
		}
	}
	return src.CurrentValidatorSet()
}

// PendingExpiry reports a pending block dropped by liveness expiry
type PendingExpiry struct {
	Target        CertificateTarget
	VotesReceived int
	RequiredVotes int
	Age           time.Duration
}

// Hooks are invoked after the engine has released its locks. They must not
// block for long; slow consumers should hand off to their own goroutine.
type Hooks struct {
	OnFinalized    func(cert *types.ConsensusCertificate)
	OnEquivocation func(first, second *types.ConsensusVote)
	OnExpired      func(expiry PendingExpiry)
}

// Status is a point-in-time snapshot of engine counters
type Status struct {
	FinalizedHeight    int64
	PendingBlocks      int
	VotesProcessed     uint64
	VotesRejected      uint64
	CertificatesIssued uint64
	PendingExpired     uint64
	ReplayGuardEntries int
}

// FinalityEngine drives blocks from Unseen through Pending to Finalized.
//
// The engine exclusively owns the ReplayGuard, the pending-block table and
// the double-vote index, and is the only writer to the CertificateStore. Vote
// admission locks only the shard and bucket it touches; promotion of a
// bucket to Finalized is the single serialization point.
type FinalityEngine struct {
	config     *Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	validators ValidatorSetSource
	store      CertificateStore

	generator *CertificateGenerator
	guard     *ReplayGuard
	pending   *pendingTable
	slots     *slotIndex

	// finalizeMu serializes promotion to Finalized
	finalizeMu      sync.Mutex
	finalizedHeight atomic.Int64

	// Recency caches; eviction never loses a proof, the store still has it
	byHash   *lru.Cache[types.Hash, int64]
	byHeight *lru.Cache[int64, *types.ConsensusCertificate]

	hooksMu sync.RWMutex
	hooks   Hooks

	votesProcessed     atomic.Uint64
	votesRejected      atomic.Uint64
	certificatesIssued atomic.Uint64
	pendingExpired     atomic.Uint64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewFinalityEngine creates an engine. The finalized height is restored from
// the store.
func NewFinalityEngine(
	config *Config,
	validators ValidatorSetSource,
	store CertificateStore,
) (*FinalityEngine, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if validators == nil || validators.CurrentValidatorSet() == nil {
		return nil, fmt.Errorf("%w: no validator set", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: no certificate store", ErrInvalidConfig)
	}

	byHash, err := lru.New[types.Hash, int64](config.FinalizedCacheSize)
	if err != nil {
		return nil, err
	}
	byHeight, err := lru.New[int64, *types.ConsensusCertificate](config.FinalizedCacheSize)
	if err != nil {
		return nil, err
	}

	e := &FinalityEngine{
		config:     config,
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
		validators: validators,
		store:      store,
		generator:  NewCertificateGenerator(config.ChainID, config.FreshnessWindow, config.SignatureWorkers),
		guard:      NewReplayGuard(),
		pending:    newPendingTable(config.MaxPendingBlocks, nil),
		slots:      newSlotIndex(),
		byHash:     byHash,
		byHeight:   byHeight,
	}
	e.pending.closed = e.closedFor

	latest, err := store.LatestCertificateHeight()
	if err != nil && !errors.Is(err, types.ErrCertificateNotFound) {
		return nil, fmt.Errorf("failed to read finalized height: %w", err)
	}
	e.finalizedHeight.Store(latest)
	return e, nil
}

// SetLogger sets the logger. Must be called before Start.
func (e *FinalityEngine) SetLogger(l *zap.Logger) {
	e.logger = l.Named("finality")
}

// SetMetrics sets the metrics sink. Must be called before Start.
func (e *FinalityEngine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
	m.FinalizedHeight.Set(float64(e.finalizedHeight.Load()))
}

// SetHooks replaces the hook set
func (e *FinalityEngine) SetHooks(h Hooks) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = h
}

func (e *FinalityEngine) getHooks() Hooks {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.hooks
}

// ChainID returns the configured chain ID
func (e *FinalityEngine) ChainID() string {
	return e.config.ChainID
}

// Generator returns the engine's stateless certificate generator
func (e *FinalityEngine) Generator() *CertificateGenerator {
	return e.generator
}

// DoubleVotes exposes the engine's double-vote index for callers that build
// certificates outside ProcessVote, such as the membership track.
func (e *FinalityEngine) DoubleVotes() DoubleVoteChecker {
	return e.slots
}

// ProcessVote admits a vote and returns the certificate if the vote completed
// a quorum, or nil while the block is still pending.
//
// Admission order: structural checks, membership, signature, replay guard,
// finalized checks, double-vote index, pending bucket. The signature is
// verified before the replay guard so an unsigned message cannot advance a
// signer's sequence.
func (e *FinalityEngine) ProcessVote(ctx context.Context, vote *types.ConsensusVote) (*types.ConsensusCertificate, error) {
	if err := vote.ValidateBasic(); err != nil {
		return nil, e.reject("invalid", fmt.Errorf("%w: %v", ErrInvalidVote, err))
	}

	valSet := e.validators.CurrentValidatorSet()
	if epoch := e.validators.CurrentEpoch(); vote.EpochID != epoch {
		return nil, e.reject("epoch", fmt.Errorf("%w: vote epoch %d, current %d", ErrWrongEpoch, vote.EpochID, epoch))
	}
	pub, ok := valSet.PublicKey(vote.Voter)
	if !ok {
		return nil, e.reject("unknown_validator", fmt.Errorf("%w: %s", ErrUnknownValidator, vote.Voter))
	}
	if err := types.VerifyVoteSignature(e.config.ChainID, vote, pub); err != nil {
		return nil, e.reject("signature", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	if err := e.guard.CheckVote(vote); err != nil {
		return nil, e.reject("replay", err)
	}

	target := TargetOf(vote)
	if err := e.closedFor(target); err != nil {
		return nil, e.reject("finalized", err)
	}

	if first := e.slots.record(vote); first != nil {
		e.logger.Warn("double vote detected",
			zap.Stringer("voter", vote.Voter),
			zap.Int64("height", vote.Height),
			zap.Int32("round", vote.Round),
			zap.Stringer("first", first.BlockHash),
			zap.Stringer("second", vote.BlockHash))
		if h := e.getHooks().OnEquivocation; h != nil {
			h(first, types.CopyVote(vote))
		}
		return nil, e.reject("double_vote", fmt.Errorf("%w: %s at height %d round %d",
			ErrDoubleVote, vote.Voter, vote.Height, vote.Round))
	}

	bucket, err := e.pending.getOrCreate(target, valSet.Params().QuorumSize, time.Now())
	switch {
	case errors.Is(err, ErrPendingCapacity):
		return nil, e.reject("capacity", err)
	case err != nil:
		return nil, e.reject("finalized", err)
	}
	added, count := bucket.add(vote)
	if !added {
		return nil, nil
	}
	e.votesProcessed.Add(1)
	e.metrics.VotesProcessed.Inc()
	e.metrics.PendingBlocks.Set(float64(e.pending.len()))

	if count < valSet.Params().QuorumSize {
		return nil, nil
	}

	cert, err := e.finalize(ctx, bucket, valSet)
	if err != nil || cert == nil {
		return nil, err
	}
	if h := e.getHooks().OnFinalized; h != nil {
		h(types.CopyCertificate(cert))
	}
	return types.CopyCertificate(cert), nil
}

// closedFor returns ErrAlreadyFinalized or ErrHeightFinalized once a vote
// for target can no longer count towards a certificate.
func (e *FinalityEngine) closedFor(target CertificateTarget) error {
	if e.IsBlockFinalized(target.BlockHash) {
		return ErrAlreadyFinalized
	}
	if target.Height <= e.finalizedHeight.Load() {
		if cert, err := e.GetFinalityProof(target.Height); err == nil && cert.BlockHash != target.BlockHash {
			return fmt.Errorf("%w: height %d", ErrHeightFinalized, target.Height)
		}
	}
	return nil
}

// finalize promotes bucket to Finalized if its votes still produce a valid
// certificate. Returns nil, nil when the bucket is not ready after all.
func (e *FinalityEngine) finalize(
	ctx context.Context,
	bucket *pendingBucket,
	valSet *types.ValidatorSet,
) (*types.ConsensusCertificate, error) {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	target := bucket.target
	if _, ok := e.byHash.Get(target.BlockHash); ok {
		return nil, nil
	}

	cert, err := e.generator.Generate(ctx, target, bucket.snapshot(), valSet, e.slots)
	if err != nil {
		if errors.Is(err, ErrInsufficientSignatures) {
			// Votes went stale or signers equivocated; keep collecting.
			e.logger.Debug("quorum not reached after filtering",
				zap.Stringer("block", target.BlockHash), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}

	if err := types.VerifyCertificate(e.config.ChainID, valSet, cert); err != nil {
		e.logger.Error("generated certificate failed verification",
			zap.Stringer("block", target.BlockHash), zap.Int64("height", target.Height), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCertificateVerification, err)
	}

	existing, err := e.GetFinalityProof(cert.Height)
	switch {
	case err == nil && existing.BlockHash != cert.BlockHash:
		e.logger.Error("CONSENSUS CRITICAL: conflicting certificate for finalized height",
			zap.Int64("height", cert.Height),
			zap.Stringer("finalized", existing.BlockHash),
			zap.Stringer("conflicting", cert.BlockHash))
		return nil, fmt.Errorf("%w: height %d", ErrConflictingFinality, cert.Height)
	case err == nil:
		return nil, nil
	case !errors.Is(err, types.ErrCertificateNotFound):
		return nil, err
	}

	if err := e.recordLocked(cert); err != nil {
		return nil, err
	}

	latency := time.Since(bucket.created)
	e.certificatesIssued.Add(1)
	e.metrics.CertificatesIssued.Inc()
	e.metrics.CertificateSigners.Observe(float64(len(cert.Signatures)))
	e.metrics.FinalizationLatency.Observe(latency.Seconds())
	e.metrics.FinalizedHeight.Set(float64(e.finalizedHeight.Load()))
	e.metrics.PendingBlocks.Set(float64(e.pending.len()))

	e.logger.Info("block finalized",
		zap.Int64("height", cert.Height),
		zap.Int32("round", cert.Round),
		zap.Stringer("block", cert.BlockHash),
		zap.Int("signers", len(cert.Signatures)),
		zap.Duration("latency", latency))
	return cert, nil
}

// recordLocked persists cert and advances the finalized height. Caller must
// hold finalizeMu.
func (e *FinalityEngine) recordLocked(cert *types.ConsensusCertificate) error {
	if err := e.store.SaveCertificate(cert); err != nil {
		return fmt.Errorf("failed to persist certificate: %w", err)
	}
	e.byHash.Add(cert.BlockHash, cert.Height)
	e.byHeight.Add(cert.Height, types.CopyCertificate(cert))
	for {
		cur := e.finalizedHeight.Load()
		if cert.Height <= cur || e.finalizedHeight.CompareAndSwap(cur, cert.Height) {
			break
		}
	}

	// Every other block at this height can no longer finalize.
	height := cert.Height
	e.pending.removeWhere(func(b *pendingBucket) bool { return b.target.Height == height })
	return nil
}

// ImportCertificate records a certificate produced elsewhere, such as one
// fetched with a block during state sync. It must verify against the set
// that produced it. Importing a certificate the engine already has is a no-op.
func (e *FinalityEngine) ImportCertificate(cert *types.ConsensusCertificate) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrCertificateVerification)
	}
	if err := types.VerifyCertificate(e.config.ChainID, CertificateSet(e.validators, cert), cert); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateVerification, err)
	}

	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	existing, err := e.GetFinalityProof(cert.Height)
	switch {
	case err == nil && existing.BlockHash != cert.BlockHash:
		return fmt.Errorf("%w: height %d", ErrConflictingFinality, cert.Height)
	case err == nil:
		return nil
	case !errors.Is(err, types.ErrCertificateNotFound):
		return err
	}
	if err := e.recordLocked(cert); err != nil {
		return err
	}
	e.metrics.FinalizedHeight.Set(float64(e.finalizedHeight.Load()))
	e.logger.Debug("certificate imported",
		zap.Int64("height", cert.Height),
		zap.Stringer("block", cert.BlockHash))
	return nil
}

func (e *FinalityEngine) reject(reason string, err error) error {
	e.votesRejected.Add(1)
	e.metrics.VotesRejected.WithLabelValues(reason).Inc()
	return err
}

// ProcessProposal checks a proposal's signature and proposal sequence.
func (e *FinalityEngine) ProcessProposal(p *types.Proposal) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if epoch := e.validators.CurrentEpoch(); p.EpochID != epoch {
		return fmt.Errorf("%w: proposal epoch %d, current %d", ErrWrongEpoch, p.EpochID, epoch)
	}
	pub, ok := e.validators.CurrentValidatorSet().PublicKey(p.Proposer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, p.Proposer)
	}
	if err := types.VerifyProposalSignature(e.config.ChainID, p, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	return e.guard.CheckProposal(p)
}

// IsBlockFinalized reports whether hash has a certificate. Cache misses fall
// through to the store.
func (e *FinalityEngine) IsBlockFinalized(hash types.Hash) bool {
	if e.byHash.Contains(hash) {
		return true
	}
	cert, err := e.store.LoadCertificateByHash(hash)
	if err != nil {
		return false
	}
	e.byHash.Add(hash, cert.Height)
	return true
}

// GetFinalizedHeight returns the highest finalized height
func (e *FinalityEngine) GetFinalizedHeight() int64 {
	return e.finalizedHeight.Load()
}

// GetFinalityProof returns the certificate for height.
func (e *FinalityEngine) GetFinalityProof(height int64) (*types.ConsensusCertificate, error) {
	if cert, ok := e.byHeight.Get(height); ok {
		return types.CopyCertificate(cert), nil
	}
	cert, err := e.store.LoadCertificate(height)
	if err != nil {
		return nil, err
	}
	e.byHeight.Add(height, types.CopyCertificate(cert))
	return cert, nil
}

// ExpirePending drops pending blocks older than the configured timeout and
// reports them.
func (e *FinalityEngine) ExpirePending(now time.Time) []PendingExpiry {
	timeout := e.config.PendingTimeout
	expired := e.pending.removeWhere(func(b *pendingBucket) bool {
		return now.Sub(b.created) > timeout
	})
	if len(expired) == 0 {
		return nil
	}

	out := make([]PendingExpiry, 0, len(expired))
	hooks := e.getHooks()
	for _, b := range expired {
		exp := PendingExpiry{
			Target:        b.target,
			VotesReceived: b.count(),
			RequiredVotes: b.required,
			Age:           now.Sub(b.created),
		}
		out = append(out, exp)
		e.logger.Warn("pending block expired",
			zap.Stringer("block", b.target.BlockHash),
			zap.Int64("height", b.target.Height),
			zap.Int32("round", b.target.Round),
			zap.Int("votes", exp.VotesReceived),
			zap.Int("required", b.required),
			zap.Duration("age", exp.Age))
		if hooks.OnExpired != nil {
			hooks.OnExpired(exp)
		}
	}
	e.pendingExpired.Add(uint64(len(out)))
	e.metrics.PendingExpired.Add(float64(len(out)))
	e.metrics.PendingBlocks.Set(float64(e.pending.len()))
	return out
}

// Pending returns the status of every pending block
func (e *FinalityEngine) Pending() []PendingStatus {
	return e.pending.status()
}

// Prune drops replay and double-vote state that is older than the retention
// window below the finalized height.
func (e *FinalityEngine) Prune() int {
	below := e.finalizedHeight.Load() - e.config.ReplayRetention
	if below <= 0 {
		return 0
	}
	e.slots.prune(below)
	return e.guard.Prune(below)
}

// Status returns a snapshot of engine counters
func (e *FinalityEngine) Status() Status {
	return Status{
		FinalizedHeight:    e.finalizedHeight.Load(),
		PendingBlocks:      e.pending.len(),
		VotesProcessed:     e.votesProcessed.Load(),
		VotesRejected:      e.votesRejected.Load(),
		CertificatesIssued: e.certificatesIssued.Load(),
		PendingExpired:     e.pendingExpired.Load(),
		ReplayGuardEntries: e.guard.Size(),
	}
}

// Start launches the background expiry loop
func (e *FinalityEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.expiryRoutine(e.stopCh)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (e *FinalityEngine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *FinalityEngine) expiryRoutine(stopCh <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			e.ExpirePending(now)
			if n := e.Prune(); n > 0 {
				e.logger.Debug("pruned replay guard", zap.Int("entries", n))
			}
		}
	}
}
