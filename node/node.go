// Package node wires the finality engine, membership, evidence, recovery and
// storage into a validator node driven by network messages.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/config"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/peer"
	"github.com/blockberries/finalberry/privval"
	"github.com/blockberries/finalberry/recovery"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/statesync"
	"github.com/blockberries/finalberry/store"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// Broadcaster sends an encoded message to every connected peer. It must not
// block on the peers processing the message.
type Broadcaster func(data []byte)

// Node is a validator node. Blocks and validator-set changes are finalized on
// two independent tracks, each with its own FinalityEngine: blocks are
// certified against the set membership.Manager currently reports, and
// membership events are certified by the same set under a separate signing
// domain.
type Node struct {
	config  *config.Config
	chainID string
	self    types.Address
	logger  *zap.Logger
	metrics *metrics.Metrics

	pv       privval.PrivValidator
	memberPV privval.PrivValidator

	db      *store.DB
	wal     *wal.FileWAL
	machine *statemachine.KVStore

	members    *membership.Manager
	proposer   *designatedProposer
	blocks     *engine.FinalityEngine
	membership *engine.FinalityEngine
	timeouts   *engine.TimeoutManager

	checkpoints *checkpoint.Manager
	pool        *evidence.Pool
	detector    *evidence.FaultDetector
	peers       *peer.Set
	syncer      *statesync.Synchronizer
	providers   *providerTable

	stats      *recovery.Stats
	byzantine  *recovery.ByzantineRecovery
	crash      *recovery.CrashRecovery
	partitions *recovery.PartitionDetector
	partition  *recovery.PartitionRecovery

	broadcastMu sync.RWMutex
	broadcast   Broadcaster

	// applyMu serializes applying finalized blocks to the state machine
	applyMu   sync.Mutex
	payloads  map[types.Hash]pendingPayload
	finalized map[int64]*types.ConsensusCertificate

	tallyMu      sync.Mutex
	tallies      map[string]*tally
	missed       map[types.Address]int
	rounds       map[int64]int32
	equivocators map[voteSlot][]types.Address

	eventMu  sync.Mutex
	voted    map[types.Hash]struct{}
	awaiting map[types.Hash]*membership.Event
	orphans  map[types.Hash][]*types.ConsensusVote

	buffering atomic.Bool

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// MembershipChainID is the signing domain of membership votes. Keeping it
// apart from the block chain ID means a vote on a validator-set change can
// never be replayed as a block vote.
func MembershipChainID(chainID string) string {
	return chainID + "/membership"
}

// membershipStateFile returns the sign-state file of the membership track,
// next to the block track's
func membershipStateFile(stateFile string) string {
	ext := filepath.Ext(stateFile)
	return strings.TrimSuffix(stateFile, ext) + "_membership" + ext
}

// New builds a node from its configuration and genesis. The validator key
// must already exist; metrics are registered with reg, which may be nil.
func New(cfg *config.Config, gen *config.Genesis, logger *zap.Logger, reg prometheus.Registerer) (n *Node, err error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if err := gen.ValidateBasic(); err != nil {
		return nil, err
	}
	genesis, err := gen.ValidatorSet()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	keyFile, stateFile := cfg.Path(cfg.KeyFile), cfg.Path(cfg.StateFile)
	pv, err := privval.LoadFilePV(keyFile, stateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load validator key: %w", err)
	}
	memberPV, err := privval.LoadFilePV(keyFile, membershipStateFile(stateFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load membership sign state: %w", err)
	}

	db, err := store.OpenFile(cfg.Path(cfg.DBDir))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	w, err := wal.NewFileWAL(cfg.Path(cfg.WALDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	n = &Node{
		config:    cfg,
		chainID:   gen.ChainID,
		self:      pv.Address(),
		logger:    logger.Named("node"),
		metrics:   metrics.New(cfg.Metrics.Namespace, reg),
		pv:        pv,
		memberPV:  memberPV,
		db:        db,
		wal:       w,
		machine:   statemachine.NewKVStore(),
		peers:     peer.NewSet(genesis),
		providers: newProviderTable(),
		payloads:  make(map[types.Hash]pendingPayload),
		finalized: make(map[int64]*types.ConsensusCertificate),
		tallies:   make(map[string]*tally),
		missed:    make(map[types.Address]int),
		rounds:    make(map[int64]int32),
		voted:     make(map[types.Hash]struct{}),
		awaiting:  make(map[types.Hash]*membership.Event),
		orphans:   make(map[types.Hash][]*types.ConsensusVote),
	}
	n.equivocators = make(map[voteSlot][]types.Address)
	n.stats = recovery.NewStats(n.metrics)
	w.SetLogger(logger)

	if err := n.buildFinality(genesis, logger); err != nil {
		return nil, err
	}
	if err := n.buildFaults(genesis, logger); err != nil {
		return nil, err
	}
	if err := n.buildRecovery(logger); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) buildFinality(genesis *types.ValidatorSet, logger *zap.Logger) error {
	cfg := n.config
	members, err := membership.NewManager(MembershipChainID(n.chainID), genesis, n.db)
	if err != nil {
		return err
	}
	members.SetLogger(logger)
	members.SetBroadcaster(n)
	members.SetOnChange(n.onMembershipChange)
	n.members = members
	n.proposer = newDesignatedProposer(members, n.self, n.logger)

	blockCfg := cfg.Finality
	blockCfg.ChainID = n.chainID
	if n.blocks, err = engine.NewFinalityEngine(&blockCfg, members, n.db); err != nil {
		return err
	}
	n.blocks.SetLogger(logger)
	n.blocks.SetMetrics(n.metrics)
	n.blocks.SetHooks(engine.Hooks{
		OnFinalized:    n.onBlockFinalized,
		OnEquivocation: n.onEquivocation,
		OnExpired:      n.onExpired,
	})

	memberCfg := cfg.Finality
	memberCfg.ChainID = MembershipChainID(n.chainID)
	if n.membership, err = engine.NewFinalityEngine(&memberCfg, members, members); err != nil {
		return err
	}
	n.membership.SetLogger(logger.Named("membership"))

	n.timeouts = engine.NewTimeoutManager(cfg.Finality.Timeouts)
	n.timeouts.SetLogger(logger)
	n.timeouts.SetMetrics(n.metrics)

	if n.checkpoints, err = checkpoint.NewManager(cfg.Checkpoint, n.db, n.machine, members); err != nil {
		return err
	}
	n.checkpoints.SetLogger(logger)
	n.checkpoints.SetMetrics(n.metrics)
	n.checkpoints.SetOnCreated(func(cp *checkpoint.Checkpoint, oldest int64) {
		if err := n.wal.Checkpoint(oldest); err != nil {
			n.logger.Error("failed to prune WAL", zap.Int64("below", oldest), zap.Error(err))
		}
	})
	return nil
}

func (n *Node) buildFaults(genesis *types.ValidatorSet, logger *zap.Logger) error {
	cfg := n.config
	var err error
	if n.pool, err = evidence.NewPool(cfg.Evidence, n.self); err != nil {
		return err
	}
	n.pool.SetLogger(logger)
	n.pool.SetMetrics(n.metrics)

	if n.detector, err = evidence.NewFaultDetector(cfg.Detector, n.chainID, genesis, n.self); err != nil {
		return err
	}
	n.detector.SetLogger(logger)

	if n.byzantine, err = recovery.NewByzantineRecovery(cfg.Recovery, n.chainID, n.pool, n.proposer, nil); err != nil {
		return err
	}
	n.byzantine.SetLogger(logger)
	n.byzantine.SetMetrics(n.metrics)
	n.byzantine.SetStats(n.stats)
	n.byzantine.SetBroadcaster(n)
	n.byzantine.SetHeightSource(n.machine.Height)
	return nil
}

func (n *Node) buildRecovery(logger *zap.Logger) error {
	cfg := n.config
	var err error
	if n.crash, err = recovery.NewCrashRecovery(n.chainID, n.machine, n.checkpoints, n.wal, n.db, n.members); err != nil {
		return err
	}
	n.crash.SetLogger(logger)
	n.crash.SetStats(n.stats)
	n.crash.SetReplayHandler(n.replayLogged)

	if n.syncer, err = statesync.NewSynchronizer(cfg.StateSync, n.chainID, n.machine, n.members, n.providers, n.peers); err != nil {
		return err
	}
	n.syncer.SetLogger(logger)
	n.syncer.SetMetrics(n.metrics)
	n.syncer.SetCheckpoints(n.checkpoints)
	n.syncer.SetOnBlock(n.onSyncedBlock)
	n.syncer.SetMembership(membershipImporter{n})

	if n.partitions, err = recovery.NewPartitionDetector(cfg.Recovery, n.self, n.peers); err != nil {
		return err
	}
	n.partitions.SetLogger(logger)
	n.partitions.SetMetrics(n.metrics)

	buffer := recovery.NewMessageBuffer(cfg.Recovery.MaxBufferedMessages)
	n.partition, err = recovery.NewPartitionRecovery(cfg.Recovery, n.self, n.partitions, serialSyncer{n}, n.proposer, buffer, n.replayBuffered)
	if err != nil {
		return err
	}
	n.partition.SetLogger(logger)
	n.partition.SetStats(n.stats)
	n.partition.SetHeightSource(n.machine.Height)
	n.partition.SetOnResume(n.onResume)
	return nil
}

// SetBroadcaster sets the function used to send messages to peers
func (n *Node) SetBroadcaster(fn Broadcaster) {
	n.broadcastMu.Lock()
	defer n.broadcastMu.Unlock()
	n.broadcast = fn
}

func (n *Node) send(data []byte) {
	n.broadcastMu.RLock()
	fn := n.broadcast
	n.broadcastMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

// Start recovers local state from the latest checkpoint and the WAL, then
// starts the engines and background loops. A node whose recovered state
// fails verification still starts but does not vote until Resync succeeds.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}
	if err := n.wal.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := n.crash.Recover(ctx, n.self)
	switch {
	case err == nil:
		n.pool.Update(res.RecoveredHeight, n.now())
	case errors.Is(err, recovery.ErrUnverifiedState), errors.Is(err, recovery.ErrRecoveryFailed):
		n.logger.Error("local state did not verify, waiting for re-sync", zap.Error(err))
	default:
		cancel()
		_ = n.wal.Stop()
		return err
	}

	if err := n.blocks.Start(); err != nil {
		cancel()
		_ = n.wal.Stop()
		return err
	}
	if err := n.membership.Start(); err != nil {
		cancel()
		_ = n.blocks.Stop()
		_ = n.wal.Stop()
		return err
	}
	if err := n.checkpoints.Start(); err != nil {
		cancel()
		_ = n.membership.Stop()
		_ = n.blocks.Stop()
		_ = n.wal.Stop()
		return err
	}

	n.ctx, n.cancel = ctx, cancel
	n.wg.Add(3)
	go n.timeoutRoutine(ctx)
	go n.partitionRoutine(ctx)
	go n.membershipRoutine(ctx)

	n.started = true
	n.logger.Info("node started",
		zap.Stringer("address", n.self),
		zap.String("chain_id", n.chainID),
		zap.Int64("height", n.machine.Height()),
		zap.Uint64("epoch", n.members.CurrentEpoch()),
		zap.Bool("validator", n.members.CurrentValidatorSet().Has(n.self)))
	return nil
}

// Stop stops the background loops and engines and closes storage
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	n.timeouts.Stop()

	var errs []error
	errs = append(errs, n.checkpoints.Stop())
	n.checkpoints.Close()
	errs = append(errs, n.membership.Stop(), n.blocks.Stop(), n.wal.Stop(), n.db.Close())
	n.logger.Info("node stopped", zap.Int64("height", n.machine.Height()))
	return errors.Join(errs...)
}

// IsRunning reports whether the node is started
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *Node) context() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}

// Address returns the validator address
func (n *Node) Address() types.Address {
	return n.self
}

// ChainID returns the chain ID
func (n *Node) ChainID() string {
	return n.chainID
}

// Members returns the membership manager
func (n *Node) Members() *membership.Manager {
	return n.members
}

// Peers returns the peer set
func (n *Node) Peers() *peer.Set {
	return n.peers
}

// AddPeer registers a connected peer. validator is the zero address for
// peers that do not validate.
func (n *Node) AddPeer(id string, validator types.Address) {
	n.peers.AddPeer(id, validator)
}

// RemovePeer forgets a disconnected peer
func (n *Node) RemovePeer(id string) {
	n.peers.RemovePeer(id)
	n.providers.remove(id)
}

// FinalizedHeight returns the highest finalized block height
func (n *Node) FinalizedHeight() int64 {
	return n.blocks.GetFinalizedHeight()
}

// Height returns the height of the applied state
func (n *Node) Height() int64 {
	return n.machine.Height()
}

// FinalityProof returns the certificate that finalized height
func (n *Node) FinalityProof(height int64) (*types.ConsensusCertificate, error) {
	return n.blocks.GetFinalityProof(height)
}

// Query reads key from the applied state
func (n *Node) Query(key string) ([]byte, bool) {
	return n.machine.Get(key)
}

// Status is a point-in-time view of the node
type Status struct {
	Address         types.Address
	Epoch           uint64
	Validators      int
	IsValidator     bool
	Height          int64
	FinalizedHeight int64
	StateRoot       types.Hash
	Connectivity    float64
	Partitioned     bool
	Buffered        int
	// CatchingUp counts peers that reported a height below ours
	CatchingUp int
	Finality   engine.Status
	Recoveries map[string]recovery.KindStats
}

// Status returns the node's current status
func (n *Node) Status() Status {
	set := n.members.CurrentValidatorSet()
	_, partitioned := n.partitions.Current()
	return Status{
		Address:         n.self,
		Epoch:           n.members.CurrentEpoch(),
		Validators:      set.Size(),
		IsValidator:     set.Has(n.self),
		Height:          n.machine.Height(),
		FinalizedHeight: n.blocks.GetFinalizedHeight(),
		StateRoot:       n.machine.Root(),
		Connectivity:    n.partitions.Connectivity(),
		Partitioned:     partitioned,
		Buffered:        n.partition.Buffer().Len(),
		CatchingUp:      len(n.peers.CatchingUpPeers()),
		Finality:        n.blocks.Status(),
		Recoveries:      n.stats.Snapshot(),
	}
}
