package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/statesync"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// providerTable routes sync requests to the transport of each peer. Peers
// are added and removed as connections come and go.
type providerTable struct {
	mu        sync.RWMutex
	providers statesync.Router
}

func newProviderTable() *providerTable {
	return &providerTable{providers: make(statesync.Router)}
}

func (t *providerTable) set(peerID string, p statesync.Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[peerID] = p
}

func (t *providerTable) remove(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.providers, peerID)
}

func (t *providerTable) get(peerID string) (statesync.Provider, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.providers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", statesync.ErrUnknownPeer, peerID)
	}
	return p, nil
}

func (t *providerTable) FetchBlock(ctx context.Context, peerID string, height int64) (*statesync.Block, error) {
	p, err := t.get(peerID)
	if err != nil {
		return nil, err
	}
	return p.FetchBlock(ctx, peerID, height)
}

func (t *providerTable) FetchCheckpoint(ctx context.Context, peerID string, maxHeight int64) (*checkpoint.Checkpoint, error) {
	p, err := t.get(peerID)
	if err != nil {
		return nil, err
	}
	return p.FetchCheckpoint(ctx, peerID, maxHeight)
}

func (t *providerTable) FetchMembership(ctx context.Context, peerID string, fromSeq uint64) ([]membership.Committed, error) {
	p, err := t.get(peerID)
	if err != nil {
		return nil, err
	}
	return p.FetchMembership(ctx, peerID, fromSeq)
}

// membershipImporter commits synced membership events through the
// membership track, so its engine counts them as finalized
type membershipImporter struct {
	n *Node
}

func (m membershipImporter) NextSeq() uint64 {
	return m.n.members.NextSeq()
}

func (m membershipImporter) Commit(ev *membership.Event, cert *types.ConsensusCertificate) error {
	if err := m.n.members.AddProposal(ev); err != nil {
		return err
	}
	return m.n.membership.ImportCertificate(cert)
}

// serialSyncer runs syncs under the apply lock, so synced blocks and blocks
// finalized locally are never applied at the same time
type serialSyncer struct {
	n *Node
}

func (s serialSyncer) Plan(ctx context.Context, target int64) statesync.SyncPlan {
	return s.n.syncer.Plan(ctx, target)
}

func (s serialSyncer) Sync(ctx context.Context, target int64) (*statesync.Result, error) {
	s.n.applyMu.Lock()
	defer s.n.applyMu.Unlock()
	res, err := s.n.syncer.Sync(ctx, target)
	if err == nil {
		s.n.applyReadyLocked()
	}
	return res, err
}

// SetSyncProvider sets how blocks and checkpoints are fetched from peerID
func (n *Node) SetSyncProvider(peerID string, p statesync.Provider) {
	n.providers.set(peerID, p)
}

// SyncProvider returns the provider serving this node's finalized blocks,
// checkpoints and membership log, for the transport to answer sync requests with
func (n *Node) SyncProvider() statesync.Provider {
	p := statesync.NewLocalProvider(n.db, n.checkpoints)
	p.SetMembership(n.members)
	return p
}

// onSyncedBlock records a block the synchronizer applied. It is logged so a
// crash after the sync replays it.
func (n *Node) onSyncedBlock(b *statesync.Block) {
	if err := n.wal.Write(wal.NewBlockMessage(b.Height, b.Payload)); err != nil {
		n.logger.Error("failed to log synced block", zap.Int64("height", b.Height), zap.Error(err))
	}
	if err := n.db.SaveBlock(b.Height, b.Payload); err != nil {
		n.logger.Error("failed to store synced block", zap.Int64("height", b.Height), zap.Error(err))
	}
	if err := n.blocks.ImportCertificate(b.Certificate); err != nil && !errors.Is(err, engine.ErrConflictingFinality) {
		n.logger.Error("failed to import synced certificate", zap.Int64("height", b.Height), zap.Error(err))
	}
	n.checkpoints.Notify(b.Height)
	n.pool.Update(b.Height, n.now())
}

// replayLogged restores what the WAL holds beyond the state machine during
// crash recovery: stored blocks, pending evidence and in-flight membership
// proposals
func (n *Node) replayLogged(msg *wal.Message) error {
	switch msg.Type {
	case wal.MsgTypeBlock:
		if err := n.db.SaveBlock(msg.Height, msg.Data); err != nil {
			return err
		}
		n.pool.Update(msg.Height, n.now())

	case wal.MsgTypeEvidence:
		ev, err := evidence.Decode(msg.Data)
		if err != nil {
			n.logger.Warn("skipping undecodable evidence record", zap.Int64("height", msg.Height), zap.Error(err))
			return nil
		}
		if err := n.pool.AddEvidence(ev); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
			n.logger.Debug("logged evidence not restored", zap.Error(err))
		}

	case wal.MsgTypeMembership:
		ev := &membership.Event{}
		if err := types.Unmarshal(msg.Data, ev); err != nil {
			n.logger.Warn("skipping undecodable membership record", zap.Int64("height", msg.Height), zap.Error(err))
			return nil
		}
		if err := n.members.AddProposal(ev); err != nil {
			n.logger.Debug("logged membership proposal is stale", zap.Uint64("seq", ev.Seq), zap.Error(err))
		}
	}
	return nil
}

// Resync discards the local state and syncs from peers. A node whose state
// failed verification at startup votes again once this succeeds.
func (n *Node) Resync(ctx context.Context) error {
	empty, err := statemachine.NewKVStore().Snapshot()
	if err != nil {
		return err
	}
	n.applyMu.Lock()
	if err := n.machine.Restore(empty); err != nil {
		n.applyMu.Unlock()
		return err
	}
	n.applyMu.Unlock()

	res, err := serialSyncer{n}.Sync(ctx, 0)
	if err != nil {
		return err
	}
	n.crash.ClearResync(n.self)
	n.logger.Info("re-sync complete",
		zap.Stringer("strategy", res.Strategy),
		zap.Int64("height", res.Height))
	return nil
}
