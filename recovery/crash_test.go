package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/store"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// crashedNode is a validator that finalized blocks, logged them and crashed
type crashedNode struct {
	db          *store.DB
	log         *wal.FileWAL
	checkpoints *checkpoint.Manager
	validators  engine.StaticValidatorSet
	keys        []testutil.Key
	// root is the state root the node had before crashing
	root types.Hash
}

func blockPayload(h int64) []byte {
	return statemachine.EncodeBlock(statemachine.Op{Key: fmt.Sprintf("k%03d", h), Value: []byte{byte(h)}})
}

// newCrashedNode finalizes n blocks, logging each one and checkpointing at
// checkpointAt if positive
func newCrashedNode(t *testing.T, n, checkpointAt int64) *crashedNode {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := wal.NewFileWAL(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, log.Start())
	t.Cleanup(func() { _ = log.Stop() })

	vs, keys := testutil.ValidatorSet(t, 4)
	validators := engine.StaticValidatorSet{Epoch: 1, Set: vs}
	kv := statemachine.NewKVStore()
	cps, err := checkpoint.NewManager(checkpoint.DefaultConfig(), db, kv, validators)
	require.NoError(t, err)
	t.Cleanup(cps.Close)

	gen := engine.NewCertificateGenerator(testutil.ChainID, engine.DefaultFreshnessWindow, 2)
	for h := int64(1); h <= n; h++ {
		payload := blockPayload(h)
		votes := testutil.Votes(keys[:3], h, types.HashBytes(payload), uint64(h))
		cert, err := gen.Generate(context.Background(), engine.TargetOf(votes[0]), votes, vs, nil)
		require.NoError(t, err)
		require.NoError(t, db.SaveCertificate(cert))

		require.NoError(t, log.Write(wal.NewBlockMessage(h, payload)))
		require.NoError(t, log.WriteSync(wal.NewEndHeightMessage(h)))
		require.NoError(t, kv.ApplyBlock(h, payload))
		if h == checkpointAt {
			_, err := cps.Create()
			require.NoError(t, err)
		}
	}
	return &crashedNode{db: db, log: log, checkpoints: cps, validators: validators, keys: keys, root: kv.Root()}
}

func (n *crashedNode) recovery(t *testing.T, machine statemachine.Machine, withCheckpoints bool) *CrashRecovery {
	t.Helper()
	var cps Checkpoints
	if withCheckpoints {
		cps = n.checkpoints
	}
	r, err := NewCrashRecovery(testutil.ChainID, machine, cps, n.log, n.db, n.validators)
	require.NoError(t, err)
	return r
}

type fixedRoot struct {
	root types.Hash
}

func (f fixedRoot) VerifyRoot(_ context.Context, height int64, root types.Hash) error {
	if root != f.root {
		return fmt.Errorf("peers report %s at height %d", f.root.Short(), height)
	}
	return nil
}

func TestCrashRecoveryFromCheckpoint(t *testing.T) {
	node := newCrashedNode(t, 12, 8)
	machine := statemachine.NewKVStore()
	r := node.recovery(t, machine, true)
	r.SetRootVerifier(fixedRoot{root: node.root})

	var replayed []int64
	r.SetReplayHandler(func(msg *wal.Message) error {
		replayed = append(replayed, msg.Height)
		return nil
	})

	stats := NewStats(nil)
	r.SetStats(stats)

	res, err := r.Recover(context.Background(), node.keys[0].Addr)
	require.NoError(t, err)
	require.Equal(t, int64(8), res.CheckpointHeight)
	require.Equal(t, int64(12), res.RecoveredHeight)
	require.Equal(t, 4, res.MessagesReplayed)
	require.Equal(t, []int64{9, 10, 11, 12}, replayed)
	require.Equal(t, node.root, res.StateRoot)
	require.Equal(t, node.root, machine.Root())

	require.False(t, r.NeedsResync(node.keys[0].Addr))
	require.NoError(t, r.CheckRejoin(node.keys[0].Addr))
	require.Equal(t, 1, stats.Kind(KindCrash).Successes)
}

func TestCrashRecoveryWithoutCheckpoint(t *testing.T) {
	node := newCrashedNode(t, 6, 0)
	machine := statemachine.NewKVStore()
	r := node.recovery(t, machine, true)

	res, err := r.Recover(context.Background(), node.keys[0].Addr)
	require.NoError(t, err)
	require.Zero(t, res.CheckpointHeight)
	require.Equal(t, 6, res.MessagesReplayed)
	require.Equal(t, node.root, res.StateRoot)
}

func TestCrashRecoveryAfterValidatorSetChange(t *testing.T) {
	node := newCrashedNode(t, 6, 0)

	// The set changed after the last finalized block
	members, err := membership.NewManager(testutil.ChainID, node.validators.Set, nil)
	require.NoError(t, err)
	ev, err := members.Propose(&membership.Event{Kind: membership.EventRemove, Height: 6, Validator: node.keys[3].Addr})
	require.NoError(t, err)
	require.NoError(t, members.Commit(ev, certifyEvent(t, node.validators.Set, node.keys[:3], ev)))
	require.NotEqual(t, node.validators.Set.Hash(), members.CurrentValidatorSet().Hash())

	machine := statemachine.NewKVStore()
	r, err := NewCrashRecovery(testutil.ChainID, machine, nil, node.log, node.db, members)
	require.NoError(t, err)

	res, err := r.Recover(context.Background(), node.keys[0].Addr)
	require.NoError(t, err)
	require.Equal(t, int64(6), res.RecoveredHeight)
	require.Equal(t, node.root, res.StateRoot)
	require.False(t, r.NeedsResync(node.keys[0].Addr))
}

func TestCrashRecoveryRejectsUncertifiedState(t *testing.T) {
	node := newCrashedNode(t, 5, 0)
	// A block the network never finalized, logged after a local fault
	require.NoError(t, node.log.WriteSync(wal.NewBlockMessage(6, blockPayload(60))))

	r := node.recovery(t, statemachine.NewKVStore(), false)
	addr := node.keys[1].Addr
	_, err := r.Recover(context.Background(), addr)
	require.ErrorIs(t, err, ErrUnverifiedState)
	require.True(t, r.NeedsResync(addr))
	require.ErrorIs(t, r.CheckRejoin(addr), ErrNeedsResync)

	r.ClearResync(addr)
	require.NoError(t, r.CheckRejoin(addr))
}

func TestCrashRecoveryRejectsForgedBlock(t *testing.T) {
	node := newCrashedNode(t, 5, 0)
	gen := engine.NewCertificateGenerator(testutil.ChainID, engine.DefaultFreshnessWindow, 2)
	votes := testutil.Votes(node.keys[:3], 6, types.HashBytes(blockPayload(6)), 6)
	cert, err := gen.Generate(context.Background(), engine.TargetOf(votes[0]), votes, node.validators.Set, nil)
	require.NoError(t, err)
	require.NoError(t, node.db.SaveCertificate(cert))

	// The log holds a different block than the one certified at height 6
	require.NoError(t, node.log.WriteSync(wal.NewBlockMessage(6, blockPayload(66))))

	r := node.recovery(t, statemachine.NewKVStore(), false)
	_, err = r.Recover(context.Background(), node.keys[0].Addr)
	require.ErrorIs(t, err, ErrUnverifiedState)
}

func TestCrashRecoveryRootMismatch(t *testing.T) {
	node := newCrashedNode(t, 4, 2)
	r := node.recovery(t, statemachine.NewKVStore(), true)
	r.SetRootVerifier(fixedRoot{root: testutil.Hash("other")})

	_, err := r.Recover(context.Background(), node.keys[0].Addr)
	require.ErrorIs(t, err, ErrUnverifiedState)
	require.True(t, r.NeedsResync(node.keys[0].Addr))
}

func TestCrashRecoveryReplayGap(t *testing.T) {
	node := newCrashedNode(t, 4, 0)

	// The machine is already ahead of the first logged block
	machine := statemachine.NewKVStore()
	require.NoError(t, machine.ApplyBlock(1, blockPayload(1)))
	r := node.recovery(t, machine, false)

	stats := NewStats(nil)
	r.SetStats(stats)
	_, err := r.Recover(context.Background(), node.keys[0].Addr)
	// Replay starts after height 1, so only blocks 2..4 are applied
	require.NoError(t, err)

	gapped := statemachine.NewKVStore()
	require.NoError(t, gapped.ApplyBlock(1, blockPayload(1)))
	require.NoError(t, gapped.ApplyBlock(2, blockPayload(2)))
	log := &fixedLog{msgs: []*wal.Message{wal.NewBlockMessage(4, blockPayload(4))}}
	r2, err := NewCrashRecovery(testutil.ChainID, gapped, nil, log, node.db, node.validators)
	require.NoError(t, err)
	r2.SetStats(stats)
	_, err = r2.Recover(context.Background(), node.keys[0].Addr)
	require.ErrorIs(t, err, ErrRecoveryFailed)
	require.ErrorIs(t, err, statemachine.ErrHeightGap)

	ks := stats.Kind(KindCrash)
	require.Equal(t, 2, ks.Attempts)
	require.Equal(t, 1, ks.Failures)
}

func TestCrashRecoveryReplayHandlerFailure(t *testing.T) {
	node := newCrashedNode(t, 3, 0)
	r := node.recovery(t, statemachine.NewKVStore(), false)
	r.SetReplayHandler(func(*wal.Message) error { return errors.New("engine closed") })

	_, err := r.Recover(context.Background(), node.keys[0].Addr)
	require.ErrorIs(t, err, ErrRecoveryFailed)
}

func TestCrashRecoveryCancelled(t *testing.T) {
	node := newCrashedNode(t, 3, 0)
	r := node.recovery(t, statemachine.NewKVStore(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Recover(ctx, node.keys[0].Addr)
	require.ErrorIs(t, err, context.Canceled)
}

type fixedLog struct {
	msgs []*wal.Message
}

func (l *fixedLog) MessagesAfter(height int64) ([]*wal.Message, error) {
	var out []*wal.Message
	for _, m := range l.msgs {
		if m.Height > height {
			out = append(out, m)
		}
	}
	return out, nil
}
