package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

func TestKVStoreApplyBlock(t *testing.T) {
	kv := NewKVStore()
	genesis := kv.Root()

	payload := EncodeBlock(Op{Key: "a", Value: []byte("1")}, Op{Key: "b", Value: []byte("2")})
	require.NoError(t, kv.ApplyBlock(1, payload))
	require.Equal(t, int64(1), kv.Height())
	require.Equal(t, types.HashBytes(payload), kv.LastBlockHash())
	require.NotEqual(t, genesis, kv.Root())

	v, ok := kv.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, kv.ApplyBlock(2, EncodeBlock(Op{Key: "a", Delete: true})))
	_, ok = kv.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, kv.Len())
}

func TestKVStoreHeightGap(t *testing.T) {
	kv := NewKVStore()
	require.ErrorIs(t, kv.ApplyBlock(2, EncodeBlock()), ErrHeightGap)
	require.NoError(t, kv.ApplyBlock(1, EncodeBlock()))
	require.ErrorIs(t, kv.ApplyBlock(1, EncodeBlock()), ErrHeightGap)
}

func TestKVStoreInvalidPayload(t *testing.T) {
	kv := NewKVStore()
	require.ErrorIs(t, kv.ApplyBlock(1, []byte{0xff}), ErrInvalidPayload)
	require.Equal(t, int64(0), kv.Height())
}

func TestKVStoreDeterministicRoot(t *testing.T) {
	a, b := NewKVStore(), NewKVStore()

	require.NoError(t, a.ApplyBlock(1, EncodeBlock(Op{Key: "x", Value: []byte("1")}, Op{Key: "y", Value: []byte("2")})))
	require.NoError(t, b.ApplyBlock(1, EncodeBlock(Op{Key: "y", Value: []byte("2")}, Op{Key: "x", Value: []byte("1")})))

	// Same resulting state, different block
	require.NotEqual(t, a.LastBlockHash(), b.LastBlockHash())
	require.NotEqual(t, a.Root(), b.Root())

	c := NewKVStore()
	require.NoError(t, c.ApplyBlock(1, EncodeBlock(Op{Key: "x", Value: []byte("1")}, Op{Key: "y", Value: []byte("2")})))
	require.Equal(t, a.Root(), c.Root())
}

func TestKVStoreApplyMessage(t *testing.T) {
	kv := NewKVStore()

	require.NoError(t, kv.Apply(wal.NewEndHeightMessage(0)))
	require.Equal(t, int64(0), kv.Height())

	require.NoError(t, kv.Apply(wal.NewBlockMessage(1, EncodeBlock(Op{Key: "k", Value: []byte("v")}))))
	require.Equal(t, int64(1), kv.Height())
}

func TestKVStoreSnapshotRestore(t *testing.T) {
	kv := NewKVStore()
	for h := int64(1); h <= 3; h++ {
		require.NoError(t, kv.ApplyBlock(h, EncodeBlock(Op{Key: string(rune('a' + h)), Value: []byte{byte(h)}})))
	}

	snap, err := kv.Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Height)
	require.Equal(t, kv.Root(), snap.Root)

	// Later writes do not affect the snapshot
	require.NoError(t, kv.ApplyBlock(4, EncodeBlock(Op{Key: "z", Value: []byte("late")})))

	restored := NewKVStore()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, snap.Root, restored.Root())
	require.Equal(t, int64(3), restored.Height())
	require.Equal(t, snap.LastBlock, restored.LastBlockHash())
	_, ok := restored.Get("z")
	require.False(t, ok)

	tampered := *snap
	tampered.Root = types.HashBytes([]byte("other"))
	require.ErrorIs(t, NewKVStore().Restore(&tampered), ErrInvalidSnapshot)

	garbage := *snap
	garbage.Data = []byte{0x01, 0x02}
	require.ErrorIs(t, NewKVStore().Restore(&garbage), ErrInvalidSnapshot)
}

func TestKVStoreEmptySnapshot(t *testing.T) {
	kv := NewKVStore()
	snap, err := kv.Snapshot()
	require.NoError(t, err)

	restored := NewKVStore()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, kv.Root(), restored.Root())
}
