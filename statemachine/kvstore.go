// Package statemachine provides the deterministic state machine that
// finalized blocks are applied to, and a reference key/value implementation.
package statemachine

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// Errors
var (
	ErrHeightGap       = errors.New("block height does not follow state height")
	ErrInvalidPayload  = errors.New("invalid block payload")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Snapshot is a point-in-time copy of a state machine
type Snapshot struct {
	Height    int64      `cbor:"1,keyasint"`
	Root      types.Hash `cbor:"2,keyasint"`
	LastBlock types.Hash `cbor:"3,keyasint"`
	Data      []byte     `cbor:"4,keyasint"`
}

// Machine is a deterministic state machine driven by finalized blocks. A
// block's hash is the SHA-256 of its payload.
type Machine interface {
	// Height returns the height of the last applied block
	Height() int64
	// Root returns the state root at Height
	Root() types.Hash
	// LastBlockHash returns the hash of the last applied block payload
	LastBlockHash() types.Hash
	// ApplyBlock applies the block at Height()+1
	ApplyBlock(height int64, payload []byte) error
	// Apply applies a logged message during replay. Messages that do not
	// change state are accepted and ignored.
	Apply(msg *wal.Message) error
	// Snapshot copies the state
	Snapshot() (*Snapshot, error)
	// Restore replaces the state with snap after checking its root
	Restore(snap *Snapshot) error
}

// Op is a single write in a block payload
type Op struct {
	Key    string `cbor:"1,keyasint"`
	Value  []byte `cbor:"2,keyasint,omitempty"`
	Delete bool   `cbor:"3,keyasint,omitempty"`
}

// EncodeBlock encodes ops as a block payload
func EncodeBlock(ops ...Op) []byte {
	return types.MustMarshal(ops)
}

// DecodeBlock decodes a block payload
func DecodeBlock(payload []byte) ([]Op, error) {
	var ops []Op
	if err := types.Unmarshal(payload, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ops, nil
}

type kvState struct {
	Height    int64             `cbor:"1,keyasint"`
	LastBlock types.Hash        `cbor:"2,keyasint"`
	Entries   map[string][]byte `cbor:"3,keyasint"`
}

// KVStore is an in-memory key/value state machine
type KVStore struct {
	mu    sync.RWMutex
	state kvState
	root  types.Hash
}

// NewKVStore creates an empty store at height 0
func NewKVStore() *KVStore {
	kv := &KVStore{state: kvState{Entries: make(map[string][]byte)}}
	kv.root = kv.computeRoot()
	return kv
}

// computeRoot hashes the canonical encoding of the state. Map keys are
// sorted by the encoder. Caller must hold kv.mu or own kv exclusively.
func (kv *KVStore) computeRoot() types.Hash {
	return types.HashBytes(types.MustMarshal(&kv.state))
}

// Height returns the height of the last applied block
func (kv *KVStore) Height() int64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.state.Height
}

// Root returns the current state root
func (kv *KVStore) Root() types.Hash {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.root
}

// LastBlockHash returns the hash of the last applied block payload
func (kv *KVStore) LastBlockHash() types.Hash {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.state.LastBlock
}

// Get returns the value stored under key
func (kv *KVStore) Get(key string) ([]byte, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.state.Entries[key]
	return types.CopyBytes(v), ok
}

// Len returns the number of keys
func (kv *KVStore) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.state.Entries)
}

// ApplyBlock applies the ops in payload at height. Height must be exactly
// one above the current height.
func (kv *KVStore) ApplyBlock(height int64, payload []byte) error {
	ops, err := DecodeBlock(payload)
	if err != nil {
		return err
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	if height != kv.state.Height+1 {
		return fmt.Errorf("%w: got %d, state at %d", ErrHeightGap, height, kv.state.Height)
	}
	for _, op := range ops {
		if op.Delete {
			delete(kv.state.Entries, op.Key)
			continue
		}
		kv.state.Entries[op.Key] = types.CopyBytes(op.Value)
	}
	kv.state.Height = height
	kv.state.LastBlock = types.HashBytes(payload)
	kv.root = kv.computeRoot()
	return nil
}

// Apply applies a block message. Other message types carry no state.
func (kv *KVStore) Apply(msg *wal.Message) error {
	if msg.Type != wal.MsgTypeBlock {
		return nil
	}
	return kv.ApplyBlock(msg.Height, msg.Data)
}

// Snapshot copies the state. The lock is held only while copying.
func (kv *KVStore) Snapshot() (*Snapshot, error) {
	kv.mu.RLock()
	state := kvState{
		Height:    kv.state.Height,
		LastBlock: kv.state.LastBlock,
		Entries:   maps.Clone(kv.state.Entries),
	}
	root := kv.root
	kv.mu.RUnlock()

	data, err := types.Marshal(&state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Height: state.Height, Root: root, LastBlock: state.LastBlock, Data: data}, nil
}

// Restore replaces the state with snap. The decoded state must hash to
// snap.Root.
func (kv *KVStore) Restore(snap *Snapshot) error {
	var state kvState
	if err := types.Unmarshal(snap.Data, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string][]byte)
	}
	if state.Height != snap.Height {
		return fmt.Errorf("%w: height %d, snapshot says %d", ErrInvalidSnapshot, state.Height, snap.Height)
	}

	restored := &KVStore{state: state}
	root := restored.computeRoot()
	if root != snap.Root {
		return fmt.Errorf("%w: root %s, snapshot says %s", ErrInvalidSnapshot, root.Short(), snap.Root.Short())
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.state = state
	kv.root = root
	return nil
}

var _ Machine = (*KVStore)(nil)
