package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrNoCheckpoint       = errors.New("no checkpoint")
	ErrStateRootMismatch  = errors.New("checkpoint state root mismatch")
	ErrCorruptCheckpoint  = errors.New("corrupt checkpoint")
	ErrStateTooLarge      = errors.New("checkpoint state too large")
	ErrInvalidConfig      = errors.New("invalid checkpoint config")
	ErrAlreadyStarted     = errors.New("checkpoint manager already started")
	ErrNotStarted         = errors.New("checkpoint manager not started")
	ErrNoStateProgress    = errors.New("state has not advanced past the latest checkpoint")
	ErrEmptyValidatorList = errors.New("checkpoint has no validators")
)

// Checkpoint is a compressed, self-describing snapshot of the state machine
// at Height together with the validator set that finalized it.
type Checkpoint struct {
	ID         uuid.UUID          `cbor:"1,keyasint"`
	Height     int64              `cbor:"2,keyasint"`
	StateRoot  types.Hash         `cbor:"3,keyasint"`
	LastBlock  types.Hash         `cbor:"4,keyasint"`
	Timestamp  int64              `cbor:"5,keyasint"`
	EpochID    uint64             `cbor:"6,keyasint"`
	Validators []*types.Validator `cbor:"7,keyasint"`
	// State is the zstd-compressed snapshot data
	State   []byte `cbor:"8,keyasint"`
	RawSize int64  `cbor:"9,keyasint"`
}

// Time returns the creation time
func (c *Checkpoint) Time() time.Time {
	return time.Unix(0, c.Timestamp)
}

// ValidatorSet rebuilds the validator set recorded in the checkpoint
func (c *Checkpoint) ValidatorSet() (*types.ValidatorSet, error) {
	if len(c.Validators) == 0 {
		return nil, ErrEmptyValidatorList
	}
	return types.NewValidatorSet(c.Validators)
}

// Encode returns the canonical encoding
func (c *Checkpoint) Encode() ([]byte, error) {
	return types.Marshal(c)
}

// Decode decodes a checkpoint
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := types.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if c.Height < 0 || c.RawSize < 0 {
		return nil, fmt.Errorf("%w: height %d size %d", ErrCorruptCheckpoint, c.Height, c.RawSize)
	}
	return &c, nil
}

// snapshot returns the state machine snapshot described by c and raw
func (c *Checkpoint) snapshot(raw []byte) *statemachine.Snapshot {
	return &statemachine.Snapshot{
		Height:    c.Height,
		Root:      c.StateRoot,
		LastBlock: c.LastBlock,
		Data:      raw,
	}
}
