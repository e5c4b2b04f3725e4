package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrWALClosed       = errors.New("WAL is closed")
	ErrWALCorrupted    = errors.New("WAL is corrupted")
	ErrWALNotFound     = errors.New("WAL file not found")
	ErrUnexpectedType  = errors.New("unexpected WAL message type")
	ErrInvalidHeight   = errors.New("invalid height in WAL")
	ErrMessageTooLarge = errors.New("WAL message too large")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	MsgTypeVote
	MsgTypeProposal
	MsgTypeCertificate
	MsgTypeEvidence
	MsgTypeMembership
	MsgTypeBlock
	MsgTypeEndHeight
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeVote:
		return "vote"
	case MsgTypeProposal:
		return "proposal"
	case MsgTypeCertificate:
		return "certificate"
	case MsgTypeEvidence:
		return "evidence"
	case MsgTypeMembership:
		return "membership"
	case MsgTypeBlock:
		return "block"
	case MsgTypeEndHeight:
		return "end_height"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one logged consensus message. Data holds the canonical encoding
// of the payload named by Type.
type Message struct {
	Type   MessageType `cbor:"1,keyasint"`
	Height int64       `cbor:"2,keyasint"`
	Round  int32       `cbor:"3,keyasint"`
	Data   []byte      `cbor:"4,keyasint,omitempty"`
}

// WAL interface for write-ahead logging
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned after the EndHeight
	// message for height, or false if not found
	SearchForEndHeight(height int64) (Reader, bool, error)

	// MessagesAfter returns every logged message with a height strictly
	// greater than height, in log order. EndHeight markers are omitted.
	MessagesAfter(height int64) ([]*Message, error)

	// Checkpoint drops segments that only hold heights <= height
	Checkpoint(height int64) error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// Group describes the segment files backing a FileWAL
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

func newMessage(t MessageType, height int64, round int32, payload any) (*Message, error) {
	data, err := types.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return &Message{Type: t, Height: height, Round: round, Data: data}, nil
}

// NewVoteMessage creates a WAL message for a vote
func NewVoteMessage(vote *types.ConsensusVote) (*Message, error) {
	return newMessage(MsgTypeVote, vote.Height, vote.Round, vote)
}

// NewProposalMessage creates a WAL message for a proposal
func NewProposalMessage(p *types.Proposal) (*Message, error) {
	return newMessage(MsgTypeProposal, p.Height, p.Round, p)
}

// NewCertificateMessage creates a WAL message for a certificate
func NewCertificateMessage(cert *types.ConsensusCertificate) (*Message, error) {
	return newMessage(MsgTypeCertificate, cert.Height, cert.Round, cert)
}

// NewBlockMessage creates a WAL message for an opaque block payload applied
// at height
func NewBlockMessage(height int64, payload []byte) *Message {
	return &Message{Type: MsgTypeBlock, Height: height, Data: types.CopyBytes(payload)}
}

// NewEvidenceMessage wraps already-encoded fault evidence
func NewEvidenceMessage(height int64, data []byte) *Message {
	return &Message{Type: MsgTypeEvidence, Height: height, Data: types.CopyBytes(data)}
}

// NewMembershipMessage wraps an already-encoded membership event
func NewMembershipMessage(height int64, data []byte) *Message {
	return &Message{Type: MsgTypeMembership, Height: height, Data: types.CopyBytes(data)}
}

// NewEndHeightMessage creates a WAL message marking end of height
func NewEndHeightMessage(height int64) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
	}
}

func decodeAs[T any](msg *Message, want MessageType) (*T, error) {
	if msg.Type != want {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrUnexpectedType, msg.Type, want)
	}
	v := new(T)
	if err := types.Unmarshal(msg.Data, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return v, nil
}

// DecodeVote decodes a vote message
func DecodeVote(msg *Message) (*types.ConsensusVote, error) {
	return decodeAs[types.ConsensusVote](msg, MsgTypeVote)
}

// DecodeProposal decodes a proposal message
func DecodeProposal(msg *Message) (*types.Proposal, error) {
	return decodeAs[types.Proposal](msg, MsgTypeProposal)
}

// DecodeCertificate decodes a certificate message
func DecodeCertificate(msg *Message) (*types.ConsensusCertificate, error) {
	return decodeAs[types.ConsensusCertificate](msg, MsgTypeCertificate)
}

// NopWAL is a no-op WAL implementation for testing
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                              { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                          { return nil }
func (w *NopWAL) FlushAndSync() error                                   { return nil }
func (w *NopWAL) SearchForEndHeight(height int64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) MessagesAfter(height int64) ([]*Message, error)        { return nil, nil }
func (w *NopWAL) Checkpoint(height int64) error                         { return nil }
func (w *NopWAL) Start() error                                          { return nil }
func (w *NopWAL) Stop() error                                           { return nil }

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
