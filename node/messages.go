package node

import (
	"fmt"

	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/types"
)

// MessageType identifies the type of a network message. Every message is
// prefixed with a single type byte followed by its CBOR payload.
type MessageType uint8

const (
	// MessageTypeProposal carries a BlockProposal
	MessageTypeProposal MessageType = 1
	// MessageTypeVote carries a block vote
	MessageTypeVote MessageType = 2
	// MessageTypeEvidence carries fault evidence
	MessageTypeEvidence MessageType = 3
	// MessageTypeMembershipEvent carries a proposed validator-set change
	MessageTypeMembershipEvent MessageType = 4
	// MessageTypeMembershipVote carries a vote on a validator-set change
	MessageTypeMembershipVote MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeProposal:
		return "proposal"
	case MessageTypeVote:
		return "vote"
	case MessageTypeEvidence:
		return "evidence"
	case MessageTypeMembershipEvent:
		return "membership_event"
	case MessageTypeMembershipVote:
		return "membership_vote"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

// BlockProposal is a signed proposal together with the block it names.
// Proposal.BlockHash must be the hash of Payload.
type BlockProposal struct {
	Proposal *types.Proposal `cbor:"1,keyasint"`
	Payload  []byte          `cbor:"2,keyasint"`
}

func encode(t MessageType, v any) ([]byte, error) {
	payload, err := types.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(t)
	copy(msg[1:], payload)
	return msg, nil
}

// EncodeProposalMessage encodes a block proposal for network transmission
func EncodeProposalMessage(p *types.Proposal, payload []byte) ([]byte, error) {
	return encode(MessageTypeProposal, &BlockProposal{Proposal: p, Payload: payload})
}

// EncodeVoteMessage encodes a block vote for network transmission
func EncodeVoteMessage(vote *types.ConsensusVote) ([]byte, error) {
	return encode(MessageTypeVote, vote)
}

// EncodeEvidenceMessage encodes fault evidence for network transmission
func EncodeEvidenceMessage(ev *evidence.FaultEvidence) ([]byte, error) {
	return encode(MessageTypeEvidence, ev)
}

// EncodeMembershipEventMessage encodes a proposed membership event
func EncodeMembershipEventMessage(ev *membership.Event) ([]byte, error) {
	return encode(MessageTypeMembershipEvent, ev)
}

// EncodeMembershipVoteMessage encodes a vote on a membership event
func EncodeMembershipVoteMessage(vote *types.ConsensusVote) ([]byte, error) {
	return encode(MessageTypeMembershipVote, vote)
}

// decodePayload splits data into its type and decodes the payload into a
// value of the matching type.
func decodePayload(data []byte) (MessageType, any, error) {
	if len(data) < 1 {
		return 0, nil, ErrInvalidMessage
	}
	msgType := MessageType(data[0])
	payload := data[1:]

	var v any
	switch msgType {
	case MessageTypeProposal:
		v = &BlockProposal{}
	case MessageTypeVote, MessageTypeMembershipVote:
		v = &types.ConsensusVote{}
	case MessageTypeEvidence:
		v = &evidence.FaultEvidence{}
	case MessageTypeMembershipEvent:
		v = &membership.Event{}
	default:
		return msgType, nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
	if len(payload) == 0 {
		return msgType, nil, fmt.Errorf("%w: empty %s payload", ErrInvalidMessage, msgType)
	}
	if err := types.Unmarshal(payload, v); err != nil {
		return msgType, nil, fmt.Errorf("%w: failed to unmarshal %s: %v", ErrInvalidMessage, msgType, err)
	}
	return msgType, v, nil
}
