package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/recovery"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// HandleMessage processes a message received from peerID. While the node is
// partitioned, proposals and votes are buffered and replayed in order once
// the partition heals.
func (n *Node) HandleMessage(peerID string, data []byte) error {
	msgType, v, err := decodePayload(data)
	if err != nil {
		return err
	}
	if !n.IsRunning() {
		return ErrNotStarted
	}
	ctx := n.context()

	switch m := v.(type) {
	case *BlockProposal:
		if n.buffering.Load() {
			if m.Proposal != nil {
				n.peers.Observe(peerID, m.Proposal.Height, m.Proposal.Round)
			}
			return n.bufferProposal(peerID, m)
		}
		return n.processProposal(ctx, peerID, m.Proposal, m.Payload)

	case *types.ConsensusVote:
		if msgType == MessageTypeMembershipVote {
			return n.processMembershipVote(ctx, m)
		}
		if n.buffering.Load() {
			n.peers.Observe(peerID, m.Height, m.Round)
			msg, err := wal.NewVoteMessage(m)
			if err != nil {
				return err
			}
			return n.partition.Buffer().Add(peerID, msg)
		}
		_, err := n.processVote(ctx, peerID, m)
		return err

	case *evidence.FaultEvidence:
		_, err := n.handleEvidence(ctx, m)
		return err

	case *membership.Event:
		return n.handleMembershipEvent(ctx, m)
	}
	return ErrUnknownMessageType
}

// bufferProposal keeps the block aside and buffers the proposal for replay
func (n *Node) bufferProposal(peerID string, bp *BlockProposal) error {
	if bp.Proposal == nil || types.HashBytes(bp.Payload) != bp.Proposal.BlockHash {
		return ErrBlockMismatch
	}
	msg, err := wal.NewProposalMessage(bp.Proposal)
	if err != nil {
		return err
	}
	if err := n.partition.Buffer().Add(peerID, msg); err != nil {
		return err
	}
	n.applyMu.Lock()
	n.payloads[bp.Proposal.BlockHash] = pendingPayload{height: bp.Proposal.Height, payload: bp.Payload}
	n.applyMu.Unlock()
	return nil
}

// replayBuffered processes one buffered message. Messages rejected by the
// engine, e.g. votes for heights finalized during the sync, are skipped.
func (n *Node) replayBuffered(ctx context.Context, m *recovery.BufferedMessage) error {
	var err error
	switch m.Message.Type {
	case wal.MsgTypeProposal:
		p, derr := wal.DecodeProposal(m.Message)
		if derr != nil {
			return derr
		}
		n.applyMu.Lock()
		pending, ok := n.payloads[p.BlockHash]
		n.applyMu.Unlock()
		if !ok {
			return nil
		}
		err = n.processProposal(ctx, m.PeerID, p, pending.payload)

	case wal.MsgTypeVote:
		vote, derr := wal.DecodeVote(m.Message)
		if derr != nil {
			return derr
		}
		_, err = n.processVote(ctx, m.PeerID, vote)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		n.logger.Debug("buffered message rejected",
			zap.String("peer", m.PeerID),
			zap.Stringer("type", m.Message.Type),
			zap.Int64("height", m.Message.Height),
			zap.Error(err))
	}
	return nil
}

// onResume stops buffering and replays whatever arrived while the recovery
// ran
func (n *Node) onResume(ctx context.Context) error {
	n.buffering.Store(false)
	if _, err := n.partition.Buffer().Drain(ctx, func(m *recovery.BufferedMessage) error {
		return n.replayBuffered(ctx, m)
	}); err != nil {
		return err
	}
	n.applyMu.Lock()
	n.applyReadyLocked()
	n.applyMu.Unlock()
	return nil
}

// partitionRoutine polls connectivity. While partitioned the node buffers
// consensus messages; once connectivity exceeds the threshold it recovers
// from the partition, retrying on the next poll if recovery fails.
func (n *Node) partitionRoutine(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Recovery.PollInterval)
	defer ticker.Stop()

	var last *recovery.NetworkPartition
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p, partitioned := n.partitions.Detect(); partitioned {
			if !n.buffering.Swap(true) {
				n.logger.Warn("partitioned, buffering consensus messages",
					zap.Stringer("type", p.Type),
					zap.Float64("connectivity", p.ConnectivityScore),
					zap.Int("affected", len(p.Affected)))
			}
			last = p
			continue
		}
		if last == nil || !n.partitions.Recoverable() {
			continue
		}
		if _, err := n.partition.InitiateRecovery(ctx, last); err != nil {
			continue
		}
		last = nil
	}
}

// ObservePeer records a status report from peer id, such as a heartbeat
// carrying its height. It marks the link as up.
func (n *Node) ObservePeer(id string, height int64) {
	n.peers.Observe(id, height, 0)
}

// MarkPeerDown records that the transport lost contact with peer id
func (n *Node) MarkPeerDown(id string) {
	n.peers.MarkDown(id)
}
