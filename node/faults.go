package node

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/recovery"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

type voteSlot struct {
	epoch  uint64
	height int64
	round  int32
}

// onEquivocation runs when the engine saw a validator sign two blocks in
// one slot. Other validators that equivocated in the same slot are named so
// coordinated attacks are classified as such.
func (n *Node) onEquivocation(first, second *types.ConsensusVote) {
	slot := voteSlot{epoch: first.EpochID, height: first.Height, round: first.Round}

	n.tallyMu.Lock()
	var others []types.Address
	for _, addr := range n.equivocators[slot] {
		if addr != first.Voter {
			others = append(others, addr)
		}
	}
	if len(others) == len(n.equivocators[slot]) {
		n.equivocators[slot] = append(n.equivocators[slot], first.Voter)
	}
	n.tallyMu.Unlock()

	ev := n.detector.Detect(first.Voter, &evidence.Behavior{
		Now:            n.now(),
		EpochID:        first.EpochID,
		Height:         first.Height,
		Round:          first.Round,
		Votes:          []*types.ConsensusVote{first, second},
		CoEquivocators: others,
	})
	if ev != nil {
		n.reportFault(n.context(), ev)
	}
}

// detectForgery checks a vote that failed signature verification. Votes
// naming a voter outside the set are noise and dropped.
func (n *Node) detectForgery(ctx context.Context, vote *types.ConsensusVote) {
	if !n.members.CurrentValidatorSet().Has(vote.Voter) {
		return
	}
	ev := n.detector.Detect(vote.Voter, &evidence.Behavior{
		Now:     n.now(),
		EpochID: vote.EpochID,
		Height:  vote.Height,
		Round:   vote.Round,
		Claimed: vote,
	})
	if ev != nil {
		n.reportFault(ctx, ev)
	}
}

// ReportBehavior runs fault detection on behavior observed outside the
// consensus messages, such as message rates or spend claims, and handles
// the resulting evidence. It returns nil if no fault was found.
func (n *Node) ReportBehavior(ctx context.Context, validator types.Address, b *evidence.Behavior) (*recovery.Response, error) {
	ev := n.detector.Detect(validator, b)
	if ev == nil {
		return nil, nil
	}
	return n.handleEvidence(ctx, ev)
}

func (n *Node) reportFault(ctx context.Context, ev *evidence.FaultEvidence) {
	if _, err := n.handleEvidence(ctx, ev); err != nil {
		n.logger.Error("failed to handle detected fault",
			zap.Stringer("validator", ev.Validator),
			zap.Stringer("fault", ev.Type),
			zap.Error(err))
	}
}

// handleEvidence hands evidence, local or received, to Byzantine recovery.
// Evidence seen before is not an error.
func (n *Node) handleEvidence(ctx context.Context, ev *evidence.FaultEvidence) (*recovery.Response, error) {
	resp, err := n.byzantine.Handle(ctx, ev.Validator, ev)
	if errors.Is(err, evidence.ErrDuplicateEvidence) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.voteAwaitingEvents(ctx)
	return resp, nil
}

// BroadcastResponse logs evidence and forwards it to peers, so each of them
// can corroborate it and vote on the penalty it leads to.
func (n *Node) BroadcastResponse(ev *evidence.FaultEvidence, resp *recovery.Response) {
	data, err := ev.Encode()
	if err != nil {
		n.logger.Error("failed to encode evidence", zap.Error(err))
		return
	}
	if err := n.wal.Write(wal.NewEvidenceMessage(ev.Height, data)); err != nil {
		n.logger.Error("failed to log evidence", zap.Error(err))
	}
	msg, err := EncodeEvidenceMessage(ev)
	if err != nil {
		n.logger.Error("failed to encode evidence message", zap.Error(err))
		return
	}
	n.send(msg)
	n.logger.Debug("evidence forwarded",
		zap.Stringer("validator", ev.Validator),
		zap.Stringer("fault", ev.Type),
		zap.Stringer("action", resp.Action))
}
