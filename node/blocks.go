package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/privval"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// pendingPayload is a proposed block held until it is finalized
type pendingPayload struct {
	height  int64
	payload []byte
}

// tally tracks who voted for a proposal while its vote collection timeout
// runs
type tally struct {
	key     string
	height  int64
	round   int32
	hash    types.Hash
	started time.Time
	voters  map[types.Address]struct{}
}

func tallyKey(height int64, round int32, hash types.Hash) string {
	return fmt.Sprintf("votes/%d/%d/%s", height, round, hash)
}

func (n *Node) now() time.Time {
	return time.Now()
}

// canVote reports whether this node may sign votes. It must be in the
// current set and its recovered state must have verified.
func (n *Node) canVote() bool {
	if !n.members.CurrentValidatorSet().Has(n.self) {
		return false
	}
	return n.crash.CheckRejoin(n.self) == nil
}

func (n *Node) nextHeight() int64 {
	h := n.machine.Height()
	if f := n.blocks.GetFinalizedHeight(); f > h {
		h = f
	}
	return h + 1
}

func (n *Node) roundFor(height int64) int32 {
	n.tallyMu.Lock()
	defer n.tallyMu.Unlock()
	return n.rounds[height]
}

// advanceRound moves proposals at height to at least round, after a round
// failed to collect a quorum
func (n *Node) advanceRound(height int64, round int32) {
	n.tallyMu.Lock()
	defer n.tallyMu.Unlock()
	if round > n.rounds[height] {
		n.rounds[height] = round
	}
}

// ProposeBlock signs a proposal for payload at the next height, votes for it
// and sends it to peers. payload must be an encoded state machine block.
func (n *Node) ProposeBlock(ctx context.Context, payload []byte) (*types.Proposal, error) {
	if !n.IsRunning() {
		return nil, ErrNotStarted
	}
	if !n.canVote() {
		return nil, ErrNotValidator
	}
	if _, err := statemachine.DecodeBlock(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	height := n.nextHeight()
	p := &types.Proposal{
		EpochID:   n.members.CurrentEpoch(),
		Height:    height,
		Round:     n.roundFor(height),
		BlockHash: types.HashBytes(payload),
	}
	if err := n.pv.SignProposal(n.chainID, p); err != nil {
		return nil, err
	}
	data, err := EncodeProposalMessage(p, payload)
	if err != nil {
		return nil, err
	}
	n.send(data)
	if err := n.processProposal(ctx, "", p, payload); err != nil {
		return nil, err
	}
	return p, nil
}

// processProposal validates a proposal and its block, then votes for it.
// peerID is empty for our own proposals.
func (n *Node) processProposal(ctx context.Context, peerID string, p *types.Proposal, payload []byte) error {
	if p == nil {
		return ErrInvalidMessage
	}
	if types.HashBytes(payload) != p.BlockHash {
		return ErrBlockMismatch
	}
	if _, err := statemachine.DecodeBlock(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBlockMismatch, err)
	}
	if peerID != "" {
		n.peers.Observe(peerID, p.Height, p.Round)
	}
	if p.Height <= n.machine.Height() {
		return nil
	}
	if err := n.blocks.ProcessProposal(p); err != nil {
		return err
	}

	n.applyMu.Lock()
	n.payloads[p.BlockHash] = pendingPayload{height: p.Height, payload: payload}
	n.applyReadyLocked()
	n.applyMu.Unlock()

	if n.blocks.IsBlockFinalized(p.BlockHash) {
		return nil
	}
	n.startTally(p)
	return n.castVote(ctx, p)
}

func (n *Node) startTally(p *types.Proposal) {
	key := tallyKey(p.Height, p.Round, p.BlockHash)
	n.tallyMu.Lock()
	if _, ok := n.tallies[key]; ok {
		n.tallyMu.Unlock()
		return
	}
	n.tallies[key] = &tally{
		key:     key,
		height:  p.Height,
		round:   p.Round,
		hash:    p.BlockHash,
		started: n.now(),
		voters:  make(map[types.Address]struct{}),
	}
	n.tallyMu.Unlock()

	n.timeouts.Schedule(engine.TimeoutInfo{
		Key:       key,
		Operation: engine.OpVoteCollection,
		Height:    p.Height,
		Duration:  n.timeouts.Timeout(engine.OpVoteCollection),
	})
}

func (n *Node) castVote(ctx context.Context, p *types.Proposal) error {
	if !n.canVote() {
		return nil
	}
	vote := &types.ConsensusVote{
		EpochID:   p.EpochID,
		Height:    p.Height,
		Round:     p.Round,
		BlockHash: p.BlockHash,
	}
	if err := n.pv.SignVote(n.chainID, vote); err != nil {
		if isSignRefusal(err) {
			n.logger.Debug("not voting for proposal",
				zap.Int64("height", p.Height),
				zap.Int32("round", p.Round),
				zap.Stringer("block", p.BlockHash),
				zap.Error(err))
			return nil
		}
		return err
	}
	data, err := EncodeVoteMessage(vote)
	if err != nil {
		return err
	}
	n.send(data)
	_, err = n.processVote(ctx, "", vote)
	return err
}

func isSignRefusal(err error) bool {
	return errors.Is(err, privval.ErrDoubleSign) ||
		errors.Is(err, privval.ErrEpochRegression) ||
		errors.Is(err, privval.ErrHeightRegression) ||
		errors.Is(err, privval.ErrRoundRegression) ||
		errors.Is(err, privval.ErrStepRegression)
}

// processVote feeds a block vote to the finality engine. peerID is empty for
// our own votes.
func (n *Node) processVote(ctx context.Context, peerID string, vote *types.ConsensusVote) (*types.ConsensusCertificate, error) {
	if peerID != "" {
		n.peers.Observe(peerID, vote.Height, vote.Round)
		n.peers.ObserveVote(peerID, vote)
	}
	cert, err := n.blocks.ProcessVote(ctx, vote)
	switch {
	case err == nil:
		n.recordVoter(vote)
		if peerID != "" {
			n.relayVote(vote)
		}
	case errors.Is(err, engine.ErrInvalidSignature):
		n.detectForgery(ctx, vote)
	case errors.Is(err, engine.ErrAlreadyFinalized):
		return nil, nil
	}
	return cert, err
}

// relayVote forwards a peer's vote while some other peer at its slot still
// lacks it. Those peers are marked as having it, so each is sent the vote at
// most once.
func (n *Node) relayVote(vote *types.ConsensusVote) {
	needing := n.peers.PeersNeedingVote(vote)
	if len(needing) == 0 {
		return
	}
	data, err := EncodeVoteMessage(vote)
	if err != nil {
		n.logger.Error("failed to encode vote for relay", zap.Error(err))
		return
	}
	n.send(data)
	for _, ps := range needing {
		n.peers.ObserveVote(ps.ID(), vote)
	}
	n.logger.Debug("relayed vote",
		zap.Stringer("voter", vote.Voter),
		zap.Int64("height", vote.Height),
		zap.Int("peers", len(needing)))
}

func (n *Node) recordVoter(vote *types.ConsensusVote) {
	key := tallyKey(vote.Height, vote.Round, vote.BlockHash)
	n.tallyMu.Lock()
	if t, ok := n.tallies[key]; ok {
		t.voters[vote.Voter] = struct{}{}
	}
	delete(n.missed, vote.Voter)
	n.tallyMu.Unlock()
	n.timeouts.ObserveValidatorActivity(vote.Voter)
}

// onBlockFinalized runs once the engine certified a block
func (n *Node) onBlockFinalized(cert *types.ConsensusCertificate) {
	n.tallyMu.Lock()
	var done []*tally
	for key, t := range n.tallies {
		if t.height <= cert.Height {
			done = append(done, t)
			delete(n.tallies, key)
		}
	}
	for h := range n.rounds {
		if h <= cert.Height {
			delete(n.rounds, h)
		}
	}
	for slot := range n.equivocators {
		if slot.height <= cert.Height {
			delete(n.equivocators, slot)
		}
	}
	n.tallyMu.Unlock()

	for _, t := range done {
		if t.hash == cert.BlockHash {
			n.timeouts.Complete(t.key, engine.OpVoteCollection, time.Since(t.started))
		} else {
			n.timeouts.Cancel(t.key)
		}
	}

	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	n.finalized[cert.Height] = cert
	n.applyReadyLocked()
}

// applyReadyLocked applies finalized blocks in height order for as long as
// both the certificate and the block are at hand
func (n *Node) applyReadyLocked() {
	for {
		height := n.machine.Height()
		for h := range n.finalized {
			if h <= height {
				delete(n.finalized, h)
			}
		}
		cert, ok := n.finalized[height+1]
		if !ok {
			return
		}
		pending, ok := n.payloads[cert.BlockHash]
		if !ok {
			n.logger.Debug("waiting for finalized block", zap.Int64("height", cert.Height))
			return
		}
		if err := n.applyBlock(cert, pending.payload); err != nil {
			n.logger.Error("failed to apply finalized block",
				zap.Int64("height", cert.Height),
				zap.Stringer("block", cert.BlockHash),
				zap.Error(err))
			return
		}
		for hash, p := range n.payloads {
			if p.height <= cert.Height {
				delete(n.payloads, hash)
			}
		}
	}
}

// applyBlock logs, applies and stores a finalized block. The WAL record is
// synced first so a crash after this point replays the block.
func (n *Node) applyBlock(cert *types.ConsensusCertificate, payload []byte) error {
	h := cert.Height
	if err := n.wal.WriteSync(wal.NewBlockMessage(h, payload)); err != nil {
		return fmt.Errorf("failed to log block: %w", err)
	}
	if err := n.machine.ApplyBlock(h, payload); err != nil {
		return err
	}
	if err := n.db.SaveBlock(h, payload); err != nil {
		return err
	}
	if err := n.wal.Write(wal.NewEndHeightMessage(h)); err != nil {
		n.logger.Error("failed to log end of height", zap.Int64("height", h), zap.Error(err))
	}
	n.checkpoints.Notify(h)
	n.pool.Update(h, n.now())
	n.blocks.Prune()
	n.peers.MarkCatchingUp(h)

	n.logger.Info("block applied",
		zap.Int64("height", h),
		zap.Stringer("block", cert.BlockHash),
		zap.Stringer("root", n.machine.Root()),
		zap.Int("signers", len(cert.Signatures)))
	return nil
}

func (n *Node) onExpired(exp engine.PendingExpiry) {
	key := tallyKey(exp.Target.Height, exp.Target.Round, exp.Target.BlockHash)
	n.tallyMu.Lock()
	_, ok := n.tallies[key]
	delete(n.tallies, key)
	n.tallyMu.Unlock()
	if ok {
		n.timeouts.Cancel(key)
	}
	n.advanceRound(exp.Target.Height, exp.Target.Round+1)
	n.logger.Info("pending block expired",
		zap.Int64("height", exp.Target.Height),
		zap.Stringer("block", exp.Target.BlockHash),
		zap.Int("votes", exp.VotesReceived),
		zap.Int("required", exp.RequiredVotes))
}

func (n *Node) timeoutRoutine(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ti := <-n.timeouts.Chan():
			if ti.Operation == engine.OpVoteCollection {
				n.onVoteTimeout(ctx, ti)
			}
		}
	}
}

// onVoteTimeout charges a missed round to every validator that did not vote
// for a proposal in time and lets the next proposal at that height use a
// later round.
func (n *Node) onVoteTimeout(ctx context.Context, ti engine.TimeoutInfo) {
	n.tallyMu.Lock()
	t, ok := n.tallies[ti.Key]
	delete(n.tallies, ti.Key)
	n.tallyMu.Unlock()
	if !ok || n.blocks.IsBlockFinalized(t.hash) {
		return
	}
	n.advanceRound(t.height, t.round+1)

	now := n.now()
	lastSeen := n.lastSeenByValidator()
	for _, addr := range n.members.CurrentValidatorSet().Addresses() {
		if addr == n.self {
			continue
		}
		if _, voted := t.voters[addr]; voted {
			continue
		}
		class := n.timeouts.ObserveValidatorTimeout(addr)

		n.tallyMu.Lock()
		n.missed[addr]++
		missed := n.missed[addr]
		n.tallyMu.Unlock()

		n.logger.Debug("validator missed vote",
			zap.Stringer("validator", addr),
			zap.Int64("height", t.height),
			zap.Int32("round", t.round),
			zap.Int("missed", missed),
			zap.Stringer("class", class))

		ev := n.detector.Detect(addr, &evidence.Behavior{
			Now:          now,
			EpochID:      n.members.CurrentEpoch(),
			Height:       t.height,
			Round:        t.round,
			LastSeen:     lastSeen[addr],
			MissedRounds: missed,
		})
		if ev != nil {
			n.reportFault(ctx, ev)
		}
	}
}

func (n *Node) lastSeenByValidator() map[types.Address]time.Time {
	out := make(map[types.Address]time.Time)
	for _, ps := range n.peers.Peers() {
		addr, ok := ps.Validator()
		if !ok {
			continue
		}
		if seen := ps.LastSeen(); seen.After(out[addr]) {
			out[addr] = seen
		}
	}
	return out
}
