package node

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/types"
	"github.com/blockberries/finalberry/wal"
)

// designatedProposer wraps the membership manager so that only one validator
// proposes each change. Every validator that observes a fault prepares the
// same event, but privval signs one membership vote per sequence number, so
// competing proposals at one sequence would split the votes for good.
//
// Reintegrations are proposed by the returning validator itself. Every other
// change is proposed by the coordinator: the first validator of the current
// set, by address, other than the one the change is about. The coordinator
// proposes one change at a time and queues the rest until it commits.
type designatedProposer struct {
	*membership.Manager
	self   types.Address
	logger *zap.Logger

	mu       sync.Mutex
	inflight *inflightEvent
	queue    []*membership.Event
	wake     chan struct{}
}

type inflightEvent struct {
	request *membership.Event
	hash    types.Hash
}

func newDesignatedProposer(m *membership.Manager, self types.Address, logger *zap.Logger) *designatedProposer {
	return &designatedProposer{
		Manager: m,
		self:    self,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// coordinator returns the validator that proposes changes about target
func coordinator(set *types.ValidatorSet, target types.Address) types.Address {
	for _, addr := range set.Addresses() {
		if addr != target {
			return addr
		}
	}
	return types.Address{}
}

func (p *designatedProposer) designated(ev *membership.Event) bool {
	if ev.Kind == membership.EventReintegrate {
		return ev.Validator == p.self
	}
	return coordinator(p.CurrentValidatorSet(), ev.Validator) == p.self
}

// Propose prepares ev and, if this validator is designated for it, proposes
// it to the network. Otherwise the prepared event is returned without being
// recorded: it will arrive from the designated validator.
func (p *designatedProposer) Propose(ev *membership.Event) (*membership.Event, error) {
	prepared, err := p.Prepare(ev)
	if err != nil {
		return nil, err
	}
	if !p.designated(prepared) {
		return prepared, nil
	}

	p.mu.Lock()
	if p.inflight != nil {
		p.queue = append(p.queue, membership.CopyEvent(ev))
		p.mu.Unlock()
		p.logger.Debug("membership change queued",
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("validator", ev.Validator))
		return prepared, nil
	}
	p.inflight = &inflightEvent{request: membership.CopyEvent(ev), hash: prepared.Hash()}
	p.mu.Unlock()

	proposed, err := p.Manager.Propose(ev)
	if err != nil {
		p.mu.Lock()
		p.inflight = nil
		p.mu.Unlock()
		p.signal()
		return nil, err
	}
	return proposed, nil
}

// committed is called after ev was committed. A change of ours that lost its
// sequence number to ev is queued again.
func (p *designatedProposer) committed(ev *membership.Event) {
	p.mu.Lock()
	if p.inflight != nil && p.inflight.hash != ev.Hash() {
		p.queue = append([]*membership.Event{p.inflight.request}, p.queue...)
	}
	p.inflight = nil
	pending := len(p.queue) > 0
	p.mu.Unlock()
	if pending {
		p.signal()
	}
}

func (p *designatedProposer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// proposeNext proposes queued changes until one is accepted. Changes that no
// longer apply, e.g. against a validator already removed, are dropped.
func (p *designatedProposer) proposeNext() {
	for {
		p.mu.Lock()
		if p.inflight != nil || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if _, err := p.Propose(next); err != nil {
			p.logger.Info("dropping queued membership change",
				zap.Stringer("kind", next.Kind),
				zap.Stringer("validator", next.Validator),
				zap.Error(err))
			continue
		}
		return
	}
}

func (n *Node) membershipRoutine(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.proposer.wake:
			n.proposer.proposeNext()
		}
	}
}

// BroadcastEvent sends a proposed membership event and votes on it
func (n *Node) BroadcastEvent(ev *membership.Event) {
	data, err := EncodeMembershipEventMessage(ev)
	if err != nil {
		n.logger.Error("failed to encode membership event", zap.Error(err))
		return
	}
	n.send(data)
	n.logEvent(ev)
	n.voteEvent(n.context(), ev)
}

// logEvent records a proposed event so it survives a restart until
// committed
func (n *Node) logEvent(ev *membership.Event) {
	data, err := types.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to encode membership event", zap.Error(err))
		return
	}
	if err := n.wal.Write(wal.NewMembershipMessage(ev.Height, data)); err != nil {
		n.logger.Error("failed to log membership event", zap.Error(err))
	}
}

func (n *Node) handleMembershipEvent(ctx context.Context, ev *membership.Event) error {
	hash := ev.Hash()
	if _, ok := n.members.Proposal(hash); !ok {
		if err := n.members.AddProposal(ev); err != nil {
			return err
		}
		n.logEvent(ev)
		n.logger.Debug("membership change received",
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("validator", ev.Validator),
			zap.Uint64("seq", ev.Seq))
	}
	n.voteEvent(ctx, ev)

	n.eventMu.Lock()
	orphans := n.orphans[hash]
	delete(n.orphans, hash)
	n.eventMu.Unlock()
	for _, vote := range orphans {
		if err := n.processMembershipVote(ctx, vote); err != nil {
			n.logger.Debug("held membership vote rejected", zap.Error(err))
		}
	}
	return nil
}

// voteEvent signs and sends a vote for ev. A change justified by evidence is
// only voted for once the evidence is in the local pool.
func (n *Node) voteEvent(ctx context.Context, ev *membership.Event) {
	if !n.canVote() {
		return
	}
	hash := ev.Hash()

	n.eventMu.Lock()
	if _, ok := n.voted[hash]; ok {
		n.eventMu.Unlock()
		return
	}
	if !ev.Evidence.IsZero() && !n.pool.Contains(ev.Evidence) {
		n.awaiting[hash] = membership.CopyEvent(ev)
		n.eventMu.Unlock()
		n.logger.Debug("membership vote waits for evidence",
			zap.Stringer("event", hash),
			zap.Stringer("evidence", ev.Evidence))
		return
	}
	n.voted[hash] = struct{}{}
	delete(n.awaiting, hash)
	n.eventMu.Unlock()

	vote := &types.ConsensusVote{
		EpochID:   ev.EpochID,
		Height:    int64(ev.Seq),
		BlockHash: hash,
	}
	if err := n.memberPV.SignVote(MembershipChainID(n.chainID), vote); err != nil {
		n.logger.Info("not voting on membership change", zap.Stringer("event", hash), zap.Error(err))
		return
	}
	data, err := EncodeMembershipVoteMessage(vote)
	if err != nil {
		n.logger.Error("failed to encode membership vote", zap.Error(err))
		return
	}
	n.send(data)
	if err := n.processMembershipVote(ctx, vote); err != nil {
		n.logger.Debug("own membership vote rejected", zap.Error(err))
	}
}

// voteAwaitingEvents votes on events whose evidence has since arrived
func (n *Node) voteAwaitingEvents(ctx context.Context) {
	n.eventMu.Lock()
	var ready []*membership.Event
	for _, ev := range n.awaiting {
		if n.pool.Contains(ev.Evidence) {
			ready = append(ready, ev)
		}
	}
	n.eventMu.Unlock()
	for _, ev := range ready {
		n.voteEvent(ctx, ev)
	}
}

// processMembershipVote feeds a vote to the membership finality track. Votes
// for events not yet received are held until the event arrives, since the
// certificate can only be committed together with its event.
func (n *Node) processMembershipVote(ctx context.Context, vote *types.ConsensusVote) error {
	if vote.Height < int64(n.members.NextSeq()) {
		return nil
	}
	if _, ok := n.members.Proposal(vote.BlockHash); !ok {
		n.eventMu.Lock()
		n.orphans[vote.BlockHash] = append(n.orphans[vote.BlockHash], vote)
		n.eventMu.Unlock()
		return nil
	}
	_, err := n.membership.ProcessVote(ctx, vote)
	if errors.Is(err, engine.ErrAlreadyFinalized) {
		return nil
	}
	return err
}

// onMembershipChange runs after a certified change was committed
func (n *Node) onMembershipChange(set *types.ValidatorSet, epoch uint64, ev *membership.Event) {
	n.peers.UpdateValidatorSet(set)
	n.detector.SetKeys(set)

	next := n.members.NextSeq()
	n.eventMu.Lock()
	for hash, e := range n.awaiting {
		if e.Seq < next {
			delete(n.awaiting, hash)
		}
	}
	for hash, votes := range n.orphans {
		if len(votes) == 0 || votes[0].Height < int64(next) {
			delete(n.orphans, hash)
		}
	}
	n.voted = make(map[types.Hash]struct{})
	n.eventMu.Unlock()

	n.proposer.committed(ev)

	n.logger.Info("validator set changed",
		zap.Stringer("kind", ev.Kind),
		zap.Stringer("validator", ev.Validator),
		zap.Uint64("epoch", epoch),
		zap.Int("size", set.Size()),
		zap.Bool("member", set.Has(n.self)))
}
