package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/store"
	"github.com/blockberries/finalberry/types"
)

// certify collects votes for ev from keys and builds its certificate
func certify(t *testing.T, set *types.ValidatorSet, keys []testutil.Key, ev *Event) *types.ConsensusCertificate {
	t.Helper()
	votes := make([]*types.ConsensusVote, len(keys))
	for i, k := range keys {
		votes[i] = eventVote(k, ev)
	}
	gen := engine.NewCertificateGenerator(testutil.ChainID, time.Minute, 2)
	target := engine.TargetOf(votes[0])
	cert, err := gen.Generate(context.Background(), target, votes, set, nil)
	require.NoError(t, err)
	return cert
}

func eventVote(k testutil.Key, ev *Event) *types.ConsensusVote {
	return k.Sign(&types.ConsensusVote{
		EpochID:   ev.EpochID,
		Height:    int64(ev.Seq),
		BlockHash: ev.Hash(),
		VoteSeq:   ev.Seq,
		Timestamp: time.Now().UnixNano(),
	})
}

func newTestManager(t *testing.T, n int) (*Manager, []testutil.Key) {
	t.Helper()
	vs, keys := testutil.ValidatorSet(t, n)
	m, err := NewManager(testutil.ChainID, vs, nil)
	require.NoError(t, err)
	return m, keys
}

func TestManagerProposeCommit(t *testing.T) {
	m, keys := newTestManager(t, 4)
	genesis := m.CurrentValidatorSet()

	var changed *types.ValidatorSet
	var changedEpoch uint64
	m.SetOnChange(func(set *types.ValidatorSet, epoch uint64, _ *Event) {
		changed, changedEpoch = set, epoch
	})

	ev, err := m.Propose(&Event{Kind: EventRemove, Height: 7, Validator: keys[3].Addr, Reason: "test"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, uint64(1), ev.EpochID)

	// Nothing changes before the event is certified
	require.Equal(t, 4, m.CurrentValidatorSet().Size())
	require.Equal(t, uint64(1), m.CurrentEpoch())
	_, ok := m.Proposal(ev.Hash())
	require.True(t, ok)

	cert := certify(t, genesis, keys[:3], ev)
	require.NoError(t, m.Commit(ev, cert))

	require.Equal(t, 3, m.CurrentValidatorSet().Size())
	require.False(t, m.CurrentValidatorSet().Has(keys[3].Addr))
	require.Equal(t, uint64(2), m.CurrentEpoch())
	require.Equal(t, uint64(2), m.NextSeq())
	require.Equal(t, 3, changed.Size())
	require.Equal(t, uint64(2), changedEpoch)

	hist := m.History()
	require.Len(t, hist, 1)
	require.Equal(t, ev.Hash(), hist[0].Event.Hash())

	stored, err := m.LoadCertificate(1)
	require.NoError(t, err)
	require.Equal(t, ev.Hash(), stored.BlockHash)
	byHash, err := m.LoadCertificateByHash(ev.Hash())
	require.NoError(t, err)
	require.Equal(t, int64(1), byHash.Height)
	latest, err := m.LatestCertificateHeight()
	require.NoError(t, err)
	require.Equal(t, int64(1), latest)

	_, ok = m.Proposal(ev.Hash())
	require.False(t, ok)
	_, err = m.LoadCertificate(2)
	require.ErrorIs(t, err, types.ErrCertificateNotFound)
}

func TestManagerValidatorSetHistory(t *testing.T) {
	m, keys := newTestManager(t, 4)
	genesis := m.CurrentValidatorSet()
	got, ok := m.ValidatorSetByHash(genesis.Hash())
	require.True(t, ok)
	require.Equal(t, genesis.Hash(), got.Hash())

	ev, err := m.Propose(&Event{Kind: EventRemove, Height: 7, Validator: keys[3].Addr})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, genesis, keys[:3], ev)))

	for _, set := range []*types.ValidatorSet{genesis, m.CurrentValidatorSet()} {
		got, ok := m.ValidatorSetByHash(set.Hash())
		require.True(t, ok)
		require.Equal(t, set.Hash(), got.Hash())
	}
	_, ok = m.ValidatorSetByHash(testutil.Hash("unknown"))
	require.False(t, ok)

	require.Len(t, m.HistoryFrom(1), 1)
	require.Len(t, m.HistoryFrom(0), 1)
	require.Empty(t, m.HistoryFrom(2))

	// A certificate from the first epoch verifies against the set that made it
	old := certify(t, genesis, keys[1:], &Event{Seq: 1, EpochID: 1, Kind: EventSuspend, Validator: keys[0].Addr, Until: 50})
	require.NoError(t, types.VerifyCertificate(testutil.ChainID, engine.CertificateSet(m, old), old))
	require.ErrorIs(t, types.VerifyCertificate(testutil.ChainID, m.CurrentValidatorSet(), old), types.ErrCertificateSetMismatch)
}

func TestManagerCommitRejects(t *testing.T) {
	m, keys := newTestManager(t, 4)
	genesis := m.CurrentValidatorSet()

	ev, err := m.Propose(&Event{Kind: EventUpdateBond, Validator: keys[0].Addr, Bond: 50})
	require.NoError(t, err)
	cert := certify(t, genesis, keys[:3], ev)

	t.Run("wrong seq", func(t *testing.T) {
		stale := CopyEvent(ev)
		stale.Seq = 5
		require.ErrorIs(t, m.Commit(stale, cert), ErrStaleEvent)
	})

	t.Run("wrong epoch", func(t *testing.T) {
		stale := CopyEvent(ev)
		stale.EpochID = 9
		require.ErrorIs(t, m.Commit(stale, cert), ErrStaleEvent)
	})

	t.Run("certificate for another event", func(t *testing.T) {
		other := CopyEvent(ev)
		other.Bond = 60
		require.ErrorIs(t, m.Commit(other, cert), ErrCertificateMismatch)
	})

	t.Run("no certificate", func(t *testing.T) {
		require.ErrorIs(t, m.Commit(ev, nil), ErrCertificateMismatch)
	})

	t.Run("below threshold", func(t *testing.T) {
		weak := types.CopyCertificate(cert)
		weak.Signatures = weak.Signatures[:2]
		require.ErrorIs(t, m.Commit(ev, weak), ErrCertificateMismatch)
	})

	require.Equal(t, uint64(1), m.CurrentEpoch())
	require.NoError(t, m.Commit(ev, cert))
	require.Equal(t, int64(50), m.CurrentValidatorSet().GetByAddress(keys[0].Addr).Bond)

	// Replaying a committed event is stale
	require.ErrorIs(t, m.Commit(ev, cert), ErrStaleEvent)
}

func TestManagerSuspendReintegrate(t *testing.T) {
	m, keys := newTestManager(t, 4)
	target := keys[3].Addr

	ev, err := m.Propose(&Event{Kind: EventSuspend, Height: 5, Until: 10, Validator: target})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))

	until, ok := m.Suspended(target)
	require.True(t, ok)
	require.Equal(t, int64(10), until)
	require.False(t, m.CurrentValidatorSet().Has(target))

	_, err = m.Propose(&Event{Kind: EventReintegrate, Height: 8, Validator: target})
	require.ErrorIs(t, err, ErrSuspended)

	ev, err = m.Propose(&Event{Kind: EventReintegrate, Height: 10, Validator: target})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))

	require.True(t, m.CurrentValidatorSet().Has(target))
	require.Equal(t, int64(100), m.CurrentValidatorSet().GetByAddress(target).Bond)
	_, ok = m.Suspended(target)
	require.False(t, ok)
	require.Equal(t, uint64(3), m.CurrentEpoch())
}

func TestManagerBan(t *testing.T) {
	m, keys := newTestManager(t, 4)
	target := keys[3].Addr

	ev, err := m.Propose(&Event{Kind: EventBan, Validator: target})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))
	require.True(t, m.Banned(target))
	require.False(t, m.CurrentValidatorSet().Has(target))

	_, err = m.Propose(&Event{Kind: EventReintegrate, Height: 1000, Validator: target})
	require.ErrorIs(t, err, ErrBanned)
	_, err = m.Propose(&Event{Kind: EventBan, Validator: target})
	require.ErrorIs(t, err, ErrBanned)
}

func TestManagerPrepareRecordsNothing(t *testing.T) {
	m, keys := newTestManager(t, 4)
	var broadcast int
	m.SetBroadcaster(broadcastFunc(func(*Event) { broadcast++ }))

	ev, err := m.Prepare(&Event{Kind: EventRemove, Height: 3, Validator: keys[2].Addr})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, uint64(1), ev.EpochID)

	_, ok := m.Proposal(ev.Hash())
	require.False(t, ok)
	require.Zero(t, broadcast)

	// The same change proposed later hashes the same
	proposed, err := m.Propose(&Event{Kind: EventRemove, Height: 3, Validator: keys[2].Addr})
	require.NoError(t, err)
	require.Equal(t, ev.Hash(), proposed.Hash())
	require.Equal(t, 1, broadcast)

	_, err = m.Prepare(&Event{Kind: EventRemove, Validator: testutil.NewKey(99).Addr})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestManagerRejectsInvalidProposal(t *testing.T) {
	m, keys := newTestManager(t, 4)
	stranger := testutil.NewKey(99)

	_, err := m.Propose(&Event{Kind: EventRemove, Validator: stranger.Addr})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = m.Propose(&Event{Kind: EventReintegrate, Validator: keys[0].Addr})
	require.ErrorIs(t, err, ErrInvalidEvent)

	// A new validator needs a key and a bond
	_, err = m.Propose(&Event{Kind: EventReintegrate, Validator: stranger.Addr})
	require.ErrorIs(t, err, ErrInvalidEvent)
	_, err = m.Propose(&Event{Kind: EventReintegrate, Validator: stranger.Addr, PublicKey: stranger.Pub, Bond: 10})
	require.NoError(t, err)
}

func TestManagerReplaysLog(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	vs, keys := testutil.ValidatorSet(t, 4)
	m, err := NewManager(testutil.ChainID, vs, db)
	require.NoError(t, err)

	ev, err := m.Propose(&Event{Kind: EventUpdateBond, Validator: keys[1].Addr, Bond: 300})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))

	ev, err = m.Propose(&Event{Kind: EventRemove, Validator: keys[2].Addr})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))

	reloaded, err := NewManager(testutil.ChainID, vs, db)
	require.NoError(t, err)
	require.Equal(t, m.CurrentValidatorSet().Hash(), reloaded.CurrentValidatorSet().Hash())
	require.Equal(t, uint64(3), reloaded.CurrentEpoch())
	require.Len(t, reloaded.History(), 2)

	// A different genesis cannot verify the logged certificates
	other, _ := testutil.ValidatorSet(t, 5)
	_, err = NewManager(testutil.ChainID, other, db)
	require.ErrorIs(t, err, ErrCertificateMismatch)
}

func TestManagerFollowerCommitsBySaveCertificate(t *testing.T) {
	leader, keys := newTestManager(t, 4)
	follower, err := NewManager(testutil.ChainID, leader.CurrentValidatorSet(), nil)
	require.NoError(t, err)

	var received []*Event
	leader.SetBroadcaster(broadcastFunc(func(ev *Event) { received = append(received, ev) }))

	ev, err := leader.Propose(&Event{Kind: EventRemove, Validator: keys[0].Addr})
	require.NoError(t, err)
	require.Len(t, received, 1)

	cert := certify(t, leader.CurrentValidatorSet(), keys[1:], ev)

	// Unknown proposals cannot be committed through the store interface
	require.ErrorIs(t, follower.SaveCertificate(cert), ErrUnknownEvent)

	require.NoError(t, follower.AddProposal(received[0]))
	require.NoError(t, follower.SaveCertificate(cert))
	require.NoError(t, leader.SaveCertificate(cert))
	require.Equal(t, leader.CurrentValidatorSet().Hash(), follower.CurrentValidatorSet().Hash())
}

func TestManagerFinalityTrack(t *testing.T) {
	m, keys := newTestManager(t, 4)

	cfg := engine.DefaultConfig()
	cfg.ChainID = testutil.ChainID
	track, err := engine.NewFinalityEngine(cfg, m, m)
	require.NoError(t, err)

	ev, err := m.Propose(&Event{Kind: EventRemove, Validator: keys[3].Addr, Reason: "crash"})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		cert, err := track.ProcessVote(ctx, eventVote(keys[i], ev))
		require.NoError(t, err)
		require.Nil(t, cert)
	}
	require.Equal(t, 4, m.CurrentValidatorSet().Size())

	cert, err := track.ProcessVote(ctx, eventVote(keys[2], ev))
	require.NoError(t, err)
	require.NotNil(t, cert)

	require.Equal(t, 3, m.CurrentValidatorSet().Size())
	require.Equal(t, uint64(2), m.CurrentEpoch())
	require.True(t, track.IsBlockFinalized(ev.Hash()))
	require.Equal(t, int64(1), track.GetFinalizedHeight())

	// The removed validator's late vote is for an old epoch
	_, err = track.ProcessVote(ctx, eventVote(keys[3], ev))
	require.ErrorIs(t, err, engine.ErrWrongEpoch)
}

type broadcastFunc func(ev *Event)

func (f broadcastFunc) BroadcastEvent(ev *Event) { f(ev) }

func TestReputationBook(t *testing.T) {
	b := NewReputationBook()
	a := testutil.NewKey(1).Addr
	c := testutil.NewKey(2).Addr

	require.Zero(t, b.Score(a))
	require.Equal(t, int64(-1), b.Adjust(a, -1))
	require.Equal(t, MinReputation, b.Adjust(a, -1000))
	require.Equal(t, MaxReputation, b.Adjust(c, 1000))

	require.Equal(t, []types.Address{a}, b.Below(0))

	b.Reset(a)
	require.Zero(t, b.Score(a))
	require.Empty(t, b.Below(0))
}

func TestManagerSlashedRemovalKeepsReducedBond(t *testing.T) {
	m, keys := newTestManager(t, 4)

	ev, err := m.Propose(&Event{Kind: EventRemove, Validator: keys[0].Addr, Bond: 90, Reason: "slashed"})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[:3], ev)))
	require.False(t, m.CurrentValidatorSet().Has(keys[0].Addr))

	ev, err = m.Propose(&Event{Kind: EventReintegrate, Validator: keys[0].Addr})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ev, certify(t, m.CurrentValidatorSet(), keys[1:], ev)))

	val := m.CurrentValidatorSet().GetByAddress(keys[0].Addr)
	require.NotNil(t, val)
	require.Equal(t, int64(90), val.Bond)
}

func TestEventValidateBasic(t *testing.T) {
	k := testutil.NewKey(1)
	other := testutil.NewKey(2)

	tests := []struct {
		name string
		ev   *Event
		ok   bool
	}{
		{"remove", &Event{Kind: EventRemove, Validator: k.Addr}, true},
		{"no validator", &Event{Kind: EventRemove}, false},
		{"remove with negative bond", &Event{Kind: EventRemove, Validator: k.Addr, Bond: -1}, false},
		{"unknown kind", &Event{Kind: 42, Validator: k.Addr}, false},
		{"zero bond", &Event{Kind: EventUpdateBond, Validator: k.Addr}, false},
		{"suspension in the past", &Event{Kind: EventSuspend, Validator: k.Addr, Height: 10, Until: 10}, false},
		{"suspension", &Event{Kind: EventSuspend, Validator: k.Addr, Height: 10, Until: 20}, true},
		{"reintegrate with wrong key", &Event{Kind: EventReintegrate, Validator: k.Addr, PublicKey: other.Pub}, false},
		{"reintegrate with key", &Event{Kind: EventReintegrate, Validator: k.Addr, PublicKey: k.Pub, Bond: 5}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.ValidateBasic()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestEventHashCoversFields(t *testing.T) {
	ev := &Event{Seq: 1, EpochID: 1, Kind: EventRemove, Validator: testutil.NewKey(1).Addr}
	h := ev.Hash()

	cp := CopyEvent(ev)
	require.Equal(t, h, cp.Hash())
	cp.Reason = "different"
	require.NotEqual(t, h, cp.Hash())
}
