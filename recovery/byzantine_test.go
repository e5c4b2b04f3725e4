package recovery

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/evidence"
	tu "github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/types"
)

type byzantineFixture struct {
	r       *ByzantineRecovery
	members *membership.Manager
	pool    *evidence.Pool
	keys    []tu.Key
	metrics *metrics.Metrics
}

func newByzantineFixture(t *testing.T, cfg Config) *byzantineFixture {
	t.Helper()
	vs, keys := tu.ValidatorSet(t, 4)
	members, err := membership.NewManager(tu.ChainID, vs, nil)
	require.NoError(t, err)
	pool, err := evidence.NewPool(evidence.DefaultConfig(), keys[3].Addr)
	require.NoError(t, err)

	r, err := NewByzantineRecovery(cfg, tu.ChainID, pool, members, nil)
	require.NoError(t, err)
	m := metrics.Nop()
	r.SetMetrics(m)
	return &byzantineFixture{r: r, members: members, pool: pool, keys: keys, metrics: m}
}

// certifyEvent builds the certificate committing ev under set
func certifyEvent(t *testing.T, set *types.ValidatorSet, keys []tu.Key, ev *membership.Event) *types.ConsensusCertificate {
	t.Helper()
	votes := make([]*types.ConsensusVote, len(keys))
	for i, k := range keys {
		votes[i] = k.Sign(&types.ConsensusVote{
			EpochID:   ev.EpochID,
			Height:    int64(ev.Seq),
			BlockHash: ev.Hash(),
			VoteSeq:   ev.Seq,
			Timestamp: time.Now().UnixNano(),
		})
	}
	gen := engine.NewCertificateGenerator(tu.ChainID, engine.DefaultFreshnessWindow, 2)
	cert, err := gen.Generate(context.Background(), engine.TargetOf(votes[0]), votes, set, nil)
	require.NoError(t, err)
	return cert
}

func baseEvidence(typ evidence.FaultType, k tu.Key, reporter types.Address, height int64) *evidence.FaultEvidence {
	return &evidence.FaultEvidence{
		Type:      typ,
		Validator: k.Addr,
		EpochID:   1,
		Height:    height,
		Timestamp: time.Now().UnixNano(),
		Reporter:  reporter,
	}
}

func timingEvidence(k tu.Key, reporter types.Address) *evidence.FaultEvidence {
	ev := baseEvidence(evidence.FaultTiming, k, reporter, 5)
	ev.Latency = 6 * time.Second
	return ev
}

func crashEvidence(k tu.Key, reporter types.Address) *evidence.FaultEvidence {
	ev := baseEvidence(evidence.FaultCrash, k, reporter, 5)
	ev.MissedRounds = 4
	return ev
}

func equivocationEvidence(k tu.Key, reporter types.Address, height int64) *evidence.FaultEvidence {
	ev := baseEvidence(evidence.FaultByzantine, k, reporter, height)
	ev.Votes = []*types.ConsensusVote{
		k.Vote(height, tu.Hash("a"), uint64(2*height)),
		k.Vote(height, tu.Hash("b"), uint64(2*height+1)),
	}
	return ev
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	responses []*Response
}

func (b *recordingBroadcaster) BroadcastResponse(_ *evidence.FaultEvidence, resp *Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, resp)
}

func TestByzantineTimingWarns(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	b := &recordingBroadcaster{}
	f.r.SetBroadcaster(b)

	ev := timingEvidence(f.keys[0], f.keys[3].Addr)
	resp, err := f.r.Handle(context.Background(), f.keys[0].Addr, ev)
	require.NoError(t, err)
	require.Equal(t, SeverityMinor, resp.Severity)
	require.Equal(t, ActionWarning, resp.Action)
	require.Nil(t, resp.Proposal)
	require.Equal(t, int64(-1), resp.Reputation)
	require.Equal(t, int64(-1), f.r.Reputation().Score(f.keys[0].Addr))

	// A warning never touches the validator set
	require.Equal(t, 4, f.members.CurrentValidatorSet().Size())
	require.True(t, f.pool.IsCommitted(ev))
	require.Len(t, b.responses, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PenaltiesApplied.WithLabelValues("minor")))
	require.Equal(t, 1, f.r.stats.Kind(KindByzantine).Successes)
}

func TestByzantineCorroboratedCrashSuspends(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	f.r.SetHeightSource(func() int64 { return 40 })
	target := f.keys[0]

	// Another validator already reported the same crash
	require.NoError(t, f.pool.AddEvidence(crashEvidence(target, f.keys[2].Addr)))

	resp, err := f.r.Handle(context.Background(), target.Addr, crashEvidence(target, f.keys[3].Addr))
	require.NoError(t, err)
	require.Equal(t, 2, resp.Corroboration)
	require.Equal(t, SeverityModerate, resp.Severity)
	require.Equal(t, ActionSuspend, resp.Action)
	require.NotNil(t, resp.Proposal)
	require.Equal(t, membership.EventSuspend, resp.Proposal.Kind)
	require.Equal(t, int64(40), resp.Proposal.Height)
	require.Equal(t, int64(40)+DefaultConfig().SuspensionBlocks, resp.Proposal.Until)

	// Both reports are settled together
	require.Zero(t, f.pool.Size())

	// The suspension only applies once certified
	require.True(t, f.members.CurrentValidatorSet().Has(target.Addr))
	cert := certifyEvent(t, f.members.CurrentValidatorSet(), f.keys[:3], resp.Proposal)
	require.NoError(t, f.members.Commit(resp.Proposal, cert))
	require.False(t, f.members.CurrentValidatorSet().Has(target.Addr))
	until, ok := f.members.Suspended(target.Addr)
	require.True(t, ok)
	require.Equal(t, resp.Proposal.Until, until)
}

func TestByzantineIsolatedCrashWarns(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())

	resp, err := f.r.Handle(context.Background(), f.keys[0].Addr, crashEvidence(f.keys[0], f.keys[3].Addr))
	require.NoError(t, err)
	require.Equal(t, 1, resp.Corroboration)
	require.Equal(t, ActionWarning, resp.Action)
	require.Nil(t, resp.Proposal)

	// The report stays pending, so a second reporter corroborates it
	require.Equal(t, 1, f.pool.Size())
	resp, err = f.r.Handle(context.Background(), f.keys[0].Addr, crashEvidence(f.keys[0], f.keys[2].Addr))
	require.NoError(t, err)
	require.Equal(t, 2, resp.Corroboration)
	require.Equal(t, ActionSuspend, resp.Action)
	require.Zero(t, f.pool.Size())
}

func TestByzantineEquivocationSlashes(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	target := f.keys[1]

	resp, err := f.r.Handle(context.Background(), target.Addr, equivocationEvidence(target, f.keys[3].Addr, 7))
	require.NoError(t, err)
	require.Equal(t, SeveritySevere, resp.Severity)
	require.Equal(t, ActionSlash, resp.Action)
	require.Equal(t, int64(10), resp.Penalty)
	require.Equal(t, int64(-50), resp.Reputation)
	require.Equal(t, membership.EventRemove, resp.Proposal.Kind)
	require.Equal(t, int64(90), resp.Proposal.Bond)
	require.Equal(t, resp.Evidence, resp.Proposal.Evidence)

	genesis := f.members.CurrentValidatorSet()
	require.NoError(t, f.members.Commit(resp.Proposal, certifyEvent(t, genesis, f.keys[:3], resp.Proposal)))

	// Committee recomputed without the slashed validator
	set := f.members.CurrentValidatorSet()
	require.Equal(t, 3, set.Size())
	require.False(t, set.Has(target.Addr))
	require.Equal(t, 3, set.Params().N)
}

func TestByzantineRepeatOffenderBanned(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	target := f.keys[1]
	f.r.Reputation().Adjust(target.Addr, -50)

	resp, err := f.r.Handle(context.Background(), target.Addr, equivocationEvidence(target, f.keys[3].Addr, 7))
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, resp.Severity)
	require.Equal(t, ActionBan, resp.Action)
	require.Equal(t, membership.EventBan, resp.Proposal.Kind)
	require.Equal(t, membership.MinReputation, resp.Reputation)
}

func TestByzantineFullSlashBans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlashFraction = 1
	f := newByzantineFixture(t, cfg)
	target := f.keys[1]

	resp, err := f.r.Handle(context.Background(), target.Addr, equivocationEvidence(target, f.keys[3].Addr, 7))
	require.NoError(t, err)
	require.Equal(t, SeveritySevere, resp.Severity)
	require.Equal(t, ActionBan, resp.Action)
	require.Equal(t, int64(100), resp.Penalty)
}

func TestByzantineCoordinatedBans(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	target := f.keys[0]

	ev := equivocationEvidence(target, f.keys[3].Addr, 9)
	ev.Type = evidence.FaultCoordinated
	ev.Colluders = []types.Address{f.keys[1].Addr}

	resp, err := f.r.Handle(context.Background(), target.Addr, ev)
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, resp.Severity)
	require.Equal(t, membership.EventBan, resp.Proposal.Kind)

	require.NoError(t, f.members.Commit(resp.Proposal,
		certifyEvent(t, f.members.CurrentValidatorSet(), f.keys[1:], resp.Proposal)))
	require.True(t, f.members.Banned(target.Addr))

	// Later evidence against a banned validator changes nothing
	later, err := f.r.Handle(context.Background(), target.Addr, timingEvidence(target, f.keys[3].Addr))
	require.NoError(t, err)
	require.Equal(t, ActionNone, later.Action)
	require.Nil(t, later.Proposal)
}

func TestByzantineRejectsInvalidEvidence(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	target := f.keys[0]

	t.Run("wrong validator", func(t *testing.T) {
		_, err := f.r.Handle(context.Background(), f.keys[1].Addr, timingEvidence(target, f.keys[3].Addr))
		require.ErrorIs(t, err, evidence.ErrInvalidEvidence)
	})

	t.Run("forged vote", func(t *testing.T) {
		ev := equivocationEvidence(target, f.keys[3].Addr, 3)
		ev.Votes[1].Signature = ed25519.Sign(f.keys[2].Priv, []byte("forged"))
		_, err := f.r.Handle(context.Background(), target.Addr, ev)
		require.ErrorIs(t, err, evidence.ErrInvalidEvidence)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := f.r.Handle(context.Background(), target.Addr, nil)
		require.ErrorIs(t, err, evidence.ErrInvalidEvidence)
	})

	require.Zero(t, f.pool.Size())
	require.Zero(t, f.r.Reputation().Score(target.Addr))
}

func TestByzantineDuplicateEvidence(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	ev := timingEvidence(f.keys[0], f.keys[3].Addr)

	_, err := f.r.Handle(context.Background(), f.keys[0].Addr, ev)
	require.NoError(t, err)
	_, err = f.r.Handle(context.Background(), f.keys[0].Addr, ev)
	require.ErrorIs(t, err, evidence.ErrDuplicateEvidence)
	require.Equal(t, int64(-1), f.r.Reputation().Score(f.keys[0].Addr))
}

func TestClassify(t *testing.T) {
	f := newByzantineFixture(t, DefaultConfig())
	k := f.keys[0]
	reporter := f.keys[3].Addr

	flooding := baseEvidence(evidence.FaultByzantine, k, reporter, 1)
	flooding.MessageRate = 500

	tests := []struct {
		name       string
		ev         *evidence.FaultEvidence
		reporters  int
		reputation int64
		want       Severity
	}{
		{"timing", timingEvidence(k, reporter), 5, 0, SeverityMinor},
		{"crash", crashEvidence(k, reporter), 1, 0, SeverityMinor},
		{"corroborated crash", crashEvidence(k, reporter), 2, 0, SeverityModerate},
		{"cryptographic", baseEvidence(evidence.FaultCryptographic, k, reporter, 1), 1, 0, SeverityModerate},
		{"flooding", flooding, 1, 0, SeverityModerate},
		{"equivocation", equivocationEvidence(k, reporter, 1), 1, 0, SeveritySevere},
		{"repeat equivocation", equivocationEvidence(k, reporter, 1), 1, -50, SeverityCritical},
		{"double spend", baseEvidence(evidence.FaultDoubleSpend, k, reporter, 1), 1, 0, SeveritySevere},
		{"coordinated", baseEvidence(evidence.FaultCoordinated, k, reporter, 1), 1, 0, SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, f.r.Classify(tc.ev, tc.reporters, tc.reputation))
		})
	}
}

func TestNewByzantineRecoveryRequiresCollaborators(t *testing.T) {
	_, err := NewByzantineRecovery(DefaultConfig(), tu.ChainID, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
