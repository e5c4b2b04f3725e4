package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/internal/testutil"
)

func fastTimeoutConfig() TimeoutConfig {
	cfg := DefaultTimeoutConfig()
	cfg.VoteCollection = 10 * time.Millisecond
	cfg.Proposal = 10 * time.Millisecond
	cfg.Min = time.Millisecond
	return cfg
}

func TestTimeoutConfigValidate(t *testing.T) {
	require.NoError(t, DefaultTimeoutConfig().ValidateBasic())

	cfg := DefaultTimeoutConfig()
	cfg.Checkpoint = 0
	require.ErrorIs(t, cfg.ValidateBasic(), ErrInvalidConfig)

	cfg = DefaultTimeoutConfig()
	cfg.Max = cfg.Min / 2
	require.ErrorIs(t, cfg.ValidateBasic(), ErrInvalidConfig)

	cfg = DefaultTimeoutConfig()
	cfg.PersistentThreshold = cfg.RecurringThreshold
	require.ErrorIs(t, cfg.ValidateBasic(), ErrInvalidConfig)
}

func TestAdaptiveTimingBackoff(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	at := NewAdaptiveTiming(cfg)

	require.Equal(t, cfg.VoteCollection, at.Timeout(OpVoteCollection))

	at.ObserveTimeout(OpVoteCollection)
	require.Equal(t, time.Duration(float64(cfg.VoteCollection)*cfg.BackoffFactor), at.Timeout(OpVoteCollection))
	// Other operations are unaffected
	require.Equal(t, cfg.Proposal, at.Timeout(OpProposal))

	for i := 0; i < 100; i++ {
		at.ObserveTimeout(OpVoteCollection)
	}
	require.Equal(t, cfg.Max, at.Timeout(OpVoteCollection))

	// Success resets the backoff
	at.ObserveSuccess(OpVoteCollection, 100*time.Millisecond)
	require.Equal(t, cfg.VoteCollection, at.Timeout(OpVoteCollection))
}

func TestAdaptiveTimingLearnsSlowOperations(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	at := NewAdaptiveTiming(cfg)

	at.ObserveSuccess(OpProposal, 2*time.Second)
	require.Equal(t, 6*time.Second, at.Timeout(OpProposal))

	// EWMA moves toward newer observations
	at.ObserveSuccess(OpProposal, 7*time.Second)
	require.InDelta(t, float64(9*time.Second), float64(at.Timeout(OpProposal)), float64(time.Millisecond))
}

func TestTimeoutManagerFires(t *testing.T) {
	tm := NewTimeoutManager(fastTimeoutConfig())
	defer tm.Stop()

	tm.Schedule(TimeoutInfo{Key: "votes/1", Operation: OpVoteCollection, Height: 1})

	select {
	case ti := <-tm.Chan():
		require.Equal(t, "votes/1", ti.Key)
		require.Equal(t, int64(1), ti.Height)
		require.Equal(t, 10*time.Millisecond, ti.Duration)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	// The firing fed the backoff
	require.Greater(t, tm.Timeout(OpVoteCollection), 10*time.Millisecond)
}

func TestTimeoutManagerCancel(t *testing.T) {
	tm := NewTimeoutManager(fastTimeoutConfig())
	defer tm.Stop()

	tm.Schedule(TimeoutInfo{Key: "p", Operation: OpProposal})
	tm.Complete("p", OpProposal, time.Millisecond)

	select {
	case ti := <-tm.Chan():
		t.Fatalf("unexpected timeout %v", ti)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutManagerDeadline(t *testing.T) {
	tm := NewTimeoutManager(fastTimeoutConfig())
	defer tm.Stop()

	ctx, cancel := tm.Deadline(context.Background(), OpVoteCollection)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 10*time.Millisecond)
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestTimeoutClassification(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	tm := NewTimeoutManager(cfg)
	defer tm.Stop()

	now := time.Now()
	tm.now = func() time.Time { return now }
	v := testutil.NewKey(1).Addr

	require.Equal(t, TimeoutNone, tm.Classify(v))
	require.Equal(t, TimeoutIsolated, tm.ObserveValidatorTimeout(v))
	require.Equal(t, TimeoutIsolated, tm.ObserveValidatorTimeout(v))
	require.Equal(t, TimeoutRecurring, tm.ObserveValidatorTimeout(v))
	for i := 0; i < 3; i++ {
		tm.ObserveValidatorTimeout(v)
	}
	require.Equal(t, TimeoutPersistent, tm.Classify(v))
	require.Equal(t, ActionMarkSuspect, tm.Classify(v).RecommendedAction())

	// Timing out while otherwise active is selective withholding
	tm.ObserveValidatorActivity(v)
	require.Equal(t, TimeoutMalicious, tm.Classify(v))
	require.Equal(t, ActionReportByzantine, tm.Classify(v).RecommendedAction())

	// Old timeouts fall out of the window
	now = now.Add(cfg.Window + time.Second)
	require.Equal(t, TimeoutNone, tm.Classify(v))
	require.Zero(t, tm.TimeoutCount(v))
}
