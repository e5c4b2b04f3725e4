package node

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/config"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/privval"
	"github.com/blockberries/finalberry/recovery"
	"github.com/blockberries/finalberry/statemachine"
	"github.com/blockberries/finalberry/types"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(home string) *config.Config {
	cfg := config.DefaultConfig(home)
	cfg.Metrics.Enabled = false
	cfg.Recovery.ConnectivityThreshold = 0.5
	cfg.Recovery.PollInterval = 20 * time.Millisecond
	cfg.Recovery.RecoveryTimeout = waitFor
	return cfg
}

type delivery struct {
	from string
	data []byte
}

// testNetwork connects nodes through in-memory inboxes. Each node handles
// its inbox on its own goroutine, like a real transport would.
type testNetwork struct {
	t       *testing.T
	ids     []string
	cfgs    []*config.Config
	genesis *config.Genesis
	nodes   []*Node

	mu      sync.RWMutex
	cut     map[[2]string]bool
	inboxes map[string]chan delivery
	done    chan struct{}
	wg      sync.WaitGroup
}

// newTestNetwork creates n validator nodes. extra validators join the
// genesis set without a node behind them.
func newTestNetwork(t *testing.T, n int, extra ...*types.Validator) *testNetwork {
	t.Helper()
	net := &testNetwork{
		t:       t,
		cut:     make(map[[2]string]bool),
		inboxes: make(map[string]chan delivery),
		done:    make(chan struct{}),
	}

	var vals []*types.Validator
	for i := 0; i < n; i++ {
		cfg := testConfig(t.TempDir())
		pv, err := privval.GenerateFilePV(cfg.Path(cfg.KeyFile), cfg.Path(cfg.StateFile))
		require.NoError(t, err)
		vals = append(vals, types.NewValidator(pv.PublicKey(), 100))
		net.cfgs = append(net.cfgs, cfg)
		net.ids = append(net.ids, "node"+string(rune('0'+i)))
	}
	net.genesis = &config.Genesis{
		ChainID:     testutil.ChainID,
		GenesisTime: time.Now().UTC(),
		Validators:  append(vals, extra...),
	}

	net.nodes = make([]*Node, n)
	for i := range net.ids {
		net.inboxes[net.ids[i]] = make(chan delivery, 4096)
		net.nodes[i] = net.build(i)
	}
	for i, id := range net.ids {
		net.wg.Add(1)
		go net.deliver(i, net.inboxes[id])
	}

	t.Cleanup(func() {
		close(net.done)
		net.wg.Wait()
		for _, nd := range net.nodes {
			if nd.IsRunning() {
				require.NoError(t, nd.Stop())
			}
		}
	})
	return net
}

func (net *testNetwork) build(i int) *Node {
	nd, err := New(net.cfgs[i], net.genesis, zap.NewNop(), nil)
	require.NoError(net.t, err)

	from := net.ids[i]
	nd.SetBroadcaster(func(data []byte) { net.broadcast(from, data) })
	return nd
}

// connect registers every node with every other one
func (net *testNetwork) connect() {
	for i, nd := range net.nodes {
		for j, other := range net.nodes {
			if i == j {
				continue
			}
			nd.AddPeer(net.ids[j], other.Address())
			nd.SetSyncProvider(net.ids[j], other.SyncProvider())
		}
	}
}

func (net *testNetwork) start() {
	net.connect()
	for _, nd := range net.nodes {
		require.NoError(net.t, nd.Start())
	}
}

func (net *testNetwork) deliver(i int, inbox chan delivery) {
	defer net.wg.Done()
	for {
		select {
		case <-net.done:
			return
		case d := <-inbox:
			net.mu.RLock()
			nd := net.nodes[i]
			net.mu.RUnlock()
			_ = nd.HandleMessage(d.from, d.data)
		}
	}
}

func (net *testNetwork) broadcast(from string, data []byte) {
	net.mu.RLock()
	defer net.mu.RUnlock()
	for _, to := range net.ids {
		if to == from || net.cut[[2]string{from, to}] {
			continue
		}
		select {
		case net.inboxes[to] <- delivery{from: from, data: append([]byte(nil), data...)}:
		default:
		}
	}
}

// isolate cuts the links between a and b in both directions
func (net *testNetwork) isolate(a, b int) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.cut[[2]string{net.ids[a], net.ids[b]}] = true
	net.cut[[2]string{net.ids[b], net.ids[a]}] = true
}

func (net *testNetwork) heal() {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.cut = make(map[[2]string]bool)
}

func (net *testNetwork) waitHeight(height int64, nodes ...int) {
	net.t.Helper()
	if len(nodes) == 0 {
		for i := range net.nodes {
			nodes = append(nodes, i)
		}
	}
	require.Eventually(net.t, func() bool {
		for _, i := range nodes {
			if net.nodes[i].Height() < height {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func block(key, value string) []byte {
	return statemachine.EncodeBlock(statemachine.Op{Key: key, Value: []byte(value)})
}

func TestNodesFinalizeBlocks(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start()
	ctx := context.Background()

	p, err := net.nodes[0].ProposeBlock(ctx, block("a", "1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Height)
	net.waitHeight(1)

	_, err = net.nodes[1].ProposeBlock(ctx, block("b", "2"))
	require.NoError(t, err)
	net.waitHeight(2)

	root := net.nodes[0].Status().StateRoot
	for _, nd := range net.nodes {
		v, ok := nd.Query("a")
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
		v, ok = nd.Query("b")
		require.True(t, ok)
		require.Equal(t, []byte("2"), v)

		st := nd.Status()
		require.Equal(t, root, st.StateRoot)
		require.True(t, st.IsValidator)
		require.False(t, st.Partitioned)

		cert, err := nd.FinalityProof(2)
		require.NoError(t, err)
		require.NoError(t, types.VerifyCertificate(testutil.ChainID, nd.Members().CurrentValidatorSet(), cert))
	}
}

func TestProposeBlockChecks(t *testing.T) {
	net := newTestNetwork(t, 1)
	ctx := context.Background()

	_, err := net.nodes[0].ProposeBlock(ctx, block("a", "1"))
	require.ErrorIs(t, err, ErrNotStarted)

	net.start()
	_, err = net.nodes[0].ProposeBlock(ctx, []byte("not a block"))
	require.ErrorIs(t, err, ErrInvalidMessage)

	require.ErrorIs(t, net.nodes[0].Start(), ErrAlreadyStarted)
}

func TestNodeRejectsMismatchedBlock(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start()

	_, keys := testutil.ValidatorSet(t, 1)
	p := keys[0].SignProposal(&types.Proposal{EpochID: 1, Height: 1, BlockHash: testutil.Hash("other")})
	data, err := EncodeProposalMessage(p, block("a", "1"))
	require.NoError(t, err)
	require.ErrorIs(t, net.nodes[0].HandleMessage("stranger", data), ErrBlockMismatch)
}

func TestNodeRemovesEquivocator(t *testing.T) {
	byz := testutil.NewKey(99)
	net := newTestNetwork(t, 4, types.NewValidator(byz.Pub, 100))
	net.start()

	first, err := EncodeVoteMessage(byz.Vote(1, testutil.Hash("a"), 1))
	require.NoError(t, err)
	second, err := EncodeVoteMessage(byz.Vote(1, testutil.Hash("b"), 2))
	require.NoError(t, err)

	require.NoError(t, net.nodes[0].HandleMessage("byzantine", first))
	require.ErrorIs(t, net.nodes[0].HandleMessage("byzantine", second), engine.ErrDoubleVote)

	require.Eventually(t, func() bool {
		for _, nd := range net.nodes {
			if nd.Members().CurrentValidatorSet().Has(byz.Addr) {
				return false
			}
		}
		return true
	}, waitFor, tick)

	for _, nd := range net.nodes {
		require.Equal(t, uint64(2), nd.Members().CurrentEpoch())
		require.Equal(t, 4, nd.Members().CurrentValidatorSet().Size())
		require.Equal(t, 1, nd.Status().Recoveries[recovery.KindByzantine].Successes)
	}

	// Blocks finalize in the new epoch
	_, err = net.nodes[2].ProposeBlock(context.Background(), block("after", "slash"))
	require.NoError(t, err)
	net.waitHeight(1)
}

func TestNodeRelaysVotesToPeersLackingThem(t *testing.T) {
	voter := testutil.NewKey(99)
	net := newTestNetwork(t, 4, types.NewValidator(voter.Pub, 100))
	net.start()
	nd := net.nodes[0]

	var mu sync.Mutex
	var sent [][]byte
	nd.SetBroadcaster(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, data)
	})
	relays := func(data []byte) int {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, s := range sent {
			if bytes.Equal(s, data) {
				count++
			}
		}
		return count
	}

	nd.AddPeer("origin", types.Address{})
	nd.AddPeer("behind", types.Address{})
	nd.AddPeer("ahead", types.Address{})
	nd.Peers().Observe("behind", 1, 0)
	nd.Peers().Observe("ahead", 5, 0)

	vote := voter.Vote(1, testutil.Hash("relayed"), 1)
	data, err := EncodeVoteMessage(vote)
	require.NoError(t, err)

	var ids []string
	for _, ps := range nd.Peers().PeersNeedingVote(vote) {
		ids = append(ids, ps.ID())
	}
	require.Contains(t, ids, "behind")
	require.NotContains(t, ids, "ahead")

	require.NoError(t, nd.HandleMessage("origin", data))
	require.Equal(t, 1, relays(data))
	for _, ps := range nd.Peers().PeersNeedingVote(vote) {
		require.NotEqual(t, "behind", ps.ID())
		require.NotEqual(t, "origin", ps.ID())
	}

	// A vote nobody at its slot lacks is not sent again
	other := voter.Vote(1, testutil.Hash("relayed"), 2)
	other.Round = 3
	voter.Sign(other)
	otherData, err := EncodeVoteMessage(other)
	require.NoError(t, err)
	require.Empty(t, nd.Peers().PeersNeedingVote(other))
	require.NoError(t, nd.HandleMessage("origin", otherData))
	require.Zero(t, relays(otherData))
}

func TestNodePartitionRecovery(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start()
	ctx := context.Background()
	minority := net.nodes[3]

	// node3 only reaches node2
	net.isolate(3, 0)
	net.isolate(3, 1)
	minority.MarkPeerDown(net.ids[0])
	minority.MarkPeerDown(net.ids[1])
	require.Eventually(t, func() bool { return minority.Status().Partitioned }, waitFor, tick)

	_, err := net.nodes[0].ProposeBlock(ctx, block("a", "1"))
	require.NoError(t, err)
	net.waitHeight(1, 0, 1, 2)
	_, err = net.nodes[1].ProposeBlock(ctx, block("b", "2"))
	require.NoError(t, err)
	net.waitHeight(2, 0, 1, 2)

	require.Equal(t, int64(0), minority.Height())
	require.Eventually(t, func() bool { return minority.Status().Buffered > 0 }, waitFor, tick)

	net.heal()
	minority.ObservePeer(net.ids[0], net.nodes[0].Height())
	minority.ObservePeer(net.ids[1], net.nodes[1].Height())

	net.waitHeight(2, 3)
	require.Eventually(t, func() bool {
		st := minority.Status()
		return !st.Partitioned && st.Buffered == 0 && st.Recoveries[recovery.KindPartition].Successes == 1
	}, waitFor, tick)

	v, ok := minority.Query("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
	cert, err := minority.FinalityProof(2)
	require.NoError(t, err)
	require.Equal(t, int64(2), cert.Height)

	// The recovered node takes part in consensus again
	_, err = minority.ProposeBlock(ctx, block("c", "3"))
	require.NoError(t, err)
	net.waitHeight(3)
}

func TestNodeRestartRecoversState(t *testing.T) {
	net := newTestNetwork(t, 1)
	net.start()
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		_, err := net.nodes[0].ProposeBlock(ctx, block(key, key))
		require.NoError(t, err)
		net.waitHeight(int64(i + 1))
	}
	root := net.nodes[0].Status().StateRoot
	require.NoError(t, net.nodes[0].Stop())

	restarted := net.build(0)
	net.mu.Lock()
	net.nodes[0] = restarted
	net.mu.Unlock()
	require.NoError(t, restarted.Start())

	require.Equal(t, int64(3), restarted.Height())
	require.Equal(t, root, restarted.Status().StateRoot)
	require.Equal(t, 1, restarted.Status().Recoveries[recovery.KindCrash].Successes)
	_, err := restarted.FinalityProof(3)
	require.NoError(t, err)

	_, err = restarted.ProposeBlock(ctx, block("d", "d"))
	require.NoError(t, err)
	net.waitHeight(4)
}

func TestMembershipStateFile(t *testing.T) {
	require.Equal(t, "data/pv_state_membership.json", membershipStateFile("data/pv_state.json"))
	require.Equal(t, "state_membership", membershipStateFile("state"))
	require.Equal(t, "chain/membership", MembershipChainID("chain"))
}
