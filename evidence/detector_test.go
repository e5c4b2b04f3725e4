package evidence

import (
	"testing"
	"time"

	"github.com/blockberries/finalberry/internal/testutil"
	"github.com/blockberries/finalberry/types"
)

func newTestDetector(t *testing.T) (*FaultDetector, *types.ValidatorSet, []testutil.Key) {
	t.Helper()
	valSet, keys := testutil.ValidatorSet(t, 4)
	d, err := NewFaultDetector(DefaultDetectorConfig(), testutil.ChainID, valSet, keys[3].Addr)
	if err != nil {
		t.Fatalf("NewFaultDetector failed: %v", err)
	}
	return d, valSet, keys
}

func TestDetectorNoFault(t *testing.T) {
	d, _, keys := newTestDetector(t)
	now := time.Now()

	b := &Behavior{
		Now:         now,
		LastSeen:    now.Add(-time.Second),
		MeanLatency: 100 * time.Millisecond,
		Votes:       []*types.ConsensusVote{keys[0].Vote(1, testutil.Hash("a"), 1)},
		MessageRate: 5,
	}
	if ev := d.Detect(keys[0].Addr, b); ev != nil {
		t.Errorf("expected no fault, got %s", ev.Type)
	}
	if ev := d.Detect(keys[0].Addr, nil); ev != nil {
		t.Error("nil behavior should not produce evidence")
	}
}

func TestDetectorCrash(t *testing.T) {
	d, valSet, keys := newTestDetector(t)
	now := time.Now()

	ev := d.Detect(keys[0].Addr, &Behavior{Now: now, LastSeen: now.Add(-time.Minute)})
	if ev == nil || ev.Type != FaultCrash {
		t.Fatalf("expected crash evidence, got %v", ev)
	}
	if ev.Reporter != keys[3].Addr || ev.LastSeen == 0 {
		t.Errorf("crash evidence missing fields: %+v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}

	ev = d.Detect(keys[0].Addr, &Behavior{Now: now, MissedRounds: 5})
	if ev == nil || ev.Type != FaultCrash || ev.MissedRounds != 5 {
		t.Errorf("expected crash evidence from missed rounds, got %v", ev)
	}
}

func TestDetectorTiming(t *testing.T) {
	d, valSet, keys := newTestDetector(t)

	ev := d.Detect(keys[0].Addr, &Behavior{Now: time.Now(), MeanLatency: 6 * time.Second})
	if ev == nil || ev.Type != FaultTiming {
		t.Fatalf("expected timing evidence, got %v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorEquivocation(t *testing.T) {
	d, valSet, keys := newTestDetector(t)

	b := &Behavior{
		Now: time.Now(),
		Votes: []*types.ConsensusVote{
			keys[0].Vote(3, testutil.Hash("a"), 1),
			keys[0].Vote(4, testutil.Hash("a"), 2),
			keys[0].Vote(3, testutil.Hash("b"), 3),
		},
	}
	ev := d.Detect(keys[0].Addr, b)
	if ev == nil || ev.Type != FaultByzantine {
		t.Fatalf("expected byzantine evidence, got %v", ev)
	}
	if ev.Height != 3 || len(ev.Votes) != 2 {
		t.Errorf("evidence should point at height 3 with two votes: %+v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorIgnoresForgedConflicts(t *testing.T) {
	d, _, keys := newTestDetector(t)

	// A peer relays a vote it signed itself but attributed to keys[0]
	forged := keys[1].Vote(3, testutil.Hash("b"), 2)
	forged.Voter = keys[0].Addr
	b := &Behavior{
		Now:   time.Now(),
		Votes: []*types.ConsensusVote{keys[0].Vote(3, testutil.Hash("a"), 1), forged},
	}
	if ev := d.Detect(keys[0].Addr, b); ev != nil {
		t.Errorf("forged vote should not produce evidence, got %s", ev.Type)
	}

	tampered := keys[0].Vote(3, testutil.Hash("b"), 2)
	tampered.Signature[0] ^= 0x01
	b.Votes[1] = tampered
	if ev := d.Detect(keys[0].Addr, b); ev != nil {
		t.Errorf("tampered vote should not produce evidence, got %s", ev.Type)
	}

	res := testutil.Hash("coin")
	spoofed := signSpend(keys[2], SpendClaim{Resource: res, TxHash: testutil.Hash("tx2"), Height: 9})
	spoofed.Signer = keys[1].Addr
	b = &Behavior{
		Now: time.Now(),
		Spends: []SpendClaim{
			signSpend(keys[1], SpendClaim{Resource: res, TxHash: testutil.Hash("tx1"), Height: 9}),
			spoofed,
		},
	}
	if ev := d.Detect(keys[1].Addr, b); ev != nil {
		t.Errorf("spoofed spend should not produce evidence, got %s", ev.Type)
	}
}

func TestDetectorDoubleSpend(t *testing.T) {
	d, valSet, keys := newTestDetector(t)
	res := testutil.Hash("coin")

	b := &Behavior{
		Now: time.Now(),
		Spends: []SpendClaim{
			signSpend(keys[1], SpendClaim{Resource: res, TxHash: testutil.Hash("tx1"), Height: 9}),
			signSpend(keys[1], SpendClaim{Resource: res, TxHash: testutil.Hash("tx2"), Height: 9}),
		},
	}
	ev := d.Detect(keys[1].Addr, b)
	if ev == nil || ev.Type != FaultDoubleSpend {
		t.Fatalf("expected double spend evidence, got %v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorForgedSignature(t *testing.T) {
	d, valSet, keys := newTestDetector(t)

	claimed := keys[2].Vote(1, testutil.Hash("x"), 1)
	if ev := d.Detect(keys[2].Addr, &Behavior{Now: time.Now(), Claimed: claimed}); ev != nil {
		t.Errorf("valid signature should not be a fault, got %s", ev.Type)
	}

	claimed.Signature[10] ^= 0x01
	ev := d.Detect(keys[2].Addr, &Behavior{Now: time.Now(), Claimed: claimed})
	if ev == nil || ev.Type != FaultCryptographic {
		t.Fatalf("expected cryptographic evidence, got %v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorCoordinated(t *testing.T) {
	d, valSet, keys := newTestDetector(t)

	b := &Behavior{
		Now: time.Now(),
		Votes: []*types.ConsensusVote{
			keys[0].Vote(2, testutil.Hash("a"), 1),
			keys[0].Vote(2, testutil.Hash("b"), 2),
		},
		CoEquivocators: []types.Address{keys[1].Addr, keys[2].Addr},
	}
	ev := d.Detect(keys[0].Addr, b)
	if ev == nil || ev.Type != FaultCoordinated {
		t.Fatalf("expected coordinated evidence, got %v", ev)
	}
	if len(ev.Colluders) != 2 {
		t.Errorf("expected 2 colluders, got %d", len(ev.Colluders))
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorFlooding(t *testing.T) {
	d, valSet, keys := newTestDetector(t)

	ev := d.Detect(keys[0].Addr, &Behavior{Now: time.Now(), MessageRate: 500})
	if ev == nil || ev.Type != FaultByzantine || ev.MessageRate != 500 {
		t.Fatalf("expected flooding evidence, got %v", ev)
	}
	if err := ev.Validate(testutil.ChainID, valSet); err != nil {
		t.Errorf("detected evidence should validate: %v", err)
	}
}

func TestDetectorPriority(t *testing.T) {
	d, _, keys := newTestDetector(t)
	now := time.Now()

	conflicting := []*types.ConsensusVote{
		keys[0].Vote(1, testutil.Hash("a"), 1),
		keys[0].Vote(1, testutil.Hash("b"), 2),
	}
	forged := keys[0].Vote(2, testutil.Hash("c"), 3)
	forged.Signature[0] ^= 0xff

	tests := []struct {
		name string
		b    *Behavior
		want FaultType
	}{
		{
			name: "timeout before inconsistency",
			b:    &Behavior{Now: now, MissedRounds: 10, Votes: conflicting},
			want: FaultCrash,
		},
		{
			name: "inconsistency before signature",
			b:    &Behavior{Now: now, Votes: conflicting, Claimed: forged},
			want: FaultByzantine,
		},
		{
			name: "signature before behavior",
			b:    &Behavior{Now: now, Claimed: forged, MessageRate: 1000},
			want: FaultCryptographic,
		},
		{
			name: "lone co-equivocator stays byzantine",
			b: &Behavior{
				Now: now, Votes: conflicting,
				CoEquivocators: []types.Address{keys[1].Addr, keys[0].Addr},
			},
			want: FaultByzantine,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := d.Detect(keys[0].Addr, tt.b)
			if ev == nil {
				t.Fatal("expected evidence")
			}
			if ev.Type != tt.want {
				t.Errorf("got %s, want %s", ev.Type, tt.want)
			}
		})
	}
}

func TestDetectorConfigValidate(t *testing.T) {
	cfg := DefaultDetectorConfig()
	if err := cfg.ValidateBasic(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	cfg.CoordinationThreshold = 0
	if _, err := NewFaultDetector(cfg, testutil.ChainID, nil, types.Address{}); err == nil {
		t.Error("expected error for zero coordination threshold")
	}
}
