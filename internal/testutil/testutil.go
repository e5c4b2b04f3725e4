// Package testutil holds deterministic keys and vote builders shared by the
// package tests.
package testutil

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/types"
)

// ChainID is the chain ID used by all tests.
const ChainID = "test-chain"

// Key is a deterministic ed25519 key pair.
type Key struct {
	Pub  types.PublicKey
	Priv ed25519.PrivateKey
	Addr types.Address
}

// NewKey derives a key from a one-byte seed.
func NewKey(seed byte) Key {
	s := make([]byte, ed25519.SeedSize)
	s[0] = seed
	s[1] = 0xbf
	priv := ed25519.NewKeyFromSeed(s)
	pub := types.PublicKey(priv.Public().(ed25519.PublicKey))
	return Key{Pub: pub, Priv: priv, Addr: types.AddressFromPubKey(pub)}
}

// ValidatorSet returns a set of n validators with bond 100 each and their keys.
func ValidatorSet(t testing.TB, n int) (*types.ValidatorSet, []Key) {
	t.Helper()
	keys := make([]Key, n)
	vals := make([]*types.Validator, n)
	for i := range keys {
		keys[i] = NewKey(byte(i + 1))
		vals[i] = types.NewValidator(keys[i].Pub, 100)
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs, keys
}

// Hash returns the SHA-256 of s.
func Hash(s string) types.Hash {
	return types.HashBytes([]byte(s))
}

// Sign signs v in place with k and returns it.
func (k Key) Sign(v *types.ConsensusVote) *types.ConsensusVote {
	v.Voter = k.Addr
	v.Signature = ed25519.Sign(k.Priv, types.VoteSignBytes(ChainID, v))
	return v
}

// SignProposal signs p in place with k and returns it.
func (k Key) SignProposal(p *types.Proposal) *types.Proposal {
	p.Proposer = k.Addr
	p.Signature = ed25519.Sign(k.Priv, types.ProposalSignBytes(ChainID, p))
	return p
}

// Vote builds a signed vote for block at (epoch 1, height, round 0).
func (k Key) Vote(height int64, block types.Hash, seq uint64) *types.ConsensusVote {
	return k.Sign(&types.ConsensusVote{
		EpochID:   1,
		Height:    height,
		BlockHash: block,
		VoteSeq:   seq,
		Timestamp: time.Now().UnixNano(),
	})
}

// Votes builds one signed vote per key for the same block.
func Votes(keys []Key, height int64, block types.Hash, seq uint64) []*types.ConsensusVote {
	out := make([]*types.ConsensusVote, len(keys))
	for i, k := range keys {
		out[i] = k.Vote(height, block, seq)
	}
	return out
}
