package statesync

import (
	"context"
	"fmt"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/membership"
	"github.com/blockberries/finalberry/types"
)

// Block is a finalized block payload with the certificate that finalized it
type Block struct {
	Height      int64                       `cbor:"1,keyasint"`
	Payload     []byte                      `cbor:"2,keyasint"`
	Certificate *types.ConsensusCertificate `cbor:"3,keyasint"`
}

// Provider fetches sync data from a peer
type Provider interface {
	// FetchBlock returns the finalized block at height
	FetchBlock(ctx context.Context, peerID string, height int64) (*Block, error)
	// FetchCheckpoint returns the peer's latest checkpoint at or below maxHeight
	FetchCheckpoint(ctx context.Context, peerID string, maxHeight int64) (*checkpoint.Checkpoint, error)
	// FetchMembership returns the peer's committed membership events from
	// seq fromSeq on
	FetchMembership(ctx context.Context, peerID string, fromSeq uint64) ([]membership.Committed, error)
}

// BlockStore is the local record of finalized blocks. store.DB implements it.
type BlockStore interface {
	LoadBlock(height int64) ([]byte, error)
	LoadCertificate(height int64) (*types.ConsensusCertificate, error)
}

// MembershipHistory is the committed membership log. membership.Manager
// implements it.
type MembershipHistory interface {
	HistoryFrom(seq uint64) []membership.Committed
}

// LocalProvider serves sync data from local storage. It ignores the peer ID
// and is what a node answers sync requests with.
type LocalProvider struct {
	blocks      BlockStore
	checkpoints *checkpoint.Manager
	members     MembershipHistory
}

// NewLocalProvider creates a provider over blocks and, optionally, checkpoints
func NewLocalProvider(blocks BlockStore, checkpoints *checkpoint.Manager) *LocalProvider {
	return &LocalProvider{blocks: blocks, checkpoints: checkpoints}
}

// SetMembership sets the membership log served to peers
func (p *LocalProvider) SetMembership(h MembershipHistory) {
	p.members = h
}

// FetchBlock implements Provider
func (p *LocalProvider) FetchBlock(ctx context.Context, _ string, height int64) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := p.blocks.LoadBlock(height)
	if err != nil {
		return nil, err
	}
	cert, err := p.blocks.LoadCertificate(height)
	if err != nil {
		return nil, err
	}
	return &Block{Height: height, Payload: payload, Certificate: cert}, nil
}

// FetchCheckpoint implements Provider
func (p *LocalProvider) FetchCheckpoint(ctx context.Context, _ string, maxHeight int64) (*checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.checkpoints == nil {
		return nil, checkpoint.ErrNoCheckpoint
	}
	return p.checkpoints.LatestAtOrBelow(maxHeight)
}

// FetchMembership implements Provider
func (p *LocalProvider) FetchMembership(ctx context.Context, _ string, fromSeq uint64) ([]membership.Committed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.members == nil {
		return nil, nil
	}
	return p.members.HistoryFrom(fromSeq), nil
}

// Router dispatches each request to the provider registered for the peer
type Router map[string]Provider

// FetchBlock implements Provider
func (r Router) FetchBlock(ctx context.Context, peerID string, height int64) (*Block, error) {
	p, ok := r[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return p.FetchBlock(ctx, peerID, height)
}

// FetchCheckpoint implements Provider
func (r Router) FetchCheckpoint(ctx context.Context, peerID string, maxHeight int64) (*checkpoint.Checkpoint, error) {
	p, ok := r[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return p.FetchCheckpoint(ctx, peerID, maxHeight)
}

// FetchMembership implements Provider
func (r Router) FetchMembership(ctx context.Context, peerID string, fromSeq uint64) ([]membership.Committed, error) {
	p, ok := r[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return p.FetchMembership(ctx, peerID, fromSeq)
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = Router(nil)
)
