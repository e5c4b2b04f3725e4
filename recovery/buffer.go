package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/blockberries/finalberry/wal"
)

const bufferTreeDegree = 32

// BufferedMessage is a message held back while the node was partitioned
type BufferedMessage struct {
	PeerID  string
	Message *wal.Message
	// Arrival orders messages with equal height and round
	Arrival uint64
}

// Less orders by height, then round, then arrival
func (m *BufferedMessage) Less(o *BufferedMessage) bool {
	if m.Message.Height != o.Message.Height {
		return m.Message.Height < o.Message.Height
	}
	if m.Message.Round != o.Message.Round {
		return m.Message.Round < o.Message.Round
	}
	return m.Arrival < o.Arrival
}

var _ btree.LessFunc[*BufferedMessage] = (*BufferedMessage).Less

// MessageBuffer holds messages received during a partition and releases
// them in causal order: ascending height, then round, then arrival.
type MessageBuffer struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[*BufferedMessage]
	arrival uint64
	limit   int
}

// NewMessageBuffer creates a buffer holding at most limit messages
func NewMessageBuffer(limit int) *MessageBuffer {
	return &MessageBuffer{
		tree:  btree.NewG(bufferTreeDegree, (*BufferedMessage).Less),
		limit: limit,
	}
}

// Add buffers msg from peerID
func (b *MessageBuffer) Add(peerID string, msg *wal.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrRecoveryFailed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tree.Len() >= b.limit {
		return ErrBufferFull
	}
	b.arrival++
	b.tree.ReplaceOrInsert(&BufferedMessage{PeerID: peerID, Message: msg, Arrival: b.arrival})
	return nil
}

// Len returns the number of buffered messages
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Len()
}

// Ordered returns the buffered messages in replay order without removing
// them
func (b *MessageBuffer) Ordered() []*BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*BufferedMessage, 0, b.tree.Len())
	b.tree.Ascend(func(m *BufferedMessage) bool {
		out = append(out, m)
		return true
	})
	return out
}

// DropThrough discards messages at or below height and returns how many
// were dropped
func (b *MessageBuffer) DropThrough(height int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for {
		m, ok := b.tree.Min()
		if !ok || m.Message.Height > height {
			return dropped
		}
		b.tree.DeleteMin()
		dropped++
	}
}

// Drain hands messages to fn in replay order, removing each once fn accepts
// it. On error the failed message and everything after it stay buffered, so
// a later Drain resumes where this one stopped.
func (b *MessageBuffer) Drain(ctx context.Context, fn func(*BufferedMessage) error) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b.mu.Lock()
		m, ok := b.tree.Min()
		b.mu.Unlock()
		if !ok {
			return n, nil
		}
		if err := fn(m); err != nil {
			return n, err
		}
		b.mu.Lock()
		b.tree.Delete(m)
		b.mu.Unlock()
		n++
	}
}
