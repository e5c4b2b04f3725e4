package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/wal"
)

func msgAt(height int64, round int32) *wal.Message {
	return &wal.Message{Type: wal.MsgTypeVote, Height: height, Round: round}
}

func TestMessageBufferOrder(t *testing.T) {
	b := NewMessageBuffer(10)
	require.NoError(t, b.Add("p1", msgAt(5, 0)))
	require.NoError(t, b.Add("p2", msgAt(3, 1)))
	require.NoError(t, b.Add("p3", msgAt(3, 0)))
	require.NoError(t, b.Add("p4", msgAt(3, 1)))
	require.NoError(t, b.Add("p5", msgAt(4, 0)))

	var got []string
	for _, m := range b.Ordered() {
		got = append(got, m.PeerID)
	}
	// Equal slots keep arrival order
	require.Equal(t, []string{"p3", "p2", "p4", "p5", "p1"}, got)
	require.Equal(t, 5, b.Len())
}

func TestMessageBufferLimit(t *testing.T) {
	b := NewMessageBuffer(2)
	require.NoError(t, b.Add("p", msgAt(1, 0)))
	require.NoError(t, b.Add("p", msgAt(1, 0)))
	require.ErrorIs(t, b.Add("p", msgAt(2, 0)), ErrBufferFull)
	require.ErrorIs(t, b.Add("p", nil), ErrRecoveryFailed)
	require.Equal(t, 2, b.Len())
}

func TestMessageBufferDropThrough(t *testing.T) {
	b := NewMessageBuffer(10)
	for h := int64(1); h <= 6; h++ {
		require.NoError(t, b.Add("p", msgAt(h, 0)))
	}
	require.Equal(t, 4, b.DropThrough(4))
	require.Equal(t, 0, b.DropThrough(4))

	ordered := b.Ordered()
	require.Len(t, ordered, 2)
	require.Equal(t, int64(5), ordered[0].Message.Height)
}

func TestMessageBufferDrainResumes(t *testing.T) {
	b := NewMessageBuffer(10)
	for h := int64(1); h <= 5; h++ {
		require.NoError(t, b.Add("p", msgAt(h, 0)))
	}

	errStop := errors.New("stop")
	var seen []int64
	n, err := b.Drain(context.Background(), func(m *BufferedMessage) error {
		if m.Message.Height == 3 {
			return errStop
		}
		seen = append(seen, m.Message.Height)
		return nil
	})
	require.ErrorIs(t, err, errStop)
	require.Equal(t, 2, n)
	require.Equal(t, 3, b.Len())

	n, err = b.Drain(context.Background(), func(m *BufferedMessage) error {
		seen = append(seen, m.Message.Height)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
	require.Zero(t, b.Len())
}

func TestMessageBufferDrainCancelled(t *testing.T) {
	b := NewMessageBuffer(10)
	require.NoError(t, b.Add("p", msgAt(1, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := b.Drain(ctx, func(*BufferedMessage) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)
	require.Equal(t, 1, b.Len())
}
