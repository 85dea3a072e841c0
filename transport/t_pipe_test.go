package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jondeandres/bunny/frame"
)

// TestPipeDeliversInOrder tests that frames arrive on the peer end in send
// order with their channel ids intact.
func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe(0)
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(uint16(i), &frame.BodyFrame{Chunk: []byte{byte(i)}}))
	}

	for i := 0; i < 10; i++ {
		chID, f, err := b.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(i), chID)
		bf, ok := f.(*frame.BodyFrame)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, bf.Chunk)
	}
}

// TestPipeBothDirections tests independent traffic in each direction.
func TestPipeBothDirections(t *testing.T) {
	a, b := NewPipe(0)

	require.NoError(t, a.Send(1, &frame.HeartbeatFrame{}))
	require.NoError(t, b.Send(2, &frame.HeartbeatFrame{}))

	chID, _, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), chID)

	chID, _, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), chID)
}

// TestPipeDisconnectFailsBothEnds tests that one Disconnect kills send and
// receive on both ends.
func TestPipeDisconnectFailsBothEnds(t *testing.T) {
	a, b := NewPipe(0)
	require.NoError(t, a.Disconnect())

	require.ErrorIs(t, a.Send(1, &frame.HeartbeatFrame{}), ErrClosed)
	require.ErrorIs(t, b.Send(1, &frame.HeartbeatFrame{}), ErrClosed)

	_, _, err := b.Next()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.Connect(), ErrClosed)

	// Disconnecting again is fine
	require.NoError(t, b.Disconnect())
	require.NoError(t, a.Disconnect())
}

// TestPipeDrainsQueuedFramesAfterDisconnect tests that frames queued before
// the teardown are still delivered before ErrClosed.
func TestPipeDrainsQueuedFramesAfterDisconnect(t *testing.T) {
	a, b := NewPipe(0)

	require.NoError(t, a.Send(7, &frame.BodyFrame{Chunk: []byte("last words")}))
	require.NoError(t, a.Disconnect())

	chID, f, err := b.Next()
	require.NoError(t, err, "queued frame must drain before the close is honored")
	assert.Equal(t, uint16(7), chID)
	bf, ok := f.(*frame.BodyFrame)
	require.True(t, ok)
	assert.Equal(t, []byte("last words"), bf.Chunk)

	_, _, err = b.Next()
	require.ErrorIs(t, err, ErrClosed)
}

// TestPipeNextBlocksUntilFrame tests that Next waits for traffic instead of
// spinning.
func TestPipeNextBlocksUntilFrame(t *testing.T) {
	a, b := NewPipe(0)

	got := make(chan uint16, 1)
	go func() {
		chID, _, err := b.Next()
		if err == nil {
			got <- chID
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was sent")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, a.Send(3, &frame.HeartbeatFrame{}))
	select {
	case chID := <-got:
		assert.Equal(t, uint16(3), chID)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake on the sent frame")
	}
}

// TestPipeFrameMax tests the frame size negotiation defaulting.
func TestPipeFrameMax(t *testing.T) {
	a, b := NewPipe(0)
	assert.Equal(t, DefaultFrameMax, a.MaxFrameSize())
	assert.Equal(t, DefaultFrameMax, b.MaxFrameSize())

	a, b = NewPipe(4096)
	assert.Equal(t, 4096, a.MaxFrameSize())
	assert.Equal(t, 4096, b.MaxFrameSize())
}
