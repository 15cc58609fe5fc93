package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/sinkauth"
	"github.com/opd-ai/vcam/transport"
)

func TestSinkStreamRefCounting(t *testing.T) {
	s := newSink(4, &Stats{})

	assert.False(t, s.isLive())
	assert.True(t, s.streamStarted(), "first start is the 0 to 1 transition")
	assert.True(t, s.isLive())
	assert.False(t, s.streamStarted(), "second start is not a transition")

	assert.False(t, s.streamStopped(), "one writer remains")
	assert.True(t, s.isLive())
	assert.True(t, s.streamStopped(), "last stop is the 1 to 0 transition")
	assert.False(t, s.isLive())

	assert.False(t, s.streamStopped(), "stopping an idle sink is a no-op")
}

func TestSinkTokenVerification(t *testing.T) {
	s := newSink(4, &Stats{})

	token := [sinkauth.TokenSize]byte{1, 2, 3}
	assert.False(t, s.verifyToken(token), "unauthorized sink accepts no token")

	s.authorize(token)
	assert.True(t, s.isAuthorized())
	assert.True(t, s.verifyToken(token))

	wrong := [sinkauth.TokenSize]byte{9, 9, 9}
	assert.False(t, s.verifyToken(wrong))

	// Ending the stream invalidates the session.
	s.streamStarted()
	s.streamStopped()
	assert.False(t, s.isAuthorized())
	assert.False(t, s.verifyToken(token))
}

func TestSinkQueueDropsOnOverflow(t *testing.T) {
	stats := &Stats{}
	s := newSink(2, stats)

	for i := 0; i < 5; i++ {
		s.enqueue(codec.NewFrame(4, 4))
	}

	snapshot := stats.Snapshot()
	assert.Equal(t, uint64(3), snapshot.SinkQueueDropped)

	// The queue still holds the first two frames.
	_, ok := s.tryDequeue()
	assert.True(t, ok)
	_, ok = s.tryDequeue()
	assert.True(t, ok)
	_, ok = s.tryDequeue()
	assert.False(t, ok)
}

func TestSinkAbsorbFragmentReassemblesFrame(t *testing.T) {
	stats := &Stats{}
	s := newSink(4, stats)

	frame := codec.NewFrame(64, 64)
	frame.Data[0] = 0x55
	fragments, err := transport.FragmentFrame(7, 123, frame.Width, frame.Height, frame.Data)
	require.NoError(t, err)

	for _, frag := range fragments {
		s.absorbFragment(frag)
	}

	got, ok := s.tryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, byte(0x55), got.Data[0])
	require.NoError(t, got.Validate())

	assert.Equal(t, uint64(1), stats.Snapshot().SinkFramesReceived)
}

func TestSinkAbsorbFragmentDropsMalformedFrame(t *testing.T) {
	stats := &Stats{}
	s := newSink(4, stats)

	// Claimed geometry does not match the pixel payload.
	fragments, err := transport.FragmentFrame(3, 0, 640, 480, make([]byte, 16))
	require.NoError(t, err)
	for _, frag := range fragments {
		s.absorbFragment(frag)
	}

	_, ok := s.tryDequeue()
	assert.False(t, ok, "malformed frames must not reach the queue")
	assert.Equal(t, uint64(0), stats.Snapshot().SinkFramesReceived)
}
