package device

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/transport"
)

func TestSourcePublishDeliversClones(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	s := newSource(deviceEnd)
	_, chA := s.subscribe()
	_, chB := s.subscribe()
	assert.Equal(t, 2, s.subscriberCount())

	frame := codec.NewFrame(4, 4)
	frame.Sequence = 5
	s.publish(frame)

	gotA := <-chA
	gotB := <-chB
	assert.Equal(t, uint64(5), gotA.Sequence)
	assert.Equal(t, uint64(5), gotB.Sequence)

	// Each subscriber owns its copy; no two consumers share a buffer.
	gotA.Data[0] = 0xAA
	assert.Equal(t, byte(0), gotB.Data[0])
	assert.Equal(t, byte(0), frame.Data[0])
}

func TestSourceDropsForSlowSubscriber(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	s := newSource(deviceEnd)
	id, _ := s.subscribe()

	// Never read from the channel; overflow past its depth must drop
	// rather than block the publisher.
	for i := 0; i < subscriberQueueDepth+3; i++ {
		s.publish(codec.NewFrame(4, 4))
	}

	stats, ok := s.stats(id)
	require.True(t, ok)
	assert.Equal(t, uint64(subscriberQueueDepth), stats.Sent)
	assert.Equal(t, uint64(3), stats.Dropped)
}

func TestSourceUnsubscribeClosesChannel(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	s := newSource(deviceEnd)
	id, ch := s.subscribe()

	assert.True(t, s.unsubscribe(id))
	_, open := <-ch
	assert.False(t, open)

	assert.False(t, s.unsubscribe(id), "second unsubscribe is ignored")
	assert.False(t, s.unsubscribe("unknown"))
}

func TestSourceRemoteSubscription(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	s := newSource(deviceEnd)
	addr := publisherEnd.LocalAddr()

	id, added := s.subscribeRemote(addr)
	assert.True(t, added)
	assert.NotEmpty(t, id)

	again, added := s.subscribeRemote(addr)
	assert.False(t, added, "re-subscribing the same address keeps the registration")
	assert.Equal(t, id, again)
	assert.Equal(t, 1, s.subscriberCount())

	assert.True(t, s.unsubscribeRemote(addr))
	assert.False(t, s.unsubscribeRemote(addr))
	assert.Equal(t, 0, s.subscriberCount())
}

func TestSourcePublishReachesRemoteSubscriber(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	received := make(chan *transport.FrameFragment, 8)
	publisherEnd.RegisterHandler(transport.PacketSourceFrame, func(packet *transport.Packet, _ net.Addr) error {
		frag, err := transport.ParseFrameFragment(packet.Data)
		if err != nil {
			return err
		}
		received <- frag
		return nil
	})

	s := newSource(deviceEnd)
	_, added := s.subscribeRemote(publisherEnd.LocalAddr())
	require.True(t, added)

	frame := codec.NewFrame(8, 8)
	frame.Sequence = 11
	s.publish(frame)

	select {
	case frag := <-received:
		assert.Equal(t, uint64(11), frag.Sequence)
		assert.Equal(t, uint16(8), frag.Width)
	case <-time.After(2 * time.Second):
		t.Fatal("Remote subscriber received no fragments")
	}
}

func TestSourceCloseAllDropsEverySubscriber(t *testing.T) {
	deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
	defer publisherEnd.Close()
	defer deviceEnd.Close()

	s := newSource(deviceEnd)
	_, ch := s.subscribe()
	s.subscribeRemote(publisherEnd.LocalAddr())

	s.closeAll()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.subscriberCount())

	// Idempotent.
	s.closeAll()
}
