package device

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/transport"
)

// subscriberQueueDepth bounds each local subscriber's channel. A slow
// subscriber drops the incoming frame rather than stalling the ConsumeLoop.
const subscriberQueueDepth = 4

// SubscriberStats tracks frame distribution for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// subscriber is one local consumer of the Source endpoint.
type subscriber struct {
	id      string
	ch      chan *codec.Frame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// remoteSubscriber is a consumer in another process, reached through the
// transport as SourceFrame fragments.
type remoteSubscriber struct {
	id   string
	addr net.Addr
	sent atomic.Uint64
}

// source implements the outbound endpoint fan-out. Frames are transferred,
// never shared: every subscriber receives its own copy so no two consumers
// ever hold the same mutable buffer.
type source struct {
	transport transport.Transport

	mu      sync.RWMutex
	local   map[string]*subscriber
	remote  map[string]*remoteSubscriber
	closed  bool
}

func newSource(tr transport.Transport) *source {
	return &source{
		transport: tr,
		local:     make(map[string]*subscriber),
		remote:    make(map[string]*remoteSubscriber),
	}
}

// subscribe adds a local subscriber and returns its ID and frame channel.
func (s *source) subscribe() (string, <-chan *codec.Frame) {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan *codec.Frame, subscriberQueueDepth),
	}

	s.mu.Lock()
	s.local[sub.id] = sub
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "subscribe",
		"subscriber_id": sub.id,
	}).Debug("Local source subscriber added")

	return sub.id, sub.ch
}

// unsubscribe removes a local subscriber. Unknown IDs are ignored.
func (s *source) unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.local[id]
	if !exists {
		return false
	}
	delete(s.local, id)
	close(sub.ch)
	return true
}

// subscribeRemote adds a transport-addressed subscriber. Re-subscribing
// from the same address keeps the existing registration and reports false.
func (s *source) subscribeRemote(addr net.Addr) (string, bool) {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.remote[key]; ok {
		return existing.id, false
	}

	sub := &remoteSubscriber{
		id:   uuid.New().String(),
		addr: addr,
	}
	s.remote[key] = sub

	logrus.WithFields(logrus.Fields{
		"function":      "subscribeRemote",
		"subscriber_id": sub.id,
		"addr":          key,
	}).Debug("Remote source subscriber added")

	return sub.id, true
}

// unsubscribeRemote removes a transport-addressed subscriber.
func (s *source) unsubscribeRemote(addr net.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addr.String()
	if _, exists := s.remote[key]; !exists {
		return false
	}
	delete(s.remote, key)
	return true
}

// subscriberCount returns the number of attached subscribers, local and
// remote combined.
func (s *source) subscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local) + len(s.remote)
}

// publish fans a frame out to every subscriber. Local subscribers get a
// clone on a non-blocking send, dropping when their channel is full; remote
// subscribers get the frame as SourceFrame fragments.
func (s *source) publish(frame *codec.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.local {
		select {
		case sub.ch <- frame.Clone():
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}

	if len(s.remote) == 0 {
		return
	}

	fragments, err := transport.FragmentFrame(
		frame.Sequence, frame.Timestamp.UnixNano(), frame.Width, frame.Height, frame.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"sequence": frame.Sequence,
			"error":    err.Error(),
		}).Warn("Failed to fragment frame for remote subscribers")
		return
	}

	for _, sub := range s.remote {
		delivered := true
		for _, frag := range fragments {
			packet := &transport.Packet{
				PacketType: transport.PacketSourceFrame,
				Data:       frag.Marshal(),
			}
			if err := s.transport.Send(packet, sub.addr); err != nil {
				// A torn frame is useless; stop sending its remaining
				// fragments and let the subscriber's reassembler age it out.
				delivered = false
				break
			}
		}
		if delivered {
			sub.sent.Add(1)
		}
	}
}

// stats returns the per-subscriber delivery counters for a local subscriber.
func (s *source) stats(id string) (SubscriberStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.local[id]
	if !exists {
		return SubscriberStats{}, false
	}
	return SubscriberStats{
		Sent:    sub.sent.Load(),
		Dropped: sub.dropped.Load(),
	}, true
}

// closeAll drops every subscriber during device teardown.
func (s *source) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for id, sub := range s.local {
		close(sub.ch)
		delete(s.local, id)
	}
	for key := range s.remote {
		delete(s.remote, key)
	}
}
