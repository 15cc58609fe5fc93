package device

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/sinkauth"
	"github.com/opd-ai/vcam/transport"
)

// defaultSinkQueueDepth bounds the inbound frame queue. The publisher drops
// on overflow rather than blocking, so a short queue is enough to absorb
// scheduling jitter between the two processes.
const defaultSinkQueueDepth = 8

// sink implements the inbound endpoint the publisher writes to.
//
// Frames arrive as fragments, are reassembled, and wait in a bounded queue
// for the ConsumeLoop to drain them. Ownership of a queued frame belongs to
// the queue; tryDequeue transfers it to the caller.
type sink struct {
	mu          sync.Mutex
	queue       chan *codec.Frame
	reassembler *transport.Reassembler
	stats       *Stats

	token      [sinkauth.TokenSize]byte
	authorized bool
	live       bool
	writers    int
}

func newSink(queueDepth int, stats *Stats) *sink {
	if queueDepth <= 0 {
		queueDepth = defaultSinkQueueDepth
	}
	return &sink{
		queue: make(chan *codec.Frame, queueDepth),
		// A partial frame older than two frame intervals lost a fragment
		// and will never complete.
		reassembler: transport.NewReassembler(2 * codec.FrameInterval),
		stats:       stats,
	}
}

// authorize records the session token established by the handshake. Frames
// and stream-open requests are only honored once a token exists.
func (s *sink) authorize(token [sinkauth.TokenSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.authorized = true
}

// verifyToken checks a stream-open token against the authorized session.
func (s *sink) verifyToken(token [sinkauth.TokenSize]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized && s.token == token
}

// isAuthorized reports whether a publisher completed the handshake.
func (s *sink) isAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// streamStarted increments the writer refcount and flips the live flag.
// Returns true on the 0 to 1 transition.
func (s *sink) streamStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writers++
	first := s.writers == 1
	s.live = true
	return first
}

// streamStopped decrements the writer refcount, clearing the live flag on
// the 1 to 0 transition. Stopping an already-stopped sink is a no-op.
func (s *sink) streamStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writers == 0 {
		return false
	}
	s.writers--
	if s.writers > 0 {
		return false
	}

	s.live = false
	s.authorized = false
	s.drainLocked()
	return true
}

// isLive reports whether a publisher stream is currently attached.
func (s *sink) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// absorbFragment feeds one received fragment into reassembly, enqueueing the
// frame if this fragment completed it.
func (s *sink) absorbFragment(frag *transport.FrameFragment) {
	s.mu.Lock()
	assembled, complete := s.reassembler.Absorb(frag)
	s.mu.Unlock()

	if !complete {
		return
	}

	frame := &codec.Frame{
		Width:     assembled.Width,
		Height:    assembled.Height,
		Data:      assembled.Pixels,
		Timestamp: time.Unix(0, assembled.Timestamp),
		Sequence:  assembled.Sequence,
	}

	if err := frame.Validate(); err != nil {
		// A malformed frame is dropped alone; pipeline state is unchanged.
		logrus.WithFields(logrus.Fields{
			"function": "absorbFragment",
			"sequence": frame.Sequence,
			"error":    err.Error(),
		}).Warn("Dropping malformed reassembled frame")
		return
	}

	s.stats.sinkFramesReceived.Add(1)
	s.enqueue(frame)
}

// enqueue adds a frame without blocking, dropping it when the queue is full.
func (s *sink) enqueue(frame *codec.Frame) {
	select {
	case s.queue <- frame:
	default:
		s.stats.sinkQueueDropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"sequence": frame.Sequence,
		}).Trace("Sink queue full, dropping frame")
	}
}

// tryDequeue removes the next queued frame without blocking.
func (s *sink) tryDequeue() (*codec.Frame, bool) {
	select {
	case frame := <-s.queue:
		return frame, true
	default:
		return nil, false
	}
}

// drainLocked discards queued frames. Called with s.mu held when the stream
// stops, so stale frames never outlive the stream that produced them.
func (s *sink) drainLocked() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}
