package device

import "sync/atomic"

// Stats tracks frame accounting for the virtual device.
type Stats struct {
	framesForwarded    atomic.Uint64
	placeholderFrames  atomic.Uint64
	sinkFramesReceived atomic.Uint64
	sinkQueueDropped   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the device counters.
type StatsSnapshot struct {
	// FramesForwarded counts live frames republished to the Source.
	FramesForwarded uint64
	// PlaceholderFrames counts synthesized frames emitted on the Source.
	PlaceholderFrames uint64
	// SinkFramesReceived counts complete frames reassembled off the Sink.
	SinkFramesReceived uint64
	// SinkQueueDropped counts frames discarded because the Sink queue was full.
	SinkQueueDropped uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesForwarded:    s.framesForwarded.Load(),
		PlaceholderFrames:  s.placeholderFrames.Load(),
		SinkFramesReceived: s.sinkFramesReceived.Load(),
		SinkQueueDropped:   s.sinkQueueDropped.Load(),
	}
}
