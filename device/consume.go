package device

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/codec"
)

// defaultTickInterval schedules the ConsumeLoop at roughly three times the
// nominal output rate. Over-sampling the queue trades a small constant CPU
// cost for never missing a just-arrived buffer to scheduling jitter, which
// beats blocking synchronization between two processes that can stall
// independently.
const defaultTickInterval = codec.FrameInterval / 3

// frameOrigin tags the per-tick content decision: the single place where
// live and placeholder frames are told apart.
type frameOrigin uint8

const (
	originLive frameOrigin = iota
	originPlaceholder
)

// runConsumeLoop drives the device's timer ticks until stop is closed.
// It runs on exactly one goroutine: buffer forwarding order must match
// sequence-number order, so the loop is never re-entered concurrently.
func (d *VirtualDevice) runConsumeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function":      "runConsumeLoop",
		"tick_interval": d.tickInterval,
	}).Debug("Consume loop started")

	for {
		select {
		case <-stop:
			logrus.WithFields(logrus.Fields{
				"function": "runConsumeLoop",
			}).Debug("Consume loop stopped")
			return
		case <-ticker.C:
			d.tick(d.time.Now())
		}
	}
}

// tick makes one pass: pick live or placeholder content, then forward it.
func (d *VirtualDevice) tick(now time.Time) {
	origin, frame := d.pickFrame(now)
	if frame == nil {
		return
	}
	d.forward(origin, frame, now)
}

// pickFrame is the single decision point between live and placeholder
// content. While the Sink is live, only queued live frames are forwarded; a
// quiet tick emits nothing. While the Sink is idle and the Source has at
// least one subscriber, a placeholder is synthesized at the nominal frame
// cadence, so the Source never goes silent for a watcher.
func (d *VirtualDevice) pickFrame(now time.Time) (frameOrigin, *codec.Frame) {
	if d.sink.isLive() {
		if frame, ok := d.sink.tryDequeue(); ok {
			return originLive, frame
		}
		return originLive, nil
	}

	if d.SourceRefCount() == 0 {
		return originPlaceholder, nil
	}

	// The loop ticks faster than the output rate; clamp placeholder
	// output to the nominal cadence.
	if now.Sub(d.lastEmit) < codec.FrameInterval {
		return originPlaceholder, nil
	}
	return originPlaceholder, d.placeholder.Frame()
}

// forward republishes a frame to the Source with a fresh host-time stamp
// and the next device-local sequence number. Sequence numbers increase
// strictly regardless of origin, so a consumer never sees time go backward
// across a live/placeholder switch.
func (d *VirtualDevice) forward(origin frameOrigin, frame *codec.Frame, now time.Time) {
	d.nextSequence++
	frame.Sequence = d.nextSequence
	frame.Timestamp = now
	d.lastEmit = now

	switch origin {
	case originLive:
		d.stats.framesForwarded.Add(1)
	case originPlaceholder:
		d.stats.placeholderFrames.Add(1)
	}

	logrus.WithFields(logrus.Fields{
		"function": "forward",
		"sequence": frame.Sequence,
		"live":     origin == originLive,
	}).Trace("Forwarding frame to source")

	d.source.publish(frame)
}
