// Package device implements the virtual camera device host: the Sink
// endpoint the publisher writes frames to, the Source endpoint consumer
// applications read from, the ConsumeLoop that moves buffers between them,
// and the PlaceholderGenerator that keeps the Source alive when no live
// frames are arriving.
package device

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/sinkauth"
	"github.com/opd-ai/vcam/transport"
)

// TimeProvider abstracts the clock for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the real clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Options configures a VirtualDevice.
type Options struct {
	// SinkQueueDepth bounds the inbound frame queue (default 8).
	SinkQueueDepth int
	// TickInterval overrides the ConsumeLoop cadence (default one third of
	// the nominal frame interval).
	TickInterval time.Duration
	// PlaceholderText overrides the placeholder frame's informational text.
	PlaceholderText string
	// PlaceholderGenerator overrides the generator entirely. Tests use
	// small geometries here.
	PlaceholderGenerator *PlaceholderGenerator
	// TimeProvider overrides the clock.
	TimeProvider TimeProvider
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{
		SinkQueueDepth: defaultSinkQueueDepth,
		TickInterval:   defaultTickInterval,
	}
}

// VirtualDevice owns both endpoints of the virtual camera and the loop that
// connects them. One instance exists per device-host process lifetime.
//
// Streaming state is reference counted per endpoint. The Source refcount
// tracks watchers; generation starts on its 0 to 1 transition and stops
// entirely on 1 to 0. The Sink's live flag is tracked separately and only
// selects, per tick, between live and placeholder content: the Source never
// stops emitting while it has a subscriber, regardless of Sink activity.
type VirtualDevice struct {
	transport transport.Transport

	sink        *sink
	source      *source
	placeholder *PlaceholderGenerator
	stats       *Stats
	time        TimeProvider

	tickInterval time.Duration

	mu          sync.RWMutex
	running     bool
	sourceRefs  int
	sinkOpen    bool
	loopRunning bool
	loopStop    chan struct{}
	loopDone    chan struct{}

	// Touched only by the loop goroutine; handoff between successive loop
	// goroutines is ordered by mu inside ensureLoop.
	nextSequence uint64
	lastEmit     time.Time
}

// NewVirtualDevice creates the device and registers its packet handlers on
// the transport.
func NewVirtualDevice(tr transport.Transport, opts Options) (*VirtualDevice, error) {
	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}

	stats := &Stats{}
	placeholder := opts.PlaceholderGenerator
	if placeholder == nil {
		placeholder = NewPlaceholderGenerator(opts.PlaceholderText)
	}
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	timeProvider := opts.TimeProvider
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}

	d := &VirtualDevice{
		transport:    tr,
		sink:         newSink(opts.SinkQueueDepth, stats),
		source:       newSource(tr),
		placeholder:  placeholder,
		stats:        stats,
		time:         timeProvider,
		tickInterval: tickInterval,
	}

	tr.RegisterHandler(transport.PacketAuthInit, d.handleAuthInit)
	tr.RegisterHandler(transport.PacketSinkOpen, d.handleSinkOpen)
	tr.RegisterHandler(transport.PacketFrameData, d.handleFrameData)
	tr.RegisterHandler(transport.PacketSinkClose, d.handleSinkClose)
	tr.RegisterHandler(transport.PacketSubscribeSource, d.handleSubscribeSource)
	tr.RegisterHandler(transport.PacketUnsubscribeSource, d.handleUnsubscribeSource)

	logrus.WithFields(logrus.Fields{
		"function":      "NewVirtualDevice",
		"tick_interval": tickInterval,
	}).Info("Virtual device created")

	return d, nil
}

// Start makes the device live. Endpoint packets received before Start are
// answered but no frames flow until the loop conditions hold.
func (d *VirtualDevice) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("virtual device is already running")
	}
	d.running = true
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Virtual device started")

	d.ensureLoop()
	return nil
}

// Stop shuts the device down. The ConsumeLoop is cancelled and fully
// drained before subscribers are released, so no late tick can fire against
// torn-down state. Stopping a stopped device is a no-op.
func (d *VirtualDevice) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	wasRunning := d.loopRunning
	stop, done := d.loopStop, d.loopDone
	d.loopRunning = false
	d.mu.Unlock()

	if wasRunning {
		close(stop)
		<-done
	}

	d.source.closeAll()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Virtual device stopped")

	return nil
}

// IsRunning reports whether the device is live.
func (d *VirtualDevice) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Stats returns a snapshot of the device counters.
func (d *VirtualDevice) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// SinkLive reports whether a publisher stream is currently attached.
func (d *VirtualDevice) SinkLive() bool {
	return d.sink.isLive()
}

// SourceRefCount returns the Source endpoint's streaming reference count.
func (d *VirtualDevice) SourceRefCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sourceRefs
}

// StartSourceStream increments the Source streaming refcount. Generation
// begins on the 0 to 1 transition.
func (d *VirtualDevice) StartSourceStream() {
	d.mu.Lock()
	d.sourceRefs++
	refs := d.sourceRefs
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartSourceStream",
		"refcount": refs,
	}).Debug("Source stream reference added")

	if refs == 1 {
		d.ensureLoop()
	}
}

// StopSourceStream decrements the Source streaming refcount. Calling it
// with a refcount of zero is a no-op, not an error. Generation stops
// entirely on the 1 to 0 transition unless the Sink is still live.
func (d *VirtualDevice) StopSourceStream() {
	d.mu.Lock()
	if d.sourceRefs == 0 {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "StopSourceStream",
		}).Debug("Ignoring stop with zero refcount")
		return
	}
	d.sourceRefs--
	refs := d.sourceRefs
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StopSourceStream",
		"refcount": refs,
	}).Debug("Source stream reference removed")

	if refs == 0 {
		d.reconcileLoop()
	}
}

// Subscribe attaches a local consumer to the Source, returning its
// subscriber ID and frame channel. The subscription holds one Source
// streaming reference.
func (d *VirtualDevice) Subscribe() (string, <-chan *codec.Frame) {
	id, ch := d.source.subscribe()
	d.StartSourceStream()
	return id, ch
}

// Unsubscribe detaches a local consumer and releases its streaming
// reference. Unknown IDs are ignored.
func (d *VirtualDevice) Unsubscribe(id string) {
	if d.source.unsubscribe(id) {
		d.StopSourceStream()
	}
}

// SubscriberStats returns delivery counters for a local subscriber.
func (d *VirtualDevice) SubscriberStats(id string) (SubscriberStats, bool) {
	return d.source.stats(id)
}

// startSinkStream transitions the Sink to live. It is invoked from both the
// authorization handler and the explicit stream-open handler; whichever
// fires first wins and the other is a no-op.
func (d *VirtualDevice) startSinkStream() {
	d.mu.Lock()
	if d.sinkOpen {
		d.mu.Unlock()
		return
	}
	d.sinkOpen = true
	d.mu.Unlock()

	d.sink.streamStarted()

	logrus.WithFields(logrus.Fields{
		"function": "startSinkStream",
	}).Info("Sink stream started, switching to live content")

	d.ensureLoop()
}

// stopSinkStream transitions the Sink back to idle. If the Source still has
// subscribers, placeholder generation resumes on the next tick; the Source
// stream never goes silent.
func (d *VirtualDevice) stopSinkStream() {
	d.mu.Lock()
	if !d.sinkOpen {
		d.mu.Unlock()
		return
	}
	d.sinkOpen = false
	d.mu.Unlock()

	d.sink.streamStopped()

	logrus.WithFields(logrus.Fields{
		"function": "stopSinkStream",
	}).Info("Sink stream stopped, placeholder resumes for remaining watchers")

	d.reconcileLoop()
}

// ensureLoop starts the ConsumeLoop when the device is running and either
// endpoint needs it.
func (d *VirtualDevice) ensureLoop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running || d.loopRunning {
		return
	}
	if d.sourceRefs == 0 && !d.sink.isLive() {
		return
	}

	d.loopStop = make(chan struct{})
	d.loopDone = make(chan struct{})
	d.loopRunning = true
	go d.runConsumeLoop(d.loopStop, d.loopDone)
}

// reconcileLoop stops the ConsumeLoop when nothing needs it anymore,
// draining it synchronously so a late tick cannot race teardown.
func (d *VirtualDevice) reconcileLoop() {
	d.mu.Lock()
	if !d.loopRunning || d.sourceRefs > 0 || d.sink.isLive() {
		d.mu.Unlock()
		return
	}
	stop, done := d.loopStop, d.loopDone
	d.loopRunning = false
	d.mu.Unlock()

	close(stop)
	<-done
}

// handleAuthInit answers the publisher's Noise handshake message and
// authorizes the Sink with the derived session token. Authorization also
// attempts to start the Sink stream (the authorization side of the
// start race).
func (d *VirtualDevice) handleAuthInit(packet *transport.Packet, addr net.Addr) error {
	handshake, err := sinkauth.New(sinkauth.Responder)
	if err != nil {
		return err
	}

	if err := handshake.ReadMessage(packet.Data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAuthInit",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Rejecting malformed authorization handshake")
		return err
	}

	reply, err := handshake.WriteMessage()
	if err != nil {
		return err
	}

	token, err := handshake.SessionToken()
	if err != nil {
		return err
	}
	d.sink.authorize(token)

	logrus.WithFields(logrus.Fields{
		"function": "handleAuthInit",
		"addr":     addr.String(),
	}).Info("Sink authorization granted")

	err = d.transport.Send(&transport.Packet{
		PacketType: transport.PacketAuthReply,
		Data:       reply,
	}, addr)
	if err != nil {
		return err
	}

	d.startSinkStream()
	return nil
}

// handleSinkOpen verifies the stream-open token and acknowledges. This is
// the explicit stream-start side of the start race.
func (d *VirtualDevice) handleSinkOpen(packet *transport.Packet, addr net.Addr) error {
	var token [sinkauth.TokenSize]byte
	ok := len(packet.Data) == sinkauth.TokenSize
	if ok {
		copy(token[:], packet.Data)
		ok = d.sink.verifyToken(token)
	}

	ack := []byte{0}
	if ok {
		ack[0] = 1
	}
	err := d.transport.Send(&transport.Packet{
		PacketType: transport.PacketSinkOpenAck,
		Data:       ack,
	}, addr)
	if err != nil {
		return err
	}

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleSinkOpen",
			"addr":     addr.String(),
		}).Warn("Rejecting sink open with unknown session token")
		return nil
	}

	d.startSinkStream()
	return nil
}

// handleFrameData absorbs one frame fragment from an authorized publisher.
func (d *VirtualDevice) handleFrameData(packet *transport.Packet, _ net.Addr) error {
	if !d.sink.isAuthorized() {
		return nil
	}

	frag, err := transport.ParseFrameFragment(packet.Data)
	if err != nil {
		return err
	}

	d.sink.absorbFragment(frag)
	return nil
}

// handleSinkClose ends the publisher's stream.
func (d *VirtualDevice) handleSinkClose(_ *transport.Packet, addr net.Addr) error {
	logrus.WithFields(logrus.Fields{
		"function": "handleSinkClose",
		"addr":     addr.String(),
	}).Debug("Sink close received")

	d.stopSinkStream()
	return nil
}

// handleSubscribeSource attaches a remote consumer. The subscription holds
// one Source streaming reference.
func (d *VirtualDevice) handleSubscribeSource(_ *transport.Packet, addr net.Addr) error {
	if _, added := d.source.subscribeRemote(addr); added {
		d.StartSourceStream()
	}
	return nil
}

// handleUnsubscribeSource detaches a remote consumer.
func (d *VirtualDevice) handleUnsubscribeSource(_ *transport.Packet, addr net.Addr) error {
	if d.source.unsubscribeRemote(addr) {
		d.StopSourceStream()
	}
	return nil
}
