// Package publisher implements the capturing-process side of the pipeline:
// it owns the connection lifecycle to the virtual device's Sink endpoint,
// encodes frames into the wire format, and enqueues them, with bounded timed
// reconnection when the device host is missing or goes away.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/codec"
	"github.com/opd-ai/vcam/registry"
	"github.com/opd-ai/vcam/sinkauth"
	"github.com/opd-ai/vcam/transport"
)

// ConnectionState represents the publisher's connection to the Sink.
type ConnectionState uint8

const (
	// StateDisconnected indicates no Sink connection exists.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates frames are being accepted by the Sink.
	StateConnected
)

// String returns the state name for log output.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Reconnection policy defaults. The device host may simply not exist yet
// (the user has not activated the virtual device), so failure is expected:
// retries are bounded and quiet, and never block the capture pipeline.
const (
	// DefaultReconnectInitialDelay is the short delay before the first retry.
	DefaultReconnectInitialDelay = 500 * time.Millisecond
	// DefaultReconnectInterval is the fixed interval between retries.
	DefaultReconnectInterval = time.Second
	// DefaultMaxReconnectAttempts bounds retries before giving up silently.
	DefaultMaxReconnectAttempts = 20
	// DefaultHandshakeTimeout bounds each discovery and handshake exchange.
	DefaultHandshakeTimeout = 500 * time.Millisecond
)

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = errors.New("publisher is not connected")

// Options configures a Publisher.
type Options struct {
	// Identity is the build-time device identity to discover.
	Identity registry.DeviceIdentity
	// HostAddr is the device host's transport address.
	HostAddr net.Addr
	// BundledVersion is the device-host version this binary ships with.
	BundledVersion string
	// VersionStore records the installed host version; optional.
	VersionStore *registry.VersionStore

	// HandshakeTimeout bounds each discovery/handshake exchange.
	HandshakeTimeout time.Duration
	// ReconnectInitialDelay, ReconnectInterval and MaxReconnectAttempts
	// tune the retry policy.
	ReconnectInitialDelay time.Duration
	ReconnectInterval     time.Duration
	MaxReconnectAttempts  int
}

// Publisher connects the capture pipeline to the virtual device's Sink.
// One instance exists per capturing-process lifetime.
//
// Frame delivery is lossy by contract: SendFrame never blocks its caller
// and never raises delivery errors; failures flip the connection state and
// arm the reconnect timer instead.
type Publisher struct {
	transport transport.Transport
	discovery *registry.Discovery
	codec     *codec.Codec

	identity         registry.DeviceIdentity
	hostAddr         net.Addr
	bundledVersion   string
	versionStore     *registry.VersionStore
	handshakeTimeout time.Duration

	// connectMu serializes whole connection attempts so concurrent Connect
	// calls cannot run duplicate discovery.
	connectMu sync.Mutex

	mu        sync.RWMutex
	state     ConnectionState
	endpoint  *registry.Endpoint
	token     [sinkauth.TokenSize]byte
	authed    bool
	authReply chan []byte
	openAck   chan bool

	nextSequence atomic.Uint64

	reconnect *reconnector

	callbackMu           sync.RWMutex
	reconnectedCallback  func()
	needsUpdateCallback  func()
	needsRestartCallback func()
}

// NewPublisher creates a publisher bound to the given transport.
func NewPublisher(tr transport.Transport, opts Options) (*Publisher, error) {
	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if opts.HostAddr == nil {
		return nil, errors.New("host address cannot be nil")
	}

	discovery, err := registry.NewDiscovery(tr, opts.Identity, opts.HostAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery: %w", err)
	}

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	initialDelay := opts.ReconnectInitialDelay
	if initialDelay <= 0 {
		initialDelay = DefaultReconnectInitialDelay
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}

	p := &Publisher{
		transport:        tr,
		discovery:        discovery,
		codec:            codec.NewCodec(),
		identity:         opts.Identity,
		hostAddr:         opts.HostAddr,
		bundledVersion:   opts.BundledVersion,
		versionStore:     opts.VersionStore,
		handshakeTimeout: handshakeTimeout,
		state:            StateDisconnected,
	}
	p.reconnect = newReconnector(initialDelay, interval, maxAttempts, p.retryAttempt)

	tr.RegisterHandler(transport.PacketAuthReply, p.handleAuthReply)
	tr.RegisterHandler(transport.PacketSinkOpenAck, p.handleSinkOpenAck)

	logrus.WithFields(logrus.Fields{
		"function":     "NewPublisher",
		"identity":     opts.Identity.String(),
		"host_addr":    opts.HostAddr.String(),
		"max_attempts": maxAttempts,
	}).Info("Frame publisher created")

	return p, nil
}

// State returns the current connection state.
func (p *Publisher) State() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetReconnectedCallback registers the payloadless notification fired when
// a reconnect attempt succeeds, e.g. so a preview can refresh.
func (p *Publisher) SetReconnectedCallback(callback func()) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.reconnectedCallback = callback
}

// SetNeedsUpdateCallback registers the notification fired when the
// discovered host's version differs from the bundled one.
func (p *Publisher) SetNeedsUpdateCallback(callback func()) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.needsUpdateCallback = callback
}

// SetNeedsRestartCallback registers the notification fired once an update
// completes while this process is still running.
func (p *Publisher) SetNeedsRestartCallback(callback func()) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.needsRestartCallback = callback
}

// Connect establishes the Sink connection. It is idempotent: calling it
// while already Connected performs no duplicate discovery and returns nil.
// Failure is returned to the caller but not otherwise surfaced; the caller
// decides whether to arm retries (SendFrame failures arm them
// automatically).
func (p *Publisher) Connect() error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	return p.connectLocked()
}

// connectLocked runs one full connection attempt. Callers hold connectMu.
func (p *Publisher) connectLocked() error {
	if p.State() == StateConnected {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
		}).Debug("Already connected, skipping discovery")
		return nil
	}

	p.setState(StateConnecting)

	endpoint, err := p.resolveEndpoint()
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}

	p.checkHostVersion(endpoint)

	token, err := p.authorize(endpoint)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}

	if err := p.openSink(endpoint, token); err != nil {
		p.setState(StateDisconnected)
		return err
	}

	p.mu.Lock()
	p.endpoint = endpoint
	p.token = token
	p.authed = true
	p.state = StateConnected
	p.mu.Unlock()

	p.reconnect.noteSuccess()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"addr":     endpoint.Addr.String(),
		"version":  endpoint.Version,
	}).Info("Connected to virtual device sink")

	return nil
}

// resolveEndpoint reuses the cached endpoint when present, otherwise runs
// discovery.
func (p *Publisher) resolveEndpoint() (*registry.Endpoint, error) {
	p.mu.RLock()
	cached := p.endpoint
	p.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.handshakeTimeout)
	defer cancel()
	return p.discovery.Discover(ctx)
}

// checkHostVersion fires the needs-update signal when the live host does
// not match the bundled version. The connection proceeds regardless; an
// outdated host still accepts frames.
func (p *Publisher) checkHostVersion(endpoint *registry.Endpoint) {
	if p.bundledVersion == "" || endpoint.Version == p.bundledVersion {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":     "checkHostVersion",
		"host_version": endpoint.Version,
		"bundled":      p.bundledVersion,
	}).Info("Device host version differs from bundled version")

	p.fireCallback(&p.needsUpdateCallback)
}

// authorize completes the Noise handshake with the Sink.
func (p *Publisher) authorize(endpoint *registry.Endpoint) ([sinkauth.TokenSize]byte, error) {
	var zero [sinkauth.TokenSize]byte

	handshake, err := sinkauth.New(sinkauth.Initiator)
	if err != nil {
		return zero, err
	}

	msg, err := handshake.WriteMessage()
	if err != nil {
		return zero, err
	}

	replyCh := make(chan []byte, 1)
	p.mu.Lock()
	p.authReply = replyCh
	p.mu.Unlock()

	err = p.transport.Send(&transport.Packet{
		PacketType: transport.PacketAuthInit,
		Data:       msg,
	}, endpoint.Addr)
	if err != nil {
		return zero, fmt.Errorf("failed to send auth init: %w", err)
	}

	select {
	case reply := <-replyCh:
		if err := handshake.ReadMessage(reply); err != nil {
			return zero, fmt.Errorf("auth handshake failed: %w", err)
		}
	case <-time.After(p.handshakeTimeout):
		return zero, errors.New("auth handshake timed out")
	}

	return handshake.SessionToken()
}

// openSink sends the explicit stream-open and waits for the acknowledgment.
func (p *Publisher) openSink(endpoint *registry.Endpoint, token [sinkauth.TokenSize]byte) error {
	ackCh := make(chan bool, 1)
	p.mu.Lock()
	p.openAck = ackCh
	p.mu.Unlock()

	err := p.transport.Send(&transport.Packet{
		PacketType: transport.PacketSinkOpen,
		Data:       token[:],
	}, endpoint.Addr)
	if err != nil {
		return fmt.Errorf("failed to send sink open: %w", err)
	}

	select {
	case ok := <-ackCh:
		if !ok {
			return errors.New("sink rejected stream open")
		}
		return nil
	case <-time.After(p.handshakeTimeout):
		return errors.New("sink open timed out")
	}
}

// SendFrame converts and enqueues one captured frame. It is called from the
// capture pipeline's worker and never blocks it:
//
//   - while not Connected it silently drops the frame
//   - a conversion failure drops that single frame, state unchanged
//   - an enqueue failure flips to Disconnected and arms the reconnect
//     timer, without raising to the caller
func (p *Publisher) SendFrame(frame *codec.Frame) {
	if p.State() != StateConnected {
		logrus.WithFields(logrus.Fields{
			"function": "SendFrame",
			"state":    p.State().String(),
		}).Trace("Not connected, dropping frame")
		return
	}

	converted, err := p.codec.Convert(frame)
	if err != nil {
		// Malformed input affects only this frame.
		logrus.WithFields(logrus.Fields{
			"function": "SendFrame",
			"error":    err.Error(),
		}).Warn("Dropping unconvertible frame")
		return
	}

	converted.Sequence = p.nextSequence.Add(1)
	converted.Timestamp = time.Now()

	p.mu.RLock()
	endpoint := p.endpoint
	p.mu.RUnlock()
	if endpoint == nil {
		return
	}

	fragments, err := transport.FragmentFrame(
		converted.Sequence, converted.Timestamp.UnixNano(),
		converted.Width, converted.Height, converted.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendFrame",
			"error":    err.Error(),
		}).Warn("Dropping unfragmentable frame")
		return
	}

	for _, frag := range fragments {
		packet := &transport.Packet{
			PacketType: transport.PacketFrameData,
			Data:       frag.Marshal(),
		}
		if err := p.transport.Send(packet, endpoint.Addr); err != nil {
			p.onDeliveryFailure(err)
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendFrame",
		"sequence": converted.Sequence,
	}).Trace("Frame enqueued")
}

// onDeliveryFailure transitions to Disconnected and arms the reconnect
// timer. The failure is absorbed here: frame delivery is allowed to be
// lossy and the capture pipeline must keep running.
func (p *Publisher) onDeliveryFailure(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "onDeliveryFailure",
		"error":    err.Error(),
	}).Warn("Frame enqueue failed, disconnecting")

	p.mu.Lock()
	p.state = StateDisconnected
	p.authed = false
	p.mu.Unlock()

	p.reconnect.arm()
}

// Disconnect stops the reconnect timer, closes the Sink stream and
// transitions to Disconnected. The timer is fully drained before return, so
// no late retry can fire against the torn-down connection. Must be called
// before the capture session feeding SendFrame is torn down.
func (p *Publisher) Disconnect() {
	p.reconnect.cancel()

	p.mu.Lock()
	endpoint := p.endpoint
	wasConnected := p.state == StateConnected
	p.state = StateDisconnected
	p.authed = false
	p.mu.Unlock()

	if wasConnected && endpoint != nil {
		// Best effort; the host also notices the silence.
		_ = p.transport.Send(&transport.Packet{
			PacketType: transport.PacketSinkClose,
			Data:       []byte{0},
		}, endpoint.Addr)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
	}).Info("Publisher disconnected")
}

// ForceReconnect discards the cached endpoint handle, resets the retry
// counter and restarts discovery from zero. Used after the device host is
// known to have been rebuilt, when any cached handle is stale.
func (p *Publisher) ForceReconnect() {
	logrus.WithFields(logrus.Fields{
		"function": "ForceReconnect",
	}).Info("Forcing reconnect with fresh discovery")

	p.reconnect.cancel()

	p.mu.Lock()
	p.endpoint = nil
	p.authed = false
	p.state = StateDisconnected
	p.mu.Unlock()

	p.reconnect.reset()
	p.reconnect.arm()
}

// ReconnectAttempts reports how many retry attempts have failed since the
// counter was last reset.
func (p *Publisher) ReconnectAttempts() int {
	return p.reconnect.attemptCount()
}

// CheckUpdateStatus compares the bundled host version against the recorded
// installed version and fires the matching signal.
func (p *Publisher) CheckUpdateStatus() (registry.UpdateStatus, error) {
	if p.versionStore == nil {
		return registry.UpToDate, errors.New("no version store configured")
	}

	status, err := p.versionStore.Check(p.bundledVersion)
	if err != nil {
		return status, err
	}

	switch status {
	case registry.NeedsUpdate:
		p.fireCallback(&p.needsUpdateCallback)
	case registry.NeedsRestart:
		p.fireCallback(&p.needsRestartCallback)
	}
	return status, nil
}

// MarkHostInstalled records a completed host update. The host OS caches
// device enumeration per process, so this immediately fires the
// needs-restart signal: the rebuilt host stays invisible to this process.
func (p *Publisher) MarkHostInstalled(version string) error {
	if p.versionStore == nil {
		return errors.New("no version store configured")
	}
	if err := p.versionStore.MarkInstalled(version); err != nil {
		return err
	}

	p.fireCallback(&p.needsRestartCallback)
	return nil
}

// retryAttempt is the reconnector's attempt function. A success fires the
// reconnected signal.
func (p *Publisher) retryAttempt() bool {
	p.connectMu.Lock()
	err := p.connectLocked()
	p.connectMu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "retryAttempt",
			"error":    err.Error(),
		}).Debug("Reconnect attempt failed")
		return false
	}

	p.fireCallback(&p.reconnectedCallback)
	return true
}

func (p *Publisher) setState(state ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

func (p *Publisher) fireCallback(slot *func()) {
	p.callbackMu.RLock()
	callback := *slot
	p.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleAuthReply delivers the host's handshake reply to the waiting
// connection attempt.
func (p *Publisher) handleAuthReply(packet *transport.Packet, _ net.Addr) error {
	p.mu.RLock()
	ch := p.authReply
	p.mu.RUnlock()

	if ch == nil {
		return nil
	}
	select {
	case ch <- packet.Data:
	default:
	}
	return nil
}

// handleSinkOpenAck delivers the stream-open acknowledgment.
func (p *Publisher) handleSinkOpenAck(packet *transport.Packet, _ net.Addr) error {
	p.mu.RLock()
	ch := p.openAck
	p.mu.RUnlock()

	if ch == nil {
		return nil
	}
	ok := len(packet.Data) == 1 && packet.Data[0] == 1
	select {
	case ch <- ok:
	default:
	}
	return nil
}
