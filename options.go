package vcam

import (
	"time"

	"github.com/opd-ai/vcam/device"
	"github.com/opd-ai/vcam/publisher"
	"github.com/opd-ai/vcam/registry"
)

// Options contains configuration options for creating a Pipeline.
type Options struct {
	// Identity is the build-time device identity. Both sides of the
	// pipeline must agree on it for discovery to succeed.
	Identity registry.DeviceIdentity
	// DeviceName is the human-readable name the host advertises.
	DeviceName string
	// Version is the device-host version string, used for the
	// update-detection protocol.
	Version string
	// VersionStatePath, when set, enables the persistent installed-version
	// record backing NeedsUpdate/NeedsRestart detection.
	VersionStatePath string

	// UDPEnabled selects a real datagram transport instead of the default
	// in-memory pipe pair. HostAddr and PublisherAddr are only consulted
	// when it is set.
	UDPEnabled    bool
	HostAddr      string
	PublisherAddr string

	// SinkQueueDepth bounds the device's inbound frame queue.
	SinkQueueDepth int
	// TickInterval overrides the ConsumeLoop cadence.
	TickInterval time.Duration
	// PlaceholderText overrides the text rendered on placeholder frames.
	PlaceholderText string
	// TimeProvider overrides the device clock; tests use deterministic
	// implementations.
	TimeProvider device.TimeProvider

	// HandshakeTimeout bounds each discovery/handshake exchange.
	HandshakeTimeout time.Duration
	// ReconnectInitialDelay, ReconnectInterval and MaxReconnectAttempts
	// tune the publisher's retry policy.
	ReconnectInitialDelay time.Duration
	ReconnectInterval     time.Duration
	MaxReconnectAttempts  int
}

// NewOptions creates a new default options configuration.
func NewOptions() *Options {
	return &Options{
		Identity:              registry.DefaultIdentity(),
		DeviceName:            registry.DefaultDeviceName,
		HostAddr:              registry.DefaultHostAddr,
		PublisherAddr:         "127.0.0.1:0",
		SinkQueueDepth:        0, // device default
		HandshakeTimeout:      publisher.DefaultHandshakeTimeout,
		ReconnectInitialDelay: publisher.DefaultReconnectInitialDelay,
		ReconnectInterval:     publisher.DefaultReconnectInterval,
		MaxReconnectAttempts:  publisher.DefaultMaxReconnectAttempts,
	}
}
