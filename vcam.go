// Package vcam implements a virtual camera frame-delivery pipeline.
//
// A capture pipeline hands frames to a Publisher, which normalizes them to
// the fixed wire format and enqueues them toward a VirtualDevice's Sink
// endpoint. The device's ConsumeLoop forwards live frames to the Source
// endpoint that camera consumers read from, substituting generated
// placeholder frames whenever live input is absent, so the camera keeps
// producing output continuously.
//
// Example:
//
//	options := vcam.NewOptions()
//	options.DeviceName = "My Virtual Camera"
//
//	pipeline, err := vcam.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := pipeline.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer pipeline.Stop()
//
//	id, frames := pipeline.Device().Subscribe()
//	defer pipeline.Device().Unsubscribe(id)
//
//	for frame := range frames {
//	    render(frame)
//	}
package vcam

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/device"
	"github.com/opd-ai/vcam/publisher"
	"github.com/opd-ai/vcam/registry"
	"github.com/opd-ai/vcam/transport"
)

// Pipeline wires a device host and a frame publisher over a shared
// transport. It is the single-process embedding of the system: the device
// host registers the virtual camera, the publisher feeds it.
type Pipeline struct {
	deviceTransport    transport.Transport
	publisherTransport transport.Transport

	host      *registry.Host
	device    *device.VirtualDevice
	publisher *publisher.Publisher

	mu      sync.Mutex
	running bool
}

// New creates a Pipeline with the given options, or defaults when options
// is nil. The device side is registered but dormant until Start.
func New(options *Options) (*Pipeline, error) {
	if options == nil {
		options = NewOptions()
	}

	deviceTransport, publisherTransport, err := buildTransports(options)
	if err != nil {
		return nil, err
	}

	host, err := registry.NewHost(deviceTransport)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	name := options.DeviceName
	if name == "" {
		name = registry.DefaultDeviceName
	}
	if err := host.Register(options.Identity, options.Version, name); err != nil {
		return nil, err
	}

	deviceOpts := device.DefaultOptions()
	if options.SinkQueueDepth > 0 {
		deviceOpts.SinkQueueDepth = options.SinkQueueDepth
	}
	if options.TickInterval > 0 {
		deviceOpts.TickInterval = options.TickInterval
	}
	deviceOpts.PlaceholderText = options.PlaceholderText
	deviceOpts.TimeProvider = options.TimeProvider

	dev, err := device.NewVirtualDevice(deviceTransport, deviceOpts)
	if err != nil {
		return nil, err
	}

	var store *registry.VersionStore
	if options.VersionStatePath != "" {
		store, err = registry.NewVersionStore(options.VersionStatePath)
		if err != nil {
			return nil, err
		}
	}

	pub, err := publisher.NewPublisher(publisherTransport, publisher.Options{
		Identity:              options.Identity,
		HostAddr:              deviceTransport.LocalAddr(),
		BundledVersion:        options.Version,
		VersionStore:          store,
		HandshakeTimeout:      options.HandshakeTimeout,
		ReconnectInitialDelay: options.ReconnectInitialDelay,
		ReconnectInterval:     options.ReconnectInterval,
		MaxReconnectAttempts:  options.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"identity": options.Identity.String(),
		"name":     name,
		"udp":      options.UDPEnabled,
	}).Info("Pipeline created")

	return &Pipeline{
		deviceTransport:    deviceTransport,
		publisherTransport: publisherTransport,
		host:               host,
		device:             dev,
		publisher:          pub,
	}, nil
}

// buildTransports selects between an in-memory pipe pair and two UDP
// sockets.
func buildTransports(options *Options) (transport.Transport, transport.Transport, error) {
	if !options.UDPEnabled {
		deviceEnd, publisherEnd := transport.NewPipePair("device", "publisher")
		return deviceEnd, publisherEnd, nil
	}

	deviceTransport, err := transport.NewUDPTransport(options.HostAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind host transport: %w", err)
	}
	publisherTransport, err := transport.NewUDPTransport(options.PublisherAddr)
	if err != nil {
		deviceTransport.Close()
		return nil, nil, fmt.Errorf("failed to bind publisher transport: %w", err)
	}
	return deviceTransport, publisherTransport, nil
}

// Start brings the device live and connects the publisher to it.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline is already running")
	}
	p.running = true
	p.mu.Unlock()

	if err := p.device.Start(); err != nil {
		return err
	}
	if err := p.publisher.Connect(); err != nil {
		// The device host keeps running; the publisher can retry.
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Initial publisher connection failed")
		return err
	}
	return nil
}

// Stop tears the pipeline down: publisher first, so the device drains
// cleanly, then the device and both transports.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("pipeline is not running")
	}
	p.running = false
	p.mu.Unlock()

	p.publisher.Disconnect()
	if err := p.device.Stop(); err != nil {
		return err
	}

	p.publisherTransport.Close()
	p.deviceTransport.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Pipeline stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Device returns the virtual device for Source-side operations.
func (p *Pipeline) Device() *device.VirtualDevice {
	return p.device
}

// Publisher returns the frame publisher for Sink-side operations.
func (p *Pipeline) Publisher() *publisher.Publisher {
	return p.publisher
}

// Host returns the device registry host.
func (p *Pipeline) Host() *registry.Host {
	return p.host
}
