package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcam/transport"
)

// DefaultHostAddr is the loopback address the device host listens on.
const DefaultHostAddr = "127.0.0.1:45789"

// probe packet: [flags:1][digest:32]
const (
	probeFlagRevealHidden = 0x01
	probePacketSize       = 33
)

var (
	// ErrDeviceNotFound indicates discovery completed without a matching
	// device. This is an expected condition (the host may simply not be
	// running yet) and is never surfaced as a hard error to users.
	ErrDeviceNotFound = errors.New("virtual device not found")
	// ErrAlreadyRegistered indicates a second Register call. Registration
	// is immutable for the process lifetime.
	ErrAlreadyRegistered = errors.New("device identity already registered")
)

// Endpoint describes a discovered live device host.
type Endpoint struct {
	Addr     net.Addr
	Identity DeviceIdentity
	Version  string
	Name     string
}

// Host registers a device identity with the discovery mechanism and answers
// probes for it. It runs in the device-host process.
//
// Registration happens once at process start and is immutable afterwards: a
// rebuilt host must be restarted for a changed identity or version to take
// effect, which is why the publisher surfaces a restart signal instead of
// retrying through a version change.
type Host struct {
	transport transport.Transport

	mu         sync.RWMutex
	identity   DeviceIdentity
	version    string
	name       string
	registered bool

	// omitDigest simulates host revisions that predate digest replies;
	// the publisher then falls back to name matching.
	omitDigest bool
}

// NewHost creates a discovery host bound to the given transport.
func NewHost(tr transport.Transport) (*Host, error) {
	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}

	h := &Host{transport: tr}
	tr.RegisterHandler(transport.PacketProbe, h.handleProbe)
	return h, nil
}

// Register advertises the identity. It may be called exactly once per
// process lifetime; later calls fail with ErrAlreadyRegistered.
func (h *Host) Register(identity DeviceIdentity, version, name string) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registered {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"identity": identity.String(),
		}).Error("Rejecting repeated identity registration")
		return ErrAlreadyRegistered
	}

	h.identity = identity
	h.version = version
	h.name = name
	h.registered = true

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"identity": identity.String(),
		"version":  version,
		"name":     name,
	}).Info("Device identity registered")

	return nil
}

// SetDigestOmitted configures the host to answer probes without a digest,
// the behavior of older host revisions.
func (h *Host) SetDigestOmitted(omit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.omitDigest = omit
}

// handleProbe answers a discovery probe when the identity matches.
// Virtual devices are hidden from ordinary enumeration: probes that do not
// opt in to hidden devices are ignored entirely.
func (h *Host) handleProbe(packet *transport.Packet, addr net.Addr) error {
	if len(packet.Data) != probePacketSize {
		return fmt.Errorf("malformed probe: %d bytes", len(packet.Data))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.registered {
		return nil
	}

	flags := packet.Data[0]
	if flags&probeFlagRevealHidden == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleProbe",
			"addr":     addr.String(),
		}).Trace("Ignoring probe without reveal-hidden flag")
		return nil
	}

	digest := h.identity.Digest()
	if !bytes.Equal(packet.Data[1:], digest[:]) {
		// Identity mismatch fails silently; the prober is looking for a
		// different device.
		return nil
	}

	reply := marshalProbeReply(digest, h.version, h.name, h.omitDigest)
	return h.transport.Send(&transport.Packet{
		PacketType: transport.PacketProbeReply,
		Data:       reply,
	}, addr)
}

// marshalProbeReply builds [digest:32][versionLen:1][version][nameLen:1][name].
// Hosts predating digest replies zero the digest field.
func marshalProbeReply(digest [32]byte, version, name string, omitDigest bool) []byte {
	buf := make([]byte, 0, 32+2+len(version)+len(name))
	if omitDigest {
		buf = append(buf, make([]byte, 32)...)
	} else {
		buf = append(buf, digest[:]...)
	}
	buf = append(buf, byte(len(version)))
	buf = append(buf, version...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	return buf
}

func parseProbeReply(data []byte) (digest [32]byte, version, name string, err error) {
	if len(data) < 34 {
		return digest, "", "", errors.New("probe reply too short")
	}
	copy(digest[:], data[:32])

	rest := data[32:]
	vlen := int(rest[0])
	if len(rest) < 1+vlen+1 {
		return digest, "", "", errors.New("probe reply truncated")
	}
	version = string(rest[1 : 1+vlen])

	rest = rest[1+vlen:]
	nlen := int(rest[0])
	if len(rest) < 1+nlen {
		return digest, "", "", errors.New("probe reply truncated")
	}
	name = string(rest[1 : 1+nlen])
	return digest, version, name, nil
}

// Discovery locates a live device host from the publisher process.
type Discovery struct {
	transport transport.Transport
	identity  DeviceIdentity
	hostAddr  net.Addr

	mu      sync.Mutex
	waiters []chan *Endpoint
}

// NewDiscovery creates a publisher-side discovery client probing the given
// host address.
func NewDiscovery(tr transport.Transport, identity DeviceIdentity, hostAddr net.Addr) (*Discovery, error) {
	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if hostAddr == nil {
		return nil, errors.New("host address cannot be nil")
	}

	d := &Discovery{
		transport: tr,
		identity:  identity,
		hostAddr:  hostAddr,
	}
	tr.RegisterHandler(transport.PacketProbeReply, d.handleProbeReply)
	return d, nil
}

// Discover probes for the device and waits for a matching reply until the
// context expires. It opts in to hidden virtual devices, matches candidates
// by identity digest, and falls back to a name substring match only for
// replies that omit the digest.
//
// Returns ErrDeviceNotFound when no matching device answers in time. Callers
// treat that as an expected, quiet condition.
func (d *Discovery) Discover(ctx context.Context) (*Endpoint, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Discover",
		"identity":  d.identity.String(),
		"host_addr": d.hostAddr.String(),
	}).Debug("Probing for virtual device")

	result := make(chan *Endpoint, 1)
	d.mu.Lock()
	d.waiters = append(d.waiters, result)
	d.mu.Unlock()
	defer d.removeWaiter(result)

	digest := d.identity.Digest()
	probe := make([]byte, probePacketSize)
	probe[0] = probeFlagRevealHidden
	copy(probe[1:], digest[:])

	err := d.transport.Send(&transport.Packet{
		PacketType: transport.PacketProbe,
		Data:       probe,
	}, d.hostAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to send probe: %w", err)
	}

	select {
	case endpoint := <-result:
		logrus.WithFields(logrus.Fields{
			"function": "Discover",
			"addr":     endpoint.Addr.String(),
			"version":  endpoint.Version,
			"name":     endpoint.Name,
		}).Info("Virtual device discovered")
		return endpoint, nil
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "Discover",
			"identity": d.identity.String(),
		}).Debug("Discovery timed out, device not found")
		return nil, ErrDeviceNotFound
	}
}

func (d *Discovery) removeWaiter(ch chan *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.waiters {
		if w == ch {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

// handleProbeReply matches a candidate reply against the wanted identity.
func (d *Discovery) handleProbeReply(packet *transport.Packet, addr net.Addr) error {
	digest, version, name, err := parseProbeReply(packet.Data)
	if err != nil {
		return err
	}

	if !d.matches(digest, name) {
		return nil
	}

	endpoint := &Endpoint{
		Addr:     addr,
		Identity: d.identity,
		Version:  version,
		Name:     name,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.waiters {
		select {
		case w <- endpoint:
		default:
		}
	}
	return nil
}

// matches applies the digest match with name-substring fallback. The
// fallback only engages for replies carrying a zero digest, since older
// host revisions do not project identifiers into their replies.
func (d *Discovery) matches(digest [32]byte, name string) bool {
	want := d.identity.Digest()
	if digest != [32]byte{} {
		return digest == want
	}

	if name == "" {
		return false
	}
	match := strings.Contains(name, DefaultDeviceName) || strings.Contains(DefaultDeviceName, name)
	if match {
		logrus.WithFields(logrus.Fields{
			"function": "matches",
			"name":     name,
		}).Debug("Matched device by name fallback, reply omitted digest")
	}
	return match
}
