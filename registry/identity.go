// Package registry implements virtual-device identity, discovery and the
// version/update protocol shared by the publisher and device-host processes.
//
// Both processes are built with the same DeviceIdentity triple. The host
// registers it once at process start; the publisher probes for it and
// matches replies by identity digest. A mismatched triple causes silent
// discovery failure: no frames ever flow and no hard error is raised.
package registry

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Build-time identity constants. These must never be regenerated at runtime:
// the publisher binary, the device-host binary and any manifest describing
// the host extension must agree on all three, or the two processes will fail
// to find each other after an update.
const (
	// DefaultDeviceID identifies the virtual camera device.
	DefaultDeviceID = "ai.opd.vcam.device"
	// DefaultSourceID identifies the outbound endpoint consumers read from.
	DefaultSourceID = "ai.opd.vcam.source"
	// DefaultSinkID identifies the inbound endpoint the publisher writes to.
	DefaultSinkID = "ai.opd.vcam.sink"

	// DefaultDeviceName is the human-readable device name, used as the
	// discovery fallback match when a host predates digest replies.
	DefaultDeviceName = "VCam Virtual Camera"
)

// ErrIncompleteIdentity indicates an identity triple with a missing member.
var ErrIncompleteIdentity = errors.New("device identity triple is incomplete")

// DeviceIdentity is the stable triple of identifiers binding the publisher,
// the device host and the host manifest together.
type DeviceIdentity struct {
	DeviceID string
	SourceID string
	SinkID   string
}

// DefaultIdentity returns the identity compiled into both binaries.
func DefaultIdentity() DeviceIdentity {
	return DeviceIdentity{
		DeviceID: DefaultDeviceID,
		SourceID: DefaultSourceID,
		SinkID:   DefaultSinkID,
	}
}

// Validate checks that all three identifiers are present.
func (id DeviceIdentity) Validate() error {
	if id.DeviceID == "" || id.SourceID == "" || id.SinkID == "" {
		return ErrIncompleteIdentity
	}
	return nil
}

// Digest returns a stable BLAKE2b-256 digest of the identity triple.
// Discovery matches on the digest rather than comparing raw strings so the
// probe packet stays fixed-size regardless of identifier length.
func (id DeviceIdentity) Digest() [32]byte {
	return blake2b.Sum256([]byte(id.DeviceID + "\x00" + id.SourceID + "\x00" + id.SinkID))
}

// String returns the triple for log output.
func (id DeviceIdentity) String() string {
	return fmt.Sprintf("%s (source=%s sink=%s)", id.DeviceID, id.SourceID, id.SinkID)
}
