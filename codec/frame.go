// Package codec converts captured images into the fixed wire pixel format
// required by the virtual device.
//
// The wire format is negotiated once at stream start and never renegotiated:
// 1920x1080, 4-byte-per-pixel BGRA, 30 frames per second nominal cadence.
// The Codec scales and centers arbitrary input frames into that geometry.
package codec

import (
	"errors"
	"fmt"
	"time"
)

// Wire format constants shared by the publisher and the device host.
const (
	// WireWidth is the fixed output frame width in pixels.
	WireWidth = 1920
	// WireHeight is the fixed output frame height in pixels.
	WireHeight = 1080
	// BytesPerPixel is the BGRA pixel stride.
	BytesPerPixel = 4
	// NominalFrameRate is the output cadence in frames per second.
	NominalFrameRate = 30
)

// FrameInterval is the nominal duration of one output frame.
const FrameInterval = time.Second / NominalFrameRate

var (
	// ErrNilFrame indicates a nil frame was passed where one is required.
	ErrNilFrame = errors.New("frame is nil")
	// ErrEmptyFrame indicates a frame with zero dimensions.
	ErrEmptyFrame = errors.New("frame has zero dimensions")
)

// Frame is an immutable video frame in BGRA-8 pixel format.
//
// A frame is exclusively owned by whichever queue currently holds it and is
// transferred, never shared, across the Sink, ConsumeLoop and Source
// handoffs. Its lifetime is bounded to a single traversal of the pipeline.
type Frame struct {
	// Width and Height are the frame dimensions in pixels.
	Width  uint16
	Height uint16

	// Data holds Width*Height*BytesPerPixel bytes of BGRA pixels.
	Data []byte

	// Timestamp is the presentation time in the monotonic host-time domain.
	Timestamp time.Time

	// Sequence is assigned at enqueue time and increases monotonically
	// from the assigner's perspective.
	Sequence uint64
}

// NewFrame allocates a zeroed frame with the given dimensions.
func NewFrame(width, height uint16) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Data:   make([]byte, int(width)*int(height)*BytesPerPixel),
	}
}

// Validate checks that the frame describes a well-formed BGRA buffer.
func (f *Frame) Validate() error {
	if f == nil {
		return ErrNilFrame
	}
	if f.Width == 0 || f.Height == 0 {
		return ErrEmptyFrame
	}
	expected := int(f.Width) * int(f.Height) * BytesPerPixel
	if len(f.Data) != expected {
		return fmt.Errorf("frame buffer is %d bytes, expected %d for %dx%d BGRA",
			len(f.Data), expected, f.Width, f.Height)
	}
	return nil
}

// Clone returns a deep copy of the frame. Used when a frame must cross an
// ownership boundary that the caller intends to keep writing into.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Width:     f.Width,
		Height:    f.Height,
		Data:      data,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
	}
}
