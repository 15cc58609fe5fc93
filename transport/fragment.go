package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FragmentPayloadSize is the number of frame bytes carried per fragment.
// Sized so a fragment plus headers stays comfortably inside one datagram.
const FragmentPayloadSize = 32 * 1024

// fragmentHeaderSize is the fixed header prepended to every fragment:
// [sequence:8][timestamp:8][width:2][height:2][index:2][count:2]
const fragmentHeaderSize = 24

var (
	// ErrFragmentTooShort indicates a fragment smaller than its fixed header.
	ErrFragmentTooShort = errors.New("frame fragment too short")
	// ErrFragmentBounds indicates an index/count pair that cannot describe a frame.
	ErrFragmentBounds = errors.New("frame fragment index out of bounds")
)

// FrameFragment is one datagram-sized piece of a video frame crossing the
// process boundary. A full 1080p BGRA frame spans many fragments; the
// Reassembler on the Sink side puts them back together.
type FrameFragment struct {
	Sequence  uint64
	Timestamp int64 // host time in nanoseconds
	Width     uint16
	Height    uint16
	Index     uint16
	Count     uint16
	Payload   []byte
}

// Marshal serializes the fragment for transmission.
func (f *FrameFragment) Marshal() []byte {
	buf := make([]byte, fragmentHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], f.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(f.Timestamp))
	binary.BigEndian.PutUint16(buf[16:18], f.Width)
	binary.BigEndian.PutUint16(buf[18:20], f.Height)
	binary.BigEndian.PutUint16(buf[20:22], f.Index)
	binary.BigEndian.PutUint16(buf[22:24], f.Count)
	copy(buf[fragmentHeaderSize:], f.Payload)
	return buf
}

// ParseFrameFragment deserializes a fragment received from the transport.
func ParseFrameFragment(data []byte) (*FrameFragment, error) {
	if len(data) < fragmentHeaderSize {
		return nil, ErrFragmentTooShort
	}

	frag := &FrameFragment{
		Sequence:  binary.BigEndian.Uint64(data[0:8]),
		Timestamp: int64(binary.BigEndian.Uint64(data[8:16])),
		Width:     binary.BigEndian.Uint16(data[16:18]),
		Height:    binary.BigEndian.Uint16(data[18:20]),
		Index:     binary.BigEndian.Uint16(data[20:22]),
		Count:     binary.BigEndian.Uint16(data[22:24]),
		Payload:   make([]byte, len(data)-fragmentHeaderSize),
	}
	copy(frag.Payload, data[fragmentHeaderSize:])

	if frag.Count == 0 || frag.Index >= frag.Count {
		return nil, ErrFragmentBounds
	}

	return frag, nil
}

// FragmentFrame splits a frame's pixel data into transmission-ready
// fragments. The final fragment may be shorter than FragmentPayloadSize.
func FragmentFrame(sequence uint64, timestamp int64, width, height uint16, pixels []byte) ([]*FrameFragment, error) {
	if len(pixels) == 0 {
		return nil, errors.New("cannot fragment empty frame")
	}

	count := (len(pixels) + FragmentPayloadSize - 1) / FragmentPayloadSize
	if count > int(^uint16(0)) {
		return nil, fmt.Errorf("frame of %d bytes exceeds fragment addressing", len(pixels))
	}

	fragments := make([]*FrameFragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * FragmentPayloadSize
		end := start + FragmentPayloadSize
		if end > len(pixels) {
			end = len(pixels)
		}

		fragments = append(fragments, &FrameFragment{
			Sequence:  sequence,
			Timestamp: timestamp,
			Width:     width,
			Height:    height,
			Index:     uint16(i),
			Count:     uint16(count),
			Payload:   pixels[start:end],
		})
	}

	return fragments, nil
}

// AssembledFrame is a complete frame recovered from its fragments.
type AssembledFrame struct {
	Sequence  uint64
	Timestamp int64
	Width     uint16
	Height    uint16
	Pixels    []byte
}

// pendingFrame tracks a partially received frame.
type pendingFrame struct {
	fragments [][]byte
	received  int
	width     uint16
	height    uint16
	timestamp int64
	firstSeen time.Time
}

// Reassembler rebuilds frames from fragments arriving on the Sink endpoint.
//
// Partial frames older than maxAge are discarded on the next Absorb call:
// a frame that has not completed within roughly one frame interval was
// truncated by a drop and will never complete. Not safe for concurrent use;
// the transport dispatches serially.
type Reassembler struct {
	pending map[uint64]*pendingFrame
	maxAge  time.Duration
	now     func() time.Time
}

// NewReassembler creates a reassembler that abandons partial frames older
// than maxAge.
func NewReassembler(maxAge time.Duration) *Reassembler {
	return &Reassembler{
		pending: make(map[uint64]*pendingFrame),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Absorb accepts one fragment and returns the completed frame, if this
// fragment was the last missing piece. Duplicate fragments are ignored.
func (r *Reassembler) Absorb(frag *FrameFragment) (*AssembledFrame, bool) {
	r.pruneStale()

	p, exists := r.pending[frag.Sequence]
	if !exists {
		p = &pendingFrame{
			fragments: make([][]byte, frag.Count),
			width:     frag.Width,
			height:    frag.Height,
			timestamp: frag.Timestamp,
			firstSeen: r.now(),
		}
		r.pending[frag.Sequence] = p
	}

	if int(frag.Count) != len(p.fragments) || int(frag.Index) >= len(p.fragments) {
		// Inconsistent with the first fragment seen for this sequence.
		return nil, false
	}
	if p.fragments[frag.Index] != nil {
		return nil, false
	}

	p.fragments[frag.Index] = frag.Payload
	p.received++

	if p.received < len(p.fragments) {
		return nil, false
	}

	delete(r.pending, frag.Sequence)

	total := 0
	for _, piece := range p.fragments {
		total += len(piece)
	}
	pixels := make([]byte, 0, total)
	for _, piece := range p.fragments {
		pixels = append(pixels, piece...)
	}

	return &AssembledFrame{
		Sequence:  frag.Sequence,
		Timestamp: p.timestamp,
		Width:     p.width,
		Height:    p.height,
		Pixels:    pixels,
	}, true
}

// PendingCount reports how many partial frames are being tracked.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}

func (r *Reassembler) pruneStale() {
	cutoff := r.now().Add(-r.maxAge)
	for seq, p := range r.pending {
		if p.firstSeen.Before(cutoff) {
			delete(r.pending, seq)
		}
	}
}
