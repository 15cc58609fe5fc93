package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill sets every pixel of the frame to the given BGRA value.
func fill(frame *Frame, b, g, r, a byte) {
	for i := 0; i < len(frame.Data); i += BytesPerPixel {
		frame.Data[i] = b
		frame.Data[i+1] = g
		frame.Data[i+2] = r
		frame.Data[i+3] = a
	}
}

// pixelAt returns the BGRA bytes at the given coordinate.
func pixelAt(frame *Frame, x, y int) []byte {
	i := (y*int(frame.Width) + x) * BytesPerPixel
	return frame.Data[i : i+BytesPerPixel]
}

func TestConvertPassthroughOnMatchingGeometry(t *testing.T) {
	c, err := NewCodecWithGeometry(4, 4)
	require.NoError(t, err)

	src := NewFrame(4, 4)
	src.Sequence = 17
	fill(src, 10, 20, 30, 0x80)

	dst, err := c.Convert(src)
	require.NoError(t, err)

	assert.Equal(t, uint16(4), dst.Width)
	assert.Equal(t, uint16(4), dst.Height)
	assert.Equal(t, uint64(17), dst.Sequence)
	assert.Equal(t, src.Data, dst.Data)

	// The output must not alias the input buffer.
	dst.Data[0] = 0xFF
	assert.Equal(t, byte(10), src.Data[0])
}

func TestConvertLetterboxesNarrowSource(t *testing.T) {
	// Square source into a 2:1 target pins height and pillarboxes.
	c, err := NewCodecWithGeometry(8, 4)
	require.NoError(t, err)

	src := NewFrame(4, 4)
	fill(src, 100, 150, 200, 0xFF)

	dst, err := c.Convert(src)
	require.NoError(t, err)

	// Bars on the left and right, content in the middle.
	bar := pixelAt(dst, 0, 2)
	assert.Equal(t, []byte{0, 0, 0, 0xFF}, bar, "pillarbox bar should be opaque black")

	content := pixelAt(dst, 4, 2)
	assert.Equal(t, byte(100), content[0])
	assert.Equal(t, byte(150), content[1])
	assert.Equal(t, byte(200), content[2])
	assert.Equal(t, byte(0xFF), content[3])
}

func TestConvertForcesOpaqueAlpha(t *testing.T) {
	c, err := NewCodecWithGeometry(6, 4)
	require.NoError(t, err)

	src := NewFrame(3, 3)
	fill(src, 50, 50, 50, 0x00) // fully transparent input

	dst, err := c.Convert(src)
	require.NoError(t, err)

	for i := 3; i < len(dst.Data); i += BytesPerPixel {
		require.Equal(t, byte(0xFF), dst.Data[i], "alpha at offset %d", i)
	}
}

func TestConvertRejectsMalformedInput(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name  string
		frame *Frame
	}{
		{"nil frame", nil},
		{"zero dimensions", &Frame{}},
		{"wrong buffer size", &Frame{Width: 4, Height: 4, Data: make([]byte, 10)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Convert(tt.frame)
			assert.Error(t, err)
		})
	}
}

func TestNewCodecWithGeometryRejectsZero(t *testing.T) {
	_, err := NewCodecWithGeometry(0, 10)
	assert.Error(t, err)
	_, err = NewCodecWithGeometry(10, 0)
	assert.Error(t, err)
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   uint16
		dstW, dstH   uint16
		wantW, wantH uint16
	}{
		{"same aspect", 1920, 1080, 960, 540, 960, 540},
		{"wider source pins width", 400, 100, 200, 200, 200, 50},
		{"taller source pins height", 100, 400, 200, 200, 50, 200},
		{"square into wire", 1080, 1080, 1920, 1080, 1080, 1080},
		{"extreme ratio keeps one pixel", 10000, 10, 100, 100, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := fitDimensions(tt.srcW, tt.srcH, tt.dstW, tt.dstH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}
