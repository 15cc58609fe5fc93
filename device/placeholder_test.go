package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcam/codec"
)

func TestPlaceholderFrameIsWellFormed(t *testing.T) {
	g := newPlaceholderGenerator("no signal", 320, 180)

	frame := g.Frame()
	require.NoError(t, frame.Validate())
	assert.Equal(t, uint16(320), frame.Width)
	assert.Equal(t, uint16(180), frame.Height)
}

func TestPlaceholderFrameIsFullyOpaque(t *testing.T) {
	g := newPlaceholderGenerator("no signal", 320, 180)

	frame := g.Frame()
	for i := 3; i < len(frame.Data); i += codec.BytesPerPixel {
		require.Equal(t, byte(0xFF), frame.Data[i], "alpha at offset %d", i)
	}
}

func TestPlaceholderFrameContainsText(t *testing.T) {
	g := newPlaceholderGenerator("hi", 640, 360)

	frame := g.Frame()

	// The frame must not be a flat background: the rendered text raises
	// some pixels above the background luma.
	brighter := 0
	for i := 0; i < len(frame.Data); i += codec.BytesPerPixel {
		if frame.Data[i] > placeholderBackground {
			brighter++
		}
	}
	assert.Greater(t, brighter, 0, "text pixels should be brighter than the background")
}

func TestPlaceholderFrameHasMirroredCopy(t *testing.T) {
	g := newPlaceholderGenerator("F", 640, 360)

	frame := g.Frame()
	w := int(frame.Width)

	// Collect text rows in the upper (upright) and lower (mirrored) bands.
	rowHasText := func(y int) []int {
		var xs []int
		for x := 0; x < w; x++ {
			if frame.Data[(y*w+x)*codec.BytesPerPixel] > placeholderBackground {
				xs = append(xs, x)
			}
		}
		return xs
	}

	var upright, mirrored []int
	for y := 0; y < int(frame.Height)/2; y++ {
		if xs := rowHasText(y); len(xs) > 0 {
			upright = append(upright, xs...)
		}
	}
	for y := int(frame.Height) / 2; y < int(frame.Height); y++ {
		if xs := rowHasText(y); len(xs) > 0 {
			mirrored = append(mirrored, xs...)
		}
	}

	assert.NotEmpty(t, upright, "upright copy missing above the midline")
	assert.NotEmpty(t, mirrored, "mirrored copy missing below the midline")
}

func TestPlaceholderFramesDoNotShareBuffers(t *testing.T) {
	g := newPlaceholderGenerator("no signal", 160, 90)

	first := g.Frame()
	second := g.Frame()

	// Downstream consumers may retain frames; mutating one must not be
	// visible through the other.
	first.Data[0] = 0x00
	assert.Equal(t, byte(placeholderBackground), second.Data[0])
}

func TestPlaceholderDefaultText(t *testing.T) {
	g := newPlaceholderGenerator("", 160, 90)
	assert.NotNil(t, g.text)

	wire := NewPlaceholderGenerator("")
	frame := wire.Frame()
	require.NoError(t, frame.Validate())
	assert.Equal(t, uint16(codec.WireWidth), frame.Width)
	assert.Equal(t, uint16(codec.WireHeight), frame.Height)
}
