package device

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/opd-ai/vcam/codec"
)

// DefaultPlaceholderText is shown when no live frames are arriving.
const DefaultPlaceholderText = "VCam is not receiving video"

// placeholderScale is the integer upscaling factor applied to the rendered
// text so it stays legible at 1080p.
const placeholderScale = 6

// background luma for the placeholder frame.
const placeholderBackground = 0x1E

// PlaceholderGenerator synthesizes the static frame emitted on the Source
// while the Sink is idle.
//
// The informational text is rendered twice: once upright and once mirrored
// about the frame's vertical axis, so conferencing applications that
// horizontally flip self-view video still show readable text in one of the
// two copies.
//
// Every call to Frame allocates a fresh buffer. Downstream media frameworks
// may retain a reference to the returned frame, so reusing a mutable buffer
// across calls would race with a consumer still reading the previous frame.
// Only the text layout is cached.
type PlaceholderGenerator struct {
	width  uint16
	height uint16
	text   *image.RGBA // cached rendered text mask, upright orientation
}

// NewPlaceholderGenerator creates a generator for the wire geometry.
func NewPlaceholderGenerator(text string) *PlaceholderGenerator {
	return newPlaceholderGenerator(text, codec.WireWidth, codec.WireHeight)
}

func newPlaceholderGenerator(text string, width, height uint16) *PlaceholderGenerator {
	if text == "" {
		text = DefaultPlaceholderText
	}
	return &PlaceholderGenerator{
		width:  width,
		height: height,
		text:   renderText(text),
	}
}

// Frame synthesizes one placeholder frame. The caller owns the returned
// frame outright.
func (g *PlaceholderGenerator) Frame() *codec.Frame {
	frame := codec.NewFrame(g.width, g.height)

	for i := 0; i < len(frame.Data); i += codec.BytesPerPixel {
		frame.Data[i] = placeholderBackground
		frame.Data[i+1] = placeholderBackground
		frame.Data[i+2] = placeholderBackground
		frame.Data[i+3] = 0xFF
	}

	textW := g.text.Rect.Dx() * placeholderScale
	textH := g.text.Rect.Dy() * placeholderScale
	centerX := (int(g.width) - textW) / 2

	// Upright copy above the midline, mirrored copy below it.
	uprightY := int(g.height)*2/5 - textH/2
	mirroredY := int(g.height)*3/5 - textH/2

	g.blit(frame, centerX, uprightY, false)
	g.blit(frame, centerX, mirroredY, true)

	return frame
}

// blit draws the scaled text mask into the frame, optionally flipping it
// left to right.
func (g *PlaceholderGenerator) blit(frame *codec.Frame, dstX, dstY int, mirrored bool) {
	maskW := g.text.Rect.Dx()
	maskH := g.text.Rect.Dy()
	frameW := int(frame.Width)
	frameH := int(frame.Height)

	for y := 0; y < maskH*placeholderScale; y++ {
		fy := dstY + y
		if fy < 0 || fy >= frameH {
			continue
		}
		my := y / placeholderScale

		for x := 0; x < maskW*placeholderScale; x++ {
			fx := dstX + x
			if fx < 0 || fx >= frameW {
				continue
			}
			mx := x / placeholderScale
			if mirrored {
				mx = maskW - 1 - mx
			}

			alpha := g.text.RGBAAt(g.text.Rect.Min.X+mx, g.text.Rect.Min.Y+my).A
			if alpha == 0 {
				continue
			}

			di := (fy*frameW + fx) * codec.BytesPerPixel
			// White text blended over the dark background.
			value := blend(placeholderBackground, 0xF0, alpha)
			frame.Data[di] = value
			frame.Data[di+1] = value
			frame.Data[di+2] = value
		}
	}
}

func blend(bg, fg, alpha byte) byte {
	a := int(alpha)
	return byte((int(fg)*a + int(bg)*(255-a)) / 255)
}

// renderText draws the text into a tightly sized RGBA mask using the basic
// bitmap face.
func renderText(text string) *image.RGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Height + 2

	img := image.NewRGBA(image.Rect(0, 0, width+2, height))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(1, face.Ascent),
	}
	drawer.DrawString(text)

	return img
}
