package codec

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Codec converts captured frames into the fixed wire geometry.
//
// Conversion is a pure function of the input frame and the target geometry:
// the image is scaled preserving aspect ratio, centered, and surrounded by
// black bars where the aspect ratios differ. The Codec holds no state and is
// safe for concurrent use.
type Codec struct {
	targetWidth  uint16
	targetHeight uint16
}

// NewCodec creates a codec targeting the wire geometry.
func NewCodec() *Codec {
	return &Codec{
		targetWidth:  WireWidth,
		targetHeight: WireHeight,
	}
}

// NewCodecWithGeometry creates a codec targeting an explicit geometry.
// Tests use small geometries; production uses NewCodec.
func NewCodecWithGeometry(width, height uint16) (*Codec, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid target geometry: %dx%d", width, height)
	}
	return &Codec{
		targetWidth:  width,
		targetHeight: height,
	}, nil
}

// TargetWidth returns the codec's output width.
func (c *Codec) TargetWidth() uint16 { return c.targetWidth }

// TargetHeight returns the codec's output height.
func (c *Codec) TargetHeight() uint16 { return c.targetHeight }

// Convert scales and centers a captured frame into the target geometry.
//
// The returned frame carries the source frame's timestamp and sequence; only
// the pixel geometry changes. A malformed input yields an error and the
// caller drops that single frame, leaving pipeline state unchanged.
//
// Returns:
//   - *Frame: New frame in target geometry, black-letterboxed as needed
//   - error: Any validation error for the input frame
func (c *Codec) Convert(src *Frame) (*Frame, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("cannot convert frame: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Convert",
		"source_width":  src.Width,
		"source_height": src.Height,
		"target_width":  c.targetWidth,
		"target_height": c.targetHeight,
	}).Trace("Converting frame to wire geometry")

	dst := NewFrame(c.targetWidth, c.targetHeight)
	dst.Timestamp = src.Timestamp
	dst.Sequence = src.Sequence

	// Fast path: geometry already matches, copy pixels through.
	if src.Width == c.targetWidth && src.Height == c.targetHeight {
		copy(dst.Data, src.Data)
		return dst, nil
	}

	scaledWidth, scaledHeight := fitDimensions(src.Width, src.Height, c.targetWidth, c.targetHeight)
	offsetX := (int(c.targetWidth) - int(scaledWidth)) / 2
	offsetY := (int(c.targetHeight) - int(scaledHeight)) / 2

	scaleBGRA(src.Data, src.Width, src.Height,
		dst.Data, c.targetWidth, scaledWidth, scaledHeight, offsetX, offsetY)

	return dst, nil
}

// fitDimensions computes the largest scaled size that fits the target while
// preserving the source aspect ratio.
func fitDimensions(srcW, srcH, dstW, dstH uint16) (uint16, uint16) {
	// Compare srcW/srcH against dstW/dstH without floating point.
	if int(srcW)*int(dstH) >= int(srcH)*int(dstW) {
		// Source is wider: pin width, derive height.
		h := int(srcH) * int(dstW) / int(srcW)
		if h == 0 {
			h = 1
		}
		return dstW, uint16(h)
	}
	// Source is taller: pin height, derive width.
	w := int(srcW) * int(dstH) / int(srcH)
	if w == 0 {
		w = 1
	}
	return uint16(w), dstH
}

// scaleBGRA performs bilinear scaling of interleaved BGRA pixels into a
// sub-rectangle of the destination buffer. Destination pixels outside the
// rectangle are left at their zero value, which is opaque-less black bars
// once the alpha channel is forced below.
func scaleBGRA(src []byte, srcW, srcH uint16,
	dst []byte, dstStrideW uint16, outW, outH uint16, offsetX, offsetY int,
) {
	srcWi := int(srcW)
	srcHi := int(srcH)
	outWi := int(outW)
	outHi := int(outH)
	stride := int(dstStrideW) * BytesPerPixel

	// Fixed-point 16.16 stepping across the source.
	stepX := (srcWi << 16) / outWi
	stepY := (srcHi << 16) / outHi

	srcY := stepY / 2
	for y := 0; y < outHi; y++ {
		sy := srcY >> 16
		if sy >= srcHi {
			sy = srcHi - 1
		}
		fy := srcY & 0xFFFF
		sy2 := sy + 1
		if sy2 >= srcHi {
			sy2 = srcHi - 1
		}

		dstRow := (y + offsetY) * stride
		srcRow := sy * srcWi * BytesPerPixel
		srcRow2 := sy2 * srcWi * BytesPerPixel

		srcX := stepX / 2
		for x := 0; x < outWi; x++ {
			sx := srcX >> 16
			if sx >= srcWi {
				sx = srcWi - 1
			}
			fx := srcX & 0xFFFF
			sx2 := sx + 1
			if sx2 >= srcWi {
				sx2 = srcWi - 1
			}

			di := dstRow + (x+offsetX)*BytesPerPixel
			for ch := 0; ch < BytesPerPixel; ch++ {
				p00 := int(src[srcRow+sx*BytesPerPixel+ch])
				p01 := int(src[srcRow+sx2*BytesPerPixel+ch])
				p10 := int(src[srcRow2+sx*BytesPerPixel+ch])
				p11 := int(src[srcRow2+sx2*BytesPerPixel+ch])

				top := p00 + ((p01-p00)*fx >> 16)
				bottom := p10 + ((p11-p10)*fx >> 16)
				dst[di+ch] = byte(top + ((bottom-top)*fy >> 16))
			}
			srcX += stepX
		}
		srcY += stepY
	}

	// Letterbox bars stay opaque black.
	forceOpaque(dst, int(dstStrideW), len(dst)/stride)
}

// forceOpaque sets the alpha channel of every pixel to 255. Consumers treat
// the stream as fully opaque video; transparent bars would render as garbage
// in some applications.
func forceOpaque(pix []byte, width, height int) {
	for i := 3; i < width*height*BytesPerPixel; i += BytesPerPixel {
		pix[i] = 0xFF
	}
}
