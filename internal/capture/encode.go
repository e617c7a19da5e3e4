package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
)

// DefaultQuality is the JPEG quality used for captured stills
const DefaultQuality = 80

// Encode turns a frame into a JPEG at its native resolution, undoing any
// preview mirroring first
func Encode(frame Frame, quality int) ([]byte, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}
	img := frame.Image
	if frame.Mirrored {
		img = FlipHorizontal(img)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("while encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

// FlipHorizontal returns a copy of src mirrored around its vertical axis
func FlipHorizontal(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Dx()-1-(x-b.Min.X), y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}

// DecodeFrame decodes an encoded still sent by the page
func DecodeFrame(data []byte, mirrored bool) (Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("while decoding frame: %w", err)
	}
	return Frame{Image: img, Mirrored: mirrored}, nil
}
