package publisher

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/kolesa-team/go-webp/decoder"
	"github.com/kolesa-team/go-webp/webp"
)

// minShrinkDim is the smallest dimension downscaling may reach before the
// recompress path gives up.
const minShrinkDim = 320

// shrinkImage re-encodes an oversized asset as JPEG, halving its dimensions
// until it fits under maxBytes or the floor is reached.
func shrinkImage(data []byte, maxBytes int) ([]byte, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode asset: %w", err)
	}
	for {
		var out bytes.Buffer
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if out.Len() <= maxBytes {
			return out.Bytes(), nil
		}
		b := img.Bounds()
		w, h := b.Dx()/2, b.Dy()/2
		if w < minShrinkDim || h < minShrinkDim {
			return nil, fmt.Errorf("image cannot be compressed under %d bytes", maxBytes)
		}
		img = resizeNearest(img, w, h)
	}
}

func decodeImage(data []byte) (image.Image, error) {
	if isWEBP(data) {
		return webp.Decode(bytes.NewReader(data), &decoder.Options{})
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func isWEBP(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

func resizeNearest(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	b := src.Bounds()
	srcW := b.Dx()
	srcH := b.Dy()
	if srcW <= 0 || srcH <= 0 {
		return dst
	}
	for y := 0; y < height; y++ {
		srcY := b.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := b.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
