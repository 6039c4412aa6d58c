package telegram

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// maxImageEdge bounds the longest side of a saved photo. Chat photos
// beyond this only waste model tokens.
const maxImageEdge = 2048

// downscaleJPEG re-encodes an image as JPEG, resizing when its longest
// edge exceeds maxEdge. Aspect ratio is preserved.
func downscaleJPEG(data []byte, maxEdge int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxEdge || h > maxEdge {
		if w >= h {
			img = imaging.Resize(img, maxEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxEdge, imaging.Lanczos)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
