package telegram

import (
	"bytes"
	"image"
	"testing"

	"github.com/disintegration/imaging"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, image.White.C), imaging.PNG); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestDownscaleJPEG(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{name: "small untouched", w: 640, h: 480, wantW: 640, wantH: 480},
		{name: "wide landscape capped", w: 4096, h: 1024, wantW: 2048, wantH: 512},
		{name: "tall portrait capped", w: 1000, h: 4000, wantW: 512, wantH: 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := downscaleJPEG(encodePNG(t, tt.w, tt.h), maxImageEdge)
			if err != nil {
				t.Fatalf("downscaleJPEG() error = %v", err)
			}
			img, err := imaging.Decode(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("decode output: %v", err)
			}
			b := img.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestDownscaleJPEGRejectsGarbage(t *testing.T) {
	if _, err := downscaleJPEG([]byte("not an image"), maxImageEdge); err == nil {
		t.Error("downscaleJPEG() accepted garbage input")
	}
}
