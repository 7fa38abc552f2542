package asset

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestOptimizeImageToFitPassesThroughUnderCap(t *testing.T) {
	small := solidNRGBA(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	data := encodePNG(t, small)

	out, mime, err := optimizeImageToFit("image/png", data, int64(len(data))+1000)
	if err != nil {
		t.Fatalf("optimizeImageToFit: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("expected an opaque image under cap to stay png via the passthrough-sized path, got %q", mime)
	}
	if len(out) == 0 {
		t.Fatalf("expected non-empty output")
	}
}

func TestOptimizeImageToFitConvertsOpaquePNGToJPEG(t *testing.T) {
	opaque := solidNRGBA(200, 200, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	data := encodePNG(t, opaque)

	limit := int64(len(data)) / 2
	out, mime, err := optimizeImageToFit("image/png", data, limit)
	if err != nil {
		t.Fatalf("optimizeImageToFit: %v", err)
	}
	if mime != "image/jpeg" {
		t.Fatalf("expected an opaque oversized png to be converted to jpeg, got %q", mime)
	}
	if int64(len(out)) > limit {
		t.Fatalf("re-encoded jpeg still exceeds cap: %d > %d", len(out), limit)
	}
}

func TestOptimizeImageToFitKeepsAlphaPNGAsPNG(t *testing.T) {
	translucent := solidNRGBA(64, 64, color.NRGBA{R: 1, G: 2, B: 3, A: 128})
	data := encodePNG(t, translucent)

	out, mime, err := optimizeImageToFit("image/png", data, int64(len(data))+1)
	if err != nil {
		t.Fatalf("optimizeImageToFit: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("expected an image with alpha to stay png, got %q", mime)
	}
}

func TestOptimizeImageToFitReencodesJPEGAtLowerQuality(t *testing.T) {
	noisy := image.NewNRGBA(image.Rect(0, 0, 300, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			noisy.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	data := encodeJPEG(t, noisy, 95)

	limit := int64(len(data)) / 3
	out, mime, err := optimizeImageToFit("image/jpeg", data, limit)
	if err != nil {
		t.Fatalf("optimizeImageToFit: %v", err)
	}
	if mime != "image/jpeg" {
		t.Fatalf("expected jpeg to stay jpeg, got %q", mime)
	}
	if int64(len(out)) > limit {
		t.Fatalf("re-encoded jpeg still exceeds cap: %d > %d", len(out), limit)
	}
}

func TestOptimizeImageToFitGIFPassthroughFailsWhenOversized(t *testing.T) {
	_, _, err := optimizeImageToFit("image/gif", []byte("not actually shrinkable"), 1)
	if err == nil {
		t.Fatalf("expected an oversized gif with no shrink path to fail")
	}
}

func TestOptimizeImageToFitUnsupportedMIME(t *testing.T) {
	_, _, err := optimizeImageToFit("application/pdf", []byte("whatever"), 1)
	if err == nil {
		t.Fatalf("expected a non-image mime type to fail re-encoding rather than silently pass")
	}
}
