// Package frametest builds synthetic JPEG payloads and MJPEG byte streams
// for tests.
package frametest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// JPEG encodes a w x h image filled with a shade derived from seed.
func JPEG(t testing.TB, w, h int, seed byte) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: seed, G: 255 - seed, B: seed / 2, A: 255}
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// Stream concatenates frames into one MJPEG byte stream, separated by the
// multipart boundary text the camera firmware emits between parts.
func Stream(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.WriteString("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
		buf.Write(f)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// Chunks splits data into pieces of at most size bytes.
func Chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
