package frame

import (
	"bytes"
	"image/jpeg"
	"time"

	"github.com/A-910/duan2024/camstream/pkg/types"
)

// JPEG markers
var (
	SOI = []byte{0xFF, 0xD8}
	EOI = []byte{0xFF, 0xD9}
)

// Decode turns a byte slice believed to hold one complete JPEG into a frame.
// Malformed, truncated or empty input yields nil; Decode never panics.
func Decode(data []byte) (f *types.Frame) {
	if len(data) < len(SOI)+len(EOI) || !bytes.HasPrefix(data, SOI) {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			f = nil
		}
	}()

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil || img == nil {
		return nil
	}
	b := img.Bounds()
	if b.Empty() {
		return nil
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	return &types.Frame{
		Image:     img,
		JPEG:      owned,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Timestamp: time.Now(),
	}
}
