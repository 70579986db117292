package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/A-910/duan2024/camstream/internal/frame/frametest"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

func TestDecodeValid(t *testing.T) {
	data := frametest.JPEG(t, 64, 48, 10)
	f := Decode(data)
	if f == nil {
		t.Fatal("expected frame")
	}
	if f.Width != 64 || f.Height != 48 {
		t.Fatalf("size = %dx%d", f.Width, f.Height)
	}
	data[len(data)/2] ^= 0xFF
	if f.JPEG[len(data)/2] == data[len(data)/2] {
		t.Fatal("frame must own a copy of the source bytes")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	valid := frametest.JPEG(t, 32, 32, 200)
	corrupt := append([]byte{}, valid[:4]...)
	corrupt = append(corrupt, bytes.Repeat([]byte{0x42}, 300)...)
	corrupt = append(corrupt, EOI...)

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"marker only", []byte{0xFF, 0xD8, 0xFF, 0xD9}},
		{"soi only", []byte{0xFF, 0xD8}},
		{"truncated", valid[:len(valid)/2]},
		{"corrupt payload", corrupt},
		{"no soi", append([]byte{0x00}, valid...)},
		{"garbage", bytes.Repeat([]byte{0xFF}, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f := Decode(tt.data); f != nil {
				t.Fatalf("expected nil frame for %s", tt.name)
			}
		})
	}
}

func TestEncoderScalesAndStamps(t *testing.T) {
	f := Decode(frametest.JPEG(t, 640, 480, 90))
	if f == nil {
		t.Fatal("decode failed")
	}
	f.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out, err := Encoder{Quality: 60, MaxWidth: 320, Stamp: true}.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 240 {
		t.Fatalf("scaled size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncoderRejectsNil(t *testing.T) {
	if _, err := (Encoder{}).Encode(nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := (Encoder{}).Encode(&types.Frame{}); err == nil {
		t.Fatal("expected error for frame without image")
	}
}

func TestDrawBoxes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	red := color.RGBA{R: 255, A: 255}
	out := DrawBoxes(src, []image.Rectangle{image.Rect(2, 2, 10, 10)}, red, 1)

	if got := out.RGBAAt(2, 5); got != red {
		t.Fatalf("left edge = %v", got)
	}
	if got := out.RGBAAt(5, 5); got == red {
		t.Fatal("interior must stay untouched")
	}
	if got := src.RGBAAt(2, 5); got == red {
		t.Fatal("source must not be modified")
	}
}
