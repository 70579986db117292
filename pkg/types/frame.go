package types

import (
	"image"
	"time"
)

// Frame is a fully decoded JPEG frame extracted from a camera stream.
// A Frame is never partially decoded: decoders return nil instead.
type Frame struct {
	Image     image.Image // Decoded pixel grid
	JPEG      []byte      // Source JPEG bytes (owned copy, SOI..EOI inclusive)
	Width     int
	Height    int
	Seq       uint64    // Sequential frame number assigned by the demuxer
	Timestamp time.Time // Time the frame was extracted
}

// Device is the camera entry supplied by the device registry.
type Device struct {
	Name      string `json:"device_name" yaml:"device_name"`
	IPAddress string `json:"ip_address" yaml:"ip_address"`
}

// FireResult is the discrete value written to the result sink.
type FireResult int

const (
	FireDetected FireResult = 0
	NoFire       FireResult = 1
)

// String returns the string representation of a fire result
func (r FireResult) String() string {
	switch r {
	case FireDetected:
		return "FIRE_DETECTED"
	case NoFire:
		return "NO_FIRE"
	default:
		return "UNKNOWN"
	}
}

// Detection is one classifier output box.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	BBox       image.Rectangle `json:"-"`
}
