package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/A-910/duan2024/camstream/pkg/types"
)

// Encoder produces the compressed wire form of a frame for upload.
type Encoder struct {
	Quality  int  // JPEG quality 1-100 (0 = 80)
	MaxWidth int  // Downscale wider frames to this width (0 = keep size)
	Stamp    bool // Draw the capture time in the top-left corner
}

// Encode re-encodes the frame as JPEG.
func (e Encoder) Encode(f *types.Frame) ([]byte, error) {
	if f == nil || f.Image == nil {
		return nil, fmt.Errorf("encode: no image")
	}

	img := f.Image
	if e.MaxWidth > 0 && f.Width > e.MaxWidth {
		img = scale(img, e.MaxWidth)
	}
	if e.Stamp {
		img = stamp(img, f.Timestamp.UTC().Format("2006-01-02 15:04:05Z"))
	}

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func scale(src image.Image, width int) image.Image {
	b := src.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// stamp copies src and writes text on a black band.
func stamp(src image.Image, text string) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 8
	band := image.Rect(0, 0, width, face.Height+6)
	draw.Draw(dst, band, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(4, face.Ascent+3),
	}
	d.DrawString(text)
	return dst
}

// DrawBoxes draws rectangle outlines of the given thickness onto a copy of src.
func DrawBoxes(src image.Image, boxes []image.Rectangle, c color.Color, thickness int) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	u := image.NewUniform(c)
	for _, r := range boxes {
		r = r.Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		t := thickness
		draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, min(r.Min.Y+t, r.Max.Y)), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X, max(r.Max.Y-t, r.Min.Y), r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, min(r.Min.X+t, r.Max.X), r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(max(r.Max.X-t, r.Min.X), r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	}
	return dst
}
