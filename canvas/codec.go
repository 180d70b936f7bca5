package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// Codec converts between stored bytes and pixel buffers.
type Codec interface {
	Decode(data []byte) (*image.NRGBA, error)
	Encode(img *image.NRGBA) ([]byte, error)
	// Resize scales img to exactly w×h.
	Resize(img *image.NRGBA, w, h int) *image.NRGBA
}

// PNGCodec stores bitmaps as PNG and resizes with a Catmull-Rom kernel.
type PNGCodec struct {
	// MaxPixels rejects images larger than this many pixels before decoding.
	// Zero disables the check.
	MaxPixels int
}

func (c PNGCodec) Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidImage)
	}
	if c.MaxPixels > 0 && cfg.Width*cfg.Height > c.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrInvalidImage, cfg.Width, cfg.Height)
	}

	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n, nil
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	return dst, nil
}

func (PNGCodec) Encode(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("canvas: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (PNGCodec) Resize(img *image.NRGBA, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		xdraw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, xdraw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}
