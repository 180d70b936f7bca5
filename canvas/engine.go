// Package canvas implements the shared drawing surface two friends paint on.
// Each submitted layer is pasted over the stored image after the stored image
// has faded by a fixed multiplier for every whole period since the last fade.
package canvas

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/mk12/mira/config"
)

// Defaults used when a config field is zero.
const (
	DefaultFadePeriod     = time.Hour
	DefaultFadeMultiplier = 0.95
	DefaultThumbnailSize  = 100
)

// State is the mutable part of a canvas record.
type State struct {
	Image      []byte
	Thumbnail  []byte
	LastFadeAt *time.Time
}

// Empty reports whether the canvas has never been mixed.
func (s *State) Empty() bool { return len(s.Image) == 0 }

// Engine composites layers onto canvas state. It holds no per-canvas data
// and is safe for concurrent use.
type Engine struct {
	codec          Codec
	fadePeriod     time.Duration
	fadeMultiplier float64
	thumbnailSize  int
}

// NewEngine builds an Engine from config, falling back to defaults for
// unset fields.
func NewEngine(cfg config.CanvasConfig, codec Codec) *Engine {
	e := &Engine{
		codec:          codec,
		fadePeriod:     cfg.FadePeriod,
		fadeMultiplier: cfg.FadeMultiplier,
		thumbnailSize:  cfg.ThumbnailSize,
	}
	if e.fadePeriod <= 0 {
		e.fadePeriod = DefaultFadePeriod
	}
	if e.fadeMultiplier <= 0 || e.fadeMultiplier > 1 {
		e.fadeMultiplier = DefaultFadeMultiplier
	}
	if e.thumbnailSize <= 0 {
		e.thumbnailSize = DefaultThumbnailSize
	}
	return e
}

// Mix pastes layer over st at time now and returns the new image bytes.
// st is updated in place only when Mix succeeds.
//
// On an empty canvas the layer is stored byte for byte. Otherwise the stored
// image first loses opacity for every whole fade period elapsed since
// LastFadeAt, and LastFadeAt advances by exactly those periods.
func (e *Engine) Mix(st *State, layer []byte, now time.Time) ([]byte, error) {
	top, err := e.codec.Decode(layer)
	if err != nil {
		return nil, err
	}

	if st.Empty() {
		thumb, err := e.thumbnail(top)
		if err != nil {
			return nil, err
		}
		t := now
		st.Image = layer
		st.Thumbnail = thumb
		st.LastFadeAt = &t
		return layer, nil
	}

	base, err := e.codec.Decode(st.Image)
	if err != nil {
		return nil, fmt.Errorf("canvas: stored image: %w", err)
	}
	if base.Bounds().Size() != top.Bounds().Size() {
		return nil, fmt.Errorf("%w: canvas %v, layer %v",
			ErrDimensionMismatch, base.Bounds().Size(), top.Bounds().Size())
	}

	lastFade := now
	if st.LastFadeAt != nil {
		lastFade = *st.LastFadeAt
	}
	periods := e.Periods(now.Sub(lastFade))
	if periods > 0 {
		fade(base, math.Pow(e.fadeMultiplier, float64(periods)))
		lastFade = lastFade.Add(time.Duration(periods) * e.fadePeriod)
	}
	paste(base, top)

	out, err := e.codec.Encode(base)
	if err != nil {
		return nil, err
	}
	thumb, err := e.thumbnail(base)
	if err != nil {
		return nil, err
	}
	st.Image = out
	st.Thumbnail = thumb
	st.LastFadeAt = &lastFade
	return out, nil
}

// Periods returns the number of whole fade periods in elapsed. Negative
// durations count as zero.
func (e *Engine) Periods(elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(elapsed / e.fadePeriod)
}

// fade scales every pixel's alpha by factor, truncating. Colour is kept.
func fade(img *image.NRGBA, factor float64) {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = uint8(float64(row[i]) * factor)
		}
	}
}

// paste blends src over dst using src's own alpha as the mask. Every
// channel, alpha included, becomes dst·(255−m)/255 + src·m/255, rounded.
// Both images must have the same size.
func paste(dst, src *image.NRGBA) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	for y := 0; y < h; y++ {
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < len(d); x += 4 {
			m := uint32(s[x+3])
			switch m {
			case 0:
				continue
			case 255:
				copy(d[x:x+4], s[x:x+4])
				continue
			}
			for c := 0; c < 4; c++ {
				d[x+c] = div255(uint32(d[x+c])*(255-m) + uint32(s[x+c])*m)
			}
		}
	}
}

func div255(v uint32) uint8 {
	v += 128
	return uint8((v + v>>8) >> 8)
}

// thumbnail fits img inside the configured square, keeping aspect ratio and
// never enlarging.
func (e *Engine) thumbnail(img *image.NRGBA) ([]byte, error) {
	w, h := ThumbnailSize(img.Rect.Dx(), img.Rect.Dy(), e.thumbnailSize)
	return e.codec.Encode(e.codec.Resize(img, w, h))
}

// ThumbnailSize returns the dimensions of a w×h image shrunk to fit a
// box×box square.
func ThumbnailSize(w, h, box int) (int, int) {
	if w <= box && h <= box {
		return w, h
	}
	if w >= h {
		return box, max(1, int(math.Round(float64(h)*float64(box)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(box)/float64(h)))), box
}
