package canvas

import "errors"

var (
	// ErrNotFound is returned when a canvas id has no row.
	ErrNotFound = errors.New("canvas: not found")
	// ErrInvalidImage is returned when a layer cannot be decoded.
	ErrInvalidImage = errors.New("canvas: invalid image")
	// ErrDimensionMismatch is returned when a layer's size differs from the
	// canvas it is mixed into.
	ErrDimensionMismatch = errors.New("canvas: layer dimensions do not match canvas")
)
