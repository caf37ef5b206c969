package registration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidTransform is returned for matrices that are not a valid 4x4 affine
	ErrInvalidTransform = errors.New("invalid affine transform")

	// ErrNumeric is returned when a transform maps a probe point to a non-finite coordinate
	ErrNumeric = errors.New("non-finite result")

	// ErrInvalidThreshold is returned for negative or NaN displacement thresholds
	ErrInvalidThreshold = errors.New("invalid displacement threshold")
)

// TransformError reports why a matrix was rejected as an affine transform
type TransformError struct {
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidTransform, e.Reason)
}

func (e *TransformError) Unwrap() error { return ErrInvalidTransform }

// NumericError reports the probe point whose image was not finite
type NumericError struct {
	// Probe is the index of the offending probe point
	Probe int

	// Point is the transformed coordinate (or the distance, in X, for distance overflows)
	Point r3.Vec
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("%v: probe %d mapped to (%g, %g, %g)",
		ErrNumeric, e.Probe, e.Point.X, e.Point.Y, e.Point.Z)
}

func (e *NumericError) Unwrap() error { return ErrNumeric }
