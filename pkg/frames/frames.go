// Package frames works with the time axis of dynamic PET series: frame
// mid-times, start-frame selection for motion estimation and time-weighted
// aggregation of frames.
package frames

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"petprep/internal/models"
)

// DefaultStartTime is the earliest mid-frame time, in seconds after
// injection, used as a motion-estimation target
const DefaultStartTime = 120.0

// MinFrames is the shortest series that is processed; sloppy runs accept one fewer
const MinFrames = 6

var (
	// ErrNoFrame is returned when no frame satisfies a timing condition
	ErrNoFrame = errors.New("no frame matches")

	// ErrShape is returned when frame timing and image data disagree
	ErrShape = errors.New("frame count mismatch")
)

// MidTimes returns start + duration/2 for every frame
func MidTimes(t models.FrameTiming) ([]float64, error) {
	if len(t.Start) != len(t.Duration) {
		return nil, fmt.Errorf("%w: %d starts, %d durations", ErrShape, len(t.Start), len(t.Duration))
	}
	mid := make([]float64, len(t.Start))
	floats.AddScaledTo(mid, t.Start, 0.5, t.Duration)
	return mid, nil
}

// FirstFrameAfter returns the index of the first frame whose mid-time is
// strictly later than sec.
func FirstFrameAfter(t models.FrameTiming, sec float64) (int, error) {
	mid, err := MidTimes(t)
	if err != nil {
		return 0, err
	}
	for i, m := range mid {
		if m > sec {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no frame has a mid-time after %gs", ErrNoFrame, sec)
}

// PadLeading replaces the first minFrame entries of list with list[minFrame],
// so the early low-count frames reuse the first usable frame's data.
func PadLeading[T any](list []T, minFrame int) ([]T, error) {
	if minFrame < 0 || minFrame >= len(list) {
		return nil, fmt.Errorf("start frame %d out of range [0, %d)", minFrame, len(list))
	}
	out := make([]T, len(list))
	for i := range out {
		if i < minFrame {
			out[i] = list[minFrame]
		} else {
			out[i] = list[i]
		}
	}
	return out, nil
}

// TooShort reports whether a series has too few frames to be processed
func TooShort(nFrames int, sloppy bool) bool {
	limit := MinFrames - 1
	if sloppy {
		limit--
	}
	return nFrames <= limit
}

// WeightedAverage collapses a 4D volume into the duration-weighted mean of
// its frames.
func WeightedAverage(vol *models.Volume, durations []float64) (*models.Volume, error) {
	n := vol.NumFrames()
	if len(durations) != n {
		return nil, fmt.Errorf("%w: volume has %d frames, %d durations given", ErrShape, n, len(durations))
	}
	total := floats.Sum(durations)
	if !(total > 0) {
		return nil, fmt.Errorf("total frame duration must be positive, got %g", total)
	}

	out := models.NewVolume(vol.Dims[0], vol.Dims[1], vol.Dims[2], 1,
		[3]float64{vol.PixDim[0], vol.PixDim[1], vol.PixDim[2]})
	if vol.Affine != nil {
		out.Affine.Copy(vol.Affine)
	}
	for t := 0; t < n; t++ {
		frame, err := vol.Frame(t)
		if err != nil {
			return nil, err
		}
		floats.AddScaled(out.Data, durations[t], frame)
	}
	floats.Scale(1/total, out.Data)
	return out, nil
}

// WindowAverage averages, weighted by duration, the frames whose mid-time
// falls within [start, end] seconds.
func WindowAverage(vol *models.Volume, t models.FrameTiming, start, end float64) (*models.Volume, error) {
	if t.Len() != vol.NumFrames() {
		return nil, fmt.Errorf("%w: volume has %d frames, timing has %d", ErrShape, vol.NumFrames(), t.Len())
	}
	mid, err := MidTimes(t)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, len(mid))
	found := false
	for i, m := range mid {
		if m >= start && m <= end {
			weights[i] = t.Duration[i]
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no frame mid-time within [%g, %g]s", ErrNoFrame, start, end)
	}
	return WeightedAverage(vol, weights)
}
