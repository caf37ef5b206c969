// Package maths holds voxelwise operations run in-process on images
package maths

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"petprep/internal/models"
	"petprep/pkg/nifti"
)

// Clip limits every voxel of vol to [min, max] in place and reports whether
// any value changed. Use math.Inf for an open bound.
func Clip(vol *models.Volume, min, max float64) (bool, error) {
	if math.IsNaN(min) || math.IsNaN(max) || min > max {
		return false, fmt.Errorf("invalid clipping range [%g, %g]", min, max)
	}
	changed := false
	for i, v := range vol.Data {
		switch {
		case v < min:
			vol.Data[i] = min
			changed = true
		case v > max:
			vol.Data[i] = max
			changed = true
		}
	}
	return changed, nil
}

// ClipFile clips the image at in and writes it to out. When no voxel lies
// outside the range nothing is written and in is returned. An empty out
// derives a "_clipped" name next to in.
func ClipFile(in, out string, min, max float64) (string, error) {
	vol, err := nifti.Read(in)
	if err != nil {
		return "", err
	}
	changed, err := Clip(vol, min, max)
	if err != nil {
		return "", err
	}
	if !changed {
		return in, nil
	}
	if out == "" {
		out = WithSuffix(in, "_clipped")
	}
	if err := nifti.Write(out, vol); err != nil {
		return "", fmt.Errorf("failed to write clipped image: %w", err)
	}
	return out, nil
}

// WithSuffix inserts suffix before the image extension of path
func WithSuffix(path, suffix string) string {
	dir, base := filepath.Split(path)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			return filepath.Join(dir, strings.TrimSuffix(base, ext)+suffix+ext)
		}
	}
	return path + suffix
}
