// Package xfmio reads and writes the affine transform files produced by
// FreeSurfer (LTA), FSL (FLIRT .mat) and ITK/ANTs (text transforms), and
// normalizes them to RAS-to-RAS matrices.
package xfmio

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"petprep/pkg/nifti"
)

// ErrFormat is returned for malformed transform files
var ErrFormat = errors.New("malformed transform file")

// Grid is the voxel grid of an image: what a tool-specific transform needs
// to be expressed in physical RAS coordinates.
type Grid struct {
	Shape  [3]int
	Zooms  [3]float64
	Affine *mat.Dense
}

// GridFromHeader extracts the voxel grid of a NIfTI header
func GridFromHeader(h *nifti.Header) Grid {
	shape := h.Shape()
	g := Grid{
		Shape:  [3]int{shape[0], shape[1], shape[2]},
		Affine: h.Affine(),
	}
	for i := 0; i < 3; i++ {
		g.Zooms[i] = float64(h.PixDim[i+1])
		if g.Zooms[i] <= 0 {
			g.Zooms[i] = 1
		}
	}
	return g
}

// ReadGrid loads the voxel grid of the image at path
func ReadGrid(path string) (Grid, error) {
	h, err := nifti.ReadHeader(path)
	if err != nil {
		return Grid{}, fmt.Errorf("failed to read image grid: %w", err)
	}
	return GridFromHeader(h), nil
}

// fslFromVox maps voxel indices to FSL scaled-voxel coordinates. FSL flips
// the first axis of images stored with a positive-determinant affine.
func (g Grid) fslFromVox() *mat.Dense {
	m := mat.NewDense(4, 4, []float64{
		g.Zooms[0], 0, 0, 0,
		0, g.Zooms[1], 0, 0,
		0, 0, g.Zooms[2], 0,
		0, 0, 0, 1,
	})
	if mat.Det(g.Affine) > 0 {
		m.Set(0, 0, -g.Zooms[0])
		m.Set(0, 3, float64(g.Shape[0]-1)*g.Zooms[0])
	}
	return m
}

func invert(m mat.Matrix, what string) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%s is not invertible: %w", what, err)
	}
	return &inv, nil
}

// mul multiplies the given matrices left to right
func mul(ms ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(ms[0])
	for _, m := range ms[1:] {
		var next mat.Dense
		next.Mul(out, m)
		out = &next
	}
	return out
}
