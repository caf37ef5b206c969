// Package motion turns per-frame head-motion transforms into the confounds
// table of a dynamic PET series: rigid parameters, voxel displacement
// summaries and plots.
package motion

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"petprep/internal/models"
	"petprep/pkg/registration"
)

// gimbalTolerance is the cos(ry) below which rx and rz cannot be separated
const gimbalTolerance = 1e-6

// Parameters are the rigid-body components of a motion transform.
// Rotation angles are in radians about x, y and z, composed as Rz·Ry·Rx.
type Parameters struct {
	Translation r3.Vec
	Rotation    r3.Vec
}

// Decompose extracts translation and rotation angles from an affine. Scale
// is removed by normalizing the columns of the linear part first.
func Decompose(a registration.Affine) (Parameters, error) {
	if !a.Valid() {
		return Parameters{}, fmt.Errorf("cannot decompose an uninitialized transform")
	}
	var r [3][3]float64
	for j := 0; j < 3; j++ {
		col := r3.Vec{X: a.At(0, j), Y: a.At(1, j), Z: a.At(2, j)}
		n := r3.Norm(col)
		if n == 0 {
			return Parameters{}, fmt.Errorf("column %d of the linear part is zero", j)
		}
		r[0][j], r[1][j], r[2][j] = col.X/n, col.Y/n, col.Z/n
	}

	p := Parameters{Translation: r3.Vec{X: a.At(0, 3), Y: a.At(1, 3), Z: a.At(2, 3)}}
	cy := math.Hypot(r[0][0], r[1][0])
	p.Rotation.Y = math.Atan2(-r[2][0], cy)
	if cy > gimbalTolerance {
		p.Rotation.X = math.Atan2(r[2][1], r[2][2])
		p.Rotation.Z = math.Atan2(r[1][0], r[0][0])
	} else {
		p.Rotation.X = math.Atan2(-r[1][2], r[1][1])
	}
	return p, nil
}

// Displacement summarizes how far a set of points moves under a transform
type Displacement struct {
	MaxX, MaxY, MaxZ float64
	MaxTotal         float64
	MedianTotal      float64
}

// FrameDisplacement applies a to every point and reports the largest
// absolute shift per axis and the largest and median Euclidean shift.
func FrameDisplacement(a registration.Affine, points []r3.Vec) (Displacement, error) {
	if len(points) == 0 {
		return Displacement{}, fmt.Errorf("no points to displace")
	}
	var d Displacement
	totals := make([]float64, len(points))
	for i, p := range points {
		diff := r3.Sub(p, a.Apply(p))
		d.MaxX = math.Max(d.MaxX, math.Abs(diff.X))
		d.MaxY = math.Max(d.MaxY, math.Abs(diff.Y))
		d.MaxZ = math.Max(d.MaxZ, math.Abs(diff.Z))
		totals[i] = r3.Norm(diff)
		d.MaxTotal = math.Max(d.MaxTotal, totals[i])
	}
	d.MedianTotal = median(totals)
	return d, nil
}

// median sorts xs in place; even-length input averages the two middle values
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// NonzeroPoints returns the physical RAS position of every nonzero voxel of
// frame t, the point cloud whose motion is summarized per frame.
func NonzeroPoints(vol *models.Volume, t int) ([]r3.Vec, error) {
	data, err := vol.Frame(t)
	if err != nil {
		return nil, err
	}
	vox2ras, err := registration.NewAffine(vol.Affine)
	if err != nil {
		return nil, fmt.Errorf("image affine: %w", err)
	}
	var pts []r3.Vec
	nx, ny := vol.Dims[0], vol.Dims[1]
	for i, v := range data {
		if v == 0 {
			continue
		}
		x, y, z := i%nx, (i/nx)%ny, i/(nx*ny)
		pts = append(pts, vox2ras.Apply(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}))
	}
	return pts, nil
}
