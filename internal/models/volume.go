package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D or 4D image held in memory
type Volume struct {
	// Data is the voxel data in NIfTI order: x fastest, then y, z and t
	Data []float64

	// Dims holds the grid size along x, y, z and t. A 3D volume has Dims[3] == 1
	Dims [4]int

	// PixDim is the voxel size in mm (and the frame spacing in seconds for t)
	PixDim [4]float64

	// Affine maps voxel indices to physical RAS coordinates in mm
	Affine *mat.Dense
}

// NewVolume allocates a zero-filled volume with an identity-scaled affine
func NewVolume(nx, ny, nz, nt int, pixdim [3]float64) *Volume {
	if nt < 1 {
		nt = 1
	}
	aff := mat.NewDense(4, 4, []float64{
		pixdim[0], 0, 0, 0,
		0, pixdim[1], 0, 0,
		0, 0, pixdim[2], 0,
		0, 0, 0, 1,
	})
	return &Volume{
		Data:   make([]float64, nx*ny*nz*nt),
		Dims:   [4]int{nx, ny, nz, nt},
		PixDim: [4]float64{pixdim[0], pixdim[1], pixdim[2], 1},
		Affine: aff,
	}
}

// FrameSize is the number of voxels in one 3D frame
func (v *Volume) FrameSize() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// NumFrames returns the number of frames along t
func (v *Volume) NumFrames() int {
	if v.Dims[3] < 1 {
		return 1
	}
	return v.Dims[3]
}

// Index returns the flat index of voxel (x, y, z) in frame t
func (v *Volume) Index(x, y, z, t int) int {
	return ((t*v.Dims[2]+z)*v.Dims[1]+y)*v.Dims[0] + x
}

// Frame returns a view on the data of frame t
func (v *Volume) Frame(t int) ([]float64, error) {
	if t < 0 || t >= v.NumFrames() {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", t, v.NumFrames())
	}
	n := v.FrameSize()
	return v.Data[t*n : (t+1)*n], nil
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:   append([]float64(nil), v.Data...),
		Dims:   v.Dims,
		PixDim: v.PixDim,
	}
	if v.Affine != nil {
		out.Affine = mat.DenseCopyOf(v.Affine)
	}
	return out
}

// FrameTiming describes when each frame of a dynamic PET series was acquired
type FrameTiming struct {
	// Start is the frame start time in seconds relative to injection
	Start []float64

	// Duration is the frame length in seconds
	Duration []float64
}

// Len returns the number of frames
func (f FrameTiming) Len() int { return len(f.Start) }

// TransformPair holds a forward transform file and its inverse
type TransformPair struct {
	Forward string
	Inverse string
}
