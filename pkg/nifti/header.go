// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Header is the 348-byte NIfTI-1 header.
//
// Type translation from the nifti1 C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "ni1\0" or "n+1\0"
}

const (
	headerSize    = 348
	singleFileOff = 352
)

// NIfTI-1 datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// ErrFormat is returned for files that are not readable NIfTI-1 images
var ErrFormat = errors.New("invalid NIfTI-1 file")

// decodeHeader reads a header and reports the byte order it was stored in
func decodeHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrFormat, headerSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	magic := string(h.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrFormat, magic)
	}
	if magic == "ni1" {
		return nil, nil, fmt.Errorf("%w: two-file (.hdr/.img) images are not supported", ErrFormat)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("%w: dim[0] = %d", ErrFormat, h.Dim[0])
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return nil, nil, fmt.Errorf("%w: %d-D images are not supported (dim[%d] = %d)", ErrFormat, h.Dim[0], i, h.Dim[i])
		}
	}
	return h, order, nil
}

// Shape returns the grid size along x, y, z and t (missing axes are 1).
// Higher axes are singletons in any header decodeHeader accepts.
func (h *Header) Shape() [4]int {
	shape := [4]int{1, 1, 1, 1}
	for i := 0; i < 4 && i < int(h.Dim[0]); i++ {
		if h.Dim[i+1] > 0 {
			shape[i] = int(h.Dim[i+1])
		}
	}
	return shape
}

// Affine returns the voxel-to-RAS matrix: the sform when set, otherwise the
// qform, otherwise a scaling by the voxel size.
func (h *Header) Affine() *mat.Dense {
	switch {
	case h.SFormCode > 0:
		return mat.NewDense(4, 4, []float64{
			float64(h.SRowX[0]), float64(h.SRowX[1]), float64(h.SRowX[2]), float64(h.SRowX[3]),
			float64(h.SRowY[0]), float64(h.SRowY[1]), float64(h.SRowY[2]), float64(h.SRowY[3]),
			float64(h.SRowZ[0]), float64(h.SRowZ[1]), float64(h.SRowZ[2]), float64(h.SRowZ[3]),
			0, 0, 0, 1,
		})
	case h.QFormCode > 0:
		return h.qformAffine()
	default:
		return mat.NewDense(4, 4, []float64{
			float64(h.PixDim[1]), 0, 0, 0,
			0, float64(h.PixDim[2]), 0, 0,
			0, 0, float64(h.PixDim[3]), 0,
			0, 0, 0, 1,
		})
	}
}

func (h *Header) qformAffine() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case from the reference library: renormalize b, c, d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])*qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
}

// Description returns the descrip field as a string
func (h *Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00 ")
}

// bytesPerVoxel returns the storage size of a datatype
func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, dt)
}

// Orientation returns the axis codes (e.g. "RAS", "LPS") of a voxel-to-RAS affine
func Orientation(affine mat.Matrix) string {
	codes := [3][2]byte{{'R', 'L'}, {'A', 'P'}, {'S', 'I'}}
	out := make([]byte, 3)
	used := [3]bool{}
	for j := 0; j < 3; j++ {
		best, bestAbs := -1, -1.0
		for i := 0; i < 3; i++ {
			if used[i] {
				continue
			}
			if v := math.Abs(affine.At(i, j)); v > bestAbs {
				best, bestAbs = i, v
			}
		}
		used[best] = true
		if affine.At(best, j) >= 0 {
			out[j] = codes[best][0]
		} else {
			out[j] = codes[best][1]
		}
	}
	return string(out)
}
