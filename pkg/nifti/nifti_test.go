package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"petprep/internal/models"
)

func testVolume() *models.Volume {
	vol := models.NewVolume(4, 3, 2, 3, [3]float64{2, 2, 2.5})
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 0.5
	}
	vol.Affine.Set(0, 3, -10)
	vol.Affine.Set(1, 3, 20)
	vol.Affine.Set(2, 3, 5)
	return vol
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, name := range []string{"pet.nii", "pet.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			vol := testVolume()
			require.NoError(t, Write(path, vol))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, vol.Dims, got.Dims)
			assert.Equal(t, vol.PixDim, got.PixDim)
			assert.InDeltaSlice(t, vol.Data, got.Data, 1e-6)
			assert.True(t, mat.EqualApprox(vol.Affine, got.Affine, 1e-6))

			h, err := ReadHeader(path)
			require.NoError(t, err)
			assert.Equal(t, int16(4), h.Dim[0])
			assert.Equal(t, "petprep", h.Description())
		})
	}
}

func TestWrite3DVolume(t *testing.T) {
	vol := models.NewVolume(2, 2, 2, 1, [3]float64{1, 1, 1})
	path := filepath.Join(t.TempDir(), "ref.nii")
	require.NoError(t, Write(path, vol))
	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int16(3), h.Dim[0])
	assert.Equal(t, [4]int{2, 2, 2, 1}, h.Shape())
}

func TestReadScaledInt16BigEndian(t *testing.T) {
	h := &Header{
		SizeOfHdr: headerSize,
		DataType:  DTInt16,
		BitPix:    16,
		VoxOffset: singleFileOff,
		SclSlope:  2,
		SclInter:  1,
	}
	copy(h.Magic[:], "n+1\x00")
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	h.PixDim = [8]float32{1, 1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{-3, 7}))

	path := filepath.Join(t.TempDir(), "be.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	vol, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{-5, 15}, vol.Data)
}

func TestReadRejectsFiveDimensionalData(t *testing.T) {
	h := &Header{SizeOfHdr: headerSize, DataType: DTFloat32, BitPix: 32, VoxOffset: singleFileOff}
	copy(h.Magic[:], "n+1\x00")
	h.PixDim = [8]float32{1, 1, 1, 1, 1, 1}
	write := func(dim [8]int16, n int) string {
		h.Dim = dim
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
		buf.Write([]byte{0, 0, 0, 0})
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, make([]float32, n)))
		path := filepath.Join(t.TempDir(), "img.nii")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
		return path
	}

	_, err := Read(write([8]int16{5, 2, 2, 1, 1, 3, 1, 1}, 12))
	assert.ErrorIs(t, err, ErrFormat)

	// trailing singleton axes are harmless
	vol, err := Read(write([8]int16{5, 2, 2, 1, 2, 1, 1, 1}, 8))
	require.NoError(t, err)
	assert.Equal(t, 2, vol.NumFrames())
}

func TestQFormAffine(t *testing.T) {
	// 180 degree rotation about z: quaternion (0, 0, 0, 1)
	h := &Header{QFormCode: 1, QuaternD: 1, QOffsetX: 90, QOffsetY: 126, QOffsetZ: -72}
	h.PixDim = [8]float32{1, 2, 2, 2}
	aff := h.Affine()
	want := mat.NewDense(4, 4, []float64{
		-2, 0, 0, 90,
		0, -2, 0, 126,
		0, 0, 2, -72,
		0, 0, 0, 1,
	})
	assert.True(t, mat.EqualApprox(want, aff, 1e-6), "got %v", mat.Formatted(aff))
	assert.Equal(t, "LPS", Orientation(aff))
}

func TestOrientation(t *testing.T) {
	ras := mat.NewDense(4, 4, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1})
	assert.Equal(t, "RAS", Orientation(ras))

	// Coronal acquisition: voxel axes map to L, I, A
	lia := mat.NewDense(4, 4, []float64{
		-1, 0, 0, 0,
		0, 0, 1, 0,
		0, -1, 0, 0,
		0, 0, 0, 1,
	})
	assert.Equal(t, "LIA", Orientation(lia))
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{1}, 400), 0644))
	_, err := Read(path)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Read(filepath.Join(t.TempDir(), "missing.nii"))
	assert.Error(t, err)
}

func TestBytesPerVoxel(t *testing.T) {
	n, err := bytesPerVoxel(DTFloat64)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	_, err = bytesPerVoxel(1234)
	assert.ErrorIs(t, err, ErrFormat)
	assert.False(t, math.IsNaN(float64(n)))
}
