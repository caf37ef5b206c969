package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"petprep/internal/models"
)

// IsCompressed reports whether path names a gzipped image
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

func openImage(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !IsCompressed(path) {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadHeader reads only the header of the image at path
func ReadHeader(path string) (*Header, error) {
	r, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	h, _, err := decodeHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Read loads the image at path, applying the header's intensity scaling
func Read(path string) (*models.Volume, error) {
	r, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	vol, err := decode(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func decode(r io.Reader) (*models.Volume, error) {
	h, order, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}

	// Skip the extension flag and any extensions up to the data
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v inside header", ErrFormat, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%w: truncated before data: %v", ErrFormat, err)
	}

	shape := h.Shape()
	n := shape[0] * shape[1] * shape[2] * shape[3]
	bpv, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, n*bpv)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: expected %d data bytes: %v", ErrFormat, len(raw), err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	data := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*bpv : (i+1)*bpv]
		var v float64
		switch h.DataType {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		data[i] = v*slope + inter
	}

	pix := [4]float64{1, 1, 1, 1}
	for i := 0; i < 4; i++ {
		if p := float64(h.PixDim[i+1]); p > 0 {
			pix[i] = p
		}
	}

	return &models.Volume{
		Data:   data,
		Dims:   shape,
		PixDim: pix,
		Affine: h.Affine(),
	}, nil
}

// Write stores vol as a float32 single-file NIfTI-1 image, gzipped when path ends in .gz
func Write(path string, vol *models.Volume) error {
	if vol == nil {
		return fmt.Errorf("nil volume")
	}
	if len(vol.Data) != vol.FrameSize()*vol.NumFrames() {
		return fmt.Errorf("volume data has %d voxels, dims %v need %d",
			len(vol.Data), vol.Dims, vol.FrameSize()*vol.NumFrames())
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var zw *gzip.Writer
	if IsCompressed(path) {
		zw = gzip.NewWriter(f)
		w = zw
	}
	bw := bufio.NewWriter(w)

	if err := encode(bw, vol); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

func encode(w io.Writer, vol *models.Volume) error {
	h := newHeader(vol)
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return err
	}
	// Extension flag: no extensions
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}

	out := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(out)
	return err
}

func newHeader(vol *models.Volume) *Header {
	h := &Header{
		SizeOfHdr: headerSize,
		DataType:  DTFloat32,
		BitPix:    32,
		VoxOffset: singleFileOff,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		SFormCode: 1,
		QFormCode: 0,
	}
	copy(h.Magic[:], "n+1\x00")

	ndim := 3
	if vol.NumFrames() > 1 {
		ndim = 4
	}
	h.Dim[0] = int16(ndim)
	h.PixDim[0] = 1
	for i := 0; i < 4; i++ {
		d := vol.Dims[i]
		if d < 1 {
			d = 1
		}
		h.Dim[i+1] = int16(d)
		h.PixDim[i+1] = float32(vol.PixDim[i])
	}
	for i := 5; i < 8; i++ {
		h.Dim[i] = 1
	}

	aff := vol.Affine
	if aff == nil {
		aff = mat.NewDense(4, 4, []float64{
			vol.PixDim[0], 0, 0, 0,
			0, vol.PixDim[1], 0, 0,
			0, 0, vol.PixDim[2], 0,
			0, 0, 0, 1,
		})
	}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(aff.At(0, j))
		h.SRowY[j] = float32(aff.At(1, j))
		h.SRowZ[j] = float32(aff.At(2, j))
	}
	copy(h.Descrip[:], "petprep")
	return h
}
