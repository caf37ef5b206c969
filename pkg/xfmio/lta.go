package xfmio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"petprep/pkg/registration"
)

// LTA transform types
const (
	LinearVoxToVox = 0
	LinearRASToRAS = 1
)

// VolumeGeometry is the src/dst volume description carried by an LTA file
type VolumeGeometry struct {
	Valid     bool
	Filename  string
	Volume    [3]int
	VoxelSize [3]float64
	XRAS      [3]float64
	YRAS      [3]float64
	ZRAS      [3]float64
	CRAS      [3]float64
}

// Vox2RAS returns the FreeSurfer voxel-to-RAS matrix of the volume
func (v VolumeGeometry) Vox2RAS() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	cols := [3][3]float64{v.XRAS, v.YRAS, v.ZRAS}
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			m.Set(i, j, cols[j][i]*v.VoxelSize[j])
		}
	}
	for i := 0; i < 3; i++ {
		c := 0.0
		for j := 0; j < 3; j++ {
			c += m.At(i, j) * float64(v.Volume[j]) / 2
		}
		m.Set(i, 3, v.CRAS[i]-c)
	}
	m.Set(3, 3, 1)
	return m
}

// LTA is a parsed FreeSurfer linear transform array holding one transform
type LTA struct {
	Type   int
	Matrix *mat.Dense
	Src    VolumeGeometry
	Dst    VolumeGeometry
}

// RAS2RAS returns the transform in physical RAS-to-RAS form
func (l *LTA) RAS2RAS() (registration.Affine, error) {
	switch l.Type {
	case LinearRASToRAS:
		return registration.NewAffine(l.Matrix)
	case LinearVoxToVox:
		if !l.Src.Valid || !l.Dst.Valid {
			return registration.Affine{}, fmt.Errorf("%w: voxel transform without valid volume info", ErrFormat)
		}
		srcInv, err := invert(l.Src.Vox2RAS(), "source vox2ras")
		if err != nil {
			return registration.Affine{}, err
		}
		return registration.NewAffine(mul(l.Dst.Vox2RAS(), l.Matrix, srcInv))
	}
	return registration.Affine{}, fmt.Errorf("%w: unsupported LTA type %d", ErrFormat, l.Type)
}

// ReadLTA parses the LTA file at path
func ReadLTA(path string) (*LTA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lta, err := ParseLTA(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lta, nil
}

// ParseLTA parses an LTA document
func ParseLTA(r io.Reader) (*LTA, error) {
	lta := &LTA{Type: -1}
	var geom *VolumeGeometry
	var rows [][]float64
	inMatrix := false
	nxforms := 1

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if inMatrix {
			vals, err := parseFloats(strings.Fields(line))
			if err != nil || len(vals) != 4 {
				return nil, fmt.Errorf("%w: line %d: expected 4 matrix values", ErrFormat, lineNo)
			}
			rows = append(rows, vals)
			if len(rows) == 4 {
				inMatrix = false
			}
			continue
		}

		switch line {
		case "src volume info":
			geom = &lta.Src
			continue
		case "dst volume info":
			geom = &lta.Dst
			continue
		}

		key, value, hasEq := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if !hasEq {
			fields := strings.Fields(line)
			if len(fields) == 3 && fields[1] == "4" && fields[2] == "4" && rows == nil {
				inMatrix = true
				continue
			}
			// "subject" and "fscale" trailers carry nothing we need
			continue
		}

		if geom != nil {
			if err := parseGeometry(geom, key, value); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			continue
		}

		switch key {
		case "type":
			t, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad type %q", ErrFormat, lineNo, value)
			}
			lta.Type = t
		case "nxforms":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad nxforms %q", ErrFormat, lineNo, value)
			}
			nxforms = n
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if lta.Type < 0 {
		return nil, fmt.Errorf("%w: missing type", ErrFormat)
	}
	if nxforms != 1 {
		return nil, fmt.Errorf("%w: %d transforms, only single-transform files are supported", ErrFormat, nxforms)
	}
	if len(rows) != 4 {
		return nil, fmt.Errorf("%w: incomplete 4x4 matrix", ErrFormat)
	}
	data := make([]float64, 0, 16)
	for _, r := range rows {
		data = append(data, r...)
	}
	lta.Matrix = mat.NewDense(4, 4, data)
	return lta, nil
}

func parseGeometry(g *VolumeGeometry, key, value string) error {
	fields := strings.Fields(value)
	switch key {
	case "valid":
		g.Valid = value == "1"
		return nil
	case "filename":
		g.Filename = value
		return nil
	case "volume":
		if len(fields) != 3 {
			return fmt.Errorf("volume needs 3 values")
		}
		for i, s := range fields {
			n, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			g.Volume[i] = n
		}
		return nil
	}

	var dst *[3]float64
	switch key {
	case "voxelsize":
		dst = &g.VoxelSize
	case "xras":
		dst = &g.XRAS
	case "yras":
		dst = &g.YRAS
	case "zras":
		dst = &g.ZRAS
	case "cras":
		dst = &g.CRAS
	default:
		return nil
	}
	vals, err := parseFloats(fields)
	if err != nil || len(vals) != 3 {
		return fmt.Errorf("%s needs 3 numbers", key)
	}
	copy(dst[:], vals)
	return nil
}

// WriteLTA stores a RAS-to-RAS transform with the given volume descriptions
func WriteLTA(path string, xfm registration.Affine, src, dst VolumeGeometry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# transform file %s\n", path)
	b.WriteString("type      = 1 # LINEAR_RAS_TO_RAS\n")
	b.WriteString("nxforms   = 1\n")
	b.WriteString("mean      = 0.0000 0.0000 0.0000\n")
	b.WriteString("sigma     = 1.0000\n")
	b.WriteString("1 4 4\n")
	writeRows(&b, xfm)
	for _, sec := range []struct {
		name string
		g    VolumeGeometry
	}{{"src", src}, {"dst", dst}} {
		fmt.Fprintf(&b, "%s volume info\n", sec.name)
		valid := 0
		if sec.g.Valid {
			valid = 1
		}
		fmt.Fprintf(&b, "valid = %d  # volume info valid\n", valid)
		fmt.Fprintf(&b, "filename = %s\n", sec.g.Filename)
		fmt.Fprintf(&b, "volume = %d %d %d\n", sec.g.Volume[0], sec.g.Volume[1], sec.g.Volume[2])
		fmt.Fprintf(&b, "voxelsize = %.15e %.15e %.15e\n", sec.g.VoxelSize[0], sec.g.VoxelSize[1], sec.g.VoxelSize[2])
		fmt.Fprintf(&b, "xras   = %.15e %.15e %.15e\n", sec.g.XRAS[0], sec.g.XRAS[1], sec.g.XRAS[2])
		fmt.Fprintf(&b, "yras   = %.15e %.15e %.15e\n", sec.g.YRAS[0], sec.g.YRAS[1], sec.g.YRAS[2])
		fmt.Fprintf(&b, "zras   = %.15e %.15e %.15e\n", sec.g.ZRAS[0], sec.g.ZRAS[1], sec.g.ZRAS[2])
		fmt.Fprintf(&b, "cras   = %.15e %.15e %.15e\n", sec.g.CRAS[0], sec.g.CRAS[1], sec.g.CRAS[2])
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func writeRows(b *strings.Builder, xfm registration.Affine) {
	for i := 0; i < 4; i++ {
		fmt.Fprintf(b, "%.15e %.15e %.15e %.15e\n", xfm.At(i, 0), xfm.At(i, 1), xfm.At(i, 2), xfm.At(i, 3))
	}
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
