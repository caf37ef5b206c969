package xfmio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"petprep/pkg/registration"
)

const itkMagic = "#Insight Transform File V1.0"

// lps flips the first two axes between RAS and LPS
var lps = mat.NewDense(4, 4, []float64{
	-1, 0, 0, 0,
	0, -1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
})

// ITK text transforms map points of the fixed (reference) space onto the
// moving space, the inverse of the source-to-target direction used by LTA and
// FLIRT files. ReadITK and WriteITK convert at the file boundary, so an Affine
// always maps source points to target points.

// ReadITK parses the first affine of an ITK text transform file and returns
// its source-to-target map in RAS
func ReadITK(path string) (registration.Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return registration.Affine{}, err
	}
	defer f.Close()
	xfm, err := ParseITK(f)
	if err != nil {
		return registration.Affine{}, fmt.Errorf("%s: %w", path, err)
	}
	return xfm, nil
}

// ParseITK parses an ITK text transform document into a source-to-target RAS map
func ParseITK(r io.Reader) (registration.Affine, error) {
	var params, fixed []float64
	sawMagic, sawType := false, false

	sc := bufio.NewScanner(r)
scan:
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#Insight Transform File"):
			sawMagic = true
		case strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "Transform:"):
			if sawType {
				// Only the first transform of a composite file is read
				break scan
			}
			kind := strings.TrimSpace(strings.TrimPrefix(line, "Transform:"))
			if !strings.HasPrefix(kind, "AffineTransform_") && !strings.HasPrefix(kind, "MatrixOffsetTransformBase_") {
				return registration.Affine{}, fmt.Errorf("%w: unsupported transform %q", ErrFormat, kind)
			}
			if !strings.HasSuffix(kind, "_3_3") {
				return registration.Affine{}, fmt.Errorf("%w: %q is not 3D", ErrFormat, kind)
			}
			sawType = true
		case strings.HasPrefix(line, "Parameters:"):
			vals, err := parseFloats(strings.Fields(strings.TrimPrefix(line, "Parameters:")))
			if err != nil {
				return registration.Affine{}, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			params = vals
		case strings.HasPrefix(line, "FixedParameters:"):
			vals, err := parseFloats(strings.Fields(strings.TrimPrefix(line, "FixedParameters:")))
			if err != nil {
				return registration.Affine{}, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			fixed = vals
		}
	}
	if err := sc.Err(); err != nil {
		return registration.Affine{}, err
	}
	if !sawMagic || !sawType {
		return registration.Affine{}, fmt.Errorf("%w: missing ITK header", ErrFormat)
	}
	if len(params) != 12 {
		return registration.Affine{}, fmt.Errorf("%w: %d parameters, want 12", ErrFormat, len(params))
	}
	if fixed == nil {
		fixed = []float64{0, 0, 0}
	}
	if len(fixed) != 3 {
		return registration.Affine{}, fmt.Errorf("%w: %d fixed parameters, want 3", ErrFormat, len(fixed))
	}

	// y = A (x - c) + c + t
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		off := params[9+i] + fixed[i]
		for j := 0; j < 3; j++ {
			a := params[i*3+j]
			m.Set(i, j, a)
			off -= a * fixed[j]
		}
		m.Set(i, 3, off)
	}
	m.Set(3, 3, 1)
	fixedToMoving, err := registration.NewAffine(mul(lps, m, lps))
	if err != nil {
		return registration.Affine{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	xfm, err := fixedToMoving.Inverse()
	if err != nil {
		return registration.Affine{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return xfm, nil
}

// FormatITK renders a source-to-target RAS transform as an ITK affine with a
// zero center, mapping target points onto source points
func FormatITK(xfm registration.Affine) (string, error) {
	if !xfm.Valid() {
		return "", fmt.Errorf("%w: empty transform", ErrFormat)
	}
	inv, err := xfm.Inverse()
	if err != nil {
		return "", err
	}
	m := mul(lps, inv.Matrix(), lps)
	var b strings.Builder
	b.WriteString(itkMagic + "\n")
	b.WriteString("#Transform 0\n")
	b.WriteString("Transform: AffineTransform_double_3_3\n")
	b.WriteString("Parameters:")
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			fmt.Fprintf(&b, " %.15g", m.At(i, j))
		}
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, " %.15g", m.At(i, 3))
	}
	b.WriteString("\nFixedParameters: 0 0 0\n")
	return b.String(), nil
}

// WriteITK stores a source-to-target RAS transform as an ITK text file
func WriteITK(path string, xfm registration.Affine) error {
	text, err := FormatITK(xfm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), 0644)
}
