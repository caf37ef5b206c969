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

// ReadFSL parses a FLIRT 4x4 matrix file
func ReadFSL(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ParseFSL(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseFSL parses four whitespace-separated rows of four numbers
func ParseFSL(r io.Reader) (*mat.Dense, error) {
	var data []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		vals, err := parseFloats(strings.Fields(line))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if len(vals) != 4 {
			return nil, fmt.Errorf("%w: row with %d values", ErrFormat, len(vals))
		}
		data = append(data, vals...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(data) != 16 {
		return nil, fmt.Errorf("%w: %d values, want 16", ErrFormat, len(data))
	}
	return mat.NewDense(4, 4, data), nil
}

// FSLToRAS converts a FLIRT matrix mapping src to ref into a RAS-to-RAS transform
func FSLToRAS(m mat.Matrix, src, ref Grid) (registration.Affine, error) {
	srcInv, err := invert(src.Affine, "source affine")
	if err != nil {
		return registration.Affine{}, err
	}
	refFSLInv, err := invert(ref.fslFromVox(), "reference FSL scaling")
	if err != nil {
		return registration.Affine{}, err
	}
	return registration.NewAffine(mul(ref.Affine, refFSLInv, m, src.fslFromVox(), srcInv))
}

// RASToFSL converts a RAS-to-RAS transform from src to ref into a FLIRT matrix
func RASToFSL(xfm registration.Affine, src, ref Grid) (*mat.Dense, error) {
	refInv, err := invert(ref.Affine, "reference affine")
	if err != nil {
		return nil, err
	}
	srcFSLInv, err := invert(src.fslFromVox(), "source FSL scaling")
	if err != nil {
		return nil, err
	}
	return mul(ref.fslFromVox(), refInv, xfm.Matrix(), src.Affine, srcFSLInv), nil
}

// WriteFSL stores a 4x4 matrix in FLIRT text format
func WriteFSL(path string, m mat.Matrix) error {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, "%.10f  %.10f  %.10f  %.10f  \n", m.At(i, 0), m.At(i, 1), m.At(i, 2), m.At(i, 3))
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
