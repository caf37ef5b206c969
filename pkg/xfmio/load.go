package xfmio

import (
	"fmt"
	"path/filepath"
	"strings"

	"petprep/pkg/registration"
)

// Load reads any supported transform file and returns it as RAS-to-RAS.
// FLIRT matrices need the source and reference grids; other formats ignore them.
func Load(path string, src, ref *Grid) (registration.Affine, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lta":
		lta, err := ReadLTA(path)
		if err != nil {
			return registration.Affine{}, err
		}
		return lta.RAS2RAS()
	case ".mat":
		if src == nil || ref == nil {
			return registration.Affine{}, fmt.Errorf("%s: FSL matrices need source and reference grids", path)
		}
		m, err := ReadFSL(path)
		if err != nil {
			return registration.Affine{}, err
		}
		return FSLToRAS(m, *src, *ref)
	case ".txt", ".tfm":
		return ReadITK(path)
	}
	return registration.Affine{}, fmt.Errorf("%w: unknown transform extension %q", ErrFormat, filepath.Ext(path))
}

// Concat chains transforms in application order: the first is applied first
func Concat(xfms ...registration.Affine) registration.Affine {
	out := registration.Identity()
	for _, x := range xfms {
		out = x.Compose(out)
	}
	return out
}

// WriteChain concatenates xfms and writes the result and its inverse as ITK files
func WriteChain(forward, inverse string, xfms ...registration.Affine) error {
	total := Concat(xfms...)
	inv, err := total.Inverse()
	if err != nil {
		return err
	}
	if err := WriteITK(forward, total); err != nil {
		return fmt.Errorf("failed to write forward transform: %w", err)
	}
	if err := WriteITK(inverse, inv); err != nil {
		return fmt.Errorf("failed to write inverse transform: %w", err)
	}
	return nil
}
