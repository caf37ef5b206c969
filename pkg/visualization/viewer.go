// Package visualization renders quality-control snapshots of PET images:
// orthogonal mid-slices with robust intensity windowing.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"petprep/internal/models"
)

// Default intensity window, as percentiles of the nonzero voxels
const (
	DefaultLowPercentile  = 0.02
	DefaultHighPercentile = 0.98
)

// Viewer extracts displayable slices from one frame of a volume
type Viewer struct {
	// volumeData holds the voxels of the displayed frame
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity window mapped to black and white
	low  float64
	high float64
}

// NewViewer creates a viewer on frame t of vol, windowed between the
// given percentiles (in [0, 1]) of its nonzero voxels.
func NewViewer(vol *models.Volume, t int, lowPct, highPct float64) (*Viewer, error) {
	if !(lowPct >= 0 && lowPct < highPct && highPct <= 1) {
		return nil, fmt.Errorf("invalid percentile window [%g, %g]", lowPct, highPct)
	}
	data, err := vol.Frame(t)
	if err != nil {
		return nil, err
	}
	v := &Viewer{
		volumeData: data,
		width:      vol.Dims[0],
		height:     vol.Dims[1],
		depth:      vol.Dims[2],
	}
	v.low, v.high = window(data, lowPct, highPct)
	return v, nil
}

// window returns the intensity percentiles of the finite nonzero values
func window(data []float64, lowPct, highPct float64) (float64, float64) {
	var vals []float64
	for _, d := range data {
		if d != 0 && !math.IsNaN(d) && !math.IsInf(d, 0) {
			vals = append(vals, d)
		}
	}
	if len(vals) == 0 {
		return 0, 1
	}
	sort.Float64s(vals)
	lo := stat.Quantile(lowPct, stat.Empirical, vals, nil)
	hi := stat.Quantile(highPct, stat.Empirical, vals, nil)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// Window returns the intensities displayed as black and white
func (v *Viewer) Window() (float64, float64) {
	return v.low, v.high
}

func (v *Viewer) gray(x, y, z int) color.Gray {
	val := v.volumeData[(z*v.height+y)*v.width+x]
	s := (val - v.low) / (v.high - v.low)
	if math.IsNaN(s) {
		s = 0
	}
	s = math.Max(0, math.Min(1, s))
	return color.Gray{Y: uint8(math.Round(s * 255))}
}

// ExtractSlice extracts a 2D slice perpendicular to axis at voxel position.
// Rows are flipped so the last voxel row is at the top of the image.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray

	switch axis {
	case "x", "X":
		// sagittal: y across, z up
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				img.SetGray(y, v.depth-1-z, v.gray(position, y, z))
			}
		}

	case "y", "Y":
		// coronal: x across, z up
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray(x, v.depth-1-z, v.gray(x, position, z))
			}
		}

	case "z", "Z":
		// axial: x across, y up
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray(x, v.height-1-y, v.gray(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveOrthogonal saves the sagittal, coronal and axial mid-slices as
// <prefix>_x.png, <prefix>_y.png and <prefix>_z.png in outputDir.
func (v *Viewer) SaveOrthogonal(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	mid := map[string]int{"x": v.width / 2, "y": v.height / 2, "z": v.depth / 2}
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, mid[axis])
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
