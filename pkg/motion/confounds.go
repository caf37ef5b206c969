package motion

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"petprep/pkg/registration"
)

// Columns is the header of the confounds table, after the unnamed index column
var Columns = []string{
	"trans_x", "trans_y", "trans_z",
	"rot_x", "rot_y", "rot_z",
	"max_x", "max_y", "max_z",
	"max_tot", "median_tot",
}

// Row is the confounds entry of one frame
type Row struct {
	Parameters
	Displacement
}

func (r Row) values() []float64 {
	return []float64{
		r.Translation.X, r.Translation.Y, r.Translation.Z,
		r.Rotation.X, r.Rotation.Y, r.Rotation.Z,
		r.MaxX, r.MaxY, r.MaxZ,
		r.MaxTotal, r.MedianTotal,
	}
}

func rowFrom(v []float64) Row {
	return Row{
		Parameters: Parameters{
			Translation: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
			Rotation:    r3.Vec{X: v[3], Y: v[4], Z: v[5]},
		},
		Displacement: Displacement{MaxX: v[6], MaxY: v[7], MaxZ: v[8], MaxTotal: v[9], MedianTotal: v[10]},
	}
}

// Table is the per-frame confounds of a series
type Table []Row

// Column returns the values of a named column
func (t Table) Column(name string) ([]float64, error) {
	idx := -1
	for i, c := range Columns {
		if c == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("unknown confounds column %q", name)
	}
	out := make([]float64, len(t))
	for i, r := range t {
		out[i] = r.values()[idx]
	}
	return out, nil
}

// Confounds builds the table from one motion transform and one point cloud per frame
func Confounds(xfms []registration.Affine, points [][]r3.Vec) (Table, error) {
	if len(xfms) != len(points) {
		return nil, fmt.Errorf("%d transforms but %d point sets", len(xfms), len(points))
	}
	t := make(Table, len(xfms))
	for i, x := range xfms {
		p, err := Decompose(x)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		d, err := FrameDisplacement(x, points[i])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		t[i] = Row{Parameters: p, Displacement: d}
	}
	return t, nil
}

// WriteTSV writes the table with a leading frame-index column
func (t Table) WriteTSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(append([]string{""}, Columns...)); err != nil {
		return err
	}
	for i, r := range t {
		rec := []string{strconv.Itoa(i)}
		for _, v := range r.values() {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTSVFile writes the table to path
func (t Table) WriteTSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteTSV(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write confounds: %w", err)
	}
	return f.Close()
}

// ReadTSV parses a table written by WriteTSV. Columns are matched by name,
// so their order does not matter.
func ReadTSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read confounds: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty confounds file")
	}
	pos := make([]int, len(Columns))
	for i, c := range Columns {
		pos[i] = -1
		for j, h := range records[0] {
			if h == c {
				pos[i] = j
			}
		}
		if pos[i] < 0 {
			return nil, fmt.Errorf("confounds file lacks column %q", c)
		}
	}

	t := make(Table, 0, len(records)-1)
	for n, rec := range records[1:] {
		vals := make([]float64, len(Columns))
		for i, p := range pos {
			v, err := strconv.ParseFloat(rec[p], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", n+1, Columns[i], err)
			}
			vals[i] = v
		}
		t = append(t, rowFrom(vals))
	}
	return t, nil
}

// ReadTSVFile reads a confounds table from path
func ReadTSVFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTSV(f)
}
