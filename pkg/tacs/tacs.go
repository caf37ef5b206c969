// Package tacs builds regional time-activity curves from the text outputs
// of mri_segstats.
package tacs

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrFormat is returned for segstats files that cannot be interpreted
var ErrFormat = errors.New("malformed segstats file")

// summaryColumns is the number of fields in a segstats summary row
const summaryColumns = 10

// Region is one row of a segstats summary
type Region struct {
	Index     int
	SegID     int
	NVoxels   int
	VolumeMM3 float64
	Name      string
	Mean      float64
	StdDev    float64
	Min       float64
	Max       float64
	Range     float64
}

// ParseSummary reads a segstats summary. Lines starting with '#' are
// comments; rows without all ten fields, or with non-numeric values where
// numbers belong, are dropped.
func ParseSummary(r io.Reader) ([]Region, error) {
	var regions []Region
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		f := strings.Fields(line)
		if len(f) < summaryColumns {
			continue
		}
		reg, ok := parseRegion(f)
		if ok {
			regions = append(regions, reg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no regions in summary", ErrFormat)
	}
	return regions, nil
}

func parseRegion(f []string) (Region, bool) {
	ints := make([]int, 3)
	for i := range ints {
		v, err := strconv.Atoi(f[i])
		if err != nil {
			return Region{}, false
		}
		ints[i] = v
	}
	nums := make([]float64, 6)
	for i, s := range []string{f[3], f[5], f[6], f[7], f[8], f[9]} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Region{}, false
		}
		nums[i] = v
	}
	return Region{
		Index: ints[0], SegID: ints[1], NVoxels: ints[2],
		VolumeMM3: nums[0], Name: f[4],
		Mean: nums[1], StdDev: nums[2], Min: nums[3], Max: nums[4], Range: nums[5],
	}, true
}

// ParseAvgWF reads the average waveform file: one line per frame, one
// column per region.
func ParseAvgWF(r io.Reader) ([][]float64, error) {
	var rows [][]float64
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		row := make([]float64, len(f))
		for i, s := range f {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("%w: line %d has %d values, want %d", ErrFormat, lineNo, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Table holds one curve per region, sampled once per frame
type Table struct {
	Regions []string
	Values  [][]float64
}

// Build names the waveform columns after the summary regions
func Build(regions []Region, avgwf [][]float64) (*Table, error) {
	names := make([]string, len(regions))
	for i, r := range regions {
		names[i] = r.Name
	}
	for i, row := range avgwf {
		if len(row) != len(names) {
			return nil, fmt.Errorf("%w: frame %d has %d values for %d regions", ErrFormat, i, len(row), len(names))
		}
	}
	return &Table{Regions: names, Values: avgwf}, nil
}

// Curve returns the time-activity curve of a region
func (t *Table) Curve(region string) ([]float64, error) {
	for j, name := range t.Regions {
		if name == region {
			out := make([]float64, len(t.Values))
			for i, row := range t.Values {
				out[i] = row[j]
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("no region %q", region)
}

// WriteTSV writes the table with a leading frame-index column
func (t *Table) WriteTSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(append([]string{""}, t.Regions...)); err != nil {
		return err
	}
	for i, row := range t.Values {
		rec := make([]string, 0, len(row)+1)
		rec = append(rec, strconv.Itoa(i))
		for _, v := range row {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// OutputName maps an "_avgwf.txt" file to its "_tacs.tsv" name in dir
func OutputName(avgwf, dir string) string {
	base := filepath.Base(avgwf)
	if strings.HasSuffix(base, "_avgwf.txt") {
		base = strings.TrimSuffix(base, "_avgwf.txt") + "_tacs.tsv"
	} else {
		base = strings.TrimSuffix(base, filepath.Ext(base)) + "_tacs.tsv"
	}
	return filepath.Join(dir, base)
}

// Convert reads a summary and average waveform pair and writes the TSV
// into dir, returning its path.
func Convert(summaryFile, avgwfFile, dir string) (string, error) {
	sf, err := os.Open(summaryFile)
	if err != nil {
		return "", err
	}
	defer sf.Close()
	regions, err := ParseSummary(sf)
	if err != nil {
		return "", fmt.Errorf("%s: %w", summaryFile, err)
	}

	af, err := os.Open(avgwfFile)
	if err != nil {
		return "", err
	}
	defer af.Close()
	wf, err := ParseAvgWF(af)
	if err != nil {
		return "", fmt.Errorf("%s: %w", avgwfFile, err)
	}

	tbl, err := Build(regions, wf)
	if err != nil {
		return "", err
	}
	out := OutputName(avgwfFile, dir)
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if err := tbl.WriteTSV(f); err != nil {
		f.Close()
		return "", err
	}
	return out, f.Close()
}
