package motion

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plots holds the paths of the rendered motion figures
type Plots struct {
	Translation string
	Rotation    string
	Movement    string
}

type series struct {
	column string
	label  string
	color  color.Color
	dashed bool
	scale  float64
}

var (
	red     = color.RGBA{R: 220, A: 255}
	green   = color.RGBA{G: 160, A: 255}
	blue    = color.RGBA{B: 220, A: 255}
	black   = color.RGBA{A: 255}
	magenta = color.RGBA{R: 200, B: 200, A: 255}
)

// PlotAll renders translation.png, rotation.png and movement.png into dir
func PlotAll(t Table, dir string) (Plots, error) {
	deg := 180 / math.Pi
	out := Plots{
		Translation: filepath.Join(dir, "translation.png"),
		Rotation:    filepath.Join(dir, "rotation.png"),
		Movement:    filepath.Join(dir, "movement.png"),
	}
	figures := []struct {
		path   string
		ylabel string
		series []series
	}{
		{out.Translation, "Translation [mm]", []series{
			{"trans_x", "trans_x", red, false, 1},
			{"trans_y", "trans_y", green, false, 1},
			{"trans_z", "trans_z", blue, false, 1},
		}},
		{out.Rotation, "Rotation [degrees]", []series{
			{"rot_x", "rot_x", red, false, deg},
			{"rot_y", "rot_y", green, false, deg},
			{"rot_z", "rot_z", blue, false, deg},
		}},
		{out.Movement, "Movement [mm]", []series{
			{"max_x", "max_x", red, true, 1},
			{"max_y", "max_y", green, true, 1},
			{"max_z", "max_z", blue, true, 1},
			{"max_tot", "max_total", black, false, 1},
			{"median_tot", "median_tot", magenta, false, 1},
		}},
	}
	for _, f := range figures {
		if err := plotSeries(t, f.path, f.ylabel, f.series); err != nil {
			return Plots{}, err
		}
	}
	return out, nil
}

func plotSeries(t Table, path, ylabel string, ss []series) error {
	p := plot.New()
	p.X.Label.Text = "frame #"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())

	for _, s := range ss {
		vals, err := t.Column(s.column)
		if err != nil {
			return err
		}
		pts := make(plotter.XYs, len(vals))
		for i, v := range vals {
			pts[i] = plotter.XY{X: float64(i), Y: v * s.scale}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to plot %s: %w", s.column, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		if s.dashed {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(11*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
