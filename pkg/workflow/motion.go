package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"petprep/internal/logging"
	"petprep/internal/models"
	"petprep/pkg/frames"
	"petprep/pkg/motion"
	"petprep/pkg/nifti"
	"petprep/pkg/registration"
	"petprep/pkg/xfmio"
)

// fwhmToSigma converts a Gaussian full width at half maximum to its sigma
const fwhmToSigma = 2.3548

// MotionOptions parameterize head-motion correction
type MotionOptions struct {
	Timing           models.FrameTiming
	StartTimeSec     float64
	SmoothFWHM       float64
	ThresholdPercent float64
	Threads          int
	Plots            bool
	Logger           *zap.Logger
}

// MotionPlan builds frame-wise head-motion correction. Frames are smoothed
// and thresholded, frames before StartTimeSec are replaced by the first
// later frame, and a robust template is estimated over the result. Every
// original frame is then resampled onto the template.
//
// Inputs: pet_file. Outputs: pet_hmc, xforms, confounds and template.
func MotionPlan(opts MotionOptions) (*Plan, error) {
	opts.Logger = logging.OrNop(opts.Logger)
	minFrame, err := frames.FirstFrameAfter(opts.Timing, opts.StartTimeSec)
	if err != nil {
		return nil, fmt.Errorf("cannot choose motion reference frame: %w", err)
	}
	opts.Logger.Debug("Selected first motion frame", zap.Int("frame", minFrame), zap.Float64("after_sec", opts.StartTimeSec))

	sigma := strconv.FormatFloat(opts.SmoothFWHM/fwhmToSigma, 'f', 4, 64)
	p := NewPlan("pet_hmc_wf", "pet_file")
	p.Add(
		Stage{
			Name:    "split_frames",
			Inputs:  map[string]Source{"in_file": Input("pet_file")},
			Outputs: map[string]string{"frames": "frame0000.nii.gz"},
			Func:    splitFrames,
		},
		Stage{
			Name:    "smooth_frame",
			Tool:    "fslmaths",
			Args:    []string{"{{.In.in_file}}", "-kernel", "gauss", sigma, "-fmean", "{{.Out.out_file}}"},
			Inputs:  map[string]Source{"in_file": From("split_frames", "frames")},
			Outputs: map[string]string{"out_file": `smooth{{printf "%04d" .Index}}.nii.gz`},
			ForEach: []string{"in_file"},
		},
		Stage{
			Name:    "thresh_frame",
			Tool:    "fslmaths",
			Args:    []string{"{{.In.in_file}}", "-thrP", strconv.FormatFloat(opts.ThresholdPercent, 'g', -1, 64), "{{.Out.out_file}}"},
			Inputs:  map[string]Source{"in_file": From("smooth_frame", "out_file")},
			Outputs: map[string]string{"out_file": `thresh{{printf "%04d" .Index}}.nii.gz`},
			ForEach: []string{"in_file"},
		},
		Stage{
			Name: "frame_list",
			Inputs: map[string]Source{
				"frames":    From("thresh_frame", "out_file"),
				"min_frame": Literal(minFrame),
			},
			Outputs: map[string]string{"frames": "thresh0000.nii.gz", "ltas": "frame0000.lta"},
			Func:    frameList,
		},
		Stage{
			Name: "estimate_motion",
			Tool: "mri_robust_template",
			Args: []string{
				"--mov", "@frames", "--template", "{{.Out.template}}",
				"--lta", "@ltas", "--satit", "--iscale", "--average", "0",
				"--cras", "--maxit", "10",
			},
			Inputs: map[string]Source{
				"frames": From("frame_list", "frames"),
				"ltas":   From("frame_list", "ltas"),
			},
			Outputs: map[string]string{"template": "template.nii.gz"},
			Threads: opts.Threads,
		},
		Stage{
			Name: "correct_motion",
			Tool: "mri_vol2vol",
			Args: []string{
				"--mov", "{{.In.mov}}", "--targ", "{{.In.template}}",
				"--lta", "{{.In.lta}}", "--o", "{{.Out.out_file}}",
			},
			Inputs: map[string]Source{
				"mov":      From("split_frames", "frames"),
				"lta":      From("frame_list", "ltas"),
				"template": From("estimate_motion", "template"),
			},
			Outputs: map[string]string{"out_file": `corrected{{printf "%04d" .Index}}.nii.gz`},
			ForEach: []string{"mov", "lta"},
		},
		Stage{
			Name:    "concat_frames",
			Tool:    "mri_concat",
			Args:    []string{"--o", "{{.Out.out_file}}", "@in_files"},
			Inputs:  map[string]Source{"in_files": From("correct_motion", "out_file")},
			Outputs: map[string]string{"out_file": "pet_hmc.nii.gz"},
		},
		Stage{
			Name: "hmc_confounds",
			Inputs: map[string]Source{
				"ltas":   From("frame_list", "ltas"),
				"frames": From("thresh_frame", "out_file"),
			},
			Outputs: map[string]string{"confounds": "hmc_confounds.tsv"},
			After:   []string{"estimate_motion"},
			Func:    hmcConfounds,
		},
	)
	p.Outputs["pet_hmc"] = From("concat_frames", "out_file")
	p.Outputs["xforms"] = From("frame_list", "ltas")
	p.Outputs["confounds"] = From("hmc_confounds", "confounds")
	p.Outputs["template"] = From("estimate_motion", "template")

	if opts.Plots {
		p.Add(Stage{
			Name:   "plot_motion",
			Inputs: map[string]Source{"confounds": From("hmc_confounds", "confounds")},
			Outputs: map[string]string{
				"translation": "translation.png",
				"rotation":    "rotation.png",
				"movement":    "movement.png",
			},
			Func: plotMotion,
		})
		p.Outputs["plots"] = From("plot_motion", "movement")
	}
	return p, nil
}

// splitFrames writes every frame of a 4D series as its own 3D image
func splitFrames(_ context.Context, in Values, dir string) (Values, error) {
	path, err := in.String("in_file")
	if err != nil {
		return nil, err
	}
	vol, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	n := vol.NumFrames()
	out := make([]string, n)
	for t := 0; t < n; t++ {
		data, err := vol.Frame(t)
		if err != nil {
			return nil, err
		}
		frame := &models.Volume{
			Data:   append([]float64(nil), data...),
			Dims:   [4]int{vol.Dims[0], vol.Dims[1], vol.Dims[2], 1},
			PixDim: vol.PixDim,
			Affine: vol.Affine,
		}
		out[t] = filepath.Join(dir, fmt.Sprintf("frame%04d.nii.gz", t))
		if err := nifti.Write(out[t], frame); err != nil {
			return nil, fmt.Errorf("failed to write frame %d: %w", t, err)
		}
	}
	return Values{"frames": out}, nil
}

// frameList pads the frame list so early frames reuse the first late frame
// and names one output transform per frame.
func frameList(_ context.Context, in Values, dir string) (Values, error) {
	list, err := in.Strings("frames")
	if err != nil {
		return nil, err
	}
	minFrame, err := in.Int("min_frame")
	if err != nil {
		return nil, err
	}
	padded, err := frames.PadLeading(list, minFrame)
	if err != nil {
		return nil, err
	}
	ltas := make([]string, len(list))
	for i := range ltas {
		ltas[i] = filepath.Join(dir, fmt.Sprintf("frame%04d.lta", i))
	}
	return Values{"frames": padded, "ltas": ltas}, nil
}

// hmcConfounds derives the motion parameters and displacement of every
// frame from its template transform.
func hmcConfounds(_ context.Context, in Values, dir string) (Values, error) {
	ltas, err := in.Strings("ltas")
	if err != nil {
		return nil, err
	}
	masks, err := in.Strings("frames")
	if err != nil {
		return nil, err
	}
	if len(ltas) != len(masks) {
		return nil, fmt.Errorf("%w: %d transforms for %d frames", frames.ErrShape, len(ltas), len(masks))
	}

	xfms := make([]registration.Affine, len(ltas))
	points := make([][]r3.Vec, len(ltas))
	for i := range ltas {
		if xfms[i], err = xfmio.Load(ltas[i], nil, nil); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		vol, err := nifti.Read(masks[i])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if points[i], err = motion.NonzeroPoints(vol, 0); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}

	table, err := motion.Confounds(xfms, points)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, "hmc_confounds.tsv")
	if err := table.WriteTSVFile(out); err != nil {
		return nil, err
	}
	return Values{"confounds": out}, nil
}

func plotMotion(_ context.Context, in Values, dir string) (Values, error) {
	path, err := in.String("confounds")
	if err != nil {
		return nil, err
	}
	table, err := motion.ReadTSVFile(path)
	if err != nil {
		return nil, err
	}
	plots, err := motion.PlotAll(table, dir)
	if err != nil {
		return nil, err
	}
	return Values{
		"translation": plots.Translation,
		"rotation":    plots.Rotation,
		"movement":    plots.Movement,
	}, nil
}
