package workflow

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"petprep/pkg/frames"
	"petprep/pkg/maths"
	"petprep/pkg/nifti"
	"petprep/pkg/tacs"
	"petprep/pkg/visualization"
)

// ReferencePlan builds the PET reference image: the duration-weighted mean
// of all frames. Inputs: pet_file. Outputs: pet_ref.
func ReferencePlan(durations []float64) *Plan {
	p := NewPlan("pet_reference_wf", "pet_file")
	p.Add(Stage{
		Name: "time_average",
		Inputs: map[string]Source{
			"in_file":   Input("pet_file"),
			"durations": Literal(durations),
		},
		Outputs: map[string]string{"out_file": "pet_twa.nii.gz"},
		Func:    timeAverage,
	})
	p.Outputs["pet_ref"] = From("time_average", "out_file")
	return p
}

func timeAverage(_ context.Context, in Values, dir string) (Values, error) {
	path, err := in.String("in_file")
	if err != nil {
		return nil, err
	}
	durations, ok := in["durations"].([]float64)
	if !ok {
		return nil, fmt.Errorf("value %q is %T, want []float64", "durations", in["durations"])
	}
	vol, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	avg, err := frames.WeightedAverage(vol, durations)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, imageStem(path)+"_twa.nii.gz")
	if err := nifti.Write(out, avg); err != nil {
		return nil, err
	}
	return Values{"out_file": out}, nil
}

// imageStem strips the directory and image extension of path
func imageStem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ResamplePlan maps the PET series into T1w space and clips the negative
// values the windowed-sinc interpolation leaves behind.
//
// Inputs: pet_file, t1w_brain, itk_pet_to_t1. Outputs: pet_t1w.
func ResamplePlan(threads int) *Plan {
	if threads < 1 {
		threads = 1
	}
	p := NewPlan("pet_t1w_wf", "pet_file", "t1w_brain", "itk_pet_to_t1")
	p.Add(
		Stage{
			Name: "resample",
			Tool: "antsApplyTransforms",
			Args: []string{
				"-d", "3", "-e", "3", "-i", "{{.In.pet_file}}", "-r", "{{.In.t1w_brain}}",
				"-t", "{{.In.xfm}}", "-n", "LanczosWindowedSinc", "-o", "{{.Out.out_file}}",
			},
			Inputs: map[string]Source{
				"pet_file":  Input("pet_file"),
				"t1w_brain": Input("t1w_brain"),
				"xfm":       Input("itk_pet_to_t1"),
			},
			Outputs: map[string]string{"out_file": "pet_t1w.nii.gz"},
			Env:     map[string]string{"ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS": fmt.Sprint(threads)},
			Threads: threads,
		},
		Stage{
			Name:    "clip",
			Inputs:  map[string]Source{"in_file": From("resample", "out_file")},
			Outputs: map[string]string{"out_file": "pet_t1w_clipped.nii.gz"},
			Func:    clipNegative,
		},
	)
	p.Outputs["pet_t1w"] = From("clip", "out_file")
	return p
}

func clipNegative(_ context.Context, in Values, dir string) (Values, error) {
	path, err := in.String("in_file")
	if err != nil {
		return nil, err
	}
	out, err := maths.ClipFile(path, filepath.Join(dir, imageStem(path)+"_clipped.nii.gz"), 0, math.Inf(1))
	if err != nil {
		return nil, err
	}
	return Values{"out_file": out}, nil
}

// TACsPlan extracts regional time-activity curves from a PET series in
// the space of a segmentation. Inputs: pet_file, segmentation. Outputs: tacs.
func TACsPlan() *Plan {
	p := NewPlan("tacs_wf", "pet_file", "segmentation")
	p.Add(
		Stage{
			Name: "segstats",
			Tool: "mri_segstats",
			Args: []string{
				"--seg", "{{.In.segmentation}}", "--i", "{{.In.pet_file}}",
				"--ctab-default", "--excludeid", "0",
				"--sum", "{{.Out.summary}}", "--avgwf", "{{.Out.avgwf}}",
				"--avgwfvol", "{{.Out.avgwf_vol}}",
			},
			Inputs: map[string]Source{
				"segmentation": Input("segmentation"),
				"pet_file":     Input("pet_file"),
			},
			Outputs: map[string]string{
				"summary":   "summary.stats",
				"avgwf":     "pet_avgwf.txt",
				"avgwf_vol": "pet_avgwf.nii.gz",
			},
		},
		Stage{
			Name: "build_tacs",
			Inputs: map[string]Source{
				"summary": From("segstats", "summary"),
				"avgwf":   From("segstats", "avgwf"),
			},
			Outputs: map[string]string{"tacs": "pet_tacs.tsv"},
			Func: func(_ context.Context, in Values, dir string) (Values, error) {
				summary, err := in.String("summary")
				if err != nil {
					return nil, err
				}
				avgwf, err := in.String("avgwf")
				if err != nil {
					return nil, err
				}
				out, err := tacs.Convert(summary, avgwf, dir)
				if err != nil {
					return nil, err
				}
				return Values{"tacs": out}, nil
			},
		},
	)
	p.Outputs["tacs"] = From("build_tacs", "tacs")
	return p
}

// SnapshotPlan renders orthogonal mid-slices of an image.
// Inputs: in_file. Outputs: snapshots.
func SnapshotPlan(prefix string) *Plan {
	p := NewPlan("snapshot_wf", "in_file")
	p.Add(Stage{
		Name:    "orthogonal",
		Inputs:  map[string]Source{"in_file": Input("in_file")},
		Outputs: map[string]string{"snapshots": prefix + "_z.png"},
		Func: func(_ context.Context, in Values, dir string) (Values, error) {
			path, err := in.String("in_file")
			if err != nil {
				return nil, err
			}
			vol, err := nifti.Read(path)
			if err != nil {
				return nil, err
			}
			viewer, err := visualization.NewViewer(vol, 0, visualization.DefaultLowPercentile, visualization.DefaultHighPercentile)
			if err != nil {
				return nil, err
			}
			paths, err := viewer.SaveOrthogonal(dir, prefix)
			if err != nil {
				return nil, err
			}
			return Values{"snapshots": paths}, nil
		},
	})
	p.Outputs["snapshots"] = From("orthogonal", "snapshots")
	return p
}
