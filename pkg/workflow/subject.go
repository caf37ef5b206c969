package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"petprep/internal/logging"
	"petprep/pkg/bids"
	"petprep/pkg/config"
	"petprep/pkg/frames"
	"petprep/pkg/nifti"
	"petprep/pkg/registration"
)

// SubjectInputs are the plan inputs of a per-series preprocessing plan
var SubjectInputs = []string{
	"pet_file", "t1w_brain", "t1w_dseg", "subjects_dir", "subject_id", "fsnative2t1w_xfm", "output_dir",
}

// SubjectOptions describe one PET series to preprocess
type SubjectOptions struct {
	PetFile  string
	Metadata *bids.Metadata
	Config   *config.Config
	Logger   *zap.Logger
}

// SubjectPlan composes the preprocessing of one PET series: head-motion
// correction, reference estimation, registration to the T1w image,
// resampling, time-activity curves and the derivatives sink.
func SubjectPlan(opts SubjectOptions) (*Plan, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("pet", filepath.Base(opts.PetFile)))
	if opts.Metadata == nil {
		return nil, fmt.Errorf("%w: no metadata for %s", bids.ErrMetadata, opts.PetFile)
	}
	if err := opts.Metadata.Validate(); err != nil {
		return nil, err
	}
	mode, err := cfg.BBRMode()
	if err != nil {
		return nil, err
	}
	timing := opts.Metadata.Timing()
	threads := cfg.Processing.OMPThreads

	p := NewPlan(bids.WorkflowName(opts.PetFile), SubjectInputs...)
	sink := map[string]Source{"output_dir": Input("output_dir")}

	pet := Input("pet_file")
	if frames.TooShort(timing.Len(), cfg.Processing.Sloppy) {
		logger.Warn("Series too short for head-motion correction", zap.Int("frames", timing.Len()))
	} else {
		hmc, err := MotionPlan(MotionOptions{
			Timing:           timing,
			StartTimeSec:     cfg.Motion.StartTimeSec,
			SmoothFWHM:       cfg.Motion.SmoothFWHM,
			ThresholdPercent: cfg.Motion.ThresholdPercent,
			Threads:          threads,
			Plots:            cfg.Output.Plots,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		out, err := p.Include("hmc", hmc, map[string]Source{"pet_file": pet})
		if err != nil {
			return nil, err
		}
		pet = out["pet_hmc"]
		sink["confounds"] = out["confounds"]
		if plot, ok := out["plots"]; ok {
			sink["motion_plot"] = plot
		}
	}

	ref, err := p.Include("ref", ReferencePlan(timing.Duration), map[string]Source{"pet_file": pet})
	if err != nil {
		return nil, err
	}
	sink["pet_ref"] = ref["pet_ref"]

	regPlan, err := RegistrationPlan(RegistrationOptions{
		Tool:        cfg.RegistrationTool(),
		Mode:        mode,
		Init:        registration.Init(cfg.Registration.Init),
		DOF:         cfg.Registration.DOF,
		ThresholdMM: cfg.Registration.FallbackThresholdMM,
		Threads:     threads,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	reg, err := p.Include("reg", regPlan, map[string]Source{
		"pet_ref":          ref["pet_ref"],
		"t1w_brain":        Input("t1w_brain"),
		"t1w_dseg":         Input("t1w_dseg"),
		"subjects_dir":     Input("subjects_dir"),
		"subject_id":       Input("subject_id"),
		"fsnative2t1w_xfm": Input("fsnative2t1w_xfm"),
	})
	if err != nil {
		return nil, err
	}
	for _, k := range []string{"itk_pet_to_t1", "itk_t1_to_pet", "fallback", "report", "description"} {
		sink[k] = reg[k]
	}

	res, err := p.Include("t1w", ResamplePlan(threads), map[string]Source{
		"pet_file":      pet,
		"t1w_brain":     Input("t1w_brain"),
		"itk_pet_to_t1": reg["itk_pet_to_t1"],
	})
	if err != nil {
		return nil, err
	}
	sink["pet_t1w"] = res["pet_t1w"]

	tac, err := p.Include("tacs", TACsPlan(), map[string]Source{
		"pet_file":     res["pet_t1w"],
		"segmentation": Input("t1w_dseg"),
	})
	if err != nil {
		return nil, err
	}
	sink["tacs"] = tac["tacs"]

	if cfg.Output.Plots {
		qc, err := p.Include("qc", SnapshotPlan("petref"), map[string]Source{"in_file": ref["pet_ref"]})
		if err != nil {
			return nil, err
		}
		sink["snapshots"] = qc["snapshots"]
	}

	mem, err := bids.EstimateMemory(opts.PetFile)
	if err != nil {
		logger.Debug("Using default memory estimate", zap.Error(err))
	}
	for i := range p.Stages {
		switch p.Stages[i].Name {
		case "hmc.correct_motion", "hmc.estimate_motion":
			p.Stages[i].MemGB = mem.FileSizeGB
		case "t1w.resample":
			p.Stages[i].MemGB = mem.ResampledGB
		}
	}

	ds, err := newDataSink(opts.PetFile, cfg.ImageExt(), sink)
	if err != nil {
		return nil, err
	}
	p.Add(ds)
	for port := range ds.Outputs {
		p.Outputs[port] = From(ds.Name, port)
	}
	return p, nil
}

// derivativeNames maps sink ports to BIDS derivative filename endings
var derivativeNames = map[string]string{
	"pet_t1w":       "_space-T1w_desc-preproc_pet",
	"pet_ref":       "_desc-ref_pet",
	"confounds":     "_desc-confounds_timeseries.tsv",
	"itk_pet_to_t1": "_from-petref_to-T1w_mode-image_xfm.txt",
	"itk_t1_to_pet": "_from-T1w_to-petref_mode-image_xfm.txt",
	"tacs":          "_desc-preproc_tacs.tsv",
}

// newDataSink returns the stage copying results into the derivatives tree
// under BIDS names derived from the PET filename.
func newDataSink(petFile, imageExt string, inputs map[string]Source) (Stage, error) {
	ents := bids.ParseEntities(petFile)
	subject := ents["subject"]
	if subject == "" {
		return Stage{}, fmt.Errorf("cannot derive subject from %s", petFile)
	}
	base := bids.FormatEntities(bids.Entities{
		"subject": subject, "session": ents["session"], "task": ents["task"], "tracer": ents["tracer"],
		"reconstruction": ents["reconstruction"], "acquisition": ents["acquisition"], "run": ents["run"],
	})
	rel := filepath.Join("sub-"+subject, "pet")
	figures := filepath.Join("sub-"+subject, "figures")
	if ses := ents["session"]; ses != "" {
		rel = filepath.Join("sub-"+subject, "ses-"+ses, "pet")
	}

	target := func(port string) string {
		name := derivativeNames[port]
		if strings.HasSuffix(name, "_pet") {
			name += imageExt
		}
		return filepath.Join(rel, base+name)
	}

	s := Stage{Name: "datasink", Inputs: inputs, Outputs: map[string]string{}}
	for port := range inputs {
		if _, ok := derivativeNames[port]; ok {
			s.Outputs[port] = target(port)
		}
	}
	s.Outputs["summary"] = filepath.Join(figures, base+"_desc-registration_summary.json")

	s.Func = func(_ context.Context, in Values, _ string) (Values, error) {
		root, err := in.String("output_dir")
		if err != nil {
			return nil, err
		}
		out := Values{}
		for port := range derivativeNames {
			if _, ok := in[port]; !ok {
				continue
			}
			src, err := in.String(port)
			if err != nil {
				return nil, err
			}
			dst := filepath.Join(root, target(port))
			if err := store(src, dst); err != nil {
				return nil, fmt.Errorf("failed to store %s: %w", port, err)
			}
			out[port] = dst
		}

		for _, port := range []string{"snapshots", "motion_plot"} {
			if _, ok := in[port]; !ok {
				continue
			}
			files, err := in.Strings(port)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				dst := filepath.Join(root, figures, base+"_"+filepath.Base(f))
				if err := copyFile(f, dst); err != nil {
					return nil, fmt.Errorf("failed to store figure: %w", err)
				}
			}
		}

		summary := filepath.Join(root, figures, base+"_desc-registration_summary.json")
		if err := writeRegistrationSummary(summary, in); err != nil {
			return nil, err
		}
		out["summary"] = summary
		return out, nil
	}
	return s, nil
}

type registrationSummary struct {
	Description string `json:"Description"`
	Report      string `json:"ReportSuffix"`
	Fallback    bool   `json:"RegistrationFallback"`
}

func writeRegistrationSummary(path string, in Values) error {
	var s registrationSummary
	var err error
	if s.Fallback, err = in.Bool("fallback"); err != nil {
		return err
	}
	if s.Report, err = in.String("report"); err != nil {
		return err
	}
	if s.Description, err = in.String("description"); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// store copies src to dst, re-encoding images whose compression differs
func store(src, dst string) error {
	if nifti.IsCompressed(src) == nifti.IsCompressed(dst) || !isImage(dst) {
		return copyFile(src, dst)
	}
	vol, err := nifti.Read(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return nifti.Write(dst, vol)
}

func isImage(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
