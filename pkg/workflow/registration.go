package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"petprep/internal/logging"
	"petprep/internal/models"
	"petprep/pkg/nifti"
	"petprep/pkg/registration"
	"petprep/pkg/xfmio"
)

// WhiteMatterLabel is the white-matter value of the T1w tissue segmentation
const WhiteMatterLabel = 2

// RegistrationOptions parameterize the PET-to-T1w registration plan
type RegistrationOptions struct {
	Tool        registration.Tool
	Mode        registration.Mode
	Init        registration.Init
	DOF         int
	ThresholdMM float64
	Threads     int
	Logger      *zap.Logger
}

// RegistrationPlan builds the PET-to-T1w registration. A coarse rigid
// registration seeds a boundary-based refinement; in Auto mode the
// refinement is compared to the coarse estimate and rejected when it moves
// the head by more than ThresholdMM.
//
// Inputs: pet_ref, t1w_brain, t1w_dseg and, for FreeSurfer, subjects_dir,
// subject_id and fsnative2t1w_xfm.
// Outputs: itk_pet_to_t1, itk_t1_to_pet, fallback, report and description.
func RegistrationPlan(opts RegistrationOptions) (*Plan, error) {
	opts.Logger = logging.OrNop(opts.Logger)
	logger := opts.Logger
	if !registration.ValidDOF(opts.DOF) {
		return nil, fmt.Errorf("unsupported registration dof %d", opts.DOF)
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	mode, err := registration.Resolve(opts.Mode, opts.Init, logger)
	if err != nil {
		return nil, err
	}

	var p *Plan
	var coarse, refined Source
	switch opts.Tool {
	case registration.FreeSurfer:
		p = NewPlan("bbreg_wf", "pet_ref", "t1w_brain", "t1w_dseg", "subjects_dir", "subject_id", "fsnative2t1w_xfm")
		coarse, refined = freesurferStages(p, opts, mode)
	case registration.FSL:
		if opts.Init == registration.InitHeader {
			return nil, fmt.Errorf("%w: FSL registration requires init %q", registration.ErrUnsupportedInit, registration.InitRegister)
		}
		p = NewPlan("fsl_bbr_wf", "pet_ref", "t1w_brain", "t1w_dseg")
		coarse, refined = fslStages(p, opts, mode)
	default:
		return nil, fmt.Errorf("unknown registration tool %q", opts.Tool)
	}

	var chosen Source
	switch mode {
	case registration.Never:
		chosen = coarse
		p.Outputs["fallback"] = Literal(true)
		p.Outputs["report"] = Literal(registration.ReportSuffix(opts.Tool, true))
		p.Outputs["description"] = Literal(registration.Describe(opts.Tool, opts.DOF, true))
	case registration.Always:
		chosen = refined
		p.Outputs["fallback"] = Literal(false)
		p.Outputs["report"] = Literal(registration.ReportSuffix(opts.Tool, false))
		p.Outputs["description"] = Literal(registration.Describe(opts.Tool, opts.DOF, false))
	default:
		p.Add(compareStage(coarse, refined, opts.ThresholdMM, logger))
		p.Add(selectStage(opts.Tool, opts.DOF, coarse, refined))
		chosen = From("select_transform", "transform")
		p.Outputs["fallback"] = From("compare_transforms", "fallback")
		p.Outputs["report"] = From("select_transform", "report")
		p.Outputs["description"] = From("select_transform", "description")
	}

	p.Add(concatStage(opts.Tool, chosen))
	p.Outputs["itk_pet_to_t1"] = From("concat_xfm", "itk_pet_to_t1")
	p.Outputs["itk_t1_to_pet"] = From("concat_xfm", "itk_t1_to_pet")
	return p, nil
}

func freesurferStages(p *Plan, opts RegistrationOptions, mode registration.Mode) (coarse, refined Source) {
	threads := strconv.Itoa(opts.Threads)
	if opts.Init == registration.InitRegister {
		p.Add(Stage{
			Name: "mri_coreg",
			Tool: "mri_coreg",
			Args: []string{
				"--s", "{{.In.subject_id}}", "--sd", "{{.In.subjects_dir}}",
				"--mov", "{{.In.pet_ref}}", "--reg", "{{.Out.out_lta}}",
				"--dof", strconv.Itoa(opts.DOF),
				"--sep", "4", "--ftol", "0.0001", "--linmintol", "0.01",
				"--threads", threads,
			},
			Inputs: map[string]Source{
				"subject_id":   Input("subject_id"),
				"subjects_dir": Input("subjects_dir"),
				"pet_ref":      Input("pet_ref"),
			},
			Outputs: map[string]string{"out_lta": "registration.lta"},
			MemGB:   5,
			Threads: opts.Threads,
		})
		coarse = From("mri_coreg", "out_lta")
	}
	if mode == registration.Never {
		return coarse, Source{}
	}

	bbr := Stage{
		Name: "bbregister",
		Tool: "bbregister",
		Args: []string{
			"--s", "{{.In.subject_id}}", "--mov", "{{.In.pet_ref}}", "--t2",
			"--dof", strconv.Itoa(opts.DOF), "--lta", "{{.Out.out_lta}}",
		},
		Inputs: map[string]Source{
			"subject_id": Input("subject_id"),
			"pet_ref":    Input("pet_ref"),
		},
		Env:     map[string]string{"SUBJECTS_DIR": "{{.In.subjects_dir}}"},
		Outputs: map[string]string{"out_lta": "bbregister.lta"},
		MemGB:   12,
	}
	bbr.Inputs["subjects_dir"] = Input("subjects_dir")
	if opts.Init == registration.InitHeader {
		bbr.Args = append(bbr.Args, "--init-header")
	} else {
		bbr.Args = append(bbr.Args, "--init-reg", "{{.In.init_reg}}")
		bbr.Inputs["init_reg"] = coarse
	}
	p.Add(bbr)
	return coarse, From("bbregister", "out_lta")
}

func fslStages(p *Plan, opts RegistrationOptions, mode registration.Mode) (coarse, refined Source) {
	p.Add(Stage{
		Name: "mri_coreg",
		Tool: "mri_coreg",
		Args: []string{
			"--mov", "{{.In.pet_ref}}", "--ref", "{{.In.t1w_brain}}",
			"--reg", "{{.Out.out_lta}}", "--dof", strconv.Itoa(opts.DOF),
			"--sep", "4", "--ftol", "0.0001", "--linmintol", "0.01",
			"--threads", strconv.Itoa(opts.Threads),
		},
		Inputs: map[string]Source{
			"pet_ref":   Input("pet_ref"),
			"t1w_brain": Input("t1w_brain"),
		},
		Outputs: map[string]string{"out_lta": "registration.lta"},
		MemGB:   5,
		Threads: opts.Threads,
	})
	coarse = From("mri_coreg", "out_lta")
	if mode == registration.Never {
		return coarse, Source{}
	}

	p.Add(
		Stage{
			Name:    "wm_mask",
			Inputs:  map[string]Source{"t1w_dseg": Input("t1w_dseg")},
			Outputs: map[string]string{"out_file": "wm_mask.nii.gz"},
			Func:    whiteMatterMask,
		},
		Stage{
			Name: "lta_to_fsl",
			Tool: "lta_convert",
			Args: []string{
				"--inlta", "{{.In.in_lta}}", "--src", "{{.In.pet_ref}}",
				"--trg", "{{.In.t1w_brain}}", "--outfsl", "{{.Out.out_fsl}}",
			},
			Inputs: map[string]Source{
				"in_lta":    coarse,
				"pet_ref":   Input("pet_ref"),
				"t1w_brain": Input("t1w_brain"),
			},
			Outputs: map[string]string{"out_fsl": "init.mat"},
		},
	)

	flirt := Stage{
		Name: "flt_bbr",
		Tool: "flirt",
		Args: []string{
			"-in", "{{.In.pet_ref}}", "-ref", "{{.In.t1w_brain}}",
			"-cost", "bbr", "-wmseg", "{{.In.wm_seg}}", "-init", "{{.In.in_matrix}}",
			"-omat", "{{.Out.out_matrix}}", "-dof", strconv.Itoa(opts.DOF),
			"-basescale", "1",
		},
		Inputs: map[string]Source{
			"pet_ref":   Input("pet_ref"),
			"t1w_brain": Input("t1w_brain"),
			"wm_seg":    From("wm_mask", "out_file"),
			"in_matrix": From("lta_to_fsl", "out_fsl"),
		},
		Outputs: map[string]string{"out_matrix": "bbr.mat"},
	}
	if fsldir := os.Getenv("FSLDIR"); fsldir != "" {
		flirt.Args = append(flirt.Args, "-schedule", filepath.Join(fsldir, "etc", "flirtsch", "bbr.sch"))
	} else {
		opts.Logger.Warn("FSLDIR unset; flirt BBR runs without its default schedule")
	}
	p.Add(flirt)
	return coarse, From("flt_bbr", "out_matrix")
}

// whiteMatterMask binarizes the tissue segmentation at the white-matter label
func whiteMatterMask(_ context.Context, in Values, dir string) (Values, error) {
	dseg, err := in.String("t1w_dseg")
	if err != nil {
		return nil, err
	}
	vol, err := nifti.Read(dseg)
	if err != nil {
		return nil, err
	}
	for i, v := range vol.Data {
		if v == WhiteMatterLabel {
			vol.Data[i] = 1
		} else {
			vol.Data[i] = 0
		}
	}
	out := filepath.Join(dir, "wm_mask.nii.gz")
	if err := nifti.Write(out, vol); err != nil {
		return nil, err
	}
	return Values{"out_file": out}, nil
}

// loadTransform reads the transform at port as RAS-to-RAS, using the PET
// reference and T1w images as source and reference grids.
func loadTransform(in Values, port string) (registration.Affine, error) {
	path, err := in.String(port)
	if err != nil {
		return registration.Affine{}, err
	}
	var src, ref *xfmio.Grid
	if filepath.Ext(path) == ".mat" {
		s, err := in.grid("pet_ref")
		if err != nil {
			return registration.Affine{}, err
		}
		r, err := in.grid("t1w_brain")
		if err != nil {
			return registration.Affine{}, err
		}
		src, ref = &s, &r
	}
	xfm, err := xfmio.Load(path, src, ref)
	if err != nil {
		return registration.Affine{}, fmt.Errorf("failed to load %s: %w", port, err)
	}
	return xfm, nil
}

func (v Values) grid(port string) (xfmio.Grid, error) {
	path, err := v.String(port)
	if err != nil {
		return xfmio.Grid{}, err
	}
	return xfmio.ReadGrid(path)
}

func compareStage(coarse, refined Source, thresholdMM float64, logger *zap.Logger) Stage {
	return Stage{
		Name: "compare_transforms",
		Inputs: map[string]Source{
			"coarse":    coarse,
			"refined":   refined,
			"pet_ref":   Input("pet_ref"),
			"t1w_brain": Input("t1w_brain"),
		},
		Func: func(_ context.Context, in Values, _ string) (Values, error) {
			bbr, err := loadTransform(in, "refined")
			if err != nil {
				return nil, err
			}
			rigid, err := loadTransform(in, "coarse")
			if err != nil {
				return nil, err
			}
			d, err := registration.NewEvaluator(thresholdMM).Evaluate(bbr, rigid)
			if err != nil {
				return nil, err
			}
			logger.Info("Compared boundary-based and coarse registration",
				zap.Float64("displacement_mm", d.MaxDisplacementMM),
				zap.Float64("threshold_mm", d.ThresholdMM),
				zap.Bool("fallback", d.UseFallback))
			return Values{
				"fallback":     d.UseFallback,
				"displacement": d.MaxDisplacementMM,
				"index":        d.Index(),
			}, nil
		},
	}
}

func selectStage(tool registration.Tool, dof int, coarse, refined Source) Stage {
	return Stage{
		Name: "select_transform",
		Inputs: map[string]Source{
			"fallback":     From("compare_transforms", "fallback"),
			"displacement": From("compare_transforms", "displacement"),
			"coarse":       coarse,
			"refined":      refined,
			"pet_ref":      Input("pet_ref"),
			"t1w_brain":    Input("t1w_brain"),
		},
		Func: func(_ context.Context, in Values, _ string) (Values, error) {
			fallback, err := in.Bool("fallback")
			if err != nil {
				return nil, err
			}
			disp, err := in.Float("displacement")
			if err != nil {
				return nil, err
			}
			var cands []registration.Candidate
			for _, c := range []struct {
				port     string
				strategy registration.Strategy
			}{{"refined", registration.BoundaryBased}, {"coarse", registration.Rigid}} {
				path, err := in.String(c.port)
				if err != nil {
					return nil, err
				}
				xfm, err := loadTransform(in, c.port)
				if err != nil {
					return nil, err
				}
				cands = append(cands, registration.Candidate{
					Strategy:  c.strategy,
					Transform: xfm,
					Path:      path,
					Report:    registration.ReportSuffix(tool, c.strategy == registration.Rigid),
				})
			}
			d := registration.FallbackDecision{UseFallback: fallback, MaxDisplacementMM: disp}
			chosen, err := registration.Select(d, cands...)
			if err != nil {
				return nil, err
			}
			return Values{
				"transform":   chosen.Path,
				"report":      chosen.Report,
				"description": registration.Describe(tool, dof, fallback),
			}, nil
		},
	}
}

func concatStage(tool registration.Tool, chosen Source) Stage {
	s := Stage{
		Name: "concat_xfm",
		Inputs: map[string]Source{
			"transform": chosen,
			"pet_ref":   Input("pet_ref"),
			"t1w_brain": Input("t1w_brain"),
		},
		Outputs: map[string]string{
			"itk_pet_to_t1": "out_fwd.txt",
			"itk_t1_to_pet": "out_inv.txt",
		},
	}
	if tool == registration.FreeSurfer {
		s.Inputs["fsnative2t1w_xfm"] = Input("fsnative2t1w_xfm")
	}
	s.Func = func(_ context.Context, in Values, dir string) (Values, error) {
		// FreeSurfer estimates map PET onto fsnative, which then maps onto T1w
		pet2target, err := loadTransform(in, "transform")
		if err != nil {
			return nil, err
		}
		chain := []registration.Affine{pet2target}
		if _, ok := in["fsnative2t1w_xfm"]; ok {
			fs2t1, err := loadTransform(in, "fsnative2t1w_xfm")
			if err != nil {
				return nil, err
			}
			chain = append(chain, fs2t1)
		}
		pair := models.TransformPair{
			Forward: filepath.Join(dir, "out_fwd.txt"),
			Inverse: filepath.Join(dir, "out_inv.txt"),
		}
		if err := xfmio.WriteChain(pair.Forward, pair.Inverse, chain...); err != nil {
			return nil, err
		}
		return Values{"itk_pet_to_t1": pair.Forward, "itk_t1_to_pet": pair.Inverse}, nil
	}
	return s
}
