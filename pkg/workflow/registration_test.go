package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"petprep/internal/models"
	"petprep/pkg/nifti"
	"petprep/pkg/registration"
	"petprep/pkg/xfmio"
)

func stageNames(p *Plan) []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

func TestRegistrationPlanShapes(t *testing.T) {
	tests := []struct {
		name     string
		opts     RegistrationOptions
		stages   []string
		fallback Source
		report   Source
	}{
		{
			name:     "freesurfer auto",
			opts:     RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Auto, Init: registration.InitRegister, DOF: 6},
			stages:   []string{"mri_coreg", "bbregister", "compare_transforms", "select_transform", "concat_xfm"},
			fallback: From("compare_transforms", "fallback"),
			report:   From("select_transform", "report"),
		},
		{
			name:     "freesurfer never",
			opts:     RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Never, Init: registration.InitRegister, DOF: 6},
			stages:   []string{"mri_coreg", "concat_xfm"},
			fallback: Literal(true),
			report:   Literal("coreg"),
		},
		{
			name:     "freesurfer always",
			opts:     RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Always, Init: registration.InitRegister, DOF: 9},
			stages:   []string{"mri_coreg", "bbregister", "concat_xfm"},
			fallback: Literal(false),
			report:   Literal("bbregister"),
		},
		{
			name:     "freesurfer header init forces bbr",
			opts:     RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Auto, Init: registration.InitHeader, DOF: 6},
			stages:   []string{"bbregister", "concat_xfm"},
			fallback: Literal(false),
			report:   Literal("bbregister"),
		},
		{
			name:     "fsl auto",
			opts:     RegistrationOptions{Tool: registration.FSL, Mode: registration.Auto, Init: registration.InitRegister, DOF: 6},
			stages:   []string{"mri_coreg", "wm_mask", "lta_to_fsl", "flt_bbr", "compare_transforms", "select_transform", "concat_xfm"},
			fallback: From("compare_transforms", "fallback"),
			report:   From("select_transform", "report"),
		},
		{
			name:     "fsl never",
			opts:     RegistrationOptions{Tool: registration.FSL, Mode: registration.Never, Init: registration.InitRegister, DOF: 6},
			stages:   []string{"mri_coreg", "concat_xfm"},
			fallback: Literal(true),
			report:   Literal("flirtnobbr"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := RegistrationPlan(tt.opts)
			require.NoError(t, err)
			require.NoError(t, p.Validate())
			assert.Equal(t, tt.stages, stageNames(p))
			assert.Equal(t, tt.fallback, p.Outputs["fallback"])
			assert.Equal(t, tt.report, p.Outputs["report"])
			assert.Contains(t, p.Outputs, "itk_pet_to_t1")
			assert.Contains(t, p.Outputs, "itk_t1_to_pet")
		})
	}
}

func TestRegistrationPlanArguments(t *testing.T) {
	p, err := RegistrationPlan(RegistrationOptions{Tool: registration.FreeSurfer, Init: registration.InitRegister, DOF: 9, Threads: 4})
	require.NoError(t, err)
	coreg, ok := p.Stage("mri_coreg")
	require.True(t, ok)
	assert.Equal(t, "9", argAfter(coreg.Args, "--dof"))
	assert.Equal(t, "4", argAfter(coreg.Args, "--threads"))
	assert.Equal(t, "4", argAfter(coreg.Args, "--sep"))

	bbr, ok := p.Stage("bbregister")
	require.True(t, ok)
	assert.Contains(t, bbr.Args, "--t2")
	assert.Equal(t, From("mri_coreg", "out_lta"), bbr.Inputs["init_reg"])
	assert.Equal(t, 12.0, bbr.MemGB)

	p, err = RegistrationPlan(RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Always, Init: registration.InitHeader, DOF: 6})
	require.NoError(t, err)
	bbr, _ = p.Stage("bbregister")
	assert.Contains(t, bbr.Args, "--init-header")
	assert.NotContains(t, bbr.Inputs, "init_reg")
}

func TestRegistrationPlanRejects(t *testing.T) {
	_, err := RegistrationPlan(RegistrationOptions{Tool: registration.FreeSurfer, Mode: registration.Never, Init: registration.InitHeader, DOF: 6})
	assert.ErrorIs(t, err, registration.ErrUnsupportedInit)

	_, err = RegistrationPlan(RegistrationOptions{Tool: registration.FSL, Mode: registration.Always, Init: registration.InitHeader, DOF: 6})
	assert.ErrorIs(t, err, registration.ErrUnsupportedInit)

	_, err = RegistrationPlan(RegistrationOptions{Tool: registration.FreeSurfer, Init: "centers", DOF: 6})
	assert.ErrorIs(t, err, registration.ErrUnsupportedInit)

	_, err = RegistrationPlan(RegistrationOptions{Tool: registration.FreeSurfer, Init: registration.InitRegister, DOF: 7})
	assert.Error(t, err)

	_, err = RegistrationPlan(RegistrationOptions{Tool: "SPM", Init: registration.InitRegister, DOF: 6})
	assert.Error(t, err)
}

// registrationInputs writes the images and transforms a registration run reads
func registrationInputs(t *testing.T) Values {
	t.Helper()
	dir := t.TempDir()
	pet := models.NewVolume(20, 20, 16, 1, [3]float64{2, 2, 2})
	t1 := models.NewVolume(32, 32, 32, 1, [3]float64{1, 1, 1})
	dseg := models.NewVolume(32, 32, 32, 1, [3]float64{1, 1, 1})
	for i := range dseg.Data {
		dseg.Data[i] = float64(i % 4)
	}
	in := Values{
		"pet_ref":          filepath.Join(dir, "petref.nii.gz"),
		"t1w_brain":        filepath.Join(dir, "t1w.nii.gz"),
		"t1w_dseg":         filepath.Join(dir, "dseg.nii.gz"),
		"subjects_dir":     filepath.Join(dir, "freesurfer"),
		"subject_id":       "sub-01",
		"fsnative2t1w_xfm": filepath.Join(dir, "fsnative2t1w.txt"),
	}
	require.NoError(t, nifti.Write(in["pet_ref"].(string), pet))
	require.NoError(t, nifti.Write(in["t1w_brain"].(string), t1))
	require.NoError(t, nifti.Write(in["t1w_dseg"].(string), dseg))
	require.NoError(t, xfmio.WriteITK(in["fsnative2t1w_xfm"].(string), registration.Identity()))
	return in
}

// registrationRunner fakes the registration tools: the coarse estimate is
// the identity and the boundary-based refinement translates by shift.
func registrationRunner(in Values, shift r3.Vec) *RecordingRunner {
	return &RecordingRunner{Hook: func(c Command) error {
		switch c.Tool {
		case "mri_coreg":
			return xfmio.WriteLTA(argAfter(c.Args, "--reg"), registration.Identity(), xfmio.VolumeGeometry{}, xfmio.VolumeGeometry{})
		case "bbregister":
			return xfmio.WriteLTA(argAfter(c.Args, "--lta"), registration.Translation(shift), xfmio.VolumeGeometry{}, xfmio.VolumeGeometry{})
		case "flirt":
			src, err := xfmio.ReadGrid(in["pet_ref"].(string))
			if err != nil {
				return err
			}
			ref, err := xfmio.ReadGrid(in["t1w_brain"].(string))
			if err != nil {
				return err
			}
			m, err := xfmio.RASToFSL(registration.Translation(shift), src, ref)
			if err != nil {
				return err
			}
			return xfmio.WriteFSL(argAfter(c.Args, "-omat"), m)
		}
		return nil
	}}
}

func TestRegistrationFallbackRuns(t *testing.T) {
	tests := []struct {
		name     string
		tool     registration.Tool
		shift    r3.Vec
		fallback bool
		report   string
	}{
		{"freesurfer rejects large shift", registration.FreeSurfer, r3.Vec{X: 20}, true, "coreg"},
		{"freesurfer keeps small shift", registration.FreeSurfer, r3.Vec{X: 5}, false, "bbregister"},
		{"freesurfer keeps shift at threshold", registration.FreeSurfer, r3.Vec{Y: 15}, false, "bbregister"},
		{"fsl rejects large shift", registration.FSL, r3.Vec{Z: -18}, true, "flirtnobbr"},
		{"fsl keeps small shift", registration.FSL, r3.Vec{X: 3, Y: 4}, false, "flirtbbr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := RegistrationPlan(RegistrationOptions{
				Tool: tt.tool, Mode: registration.Auto, Init: registration.InitRegister,
				DOF: 6, ThresholdMM: registration.DefaultThresholdMM,
			})
			require.NoError(t, err)
			in := registrationInputs(t)
			exec := &Executor{Runner: registrationRunner(in, tt.shift), MaxProcs: 2, WorkDir: t.TempDir()}

			res, err := exec.Run(context.Background(), p, in)
			require.NoError(t, err)
			assert.Equal(t, tt.fallback, res.Outputs["fallback"])
			assert.Equal(t, tt.report, res.Outputs["report"])
			assert.Equal(t, registration.Describe(tt.tool, 6, tt.fallback), res.Outputs["description"])
			assert.InDelta(t, r3.Norm(tt.shift), res.Stages["compare_transforms"]["displacement"], 1e-6)

			fwd, err := xfmio.ReadITK(res.Outputs["itk_pet_to_t1"].(string))
			require.NoError(t, err)
			want := registration.Translation(tt.shift)
			if tt.fallback {
				want = registration.Identity()
			}
			assert.True(t, fwd.Equal(want, 1e-6), "forward transform %v", fwd)

			inv, err := xfmio.ReadITK(res.Outputs["itk_t1_to_pet"].(string))
			require.NoError(t, err)
			assert.True(t, inv.Compose(fwd).Equal(registration.Identity(), 1e-6))
		})
	}
}

func TestRegistrationChainsFsnativeToT1w(t *testing.T) {
	p, err := RegistrationPlan(RegistrationOptions{
		Tool: registration.FreeSurfer, Mode: registration.Always, Init: registration.InitRegister, DOF: 6,
	})
	require.NoError(t, err)
	in := registrationInputs(t)
	require.NoError(t, xfmio.WriteITK(in["fsnative2t1w_xfm"].(string), registration.Translation(r3.Vec{Z: 5})))
	exec := &Executor{Runner: registrationRunner(in, r3.Vec{X: 3}), WorkDir: t.TempDir()}

	res, err := exec.Run(context.Background(), p, in)
	require.NoError(t, err)

	fwd, err := xfmio.ReadITK(res.Outputs["itk_pet_to_t1"].(string))
	require.NoError(t, err)
	assert.True(t, fwd.Equal(registration.Translation(r3.Vec{X: 3, Z: 5}), 1e-6), "forward transform %v", fwd)

	// antsApplyTransforms -i pet -r t1w pulls each T1w point from the PET
	// image: the stored map sends RAS (0,0,0) to (-3,0,-5), i.e. LPS (3,0,-5)
	data, err := os.ReadFile(res.Outputs["itk_pet_to_t1"].(string))
	require.NoError(t, err)
	var params []float64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Parameters:") {
			for _, f := range strings.Fields(strings.TrimPrefix(line, "Parameters:")) {
				v, err := strconv.ParseFloat(f, 64)
				require.NoError(t, err)
				params = append(params, v)
			}
		}
	}
	require.Len(t, params, 12)
	assert.InDeltaSlice(t, []float64{3, 0, -5}, params[9:], 1e-6)
}

func TestSelectStageCarriesChosenPath(t *testing.T) {
	in := registrationInputs(t)
	dir := t.TempDir()
	coarse := filepath.Join(dir, "registration.lta")
	refined := filepath.Join(dir, "bbregister.lta")
	require.NoError(t, xfmio.WriteLTA(coarse, registration.Identity(), xfmio.VolumeGeometry{}, xfmio.VolumeGeometry{}))
	require.NoError(t, xfmio.WriteLTA(refined, registration.Translation(r3.Vec{X: 20}), xfmio.VolumeGeometry{}, xfmio.VolumeGeometry{}))
	in["coarse"], in["refined"] = coarse, refined

	s := selectStage(registration.FreeSurfer, 6, Input("coarse"), Input("refined"))
	for _, tt := range []struct {
		fallback bool
		path     string
		report   string
	}{{true, coarse, "coreg"}, {false, refined, "bbregister"}} {
		in["fallback"], in["displacement"] = tt.fallback, 20.0
		out, err := s.Func(context.Background(), in, dir)
		require.NoError(t, err)
		assert.Equal(t, tt.path, out["transform"])
		assert.Equal(t, tt.report, out["report"])
	}

	in["refined"] = filepath.Join(dir, "missing.lta")
	_, err := s.Func(context.Background(), in, dir)
	assert.Error(t, err)
}
