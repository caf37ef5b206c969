package bids

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petprep/internal/models"
	"petprep/pkg/nifti"
)

func TestParseEntities(t *testing.T) {
	e := ParseEntities("/data/sub-01/ses-baseline/pet/sub-01_ses-baseline_trc-FDG_rec-acdyn_run-2_pet.nii.gz")
	assert.Equal(t, Entities{
		"subject":        "01",
		"session":        "baseline",
		"tracer":         "FDG",
		"reconstruction": "acdyn",
		"run":            "2",
		"suffix":         "pet",
		"datatype":       "pet",
		"extension":      ".nii.gz",
	}, e)

	e = ParseEntities("sub-01_T1w.nii")
	assert.Equal(t, Entities{"subject": "01", "suffix": "T1w", "extension": ".nii"}, e)
}

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities([]string{
		"sub-01/anat/sub-01_run-2_T1w.nii.gz",
		"sub-01/anat/sub-01_run-1_T1w.nii.gz",
		"sub-01/anat/sub-01_run-1_T1w.nii.gz",
	})
	assert.Equal(t, []string{"1", "2"}, got["run"])
	assert.Equal(t, []string{"01"}, got["subject"])
	assert.Equal(t, []string{"anat"}, got["datatype"])
}

func TestWorkflowName(t *testing.T) {
	tests := map[string]string{
		"/made/up/sub-01_trc-FDG_pet.nii.gz":         "pet_preproc_trc_FDG_wf",
		"/made/up/sub-01_trc-FDG_run-01_pet.nii.gz":  "pet_preproc_trc_FDG_run_01_wf",
		"sub-01_ses-1_trc-PiB_rec-OSEM_pet.nii":      "pet_preproc_ses_1_trc_PiB_rec_OSEM_wf",
		"sub-02_pet.nii.gz":                          "pet_preproc_wf",
	}
	for in, want := range tests {
		assert.Equal(t, want, WorkflowName(in), in)
	}
}

func TestFormatEntities(t *testing.T) {
	e := ParseEntities("sub-01_trc-FDG_run-1_pet.nii.gz")
	assert.Equal(t, "sub-01_trc-FDG_run-1", FormatEntities(e))
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()
	sidecar := filepath.Join(dir, "sub-01_pet.json")
	require.NoError(t, os.WriteFile(sidecar, []byte(`{
		"FrameTimesStart": [0, 60, 180],
		"FrameDuration": [60, 120, 300],
		"InjectedRadioactivity": 370,
		"InjectedRadioactivityUnits": "MBq",
		"ModeOfAdministration": "bolus",
		"TracerName": "FDG",
		"TracerRadionuclide": "F18"
	}`), 0644))

	m, err := LoadMetadata(filepath.Join(dir, "sub-01_pet.nii.gz"))
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, "FDG", m.TracerName)
	assert.Equal(t, 370.0, m.InjectedRadioactivity)
	assert.Equal(t, 3, m.Timing().Len())

	_, err = LoadMetadata(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMetadataValidate(t *testing.T) {
	cases := map[string]Metadata{
		"empty":     {},
		"mismatch":  {FrameTimesStart: []float64{0, 1}, FrameDuration: []float64{1}},
		"zero":      {FrameTimesStart: []float64{0}, FrameDuration: []float64{0}},
		"negative":  {FrameTimesStart: []float64{0}, FrameDuration: []float64{-3}},
	}
	for name, m := range cases {
		assert.ErrorIs(t, m.Validate(), ErrMetadata, name)
	}
}

func TestMemoryFor(t *testing.T) {
	m := MemoryFor(1<<30, 50)
	assert.Equal(t, 1.0, m.FileSizeGB)
	assert.Equal(t, 4.0, m.ResampledGB)
	assert.Equal(t, 5.0, m.LargeMemGB)

	m = MemoryFor(1<<30, 300)
	assert.Equal(t, 7.0, m.LargeMemGB)
}

func TestEstimateMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub-01_pet.nii")
	require.NoError(t, nifti.Write(path, models.NewVolume(4, 4, 4, 12, [3]float64{2, 2, 2})))

	m, err := EstimateMemory(path)
	require.NoError(t, err)
	assert.Equal(t, 12, m.Frames)
	assert.Greater(t, m.FileSizeGB, 0.0)

	m, err = EstimateMemory(filepath.Join(t.TempDir(), "none.nii"))
	assert.Error(t, err)
	assert.Equal(t, DefaultMemory, m)
}

func TestWriteBIDSIgnore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "petprep")
	require.NoError(t, WriteBIDSIgnore(dir))
	data, err := os.ReadFile(filepath.Join(dir, ".bidsignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "*_xfm.*\n")
}

func TestWriteDerivativeDescription(t *testing.T) {
	bidsDir, derivDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bidsDir, "dataset_description.json"),
		[]byte(`{"Name": "raw", "DatasetDOI": "10.18112/openneuro.ds000001", "License": "CC0"}`), 0644))
	t.Setenv(EnvDockerTag, "1.0.0")

	require.NoError(t, WriteDerivativeDescription(bidsDir, derivDir, "1.0.0"))

	data, err := os.ReadFile(filepath.Join(derivDir, "dataset_description.json"))
	require.NoError(t, err)
	var desc DatasetDescription
	require.NoError(t, json.Unmarshal(data, &desc))

	assert.Equal(t, "derivative", desc.DatasetType)
	assert.Equal(t, "CC0", desc.License)
	require.Len(t, desc.SourceDatasets, 1)
	assert.Equal(t, "https://doi.org/10.18112/openneuro.ds000001", desc.SourceDatasets[0].URL)
	require.NotNil(t, desc.GeneratedBy[0].Container)
	assert.Equal(t, "nipreps/petprep:1.0.0", desc.GeneratedBy[0].Container.Tag)
}

func TestDerivativeDescriptionWithoutSource(t *testing.T) {
	desc, err := NewDerivativeDescription(t.TempDir(), "dev")
	require.NoError(t, err)
	assert.Empty(t, desc.SourceDatasets)
	assert.Empty(t, desc.License)
}

func TestCheckParticipants(t *testing.T) {
	dir := t.TempDir()
	for _, s := range []string{"sub-01", "sub-02", "sub-03"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, s), 0755))
	}

	sel, err := CheckParticipants(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "03"}, sel.Selected)

	sel, err = CheckParticipants(dir, []string{"sub-02", "01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02"}, sel.Selected)
	assert.Equal(t, []string{"03"}, sel.Ignored)

	_, err = CheckParticipants(dir, []string{"04", "01"})
	assert.ErrorContains(t, err, "04")
}
