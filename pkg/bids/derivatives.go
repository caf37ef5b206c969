package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment keys describing the container a run happens in
const (
	EnvDockerTag      = "PETPREP_DOCKER_TAG"
	EnvSingularityURL = "PETPREP_SINGULARITY_URL"
)

// CodeURL is where the pipeline's source is published
const CodeURL = "https://github.com/nipreps/petprep"

var bidsIgnore = []string{
	"*.html", "logs/", "figures/",
	"*_xfm.*",
	"*.surf.gii",
	"*_petref.nii.gz", "*_pet.func.gii",
	"*_timeseries.tsv",
}

// WriteBIDSIgnore writes the .bidsignore of a derivatives directory
func WriteBIDSIgnore(derivDir string) error {
	if err := os.MkdirAll(derivDir, 0755); err != nil {
		return fmt.Errorf("failed to create derivatives directory: %w", err)
	}
	content := strings.Join(bidsIgnore, "\n") + "\n"
	return os.WriteFile(filepath.Join(derivDir, ".bidsignore"), []byte(content), 0644)
}

// Container describes the image a run executed in
type Container struct {
	Type string `json:"Type"`
	Tag  string `json:"Tag,omitempty"`
	URI  string `json:"URI,omitempty"`
}

// GeneratedBy identifies the software that produced a derivative dataset
type GeneratedBy struct {
	Name      string     `json:"Name"`
	Version   string     `json:"Version"`
	CodeURL   string     `json:"CodeURL"`
	Container *Container `json:"Container,omitempty"`
}

// SourceDataset points at the raw dataset a derivative was built from
type SourceDataset struct {
	URL string `json:"URL"`
	DOI string `json:"DOI"`
}

// DatasetDescription is the dataset_description.json of the derivatives
type DatasetDescription struct {
	Name             string          `json:"Name"`
	BIDSVersion      string          `json:"BIDSVersion"`
	DatasetType      string          `json:"DatasetType"`
	GeneratedBy      []GeneratedBy   `json:"GeneratedBy"`
	HowToAcknowledge string          `json:"HowToAcknowledge"`
	SourceDatasets   []SourceDataset `json:"SourceDatasets,omitempty"`
	License          string          `json:"License,omitempty"`
}

// NewDerivativeDescription builds the description for a run of the given
// version. Container details come from the environment, DOI and license
// from the source dataset description (which may be absent).
func NewDerivativeDescription(bidsDir, version string) (*DatasetDescription, error) {
	gen := GeneratedBy{Name: "PETPrep", Version: version, CodeURL: CodeURL}
	if tag, ok := os.LookupEnv(EnvDockerTag); ok {
		gen.Container = &Container{Type: "docker", Tag: "nipreps/petprep:" + tag}
	}
	if uri, ok := os.LookupEnv(EnvSingularityURL); ok {
		gen.Container = &Container{Type: "singularity", URI: uri}
	}
	desc := &DatasetDescription{
		Name:             "PETPrep - PET PREProcessing workflow",
		BIDSVersion:      "1.8.0",
		DatasetType:      "derivative",
		GeneratedBy:      []GeneratedBy{gen},
		HowToAcknowledge: "Include the generated citation boilerplate within the Methods section of the text.",
	}

	data, err := os.ReadFile(filepath.Join(bidsDir, "dataset_description.json"))
	switch {
	case os.IsNotExist(err):
		return desc, nil
	case err != nil:
		return nil, err
	}
	var orig struct {
		DatasetDOI string `json:"DatasetDOI"`
		License    string `json:"License"`
	}
	if err := json.Unmarshal(data, &orig); err != nil {
		return nil, fmt.Errorf("failed to parse source dataset description: %w", err)
	}
	if orig.DatasetDOI != "" {
		desc.SourceDatasets = []SourceDataset{{
			URL: "https://doi.org/" + orig.DatasetDOI,
			DOI: orig.DatasetDOI,
		}}
	}
	desc.License = orig.License
	return desc, nil
}

// WriteDerivativeDescription writes dataset_description.json into derivDir
func WriteDerivativeDescription(bidsDir, derivDir, version string) error {
	desc, err := NewDerivativeDescription(bidsDir, version)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(desc, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(derivDir, 0755); err != nil {
		return fmt.Errorf("failed to create derivatives directory: %w", err)
	}
	return os.WriteFile(filepath.Join(derivDir, "dataset_description.json"), data, 0644)
}

// ParticipantSelection is the outcome of matching requested labels to a dataset
type ParticipantSelection struct {
	Selected []string
	Ignored  []string
}

// CheckParticipants matches requested participant labels (with or without
// the "sub-" prefix) against the sub-* directories of a dataset. An empty
// request selects everyone. Labels without data are an error.
func CheckParticipants(bidsDir string, labels []string) (ParticipantSelection, error) {
	dirs, err := filepath.Glob(filepath.Join(bidsDir, "sub-*"))
	if err != nil {
		return ParticipantSelection{}, err
	}
	all := map[string]bool{}
	for _, d := range dirs {
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			all[SubjectLabel(filepath.Base(d))] = true
		}
	}

	var sel ParticipantSelection
	if len(labels) == 0 {
		for s := range all {
			sel.Selected = append(sel.Selected, s)
		}
		sort.Strings(sel.Selected)
		return sel, nil
	}

	want := map[string]bool{}
	var missing []string
	for _, l := range labels {
		s := SubjectLabel(l)
		if want[s] {
			continue
		}
		want[s] = true
		if !all[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return ParticipantSelection{}, fmt.Errorf("data for requested participant(s) not found: %s",
			strings.Join(missing, ","))
	}
	for s := range want {
		sel.Selected = append(sel.Selected, s)
	}
	for s := range all {
		if !want[s] {
			sel.Ignored = append(sel.Ignored, s)
		}
	}
	sort.Strings(sel.Selected)
	sort.Strings(sel.Ignored)
	return sel, nil
}
