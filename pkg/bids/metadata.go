package bids

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"petprep/internal/models"
	"petprep/pkg/nifti"
)

// ErrMetadata is returned when a PET sidecar lacks what the pipeline needs
var ErrMetadata = errors.New("invalid PET metadata")

// Metadata is the subset of the PET JSON sidecar used by the pipeline
type Metadata struct {
	FrameTimesStart            []float64 `json:"FrameTimesStart"`
	FrameDuration              []float64 `json:"FrameDuration"`
	InjectedRadioactivity      float64   `json:"InjectedRadioactivity,omitempty"`
	InjectedRadioactivityUnits string    `json:"InjectedRadioactivityUnits,omitempty"`
	ModeOfAdministration       string    `json:"ModeOfAdministration,omitempty"`
	TracerName                 string    `json:"TracerName,omitempty"`
	TracerRadionuclide         string    `json:"TracerRadionuclide,omitempty"`
	Units                      string    `json:"Units,omitempty"`
}

// LoadMetadata reads a JSON sidecar. A ".nii" or ".nii.gz" path is
// resolved to the sidecar next to it.
func LoadMetadata(path string) (*Metadata, error) {
	path = SidecarPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar %s: %w", path, err)
	}
	return &m, nil
}

// SidecarPath returns the JSON sidecar belonging to an image path
func SidecarPath(path string) string {
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + ".json"
		}
	}
	return path
}

// Validate checks that frame timing is present and consistent
func (m *Metadata) Validate() error {
	if len(m.FrameTimesStart) == 0 {
		return fmt.Errorf("%w: FrameTimesStart is empty", ErrMetadata)
	}
	if len(m.FrameTimesStart) != len(m.FrameDuration) {
		return fmt.Errorf("%w: %d frame starts but %d durations", ErrMetadata,
			len(m.FrameTimesStart), len(m.FrameDuration))
	}
	for i, d := range m.FrameDuration {
		if !(d > 0) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: frame %d has duration %g", ErrMetadata, i, d)
		}
		if math.IsNaN(m.FrameTimesStart[i]) || math.IsInf(m.FrameTimesStart[i], 0) {
			return fmt.Errorf("%w: frame %d has start %g", ErrMetadata, i, m.FrameTimesStart[i])
		}
	}
	return nil
}

// Timing returns the frame timing in the shared model form
func (m *Metadata) Timing() models.FrameTiming {
	return models.FrameTiming{
		Start:    append([]float64(nil), m.FrameTimesStart...),
		Duration: append([]float64(nil), m.FrameDuration...),
	}
}

// MemoryEstimate holds per-series memory hints in GB for tool invocations
type MemoryEstimate struct {
	FileSizeGB  float64 `yaml:"filesize"`
	ResampledGB float64 `yaml:"resampled"`
	LargeMemGB  float64 `yaml:"largemem"`
	Frames      int     `yaml:"frames"`
}

// DefaultMemory is used when the PET file cannot be inspected
var DefaultMemory = MemoryEstimate{FileSizeGB: 1, ResampledGB: 1, LargeMemGB: 1, Frames: 10}

// EstimateMemory sizes the memory needs of a PET series from its file size
// and number of frames.
func EstimateMemory(petFile string) (MemoryEstimate, error) {
	st, err := os.Stat(petFile)
	if err != nil {
		return DefaultMemory, err
	}
	h, err := nifti.ReadHeader(petFile)
	if err != nil {
		return DefaultMemory, err
	}
	return MemoryFor(st.Size(), h.Shape()[3]), nil
}

// MemoryFor computes the estimate for a file of size bytes holding frames frames
func MemoryFor(size int64, frames int) MemoryEstimate {
	gb := float64(size) / (1 << 30)
	return MemoryEstimate{
		FileSizeGB:  gb,
		ResampledGB: gb * 4,
		LargeMemGB:  gb * (math.Max(float64(frames)/100, 1) + 4),
		Frames:      frames,
	}
}
