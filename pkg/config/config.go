// Package config provides configuration loading and management for petprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"petprep/pkg/registration"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds how many pipeline stages run at once
		NumCores int `yaml:"numCores"`

		// OMPThreads is the thread count handed to each multi-threaded tool
		OMPThreads int `yaml:"ompThreads"`

		// MemGB is the memory available to the whole run; 0 means unlimited
		MemGB float64 `yaml:"memGB"`

		// Sloppy trades accuracy for speed, for testing
		Sloppy bool `yaml:"sloppy"`
	} `yaml:"processing"`

	// PET-to-T1w registration parameters
	Registration struct {
		// FreeSurfer selects mri_coreg/bbregister; otherwise FSL flirt is used
		FreeSurfer bool `yaml:"freesurfer"`

		// UseBBR is the boundary-based refinement policy: auto, always or never
		UseBBR string `yaml:"useBBR"`

		// DOF is the degrees of freedom of the PET-T1w registration (6, 9 or 12)
		DOF int `yaml:"dof"`

		// Init is register (coarse registration first) or header
		Init string `yaml:"init"`

		// FallbackThresholdMM is the displacement beyond which BBR is rejected
		FallbackThresholdMM float64 `yaml:"fallbackThresholdMM"`
	} `yaml:"registration"`

	// Head-motion estimation parameters
	Motion struct {
		// StartTimeSec is the mid-frame time after which frames drive the motion template
		StartTimeSec float64 `yaml:"startTimeSec"`

		// SmoothFWHM is the Gaussian smoothing applied to each frame, in mm
		SmoothFWHM float64 `yaml:"smoothFWHM"`

		// ThresholdPercent is the robust-range percentage below which voxels are zeroed
		ThresholdPercent float64 `yaml:"thresholdPercent"`
	} `yaml:"motion"`

	// Output parameters
	Output struct {
		// WorkDir holds intermediate stage directories
		WorkDir string `yaml:"workDir"`

		// OutputDir is the derivatives directory
		OutputDir string `yaml:"outputDir"`

		// Compress writes .nii.gz instead of .nii
		Compress bool `yaml:"compress"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Plots enables motion plots and QC snapshots
		Plots bool `yaml:"plots"`
	} `yaml:"output"`

	// Tools maps logical tool names (mri_coreg, flirt, ...) to executables
	Tools map[string]string `yaml:"tools"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.OMPThreads = 1
	cfg.Processing.MemGB = 0
	cfg.Processing.Sloppy = false

	cfg.Registration.FreeSurfer = true
	cfg.Registration.UseBBR = "auto"
	cfg.Registration.DOF = 6
	cfg.Registration.Init = string(registration.InitRegister)
	cfg.Registration.FallbackThresholdMM = registration.DefaultThresholdMM

	cfg.Motion.StartTimeSec = 120
	cfg.Motion.SmoothFWHM = 10
	cfg.Motion.ThresholdPercent = 20

	cfg.Output.WorkDir = "work"
	cfg.Output.OutputDir = "derivatives/petprep"
	cfg.Output.Compress = true
	cfg.Output.Verbose = false
	cfg.Output.Plots = true

	cfg.Tools = map[string]string{}

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges and option names
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	if c.Processing.OMPThreads < 1 {
		return fmt.Errorf("processing.ompThreads must be at least 1, got %d", c.Processing.OMPThreads)
	}
	if c.Processing.MemGB < 0 {
		return fmt.Errorf("processing.memGB must not be negative, got %g", c.Processing.MemGB)
	}
	if _, err := c.BBRMode(); err != nil {
		return fmt.Errorf("registration.useBBR: %w", err)
	}
	if !registration.ValidDOF(c.Registration.DOF) {
		return fmt.Errorf("registration.dof must be 6, 9 or 12, got %d", c.Registration.DOF)
	}
	switch registration.Init(c.Registration.Init) {
	case registration.InitRegister, registration.InitHeader:
	default:
		return fmt.Errorf("registration.init must be register or header, got %q", c.Registration.Init)
	}
	if !(c.Registration.FallbackThresholdMM >= 0) {
		return fmt.Errorf("registration.fallbackThresholdMM must be non-negative, got %g", c.Registration.FallbackThresholdMM)
	}
	if c.Motion.SmoothFWHM < 0 {
		return fmt.Errorf("motion.smoothFWHM must not be negative, got %g", c.Motion.SmoothFWHM)
	}
	if c.Motion.ThresholdPercent < 0 || c.Motion.ThresholdPercent > 100 {
		return fmt.Errorf("motion.thresholdPercent must be within [0, 100], got %g", c.Motion.ThresholdPercent)
	}
	return nil
}

// BBRMode parses the registration.useBBR setting
func (c *Config) BBRMode() (registration.Mode, error) {
	return registration.ParseMode(c.Registration.UseBBR)
}

// RegistrationTool returns the suite performing PET-T1w registration
func (c *Config) RegistrationTool() registration.Tool {
	if c.Registration.FreeSurfer {
		return registration.FreeSurfer
	}
	return registration.FSL
}

// ImageExt is the extension of images the pipeline writes
func (c *Config) ImageExt() string {
	if c.Output.Compress {
		return ".nii.gz"
	}
	return ".nii"
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
