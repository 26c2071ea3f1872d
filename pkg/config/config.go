// Package config provides configuration loading and management for tractoprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Output file names, all relative to the output directory
	Outputs struct {
		Anat    string `yaml:"anat"`
		DWI     string `yaml:"dwi"`
		Bval    string `yaml:"bval"`
		Bvec    string `yaml:"bvec"`
		RevB0   string `yaml:"revB0"`
		Summary string `yaml:"summary"`

		// FileMode is applied to copied input files
		FileMode uint32 `yaml:"fileMode"`
	} `yaml:"outputs"`

	// Anatomical selection markers
	Selection struct {
		FilenameMarkers []string `yaml:"filenameMarkers"`
		CoilModes       []string `yaml:"coilModes"`
		ProtocolMarkers []string `yaml:"protocolMarkers"`
	} `yaml:"selection"`

	// Diffusion merge parameters
	Diffusion struct {
		// DefaultReadoutTime is used when sidecars carry no readout time (seconds)
		DefaultReadoutTime float64 `yaml:"defaultReadoutTime"`

		// Extension restricts indexed images
		Extension string `yaml:"extension"`
	} `yaml:"diffusion"`

	// Shell analysis parameters
	Shells struct {
		OrderThreshold int `yaml:"orderThreshold"`
		OrderCeiling   int `yaml:"orderCeiling"`
	} `yaml:"shells"`

	// BIDS filter file handling
	Filter struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"filter"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Quality-control previews of written volumes
	QC struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
		Size    int    `yaml:"size"`
	} `yaml:"qc"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Outputs.Anat = "t1.nii.gz"
	cfg.Outputs.DWI = "dwi.nii.gz"
	cfg.Outputs.Bval = "bval"
	cfg.Outputs.Bvec = "bvec"
	cfg.Outputs.RevB0 = "rev_b0.nii.gz"
	cfg.Outputs.Summary = "tractoprep.yaml"
	cfg.Outputs.FileMode = 0644

	cfg.Selection.FilenameMarkers = []string{"flair"}
	cfg.Selection.CoilModes = []string{"sense"}
	cfg.Selection.ProtocolMarkers = []string{"neuromel"}

	cfg.Diffusion.DefaultReadoutTime = 0.062
	cfg.Diffusion.Extension = ".nii.gz"

	cfg.Shells.OrderThreshold = 6
	cfg.Shells.OrderCeiling = 8

	cfg.Filter.Enabled = true
	cfg.Filter.Dir = "."

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.QC.Enabled = false
	cfg.QC.Dir = "qc"
	cfg.QC.Size = 256

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks values that would make a run fail late
func (c *Config) Validate() error {
	names := map[string]string{
		"anat":  c.Outputs.Anat,
		"dwi":   c.Outputs.DWI,
		"bval":  c.Outputs.Bval,
		"bvec":  c.Outputs.Bvec,
		"revB0": c.Outputs.RevB0,
	}
	seen := make(map[string]string)
	for key, name := range names {
		if name == "" {
			return fmt.Errorf("outputs.%s must not be empty", key)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("outputs.%s and outputs.%s both write %q", key, other, name)
		}
		seen[name] = key
	}
	if c.Diffusion.DefaultReadoutTime <= 0 {
		return fmt.Errorf("diffusion.defaultReadoutTime must be positive, got %f", c.Diffusion.DefaultReadoutTime)
	}
	if c.Shells.OrderCeiling < c.Shells.OrderThreshold {
		return fmt.Errorf("shells.orderCeiling (%d) is below shells.orderThreshold (%d)",
			c.Shells.OrderCeiling, c.Shells.OrderThreshold)
	}
	if c.QC.Size <= 0 {
		return fmt.Errorf("qc.size must be positive, got %d", c.QC.Size)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
