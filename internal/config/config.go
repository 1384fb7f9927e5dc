package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "1500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the service configuration loaded from YAML.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Model struct {
		// Path points at the versioned ONNX model artifact.
		Path string `yaml:"path"`
		// Labels maps model output indexes to identity labels.
		Labels         []string `yaml:"labels"`
		PredictTimeout Duration `yaml:"predict_timeout"`
	} `yaml:"model"`

	Verification struct {
		// BatchSize is the number of images per verification attempt.
		BatchSize int `yaml:"batch_size"`
		// DetectDuration is how long the detection phase waits for a
		// subject before collection starts. Zero makes sessions run
		// without artificial delay.
		DetectDuration Duration `yaml:"detect_duration"`
	} `yaml:"verification"`

	Dataset struct {
		Dir string `yaml:"dir"`
	} `yaml:"dataset"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Model.Path = "models/resnet18_identity.onnx"
	cfg.Model.Labels = []string{
		"ID_1", "ID_2", "ID_3", "ID_4", "ID_5",
		"ID_6", "ID_7", "ID_8", "ID_9", "ID_10",
	}
	cfg.Model.PredictTimeout = Duration(5 * time.Second)
	cfg.Verification.BatchSize = 3
	cfg.Verification.DetectDuration = Duration(2 * time.Second)
	cfg.Dataset.Dir = "dataset"
	return cfg
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Verification.BatchSize <= 0 {
		return fmt.Errorf("verification.batch_size must be positive, got %d", c.Verification.BatchSize)
	}
	if len(c.Model.Labels) == 0 {
		return fmt.Errorf("model.labels must not be empty")
	}
	if c.Model.PredictTimeout <= 0 {
		return fmt.Errorf("model.predict_timeout must be positive")
	}
	return nil
}
