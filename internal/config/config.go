package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so that YAML values like "7s" parse.
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

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SerialConfig describes one serial device attachment.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// IMUConfig configures the inertial unit.
type IMUConfig struct {
	I2CBus  string `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
	// CalibrationFile, when set, receives the startup bias as JSON.
	CalibrationFile string `yaml:"calibration_file"`
}

// CloudConfig holds the backend endpoints and credentials.
type CloudConfig struct {
	DatabaseURL      string        `yaml:"database_url"`
	APIKey           string        `yaml:"api_key"`
	Email            string        `yaml:"email"`
	Password         string        `yaml:"password"`
	UserID           string        `yaml:"user_id"`
	PushInterval     Duration `yaml:"push_interval"`
	ControlPoll      Duration `yaml:"control_poll"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	SpeedLimitURL    string        `yaml:"speed_limit_url"`
	SpeedLimitAPIKey string        `yaml:"speed_limit_api_key"`
	SpeedLimitEvery  Duration `yaml:"speed_limit_every"`
}

// LogConfig configures the logrus sink.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the full configuration for both the sampler and the
// warning-engine processes. Each binary reads the sections it needs.
type Config struct {
	SampleRateHz int          `yaml:"sample_rate_hz"`
	DataDir      string       `yaml:"data_dir"`
	ImageDir     string       `yaml:"image_dir"`
	GNSS         SerialConfig `yaml:"gnss"`
	IMU          IMUConfig    `yaml:"imu"`
	Cloud        CloudConfig  `yaml:"cloud"`
	Log          LogConfig    `yaml:"log"`
	// MetricsAddr enables the Prometheus listener when non-empty,
	// e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
	// ModelWeights is the path to the turn/bump classifier artifact.
	// Only read by the warning engine.
	ModelWeights string `yaml:"model_weights"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SampleRateHz: 104,
		DataDir:      ".",
		ImageDir:     "captured_images",
		GNSS: SerialConfig{
			Port: "/dev/serial0",
			Baud: 9600,
		},
		IMU: IMUConfig{
			I2CBus:  "1",
			Address: 0x68,
		},
		Cloud: CloudConfig{
			PushInterval:    Duration(7 * time.Second),
			ControlPoll:     Duration(10 * time.Second),
			RequestTimeout:  Duration(5 * time.Second),
			SpeedLimitEvery: Duration(50 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values for obvious mistakes.
func (c *Config) Validate() error {
	if c.SampleRateHz < 1 || c.SampleRateHz > 1000 {
		return fmt.Errorf("sample_rate_hz must be within 1-1000, got %d", c.SampleRateHz)
	}
	if c.GNSS.Baud < 0 {
		return fmt.Errorf("gnss baud must not be negative, got %d", c.GNSS.Baud)
	}
	if c.Cloud.PushInterval <= 0 {
		return fmt.Errorf("cloud push_interval must be positive, got %s", c.Cloud.PushInterval.Std())
	}
	if c.Cloud.ControlPoll <= 0 {
		return fmt.Errorf("cloud control_poll must be positive, got %s", c.Cloud.ControlPoll.Std())
	}
	if c.Cloud.RequestTimeout <= 0 {
		return fmt.Errorf("cloud request_timeout must be positive, got %s", c.Cloud.RequestTimeout.Std())
	}
	return nil
}
