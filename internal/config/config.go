package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/board"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directories
	WorkDir    string `mapstructure:"work-dir"`
	ResultsDir string `mapstructure:"results-dir"`
	DeviceDir  string `mapstructure:"device-dir"`

	// Host image server
	ImageTmpDir string `mapstructure:"image-tmpdir"`
	ImageURL    string `mapstructure:"image-url"`
	ListenAddr  string `mapstructure:"listen-addr"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Lab network
	ServerIP string `mapstructure:"server-ip"`
	Proxy    string `mapstructure:"proxy"`

	// Host extraction limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Host downloads
	DownloadRetries int `mapstructure:"download-retries"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/jobs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("work-dir", "/tmp/boardlab")
	viper.SetDefault("results-dir", ".artifacts/results")
	viper.SetDefault("device-dir", "/etc/boardlab/devices")
	viper.SetDefault("image-tmpdir", "/var/lib/boardlab/images")
	viper.SetDefault("image-url", "http://localhost:8080/images/")
	viper.SetDefault("listen-addr", ":8080")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("server-ip", "")
	viper.SetDefault("proxy", "")
	viper.SetDefault("max-file-size", archive.DefaultLimits.MaxFileSize)
	viper.SetDefault("max-total-size", archive.DefaultLimits.MaxTotalSize)
	viper.SetDefault("max-compression-ratio", archive.DefaultLimits.MaxCompressionRatio)
	viper.SetDefault("download-retries", 5)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be BOARDLAB_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("BOARDLAB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.boardlab")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ImageTmpDir == "" {
		return fmt.Errorf("image-tmpdir cannot be empty")
	}
	if c.ImageURL == "" {
		return fmt.Errorf("image-url cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.DownloadRetries < 1 {
		return fmt.Errorf("download-retries must be at least 1")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Limits returns the host extraction limits.
func (c *Config) Limits() archive.Limits {
	return archive.Limits{
		MaxFileSize:         c.MaxFileSize,
		MaxTotalSize:        c.MaxTotalSize,
		MaxCompressionRatio: c.MaxCompressionRatio,
	}
}

// Level parses log-level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return l, nil
}

// DevicePath resolves a device name or file to its config file. A bare
// name is looked up as <device-dir>/<name>.yaml.
func (c *Config) DevicePath(nameOrPath string) string {
	if strings.ContainsRune(nameOrPath, filepath.Separator) || filepath.Ext(nameOrPath) != "" {
		return nameOrPath
	}
	return filepath.Join(c.DeviceDir, nameOrPath+".yaml")
}

// LoadDevice reads one board's configuration file. Keys the file leaves out
// take their defaults. The hostname defaults to the file's base name.
func LoadDevice(path string) (*device.Config, error) {
	v := viper.New()
	for k, val := range device.Defaults() {
		v.SetDefault(k, val)
	}
	v.SetDefault("hostname", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		slog.Error("device_config_read_failed", "path", path, "error", err)
		return nil, errors.Config("failed to read device config "+path, err)
	}

	var cfg device.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Config("failed to decode device config "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config("invalid device config "+path, err)
	}
	if _, err := board.Select(&cfg); err != nil {
		return nil, errors.Config("invalid device config "+path, err)
	}

	slog.Info("device_config_loaded", "device", cfg.Hostname, "board_profile", cfg.BoardProfile)
	return &cfg, nil
}
