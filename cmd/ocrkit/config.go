package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the ocrkit configuration file (~/.config/ocrkit/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir    string `yaml:"models_dir"`
	Accelerator  string `yaml:"accelerator"`
	NativeLibDir string `yaml:"native_lib_dir"`
	CacheDir     string `yaml:"cache_dir"`

	MaxTokens      *int64         `yaml:"max_tokens"`
	Threads        *int64         `yaml:"threads"`
	Precision      string         `yaml:"precision"`
	GPUSettleDelay *time.Duration `yaml:"gpu_settle_delay"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ocrkit", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := loadConfigFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyConfig copies file values into the flag variables whose flag was not
// set on the command line.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-dir") {
		modelsDir = cfg.ModelsDir
	}
	if cfg.Accelerator != "" && !c.IsSet("accelerator") {
		accelerator = cfg.Accelerator
	}
	if cfg.NativeLibDir != "" && !c.IsSet("native-lib-dir") {
		nativeLibDir = cfg.NativeLibDir
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		maxTokens = *cfg.MaxTokens
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Precision != "" && !c.IsSet("precision") {
		precision = cfg.Precision
	}
	if cfg.GPUSettleDelay != nil && !c.IsSet("gpu-settle-delay") {
		gpuSettleDelay = *cfg.GPUSettleDelay
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		serveAddr = cfg.ServerAddress
	}
}
