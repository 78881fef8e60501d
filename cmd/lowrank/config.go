package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lowrank configuration file (~/.config/lowrank/config.yaml).
// Pointer and empty fields mean "not set"; flags given on the command line
// always win.
type Config struct {
	// Conversion defaults
	TileSize    *int64 `yaml:"tile_size"`
	MaxRank     *int64 `yaml:"max_rank"`
	Workers     *int64 `yaml:"workers"`
	Policy      string `yaml:"policy"`
	Layout      string `yaml:"layout"`
	OutputDType string `yaml:"output_dtype"`
	Merge       string `yaml:"merge"`
	Topology    string `yaml:"topology"`
	BaseModel   string `yaml:"base_model"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxBodyBytes  *int64 `yaml:"max_body_bytes"`
}

var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lowrank", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that does not parse is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyConversionConfig applies config file defaults to conversion flags
// when the corresponding CLI flag was not explicitly set.
func applyConversionConfig(c *cli.Command, cfg Config) {
	if cfg.TileSize != nil && !c.IsSet("tile-size") {
		tileSize = *cfg.TileSize
	}
	if cfg.MaxRank != nil && !c.IsSet("max-rank") {
		maxRank = *cfg.MaxRank
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Policy != "" && !c.IsSet("policy") {
		policy = cfg.Policy
	}
	if cfg.Layout != "" && !c.IsSet("layout") {
		layout = cfg.Layout
	}
	if cfg.OutputDType != "" && !c.IsSet("dtype") {
		outDType = cfg.OutputDType
	}
	if cfg.Merge != "" && !c.IsSet("merge") {
		mergeMode = cfg.Merge
	}
	if cfg.Topology != "" && !c.IsSet("topology") {
		topologyPath = cfg.Topology
	}
	if cfg.BaseModel != "" && !c.IsSet("base") {
		basePath = cfg.BaseModel
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxBody *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxBodyBytes != nil && !c.IsSet("max-body") {
		*maxBody = *cfg.MaxBodyBytes
	}
}
