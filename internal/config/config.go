// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the per-stage config files every cellmap
// subcommand takes via --config_path: viper defaults, then file, then
// CELLMAP_-prefixed environment, then explicit flags.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix for cellmap settings.
const envPrefix = "CELLMAP"

// ConfigError reports a missing or invalid required config key or
// file path. It is always fatal and surfaced to the log before
// any I/O begins.
type ConfigError struct {
	Stage string
	Key   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Stage, e.Key, e.Err)
	}
	return fmt.Sprintf("config: %s: missing required key %q", e.Stage, e.Key)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PrecomputeConfig configures the precompute stage.
type PrecomputeConfig struct {
	ReferencePath string  `mapstructure:"reference_path"`
	TaxonomyPath  string  `mapstructure:"taxonomy_path"`
	OutputPath    string  `mapstructure:"output_path"`
	ChunkSize     int     `mapstructure:"chunk_size"`
	Workers       int     `mapstructure:"workers"`
	Normalization string  `mapstructure:"normalization"`
	LocalTmp      string  `mapstructure:"local_tmp"`
	MaxGB         float64 `mapstructure:"max_gb"`
}

func (c *PrecomputeConfig) validate(stage string) error {
	if c.ReferencePath == "" {
		return &ConfigError{Stage: stage, Key: "reference_path"}
	}
	if c.TaxonomyPath == "" {
		return &ConfigError{Stage: stage, Key: "taxonomy_path"}
	}
	if c.OutputPath == "" {
		return &ConfigError{Stage: stage, Key: "output_path"}
	}
	return nil
}

// ScoreMarkersConfig configures the pair-scoring stage.
type ScoreMarkersConfig struct {
	StatsPath     string  `mapstructure:"stats_path"`
	TaxonomyPath  string  `mapstructure:"taxonomy_path"`
	OutputPath    string  `mapstructure:"output_path"`
	PValueMask    string  `mapstructure:"p_value_mask"`
	Q1Th          float64 `mapstructure:"q1_th"`
	QdiffTh       float64 `mapstructure:"qdiff_th"`
	Log2FoldTh    float64 `mapstructure:"log2fold_th"`
	PTh           float64 `mapstructure:"p_th"`
	Relaxed       bool    `mapstructure:"relaxed"`
	Q1MinTh       float64 `mapstructure:"q1_min_th"`
	QdiffMinTh    float64 `mapstructure:"qdiff_min_th"`
	Log2FoldMinTh float64 `mapstructure:"log2fold_min_th"`
	NValid        int     `mapstructure:"n_valid"`
}

func (c *ScoreMarkersConfig) validate(stage string) error {
	if c.StatsPath == "" {
		return &ConfigError{Stage: stage, Key: "stats_path"}
	}
	if c.TaxonomyPath == "" {
		return &ConfigError{Stage: stage, Key: "taxonomy_path"}
	}
	if c.OutputPath == "" {
		return &ConfigError{Stage: stage, Key: "output_path"}
	}
	return nil
}

// SelectMarkersConfig configures the marker-selection stage.
type SelectMarkersConfig struct {
	ReferenceMarkersPath string `mapstructure:"reference_markers_path"`
	TaxonomyPath         string `mapstructure:"taxonomy_path"`
	QueryPath            string `mapstructure:"query_path"`
	OutputPath           string `mapstructure:"output_path"`
	NPerUtility          int    `mapstructure:"n_per_utility"`
	BehemothCutoff       int    `mapstructure:"behemoth_cutoff"`
	Workers              int    `mapstructure:"workers"`
}

func (c *SelectMarkersConfig) validate(stage string) error {
	if c.ReferenceMarkersPath == "" {
		return &ConfigError{Stage: stage, Key: "reference_markers_path"}
	}
	if c.TaxonomyPath == "" {
		return &ConfigError{Stage: stage, Key: "taxonomy_path"}
	}
	if c.QueryPath == "" {
		return &ConfigError{Stage: stage, Key: "query_path"}
	}
	if c.OutputPath == "" {
		return &ConfigError{Stage: stage, Key: "output_path"}
	}
	return nil
}

// ClassifyConfig configures the classification stage.
type ClassifyConfig struct {
	QueryPath          string  `mapstructure:"query_path"`
	StatsPath          string  `mapstructure:"stats_path"`
	TaxonomyPath       string  `mapstructure:"taxonomy_path"`
	MarkerCachePath    string  `mapstructure:"marker_cache_path"`
	OutputPath         string  `mapstructure:"output_path"`
	BootstrapFactor    float64 `mapstructure:"bootstrap_factor"`
	BootstrapIteration int     `mapstructure:"bootstrap_iteration"`
	ChunkSize          int     `mapstructure:"chunk_size"`
	Workers            int     `mapstructure:"workers"`
	RootSeed           uint64  `mapstructure:"root_seed"`
	Normalization      string  `mapstructure:"normalization"`
	PerChunkFiles      bool    `mapstructure:"per_chunk_files"`
	CSVPath            string  `mapstructure:"csv_path"`
	LocalTmp           string  `mapstructure:"local_tmp"`
	MaxGB              float64 `mapstructure:"max_gb"`
}

func (c *ClassifyConfig) validate(stage string) error {
	if c.QueryPath == "" {
		return &ConfigError{Stage: stage, Key: "query_path"}
	}
	if c.StatsPath == "" {
		return &ConfigError{Stage: stage, Key: "stats_path"}
	}
	if c.TaxonomyPath == "" {
		return &ConfigError{Stage: stage, Key: "taxonomy_path"}
	}
	if c.MarkerCachePath == "" {
		return &ConfigError{Stage: stage, Key: "marker_cache_path"}
	}
	if c.OutputPath == "" {
		return &ConfigError{Stage: stage, Key: "output_path"}
	}
	return nil
}

// Loader wraps a viper.Viper bound to the cellmap env prefix, file
// format, and per-stage defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader reading configPath (JSON or YAML, by
// extension) if non-empty; with no path, only defaults and
// CELLMAP_-prefixed environment variables apply.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &ConfigError{Stage: "load", Key: configPath, Err: err}
			}
			return nil, &ConfigError{Stage: "load", Key: configPath, Err: fmt.Errorf("config file not found")}
		}
	}
	// The tools expose the output artifact as --result_path; config
	// files may use either name. The alias is registered after the
	// file is read so that a result_path key in it moves onto
	// output_path.
	v.RegisterAlias("result_path", "output_path")
	return &Loader{v: v}, nil
}

// BindFlags overlays fs onto the loader so flags set on the command
// line take precedence over file and environment values.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	if err := l.v.BindPFlags(fs); err != nil {
		return &ConfigError{Stage: "load", Key: "flags", Err: err}
	}
	if f := fs.Lookup("result_path"); f != nil {
		if err := l.v.BindPFlag("output_path", f); err != nil {
			return &ConfigError{Stage: "load", Key: "flags", Err: err}
		}
	}
	return nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("workers", 1)
	v.SetDefault("normalization", "raw")
	v.SetDefault("max_gb", 1.0)

	v.SetDefault("q1_th", 0.5)
	v.SetDefault("qdiff_th", 0.7)
	v.SetDefault("log2fold_th", 1.0)
	v.SetDefault("p_th", 0.01)
	v.SetDefault("relaxed", true)
	v.SetDefault("q1_min_th", 0.1)
	v.SetDefault("qdiff_min_th", 0.1)
	v.SetDefault("log2fold_min_th", 0.4)
	v.SetDefault("n_valid", 30)

	v.SetDefault("n_per_utility", 30)
	v.SetDefault("behemoth_cutoff", 10000)

	v.SetDefault("bootstrap_factor", 0.5)
	v.SetDefault("bootstrap_iteration", 100)
	v.SetDefault("root_seed", 1)
}

// Precompute unmarshals and validates the precompute stage config.
func (l *Loader) Precompute() (*PrecomputeConfig, error) {
	var c PrecomputeConfig
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, &ConfigError{Stage: "precompute", Err: err}
	}
	if err := c.validate("precompute"); err != nil {
		return nil, err
	}
	return &c, nil
}

// ScoreMarkers unmarshals and validates the score-markers stage config.
func (l *Loader) ScoreMarkers() (*ScoreMarkersConfig, error) {
	var c ScoreMarkersConfig
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, &ConfigError{Stage: "score-markers", Err: err}
	}
	if err := c.validate("score-markers"); err != nil {
		return nil, err
	}
	return &c, nil
}

// SelectMarkers unmarshals and validates the select-markers stage config.
func (l *Loader) SelectMarkers() (*SelectMarkersConfig, error) {
	var c SelectMarkersConfig
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, &ConfigError{Stage: "select-markers", Err: err}
	}
	if err := c.validate("select-markers"); err != nil {
		return nil, err
	}
	return &c, nil
}

// Classify unmarshals and validates the classify stage config.
func (l *Loader) Classify() (*ClassifyConfig, error) {
	var c ClassifyConfig
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, &ConfigError{Stage: "classify", Err: err}
	}
	if err := c.validate("classify"); err != nil {
		return nil, err
	}
	return &c, nil
}
