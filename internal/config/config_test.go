// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPrecomputeConfigFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"reference_path": "ref.h5ad",
		"taxonomy_path": "tree.json",
		"output_path": "stats.h5",
		"workers": 4
	}`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := l.Precompute()
	require.NoError(t, err)
	require.Equal(t, "ref.h5ad", cfg.ReferencePath)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 1000, cfg.ChunkSize) // default
	require.Equal(t, "raw", cfg.Normalization)
}

func TestResultPathAliasesOutputPath(t *testing.T) {
	path := writeConfig(t, `{
		"reference_path": "ref.h5ad",
		"taxonomy_path": "tree.json",
		"result_path": "stats.h5"
	}`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := l.Precompute()
	require.NoError(t, err)
	require.Equal(t, "stats.h5", cfg.OutputPath)
}

func TestMissingRequiredKeyIsConfigError(t *testing.T) {
	path := writeConfig(t, `{"reference_path": "ref.h5ad"}`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	_, err = l.Precompute()
	require.Error(t, err)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, "taxonomy_path", cerr.Key)
}

func TestMissingConfigFileIsConfigError(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
}

func TestClassifyDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"query_path": "q.h5ad",
		"stats_path": "stats.h5",
		"taxonomy_path": "tree.json",
		"marker_cache_path": "cache.h5",
		"output_path": "out.json"
	}`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := l.Classify()
	require.NoError(t, err)
	require.Equal(t, 0.5, cfg.BootstrapFactor)
	require.Equal(t, 100, cfg.BootstrapIteration)
	require.Equal(t, uint64(1), cfg.RootSeed)
	require.False(t, cfg.PerChunkFiles)
}

func TestScoreMarkersThresholdDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"stats_path": "stats.h5",
		"taxonomy_path": "tree.json",
		"output_path": "markers.h5",
		"q1_th": 0.4
	}`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := l.ScoreMarkers()
	require.NoError(t, err)
	require.Equal(t, 0.4, cfg.Q1Th)
	require.Equal(t, 0.7, cfg.QdiffTh)
	require.True(t, cfg.Relaxed)
	require.Equal(t, 30, cfg.NValid)
}
