// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/cmdutil"
	"github.com/kortschak/cellmap/internal/config"
	"github.com/kortschak/cellmap/internal/h5store"
	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/sparseio"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

func precomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "precompute",
		Short: "summarize the reference matrix into per-cluster statistics",
		Long: `Precompute streams the reference cell-by-gene matrix once and
accumulates, for every leaf cluster, the per-gene statistics
(n_cells, sum, sumsq, gt0, gt1) the downstream marker scoring and
classification stages consume. Raw counts are converted to log2(1+CPM)
per cell before accumulation.`,
	}
	cmd.Flags().String("reference_path", "", "reference matrix (h5ad)")
	cmd.Flags().String("taxonomy_path", "", "taxonomy tree (json)")
	cmd.Flags().Int("chunk_size", 1000, "rows per streamed chunk")
	cmd.Flags().Int("workers", 1, "accumulator goroutines")
	cmd.Flags().String("normalization", "raw", "input normalization: raw or log2CPM")
	cmd.Flags().Float64("max_gb", 1, "memory budget for on-disk transposes")
	cmd.RunE = stage("precompute", runPrecompute)
	return cmd
}

func runPrecompute(cmd *cobra.Command, l *config.Loader, lg *cmdutil.Logger) error {
	cfg, err := l.Precompute()
	if err != nil {
		return err
	}
	tmp := cfg.LocalTmp
	if localTmp != "" {
		tmp = localTmp
	}

	tree, err := loadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return err
	}

	ref, err := h5store.OpenRead(cfg.ReferencePath)
	if err != nil {
		return err
	}
	defer ref.Close()

	colNames, err := ref.IndexColumn("var")
	if err != nil {
		return err
	}
	obsIDs, err := ref.IndexColumn("obs")
	if err != nil {
		return err
	}

	handle, err := sparseio.OpenWithShape(ref, "X", len(obsIDs), len(colNames))
	if err != nil {
		return err
	}
	iter, err := sparseio.NewRowIterator(handle, cfg.ChunkSize, sparseio.TransposeOptions{ScratchDir: tmp, MaxGB: cfg.MaxGB})
	if err != nil {
		return err
	}

	rowToLeaf, err := precompute.RowToLeaf(tree)
	if err != nil {
		return err
	}

	norm, err := parseNormalization(cfg.Normalization)
	if err != nil {
		return err
	}

	t := lg.StartTimer("precomputing cluster stats")
	stats, err := precompute.Run(context.Background(), iter, rowToLeaf, tree.AllLeaves(), colNames, precompute.Options{
		Workers:       cfg.Workers,
		Normalization: norm,
	})
	if err != nil {
		return err
	}
	t.Done(handle.NRows)

	lg.Infof("writing stats for %d clusters x %d genes to %s", len(stats.NCells), len(stats.ColNames), cfg.OutputPath)
	return stats.Write(cfg.OutputPath)
}

func loadTaxonomy(path string) (*taxonomy.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy %s: %w", path, err)
	}
	return taxonomy.FromJSON(data)
}

func parseNormalization(s string) (cellgene.Normalization, error) {
	switch n := cellgene.Normalization(s); n {
	case cellgene.Raw, cellgene.Log2CPM:
		return n, nil
	}
	return "", fmt.Errorf("unknown normalization %q, want raw or log2CPM", s)
}
