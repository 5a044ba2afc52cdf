// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kortschak/cellmap/internal/classify"
	"github.com/kortschak/cellmap/internal/cmdutil"
	"github.com/kortschak/cellmap/internal/config"
	"github.com/kortschak/cellmap/internal/h5store"
	"github.com/kortschak/cellmap/internal/markers"
	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/resultio"
	"github.com/kortschak/cellmap/internal/sparseio"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "assign query cells down the taxonomy with bootstrap voting",
		Long: `Classify walks every query cell top-down through the taxonomy. At
each internal node the cell is correlated against the node's children
over repeated random subsets of the node's marker genes; the winning
child, the fraction of votes it received and the mean winning
correlation are recorded at every level.

Results are written as a single JSON document, or as per-chunk
{r0}_{r1}_assignment.json files with --per_chunk_files. An optional CSV
rendering is written when --csv_path is set.`,
	}
	cmd.Flags().String("query_path", "", "query matrix (h5ad)")
	cmd.Flags().String("stats_path", "", "precomputed stats file")
	cmd.Flags().String("taxonomy_path", "", "taxonomy tree (json)")
	cmd.Flags().String("marker_cache_path", "", "per-node marker cache from select-markers")
	cmd.Flags().Float64("bootstrap_factor", 0.5, "fraction of markers drawn per bootstrap iteration")
	cmd.Flags().Int("bootstrap_iteration", 100, "bootstrap iterations per node")
	cmd.Flags().Int("chunk_size", 1000, "query rows per chunk")
	cmd.Flags().Int("workers", 1, "chunk classification goroutines")
	cmd.Flags().Uint64("root_seed", 1, "root RNG seed")
	cmd.Flags().String("normalization", "raw", "query normalization: raw or log2CPM")
	cmd.Flags().Bool("per_chunk_files", false, "write one result file per chunk instead of a single document")
	cmd.Flags().String("csv_path", "", "optional CSV rendering of the assignments")
	cmd.Flags().Float64("max_gb", 1, "memory budget for on-disk transposes")
	cmd.RunE = stage("classify", runClassify)
	return cmd
}

func runClassify(cmd *cobra.Command, l *config.Loader, lg *cmdutil.Logger) error {
	cfg, err := l.Classify()
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
	stats, err := precompute.ReadFile(cfg.StatsPath)
	if err != nil {
		return err
	}
	cache, err := markers.Read(cfg.MarkerCachePath)
	if err != nil {
		return err
	}
	if err := classify.ReconcileTaxonomyAndMarkers(tree, cache); err != nil {
		return err
	}

	query, err := h5store.OpenRead(cfg.QueryPath)
	if err != nil {
		return err
	}
	defer query.Close()

	cellIDs, err := query.IndexColumn("obs")
	if err != nil {
		return err
	}
	queryGenes, err := query.IndexColumn("var")
	if err != nil {
		return err
	}

	handle, err := sparseio.OpenWithShape(query, "X", len(cellIDs), len(queryGenes))
	if err != nil {
		return err
	}
	iter, err := sparseio.NewRowIterator(handle, cfg.ChunkSize, sparseio.TransposeOptions{ScratchDir: tmp, MaxGB: cfg.MaxGB})
	if err != nil {
		return err
	}

	cl := classify.New(tree, stats, cache, classify.Config{
		BootstrapFactor:    cfg.BootstrapFactor,
		BootstrapIteration: cfg.BootstrapIteration,
		ChunkSize:          cfg.ChunkSize,
		Workers:            cfg.Workers,
		RootSeed:           cfg.RootSeed,
	})

	var sink classify.Sink
	var mem *classify.MemorySink
	if cfg.PerChunkFiles {
		sink = resultio.ChunkFileSink{Dir: chunkDirOf(cfg.OutputPath)}
	} else {
		mem = classify.NewMemorySink()
		sink = mem
	}

	norm, err := parseNormalization(cfg.Normalization)
	if err != nil {
		return err
	}

	t := lg.StartTimer("classifying query cells")
	err = cl.Run(context.Background(), iter, queryGenes, cellIDs, norm, sink)
	if err != nil {
		return err
	}
	t.Done(handle.NRows)

	if mem == nil {
		lg.Infof("per-chunk assignments written under %s", chunkDirOf(cfg.OutputPath))
		return nil
	}

	results := mem.Results()
	out := resultio.Build(results, markerGeneNames(cache), cfg, lg.Entries(), resultio.Metadata{
		RunID:     cmdutil.RunID(),
		Timestamp: cmdutil.Timestamp(),
		Version:   Version,
	})

	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return err
	}
	if err := resultio.WriteJSON(f, out); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	lg.Infof("wrote %d assignments to %s", len(results), cfg.OutputPath)

	if cfg.CSVPath != "" {
		cf, err := os.Create(cfg.CSVPath)
		if err != nil {
			return err
		}
		if err := resultio.WriteCSV(cf, filepath.Base(cfg.OutputPath), tree.Hierarchy(), results); err != nil {
			cf.Close()
			return err
		}
		if err := cf.Close(); err != nil {
			return err
		}
		lg.Infof("wrote csv to %s", cfg.CSVPath)
	}
	return nil
}

// chunkDirOf maps the result path to the directory per-chunk files are
// written into: the path itself with any .json suffix dropped.
func chunkDirOf(resultPath string) string {
	return strings.TrimSuffix(resultPath, ".json")
}

// markerGeneNames returns the union of reference marker genes consulted
// by the run, by name.
func markerGeneNames(cache *markers.Cache) []string {
	names := make([]string, 0, len(cache.AllReferenceMarkers))
	for _, idx := range cache.AllReferenceMarkers {
		names = append(names, cache.ReferenceGeneNames[idx])
	}
	return names
}
