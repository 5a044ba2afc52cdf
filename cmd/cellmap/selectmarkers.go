// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kortschak/cellmap/internal/cmdutil"
	"github.com/kortschak/cellmap/internal/config"
	"github.com/kortschak/cellmap/internal/diffexp"
	"github.com/kortschak/cellmap/internal/h5store"
	"github.com/kortschak/cellmap/internal/markers"
)

func selectMarkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select-markers",
		Short: "greedily select per-node marker genes against the query vocabulary",
		Long: `Select-markers intersects the reference marker candidates with the
query gene vocabulary and, for every internal taxonomy node, greedily
picks the smallest gene set that covers each descendant leaf pair in
both up- and down-regulated directions. The result is the per-node
marker cache the classify stage reads.`,
	}
	cmd.Flags().String("reference_markers_path", "", "reference marker file from score-markers")
	cmd.Flags().String("taxonomy_path", "", "taxonomy tree (json)")
	cmd.Flags().String("query_path", "", "query matrix (h5ad); only its var table is read")
	cmd.Flags().Int("n_per_utility", 30, "coverage target per (pair, sign)")
	cmd.Flags().Int("behemoth_cutoff", 10000, "pair count above which a node gets a dedicated worker")
	cmd.Flags().Int("workers", 1, "selection goroutines for non-behemoth nodes")
	cmd.RunE = stage("select-markers", runSelectMarkers)
	return cmd
}

func runSelectMarkers(cmd *cobra.Command, l *config.Loader, lg *cmdutil.Logger) error {
	cfg, err := l.SelectMarkers()
	if err != nil {
		return err
	}

	tree, err := loadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return err
	}
	scores, err := diffexp.Read(cfg.ReferenceMarkersPath)
	if err != nil {
		return err
	}

	query, err := h5store.OpenRead(cfg.QueryPath)
	if err != nil {
		return err
	}
	queryGenes, err := query.IndexColumn("var")
	query.Close()
	if err != nil {
		return err
	}

	sel := markers.NewSelector(tree, scores, queryGenes, markers.Config{
		NPerUtility:    cfg.NPerUtility,
		BehemothCutoff: cfg.BehemothCutoff,
		Workers:        cfg.Workers,
	})

	t := lg.StartTimer("selecting per-node markers")
	selections, err := sel.Run(context.Background())
	if err != nil {
		return err
	}
	t.Done(0)

	lg.Infof("selected markers for %d parent nodes, writing %s", len(selections), cfg.OutputPath)
	return markers.Write(cfg.OutputPath, tree, scores.GeneNames, queryGenes, selections)
}
