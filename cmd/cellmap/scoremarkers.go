// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"

	"github.com/kortschak/cellmap/internal/cmdutil"
	"github.com/kortschak/cellmap/internal/config"
	"github.com/kortschak/cellmap/internal/diffexp"
	"github.com/kortschak/cellmap/internal/precompute"
)

func scoreMarkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score-markers",
		Short: "score every sibling-pair gene for differential expression",
		Long: `Score-markers aggregates the precomputed cluster statistics up the
taxonomy and, for every pair of sibling nodes at every level, marks the
genes that discriminate the pair under the penetrance and fold-change
validity rules. The result is the reference marker file the
select-markers stage draws from.

With --p_value_mask, a precomputed pass/fail mask replaces the scorer's
own corrected p-values.`,
	}
	cmd.Flags().String("stats_path", "", "precomputed stats file")
	cmd.Flags().String("taxonomy_path", "", "taxonomy tree (json)")
	cmd.Flags().String("p_value_mask", "", "precomputed p-value mask file (optional)")
	cmd.Flags().Float64("q1_th", 0.5, "penetrance threshold on the higher population")
	cmd.Flags().Float64("qdiff_th", 0.7, "penetrance difference threshold")
	cmd.Flags().Float64("log2fold_th", 1, "log2 fold-change threshold")
	cmd.Flags().Float64("p_th", 0.01, "corrected p-value threshold")
	cmd.Flags().Bool("relaxed", true, "allow relaxed thresholds for under-marked pairs")
	cmd.Flags().Int("n_valid", 30, "marker count below which relaxed candidates are promoted")
	cmd.RunE = stage("score-markers", runScoreMarkers)
	return cmd
}

func runScoreMarkers(cmd *cobra.Command, l *config.Loader, lg *cmdutil.Logger) error {
	cfg, err := l.ScoreMarkers()
	if err != nil {
		return err
	}

	tree, err := loadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return err
	}
	stats, err := precompute.ReadFile(cfg.StatsPath)
	if err != nil {
		return err
	}

	dcfg := diffexp.DefaultConfig()
	dcfg.Q1Th = cfg.Q1Th
	dcfg.QdiffTh = cfg.QdiffTh
	dcfg.Log2FoldTh = cfg.Log2FoldTh
	dcfg.PTh = cfg.PTh
	dcfg.Relaxed = cfg.Relaxed
	dcfg.Q1MinTh = cfg.Q1MinTh
	dcfg.QdiffMinTh = cfg.QdiffMinTh
	dcfg.Log2FoldMinTh = cfg.Log2FoldMinTh
	dcfg.NValid = cfg.NValid
	if cfg.PValueMask != "" {
		mask, err := diffexp.ReadPValueMask(cfg.PValueMask)
		if err != nil {
			return err
		}
		dcfg.Mask = mask
		lg.Infof("using p-value mask from %s", cfg.PValueMask)
	}

	t := lg.StartTimer("scoring sibling pairs")
	res, err := diffexp.NewScorer(stats, tree, dcfg).Run()
	if err != nil {
		return err
	}
	t.Done(0)

	lg.Infof("scored %d pairs over %d genes, writing %s", res.NPairs, len(res.GeneNames), cfg.OutputPath)
	return res.Write(cfg.OutputPath)
}
