// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package meanprofile builds the per-leaf and per-node mean expression
// profiles the hierarchical classifier correlates query cells against
//.
package meanprofile

import (
	"fmt"
	"sort"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// LeafMeans returns the per-leaf-cluster mean expression profile,
// mu_g = sum(leaf,g)/n_cells(leaf), as a CellByGeneMatrix with one row
// per leaf (sorted order) tagged Log2CPM, plus the parallel leaf-name
// vector giving each row's identity.
func LeafMeans(tree *taxonomy.Tree, stats *precompute.Stats) (*cellgene.Matrix, []string, error) {
	leaves := tree.AllLeaves()
	data := make([]float64, 0, len(leaves)*len(stats.ColNames))
	for _, leaf := range leaves {
		n, sum, _, _, _, err := stats.Aggregate([]string{leaf})
		if err != nil {
			return nil, nil, fmt.Errorf("meanprofile: leaf %q: %w", leaf, err)
		}
		data = append(data, meanOf(n, sum)...)
	}
	m, err := cellgene.New(data, len(leaves), stats.ColNames, cellgene.Log2CPM)
	if err != nil {
		return nil, nil, err
	}
	return m, leaves, nil
}

// ChildProfiles returns, for parent's immediate children, each
// child's representative profile: the mean (weighted by n_cells) of
// its descendant leaves' expression, restricted to no particular gene
// subset (callers subset via cellgene.DownsampleGenes for the node's
// marker set). parent == nil addresses the virtual root.
func ChildProfiles(tree *taxonomy.Tree, stats *precompute.Stats, parent *taxonomy.Node) (*cellgene.Matrix, []string, error) {
	var children []string
	var err error
	if parent == nil {
		children, err = tree.Children(taxonomy.Node{})
	} else {
		children, err = tree.Children(*parent)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("meanprofile: children of %v: %w", parent, err)
	}
	sort.Strings(children)

	var childLevel string
	if parent == nil {
		childLevel = tree.Hierarchy()[0]
	} else {
		idx := -1
		for i, l := range tree.Hierarchy() {
			if l == parent.Level {
				idx = i
				break
			}
		}
		if idx < 0 || idx+1 >= len(tree.Hierarchy()) {
			return nil, nil, fmt.Errorf("meanprofile: %v has no child level", parent)
		}
		childLevel = tree.Hierarchy()[idx+1]
	}

	asLeaves := tree.AsLeaves()
	data := make([]float64, 0, len(children)*len(stats.ColNames))
	for _, child := range children {
		leaves := asLeaves[childLevel][child]
		n, sum, _, _, _, err := stats.Aggregate(leaves)
		if err != nil {
			return nil, nil, fmt.Errorf("meanprofile: child %q: %w", child, err)
		}
		data = append(data, meanOf(n, sum)...)
	}
	m, err := cellgene.New(data, len(children), stats.ColNames, cellgene.Log2CPM)
	if err != nil {
		return nil, nil, err
	}
	return m, children, nil
}

// meanOf returns sum/n per gene, or all-zero if n == 0.
func meanOf(n int, sum []float64) []float64 {
	out := make([]float64, len(sum))
	if n == 0 {
		return out
	}
	for g, v := range sum {
		out[g] = v / float64(n)
	}
	return out
}
