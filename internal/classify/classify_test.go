// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/markers"
	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/sparseio"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// sliceIterator serves pre-built dense chunks, for tests that don't
// need an HDF5-backed source.
type sliceIterator struct {
	nRows, nCols int
	chunkSize    int
	data         []float64
	r0           int
}

func (it *sliceIterator) NRows() int { return it.nRows }
func (it *sliceIterator) NCols() int { return it.nCols }

func (it *sliceIterator) Next() (sparseio.Chunk, bool, error) {
	if it.r0 >= it.nRows {
		return sparseio.Chunk{}, false, nil
	}
	r1 := it.r0 + it.chunkSize
	if r1 > it.nRows {
		r1 = it.nRows
	}
	chunk := sparseio.Chunk{
		Data:  it.data[it.r0*it.nCols : r1*it.nCols],
		R0:    it.r0,
		R1:    r1,
		NCols: it.nCols,
	}
	it.r0 = r1
	return chunk, true, nil
}

func singleSplitTaxonomy(t *testing.T) *taxonomy.Tree {
	t.Helper()
	tree, err := taxonomy.New(
		[]string{"class"},
		nil,
		map[string][]int{"onlyChild": {0, 1, 2}},
	)
	require.NoError(t, err)
	return tree
}

func TestTrivialSingleChildAssignsProbabilityOne(t *testing.T) {
	tree := singleSplitTaxonomy(t)
	genes := []string{"g1", "g2"}
	stats := precompute.NewStats([]string{"onlyChild"}, genes)
	require.NoError(t, stats.AddRow("onlyChild", []float64{1, 2}))
	require.NoError(t, stats.AddRow("onlyChild", []float64{1, 2}))
	require.NoError(t, stats.AddRow("onlyChild", []float64{1, 2}))

	cache := &markers.Cache{
		QueryGeneNames:     genes,
		ReferenceGeneNames: genes,
		ParentNodeList:     []string{"None"},
		Selections: map[string]markers.Selection{
			"None": {},
		},
	}

	iter := &sliceIterator{nRows: 2, nCols: 2, chunkSize: 2, data: []float64{1, 2, 3, 4}}
	classifier := New(tree, stats, cache, Config{BootstrapIteration: 10, RootSeed: 1})
	sink := NewMemorySink()
	err := classifier.Run(context.Background(), iter, genes, []string{"cellA", "cellB"}, cellgene.Log2CPM, sink)
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 2)
	for _, r := range results {
		lvl, ok := r.Levels["class"]
		require.True(t, ok)
		require.Equal(t, "onlyChild", lvl.Assignment)
		require.Equal(t, 1.0, lvl.BootstrappingProbability)
		require.Equal(t, 1.0, lvl.AvgCorrelation)
	}
}

func twoChildTaxonomy(t *testing.T) (*taxonomy.Tree, *precompute.Stats, *markers.Cache, []string) {
	t.Helper()
	tree, err := taxonomy.New(
		[]string{"class"},
		nil,
		map[string][]int{"a": {0, 1, 2}, "b": {3, 4, 5}},
	)
	require.NoError(t, err)

	genes := []string{"g1", "g2", "g3"}
	stats := precompute.NewStats([]string{"a", "b"}, genes)
	for i := 0; i < 3; i++ {
		require.NoError(t, stats.AddRow("a", []float64{10, 0, 1}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, stats.AddRow("b", []float64{0, 10, 1}))
	}

	cache := &markers.Cache{
		QueryGeneNames:     genes,
		ReferenceGeneNames: genes,
		ParentNodeList:     []string{"None"},
		Selections: map[string]markers.Selection{
			"None": {Reference: []int{0, 1, 2}, Query: []int{0, 1, 2}},
		},
	}
	return tree, stats, cache, genes
}

func TestPureReferenceRecall(t *testing.T) {
	tree, stats, cache, genes := twoChildTaxonomy(t)
	require.NoError(t, ReconcileTaxonomyAndMarkers(tree, cache))

	// Submit the leaf mean profiles themselves as the query.
	iter := &sliceIterator{
		nRows: 2, nCols: 3, chunkSize: 2,
		data: []float64{10, 0, 1, 0, 10, 1},
	}
	classifier := New(tree, stats, cache, Config{BootstrapFactor: 1.0, BootstrapIteration: 50, RootSeed: 7})
	sink := NewMemorySink()
	err := classifier.Run(context.Background(), iter, genes, []string{"a-mean", "b-mean"}, cellgene.Log2CPM, sink)
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].Levels["class"].Assignment)
	require.Equal(t, 1.0, results[0].Levels["class"].BootstrappingProbability)
	require.Equal(t, "b", results[1].Levels["class"].Assignment)
	require.Equal(t, 1.0, results[1].Levels["class"].BootstrappingProbability)
}

func TestProbabilityBounds(t *testing.T) {
	tree, stats, cache, genes := twoChildTaxonomy(t)
	iter := &sliceIterator{
		nRows: 1, nCols: 3, chunkSize: 1,
		data: []float64{5, 5, 1},
	}
	classifier := New(tree, stats, cache, Config{BootstrapFactor: 0.5, BootstrapIteration: 64, RootSeed: 3})
	sink := NewMemorySink()
	err := classifier.Run(context.Background(), iter, genes, []string{"ambiguous"}, cellgene.Log2CPM, sink)
	require.NoError(t, err)

	lvl := sink.Results()[0].Levels["class"]
	require.GreaterOrEqual(t, lvl.BootstrappingProbability, 0.0)
	require.LessOrEqual(t, lvl.BootstrappingProbability, 1.0)
}

func twoLevelTaxonomy(t *testing.T) (*taxonomy.Tree, *precompute.Stats, *markers.Cache, []string) {
	t.Helper()
	tree, err := taxonomy.New(
		[]string{"class", "cluster"},
		map[string]map[string][]string{
			"class": {"left": {"l1", "l2"}, "right": {"r1", "r2"}},
		},
		map[string][]int{"l1": {0}, "l2": {1}, "r1": {2}, "r2": {3}},
	)
	require.NoError(t, err)

	genes := []string{"g1", "g2", "g3", "g4"}
	stats := precompute.NewStats([]string{"l1", "l2", "r1", "r2"}, genes)
	require.NoError(t, stats.AddRow("l1", []float64{10, 8, 0, 0}))
	require.NoError(t, stats.AddRow("l2", []float64{8, 10, 0, 0}))
	require.NoError(t, stats.AddRow("r1", []float64{0, 0, 10, 8}))
	require.NoError(t, stats.AddRow("r2", []float64{0, 0, 8, 10}))

	all := markers.Selection{Reference: []int{0, 1, 2, 3}, Query: []int{0, 1, 2, 3}}
	cache := &markers.Cache{
		QueryGeneNames:     genes,
		ReferenceGeneNames: genes,
		ParentNodeList:     []string{"None", "class/left", "class/right"},
		Selections: map[string]markers.Selection{
			"None":        all,
			"class/left":  all,
			"class/right": all,
		},
	}
	return tree, stats, cache, genes
}

func TestClassifierMonotonicity(t *testing.T) {
	tree, stats, cache, genes := twoLevelTaxonomy(t)
	require.NoError(t, ReconcileTaxonomyAndMarkers(tree, cache))

	iter := &sliceIterator{
		nRows: 2, nCols: 4, chunkSize: 2,
		data: []float64{
			10, 8, 0, 0,
			0, 0, 8, 10,
		},
	}
	classifier := New(tree, stats, cache, Config{BootstrapFactor: 1.0, BootstrapIteration: 20, RootSeed: 11})
	sink := NewMemorySink()
	err := classifier.Run(context.Background(), iter, genes, []string{"x", "y"}, cellgene.Log2CPM, sink)
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 2)

	// A cell's cluster assignment must descend from its class winner.
	childrenOf := map[string][]string{"left": {"l1", "l2"}, "right": {"r1", "r2"}}
	for _, r := range results {
		class := r.Levels["class"].Assignment
		cluster := r.Levels["cluster"].Assignment
		require.Contains(t, childrenOf[class], cluster)
	}
	require.Equal(t, "left", results[0].Levels["class"].Assignment)
	require.Equal(t, "l1", results[0].Levels["cluster"].Assignment)
	require.Equal(t, "right", results[1].Levels["class"].Assignment)
	require.Equal(t, "r2", results[1].Levels["cluster"].Assignment)
}

func TestClassifierDeterministicForSeed(t *testing.T) {
	run := func() []CellResult {
		tree, stats, cache, genes := twoLevelTaxonomy(t)
		iter := &sliceIterator{
			nRows: 3, nCols: 4, chunkSize: 1,
			data: []float64{
				9, 9, 0, 1,
				1, 0, 9, 9,
				5, 5, 5, 5,
			},
		}
		classifier := New(tree, stats, cache, Config{BootstrapFactor: 0.5, BootstrapIteration: 30, RootSeed: 99})
		sink := NewMemorySink()
		err := classifier.Run(context.Background(), iter, genes, []string{"a", "b", "c"}, cellgene.Log2CPM, sink)
		require.NoError(t, err)
		return sink.Results()
	}
	require.Equal(t, run(), run())
}

func TestReconcileDetectsMissingParent(t *testing.T) {
	tree, _, cache, _ := twoChildTaxonomy(t)
	cache.ParentNodeList = nil
	cache.Selections = map[string]markers.Selection{}
	err := ReconcileTaxonomyAndMarkers(tree, cache)
	require.Error(t, err)
}
