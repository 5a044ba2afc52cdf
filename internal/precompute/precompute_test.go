// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package precompute

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/sparseio"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

func TestStatsAdditivity(t *testing.T) {
	clusters := []string{"c1", "c2"}
	genes := []string{"g1", "g2", "g3"}

	rng := rand.New(rand.NewSource(42))
	rows := make([][]float64, 20)
	owners := make([]string, 20)
	for i := range rows {
		row := make([]float64, len(genes))
		for g := range row {
			if rng.Intn(3) > 0 {
				row[g] = rng.Float64() * 4
			}
		}
		rows[i] = row
		owners[i] = clusters[i%2]
	}

	onePass := NewStats(clusters, genes)
	for i, row := range rows {
		require.NoError(t, onePass.AddRow(owners[i], row))
	}

	// Split the cells into two halves processed separately, then merge.
	first := NewStats(clusters, genes)
	second := NewStats(clusters, genes)
	for i, row := range rows {
		local := first
		if i >= len(rows)/2 {
			local = second
		}
		require.NoError(t, local.AddRow(owners[i], row))
	}
	require.NoError(t, first.MergeFrom(second))

	require.Equal(t, onePass.NCells, first.NCells)
	require.Equal(t, onePass.Sum, first.Sum)
	require.Equal(t, onePass.Sumsq, first.Sumsq)
	require.Equal(t, onePass.Gt0, first.Gt0)
	require.Equal(t, onePass.Gt1, first.Gt1)
}

func TestStatsGtOrdering(t *testing.T) {
	s := NewStats([]string{"c"}, []string{"g"})
	for _, v := range []float64{0, 0.5, 1, 1.5, 3} {
		require.NoError(t, s.AddRow("c", []float64{v}))
	}
	require.Equal(t, 5, s.NCells[0])
	require.Equal(t, 4, s.Gt0[0])
	require.Equal(t, 2, s.Gt1[0])
	require.LessOrEqual(t, s.Gt1[0], s.Gt0[0])
	require.LessOrEqual(t, s.Gt0[0], s.NCells[0])
}

func TestMeanVarSmallN(t *testing.T) {
	s := NewStats([]string{"c"}, []string{"g"})
	require.NoError(t, s.AddRow("c", []float64{3}))

	mean, variance := s.MeanVar(0, 0)
	require.Equal(t, 3.0, mean)
	require.Equal(t, 0.0, variance)

	require.NoError(t, s.AddRow("c", []float64{5}))
	mean, variance = s.MeanVar(0, 0)
	require.Equal(t, 4.0, mean)
	require.InDelta(t, 2.0, variance, 1e-12) // ddof=1: ((3-4)^2+(5-4)^2)/1
}

func TestAggregateSumsLeaves(t *testing.T) {
	s := NewStats([]string{"c1", "c2"}, []string{"g1", "g2"})
	require.NoError(t, s.AddRow("c1", []float64{1, 2}))
	require.NoError(t, s.AddRow("c2", []float64{3, 4}))
	require.NoError(t, s.AddRow("c2", []float64{5, 6}))

	n, sum, sumsq, gt0, gt1, err := s.Aggregate([]string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []float64{9, 12}, sum)
	require.Equal(t, []float64{1 + 9 + 25, 4 + 16 + 36}, sumsq)
	require.Equal(t, []int{3, 3}, gt0)
	require.Equal(t, []int{2, 3}, gt1)

	_, _, _, _, _, err = s.Aggregate([]string{"nope"})
	require.Error(t, err)
}

func TestRowToLeafInvertsLeafRows(t *testing.T) {
	tree, err := taxonomy.New(
		[]string{"cluster"},
		nil,
		map[string][]int{"a": {0, 1}, "b": {2}},
	)
	require.NoError(t, err)

	m, err := RowToLeaf(tree)
	require.NoError(t, err)
	require.Equal(t, map[int]string{0: "a", 1: "a", 2: "b"}, m)
}

// sliceIterator serves pre-built dense chunks without an HDF5 source.
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

func TestRunMatchesDirectAccumulation(t *testing.T) {
	clusters := []string{"a", "b"}
	genes := []string{"g1", "g2"}
	data := []float64{
		1, 0,
		0, 2,
		3, 4,
		5, 0,
	}
	rowToLeaf := map[int]string{0: "a", 1: "a", 2: "b", 3: "b"}

	want := NewStats(clusters, genes)
	for r := 0; r < 4; r++ {
		require.NoError(t, want.AddRow(rowToLeaf[r], data[r*2:r*2+2]))
	}

	for _, workers := range []int{1, 3} {
		iter := &sliceIterator{nRows: 4, nCols: 2, chunkSize: 3, data: data}
		got, err := Run(context.Background(), iter, rowToLeaf, clusters, genes, Options{
			Workers:       workers,
			Normalization: cellgene.Log2CPM,
		})
		require.NoError(t, err)
		require.Equal(t, want.NCells, got.NCells)
		require.Equal(t, want.Sum, got.Sum)
		require.Equal(t, want.Sumsq, got.Sumsq)
		require.Equal(t, want.Gt0, got.Gt0)
		require.Equal(t, want.Gt1, got.Gt1)
	}
}

func TestRunSkipsUnmappedRows(t *testing.T) {
	iter := &sliceIterator{nRows: 2, nCols: 1, chunkSize: 2, data: []float64{7, 9}}
	got, err := Run(context.Background(), iter, map[int]string{1: "a"}, []string{"a"}, []string{"g"}, Options{
		Normalization: cellgene.Log2CPM,
	})
	require.NoError(t, err)
	require.Equal(t, []int{1}, got.NCells)
	require.Equal(t, []float64{9}, got.Sum)
}
