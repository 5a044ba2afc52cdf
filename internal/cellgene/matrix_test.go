// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cellgene

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog2CPMInvarianceToScaling(t *testing.T) {
	genes := []string{"g1", "g2", "g3"}
	base := []float64{1, 2, 3}
	scaled := []float64{2, 4, 6}

	m1, err := New(base, 1, genes, Raw)
	require.NoError(t, err)
	require.NoError(t, m1.ToLog2CPMInPlace())

	m2, err := New(scaled, 1, genes, Raw)
	require.NoError(t, err)
	require.NoError(t, m2.ToLog2CPMInPlace())

	r1, r2 := m1.Row(0), m2.Row(0)
	for i := range r1 {
		require.InDelta(t, r1[i], r2[i], 1e-6)
	}
}

func TestLog2CPMZeroRowStaysZero(t *testing.T) {
	m, err := New([]float64{0, 0, 0}, 1, []string{"a", "b", "c"}, Raw)
	require.NoError(t, err)
	require.NoError(t, m.ToLog2CPMInPlace())
	for _, v := range m.Row(0) {
		require.Equal(t, 0.0, v)
	}
}

func TestDownsampleGenesPreservesOrder(t *testing.T) {
	m, err := New([]float64{1, 2, 3, 4}, 1, []string{"a", "b", "c", "d"}, Raw)
	require.NoError(t, err)
	sub, err := m.DownsampleGenes([]string{"c", "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a"}, sub.GeneIDs())
	require.Equal(t, []float64{3, 1}, sub.Row(0))
}

func TestDownsampleGenesMissingErrors(t *testing.T) {
	m, err := New([]float64{1, 2}, 1, []string{"a", "b"}, Raw)
	require.NoError(t, err)
	_, err = m.DownsampleGenes([]string{"zzz"})
	require.Error(t, err)
}

func TestDownsampleCells(t *testing.T) {
	m, err := New([]float64{1, 2, 3, 4, 5, 6}, 3, []string{"a", "b"}, Raw)
	require.NoError(t, err)
	sub, err := m.DownsampleCells([]int{2, 0})
	require.NoError(t, err)
	require.Equal(t, 2, sub.NCells())
	require.Equal(t, []float64{5, 6}, sub.Row(0))
	require.Equal(t, []float64{1, 2}, sub.Row(1))
}

func TestLog2CPMFormula(t *testing.T) {
	m, err := New([]float64{1, 1}, 1, []string{"a", "b"}, Raw)
	require.NoError(t, err)
	require.NoError(t, m.ToLog2CPMInPlace())
	want := math.Log2(1 + 1e6*0.5)
	require.InDelta(t, want, m.Row(0)[0], 1e-6)
}
