// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package precompute accumulates per-leaf-cluster summary statistics
// (n_cells, sum, sumsq, gt0, gt1) over a reference cell x gene matrix
// in a single streaming pass.
package precompute

import "fmt"

// Stats holds the five per-cluster, per-gene accumulator arrays,
// flattened row-major as (n_clusters x n_genes) where applicable.
type Stats struct {
	ClusterToRow map[string]int
	ColNames     []string

	NCells []int // length n_clusters
	Sum    []float64
	Sumsq  []float64
	Gt0    []int
	Gt1    []int
}

// NewStats allocates a zeroed Stats for the given clusters (in the
// order they should occupy rows) and gene names.
func NewStats(clusters []string, colNames []string) *Stats {
	clusterToRow := make(map[string]int, len(clusters))
	for i, c := range clusters {
		clusterToRow[c] = i
	}
	n := len(clusters) * len(colNames)
	return &Stats{
		ClusterToRow: clusterToRow,
		ColNames:     append([]string(nil), colNames...),
		NCells:       make([]int, len(clusters)),
		Sum:          make([]float64, n),
		Sumsq:        make([]float64, n),
		Gt0:          make([]int, n),
		Gt1:          make([]int, n),
	}
}

func (s *Stats) nGenes() int { return len(s.ColNames) }

// AddRow folds one cell's expression vector (already converted to
// log2CPM if the input was raw) into cluster's accumulators.
func (s *Stats) AddRow(cluster string, values []float64) error {
	row, ok := s.ClusterToRow[cluster]
	if !ok {
		return fmt.Errorf("precompute: unknown cluster %q", cluster)
	}
	if len(values) != s.nGenes() {
		return fmt.Errorf("precompute: row has %d genes, want %d", len(values), s.nGenes())
	}
	s.NCells[row]++
	base := row * s.nGenes()
	for g, v := range values {
		s.Sum[base+g] += v
		s.Sumsq[base+g] += v * v
		if v > 0 {
			s.Gt0[base+g]++
		}
		if v > 1 {
			s.Gt1[base+g]++
		}
	}
	return nil
}

// MergeFrom adds other's accumulators into s in place. Both must share
// the same cluster layout and gene vocabulary.
func (s *Stats) MergeFrom(other *Stats) error {
	if len(s.NCells) != len(other.NCells) || s.nGenes() != other.nGenes() {
		return fmt.Errorf("precompute: cannot merge stats of mismatched shape")
	}
	for i := range s.NCells {
		s.NCells[i] += other.NCells[i]
	}
	for i := range s.Sum {
		s.Sum[i] += other.Sum[i]
		s.Sumsq[i] += other.Sumsq[i]
		s.Gt0[i] += other.Gt0[i]
		s.Gt1[i] += other.Gt1[i]
	}
	return nil
}

// MeanVar returns the mean and ddof=1 sample variance of cluster row
// r, gene g.
// n=1 reports variance 0 rather than dividing by zero.
func (s *Stats) MeanVar(r, g int) (mean, variance float64) {
	n := s.NCells[r]
	if n == 0 {
		return 0, 0
	}
	idx := r*s.nGenes() + g
	mean = s.Sum[idx] / float64(n)
	if n < 2 {
		return mean, 0
	}
	variance = (s.Sumsq[idx] - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		// Guards against floating point cancellation driving a
		// mathematically non-negative quantity slightly below zero.
		variance = 0
	}
	return mean, variance
}

// Aggregate sums n_cells/sum/sumsq/gt0/gt1 over the named leaf
// clusters, yielding the stats for their common ancestor node. Used by
// the pair scorer and mean-profile builder to roll leaf stats up to
// internal nodes.
func (s *Stats) Aggregate(leaves []string) (n int, sum, sumsq []float64, gt0, gt1 []int, err error) {
	nGenes := s.nGenes()
	sum = make([]float64, nGenes)
	sumsq = make([]float64, nGenes)
	gt0 = make([]int, nGenes)
	gt1 = make([]int, nGenes)
	for _, leaf := range leaves {
		row, ok := s.ClusterToRow[leaf]
		if !ok {
			return 0, nil, nil, nil, nil, fmt.Errorf("precompute: unknown leaf cluster %q", leaf)
		}
		n += s.NCells[row]
		base := row * nGenes
		for g := 0; g < nGenes; g++ {
			sum[g] += s.Sum[base+g]
			sumsq[g] += s.Sumsq[base+g]
			gt0[g] += s.Gt0[base+g]
			gt1[g] += s.Gt1[base+g]
		}
	}
	return n, sum, sumsq, gt0, gt1, nil
}

// AggregateMeanVar returns the mean and ddof=1 variance of the
// aggregated statistics over leaves, per gene.
func AggregateMeanVar(n int, sum, sumsq []float64) (mean, variance []float64) {
	mean = make([]float64, len(sum))
	variance = make([]float64, len(sum))
	if n == 0 {
		return mean, variance
	}
	for g := range sum {
		mean[g] = sum[g] / float64(n)
		if n < 2 {
			continue
		}
		v := (sumsq[g] - float64(n)*mean[g]*mean[g]) / float64(n-1)
		if v < 0 {
			v = 0
		}
		variance[g] = v
	}
	return mean, variance
}
