// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cellgene implements the dense CellByGeneMatrix type that
// every downstream stage of the pipeline passes query and reference
// expression data around in.
package cellgene

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Normalization is the normalization state of a CellByGeneMatrix.
type Normalization string

const (
	Raw     Normalization = "raw"
	Log2CPM Normalization = "log2CPM"
)

// Matrix is a dense cell-by-gene expression matrix tagged with its
// gene identifiers and normalization kind.
type Matrix struct {
	data          *mat.Dense
	geneIDs       []string
	geneIdx       map[string]int
	normalization Normalization
}

// New builds a Matrix backed by data (nCells x len(geneIDs), row-major
// flattened) under the given normalization.
func New(data []float64, nCells int, geneIDs []string, normalization Normalization) (*Matrix, error) {
	nGenes := len(geneIDs)
	if nGenes == 0 {
		return nil, fmt.Errorf("cellgene: no gene identifiers supplied")
	}
	if len(data) != nCells*nGenes {
		return nil, fmt.Errorf("cellgene: data has %d entries, want %d x %d = %d", len(data), nCells, nGenes, nCells*nGenes)
	}
	idx := make(map[string]int, nGenes)
	for i, g := range geneIDs {
		idx[g] = i
	}
	return &Matrix{
		data:          mat.NewDense(nCells, nGenes, append([]float64(nil), data...)),
		geneIDs:       append([]string(nil), geneIDs...),
		geneIdx:       idx,
		normalization: normalization,
	}, nil
}

// NCells returns the number of cells (rows).
func (m *Matrix) NCells() int { return m.data.RawMatrix().Rows }

// NGenes returns the number of genes (columns).
func (m *Matrix) NGenes() int { return m.data.RawMatrix().Cols }

// GeneIDs returns the gene identifier vector, in column order.
func (m *Matrix) GeneIDs() []string { return append([]string(nil), m.geneIDs...) }

// Normalization returns the current normalization kind.
func (m *Matrix) Normalization() Normalization { return m.normalization }

// Row returns a copy of cell i's expression vector.
func (m *Matrix) Row(i int) []float64 {
	row := make([]float64, m.NGenes())
	mat.Row(row, i, m.data)
	return row
}

// Dense exposes the underlying gonum matrix for numerics-heavy
// consumers (e.g. the classifier's correlation step).
func (m *Matrix) Dense() *mat.Dense { return m.data }

// ToLog2CPMInPlace converts every row from raw counts to
// log2(1+CPM) = log2(1 + 1e6*x/sum(row)).
func (m *Matrix) ToLog2CPMInPlace() error {
	if m.normalization == Log2CPM {
		return nil
	}
	if m.normalization != Raw {
		return fmt.Errorf("cellgene: cannot convert normalization %q to log2CPM", m.normalization)
	}
	rows, _ := m.data.Dims()
	for r := 0; r < rows; r++ {
		ConvertRowToLog2CPM(m.data.RawRowView(r))
	}
	m.normalization = Log2CPM
	return nil
}

// ConvertRowToLog2CPM applies the log2(1+CPM) transform to a single
// raw expression row in place. Exposed so streaming consumers (the
// precompute engine) can normalize rows without materializing a full
// Matrix per chunk.
func ConvertRowToLog2CPM(row []float64) {
	total := floats.Sum(row)
	if total == 0 {
		return
	}
	scale := 1e6 / total
	for i, v := range row {
		row[i] = math.Log2(1 + v*scale)
	}
}

// DownsampleGenes returns a new Matrix containing only the columns
// named in selector, in the order given.
func (m *Matrix) DownsampleGenes(selector []string) (*Matrix, error) {
	rows, _ := m.data.Dims()
	cols := make([]int, len(selector))
	for i, g := range selector {
		idx, ok := m.geneIdx[g]
		if !ok {
			return nil, fmt.Errorf("cellgene: gene %q not present in matrix", g)
		}
		cols[i] = idx
	}
	out := mat.NewDense(rows, len(cols), nil)
	for r := 0; r < rows; r++ {
		for j, c := range cols {
			out.Set(r, j, m.data.At(r, c))
		}
	}
	return &Matrix{
		data:          out,
		geneIDs:       append([]string(nil), selector...),
		geneIdx:       indexOf(selector),
		normalization: m.normalization,
	}, nil
}

// DownsampleCells returns a new Matrix containing only the rows named
// in selectedCells (indices into this matrix), in the order given.
func (m *Matrix) DownsampleCells(selectedCells []int) (*Matrix, error) {
	rows, _ := m.data.Dims()
	out := mat.NewDense(len(selectedCells), m.NGenes(), nil)
	for i, r := range selectedCells {
		if r < 0 || r >= rows {
			return nil, fmt.Errorf("cellgene: cell index %d out of range [0,%d)", r, rows)
		}
		out.SetRow(i, m.data.RawRowView(r))
	}
	return &Matrix{
		data:          out,
		geneIDs:       m.geneIDs,
		geneIdx:       m.geneIdx,
		normalization: m.normalization,
	}, nil
}

func indexOf(names []string) map[string]int {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	return idx
}
