// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sparseio

import "fmt"

// cscFallbackIterator reads a CSC matrix without a scratch transpose,
// for use when no scratch directory is configured. It pays for the full
// indptr/indices/data arrays once, then rescans them per chunk; this
// is the documented slow path.
type cscFallbackIterator struct {
	h         *Handle
	chunkSize int
	indptr    []int
	indices   []int
	data      []float64
	r0        int
}

func newCSCFallbackIterator(h *Handle, chunkSize int) (*cscFallbackIterator, error) {
	indptr, err := h.src.ReadInts(h.group + "/indptr")
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading CSC indptr: %w", err)
	}
	if len(indptr) != h.NCols+1 {
		return nil, fmt.Errorf("sparseio: CSC indptr has %d entries, want %d", len(indptr), h.NCols+1)
	}
	indices, err := h.src.ReadInts(h.group + "/indices")
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading CSC indices: %w", err)
	}
	nnz := indptr[len(indptr)-1]
	data, err := h.src.ReadRowSlab(h.group+"/data", 0, nnz, 1)
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading CSC data: %w", err)
	}
	return &cscFallbackIterator{h: h, chunkSize: chunkSize, indptr: indptr, indices: indices, data: data}, nil
}

func (it *cscFallbackIterator) NRows() int { return it.h.NRows }
func (it *cscFallbackIterator) NCols() int { return it.h.NCols }

func (it *cscFallbackIterator) Next() (Chunk, bool, error) {
	if it.r0 >= it.h.NRows {
		return Chunk{}, false, nil
	}
	r1 := it.r0 + it.chunkSize
	if r1 > it.h.NRows {
		r1 = it.h.NRows
	}

	dense := make([]float64, (r1-it.r0)*it.h.NCols)
	for col := 0; col < it.h.NCols; col++ {
		for k := it.indptr[col]; k < it.indptr[col+1]; k++ {
			row := it.indices[k]
			if row < it.r0 || row >= r1 {
				continue
			}
			dense[(row-it.r0)*it.h.NCols+col] = it.data[k]
		}
	}

	chunk := Chunk{Data: dense, R0: it.r0, R1: r1, NCols: it.h.NCols}
	it.r0 = r1
	return chunk, true, nil
}
