// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sparseio

import "fmt"

// csrIterator reads indptr once, then streams data/indices slices per
// chunk and scatters them into a zero-initialized dense buffer.
type csrIterator struct {
	h         *Handle
	chunkSize int
	indptr    []int
	r0        int
}

func newCSRIterator(h *Handle, chunkSize int) (*csrIterator, error) {
	indptr, err := h.src.ReadInts(h.group + "/indptr")
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading indptr: %w", err)
	}
	if len(indptr) != h.NRows+1 {
		return nil, fmt.Errorf("sparseio: indptr has %d entries, want %d", len(indptr), h.NRows+1)
	}
	for i := 1; i < len(indptr); i++ {
		if indptr[i] < indptr[i-1] {
			return nil, fmt.Errorf("sparseio: indptr is not monotone at index %d", i)
		}
	}
	return &csrIterator{h: h, chunkSize: chunkSize, indptr: indptr}, nil
}

func (it *csrIterator) NRows() int { return it.h.NRows }
func (it *csrIterator) NCols() int { return it.h.NCols }

func (it *csrIterator) Next() (Chunk, bool, error) {
	if it.r0 >= it.h.NRows {
		return Chunk{}, false, nil
	}
	r1 := it.r0 + it.chunkSize
	if r1 > it.h.NRows {
		r1 = it.h.NRows
	}

	start, end := it.indptr[it.r0], it.indptr[r1]
	if start < 0 || end > start+1<<31 || end < start {
		return Chunk{}, false, fmt.Errorf("sparseio: indptr range [%d,%d) out of bounds", start, end)
	}

	var data []float64
	var indices []int
	if end > start {
		var err error
		data, err = it.h.src.ReadRowSlab(it.h.group+"/data", start, end, 1)
		if err != nil {
			return Chunk{}, false, fmt.Errorf("sparseio: reading data[%d:%d]: %w", start, end, err)
		}
		indices, err = readIntSlab(it.h.src, it.h.group+"/indices", start, end)
		if err != nil {
			return Chunk{}, false, fmt.Errorf("sparseio: reading indices[%d:%d]: %w", start, end, err)
		}
	}

	nRows := r1 - it.r0
	dense := make([]float64, nRows*it.h.NCols)
	for r := it.r0; r < r1; r++ {
		rowStart, rowEnd := it.indptr[r]-start, it.indptr[r+1]-start
		base := (r - it.r0) * it.h.NCols
		for k := rowStart; k < rowEnd; k++ {
			col := indices[k]
			if col < 0 || col >= it.h.NCols {
				return Chunk{}, false, fmt.Errorf("sparseio: column index %d out of range [0,%d)", col, it.h.NCols)
			}
			dense[base+col] = data[k]
		}
	}

	chunk := Chunk{Data: dense, R0: it.r0, R1: r1, NCols: it.h.NCols}
	it.r0 = r1
	return chunk, true, nil
}

// readIntSlab reads ints[start:end] from a flat 1-D int dataset. There
// is no partial-int reader on Source, so it reads the whole dataset
// with ReadInts and slices it; index arrays are modest relative to
// expression data.
func readIntSlab(src Source, path string, start, end int) ([]int, error) {
	all, err := src.ReadInts(path)
	if err != nil {
		return nil, err
	}
	if end > len(all) {
		return nil, fmt.Errorf("sparseio: slab [%d:%d) exceeds dataset length %d", start, end, len(all))
	}
	return all[start:end], nil
}
