// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sparseio streams row chunks out of an HDF5-backed matrix
// that may be stored dense, CSR or CSC, and transposes a
// CSC matrix to CSR on disk when a scratch directory is available.
package sparseio

import "fmt"

// Encoding is the on-disk layout of a matrix, taken from its X/
// group's "encoding-type" attribute.
type Encoding string

const (
	Dense Encoding = "array"
	CSR   Encoding = "csr_matrix"
	CSC   Encoding = "csc_matrix"
)

// Source is the minimal read surface sparseio needs from the backing
// HDF5 file. h5store.File satisfies it.
type Source interface {
	ReadFloat64s(path string) ([]float64, error)
	ReadInts(path string) ([]int, error)
	ReadRowSlab(path string, r0, r1, nCols int) ([]float64, error)
	Attr(path, name string) (string, error)
}

// Sink is the minimal write surface the CSC->CSR transposer needs.
// h5store.File satisfies it.
type Sink interface {
	WriteFloat64s(path string, data []float64) error
	WriteInts(path string, data []int) error
}

// Chunk is a dense row slab covering rows [R0, R1) of the matrix.
type Chunk struct {
	Data   []float64
	R0, R1 int
	NCols  int
}

// Row returns a view of row r (absolute row index, R0 <= r < R1).
func (c Chunk) Row(r int) []float64 {
	i := r - c.R0
	return c.Data[i*c.NCols : (i+1)*c.NCols]
}

// Handle describes a matrix opened for row streaming.
type Handle struct {
	src      Source
	group    string
	Encoding Encoding
	NRows    int
	NCols    int
}

// Open inspects the matrix stored at group (e.g. "X") in src and
// returns a Handle describing its layout and shape.
func Open(src Source, group string) (*Handle, error) {
	enc, err := src.Attr(group, "encoding-type")
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading encoding-type of %s: %w", group, err)
	}
	shapeAttr, err := src.Attr(group, "shape")
	if err != nil {
		return nil, fmt.Errorf("sparseio: reading shape of %s: %w", group, err)
	}
	var nRows, nCols int
	if _, err := fmt.Sscanf(shapeAttr, "[%d, %d]", &nRows, &nCols); err != nil {
		return nil, fmt.Errorf("sparseio: malformed shape attribute %q: %w", shapeAttr, err)
	}
	return &Handle{src: src, group: group, Encoding: Encoding(enc), NRows: nRows, NCols: nCols}, nil
}

// OpenWithShape opens the matrix at group like Open, but falls back to
// structural probing when the encoding-type and shape attributes are
// unreachable, as they are for sparse layouts whose attributes hang on
// an HDF5 group rather than a dataset. nRows and nCols come from the
// caller's obs and var tables. The probe reads indptr: length nRows+1
// means CSR, length nCols+1 means CSC, and no indptr at all means a
// dense dataset. A square matrix stored sparse is resolved as CSR,
// which reads correctly for both layouts only when the writer agrees;
// square inputs should carry their attributes.
func OpenWithShape(src Source, group string, nRows, nCols int) (*Handle, error) {
	if h, err := Open(src, group); err == nil {
		return h, nil
	}
	indptr, err := src.ReadInts(group + "/indptr")
	if err != nil {
		return &Handle{src: src, group: group, Encoding: Dense, NRows: nRows, NCols: nCols}, nil
	}
	switch len(indptr) {
	case nRows + 1:
		return &Handle{src: src, group: group, Encoding: CSR, NRows: nRows, NCols: nCols}, nil
	case nCols + 1:
		return &Handle{src: src, group: group, Encoding: CSC, NRows: nRows, NCols: nCols}, nil
	default:
		return nil, fmt.Errorf("sparseio: %s/indptr has %d entries, want %d (CSR) or %d (CSC)", group, len(indptr), nRows+1, nCols+1)
	}
}

// RowIterator yields dense row chunks covering [0, NRows) in ascending
// order of R0.
type RowIterator interface {
	NRows() int
	NCols() int
	// Next returns the next chunk, or ok == false once exhausted.
	Next() (chunk Chunk, ok bool, err error)
}

// TransposeOptions configures the CSC->CSR fallback path.
type TransposeOptions struct {
	// ScratchDir, if non-empty, enables the on-disk transpose.
	// If empty, CSC matrices are read with the slower direct fallback.
	ScratchDir string
	// MaxGB bounds the transpose's per-pass memory budget.
	MaxGB float64
}

// NewRowIterator builds the right RowIterator for h's encoding.
func NewRowIterator(h *Handle, chunkSize int, opts TransposeOptions) (RowIterator, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("sparseio: chunkSize must be positive, got %d", chunkSize)
	}
	switch h.Encoding {
	case Dense:
		return &denseIterator{h: h, chunkSize: chunkSize}, nil
	case CSR:
		return newCSRIterator(h, chunkSize)
	case CSC:
		if opts.ScratchDir != "" {
			csrPath, err := TransposeCSCToCSR(h, opts.ScratchDir, opts.MaxGB)
			if err != nil {
				return nil, fmt.Errorf("sparseio: transposing CSC to CSR: %w", err)
			}
			return newCSRIterator(csrPath.Handle, chunkSize)
		}
		return newCSCFallbackIterator(h, chunkSize)
	default:
		return nil, fmt.Errorf("sparseio: unsupported encoding-type %q", h.Encoding)
	}
}

type denseIterator struct {
	h         *Handle
	chunkSize int
	r0        int
}

func (it *denseIterator) NRows() int { return it.h.NRows }
func (it *denseIterator) NCols() int { return it.h.NCols }

func (it *denseIterator) Next() (Chunk, bool, error) {
	if it.r0 >= it.h.NRows {
		return Chunk{}, false, nil
	}
	r1 := it.r0 + it.chunkSize
	if r1 > it.h.NRows {
		r1 = it.h.NRows
	}
	data, err := it.h.src.ReadRowSlab(it.h.group, it.r0, r1, it.h.NCols)
	if err != nil {
		return Chunk{}, false, err
	}
	chunk := Chunk{Data: data, R0: it.r0, R1: r1, NCols: it.h.NCols}
	it.r0 = r1
	return chunk, true, nil
}
