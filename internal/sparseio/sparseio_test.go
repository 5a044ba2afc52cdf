// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sparseio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory Source used to test the iterators
// without touching HDF5.
type fakeSource struct {
	attrs  map[string]string
	floats map[string][]float64
	ints   map[string][]int
}

func (f *fakeSource) Attr(path, name string) (string, error) {
	v, ok := f.attrs[path+"\x00"+name]
	if !ok {
		return "", fmt.Errorf("no attr %s/%s", path, name)
	}
	return v, nil
}

func (f *fakeSource) ReadFloat64s(path string) ([]float64, error) {
	v, ok := f.floats[path]
	if !ok {
		return nil, fmt.Errorf("no dataset %s", path)
	}
	return v, nil
}

func (f *fakeSource) ReadInts(path string) ([]int, error) {
	v, ok := f.ints[path]
	if !ok {
		return nil, fmt.Errorf("no dataset %s", path)
	}
	return v, nil
}

func (f *fakeSource) ReadRowSlab(path string, r0, r1, nCols int) ([]float64, error) {
	v, ok := f.floats[path]
	if !ok {
		return nil, fmt.Errorf("no dataset %s", path)
	}
	if nCols == 1 {
		return append([]float64(nil), v[r0:r1]...), nil
	}
	return append([]float64(nil), v[r0*nCols:r1*nCols]...), nil
}

func denseMatrix() (data []float64, rows, cols int) {
	rows, cols = 4, 3
	data = []float64{
		1, 0, 2,
		0, 0, 0,
		3, 4, 0,
		0, 5, 6,
	}
	return data, rows, cols
}

func toCSR(data []float64, rows, cols int) (vals []float64, indices, indptr []int) {
	indptr = []int{0}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := data[r*cols+c]
			if v != 0 {
				vals = append(vals, v)
				indices = append(indices, c)
			}
		}
		indptr = append(indptr, len(vals))
	}
	return vals, indices, indptr
}

func toCSC(data []float64, rows, cols int) (vals []float64, indices, indptr []int) {
	indptr = []int{0}
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			v := data[r*cols+c]
			if v != 0 {
				vals = append(vals, v)
				indices = append(indices, r)
			}
		}
		indptr = append(indptr, len(vals))
	}
	return vals, indices, indptr
}

func TestCSRIteratorReproducesDense(t *testing.T) {
	data, rows, cols := denseMatrix()
	vals, indices, indptr := toCSR(data, rows, cols)

	src := &fakeSource{
		attrs:  map[string]string{"X\x00encoding-type": "csr_matrix", "X\x00shape": fmt.Sprintf("[%d, %d]", rows, cols)},
		floats: map[string][]float64{"X/data": vals},
		ints:   map[string][]int{"X/indices": indices, "X/indptr": indptr},
	}

	h, err := Open(src, "X")
	require.NoError(t, err)
	require.Equal(t, CSR, h.Encoding)

	it, err := NewRowIterator(h, 2, TransposeOptions{})
	require.NoError(t, err)

	var got []float64
	for {
		chunk, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk.Data...)
	}
	require.Equal(t, data, got)
}

func TestCSCFallbackReproducesDense(t *testing.T) {
	data, rows, cols := denseMatrix()
	vals, indices, indptr := toCSC(data, rows, cols)

	src := &fakeSource{
		attrs:  map[string]string{"X\x00encoding-type": "csc_matrix", "X\x00shape": fmt.Sprintf("[%d, %d]", rows, cols)},
		floats: map[string][]float64{"X/data": vals},
		ints:   map[string][]int{"X/indices": indices, "X/indptr": indptr},
	}

	h, err := Open(src, "X")
	require.NoError(t, err)
	require.Equal(t, CSC, h.Encoding)

	it, err := NewRowIterator(h, 3, TransposeOptions{}) // no ScratchDir: fallback path
	require.NoError(t, err)

	var got []float64
	for {
		chunk, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk.Data...)
	}
	require.Equal(t, data, got)
}

func TestCSRIteratorRejectsNonMonotoneIndptr(t *testing.T) {
	src := &fakeSource{
		attrs:  map[string]string{"X\x00encoding-type": "csr_matrix", "X\x00shape": "[2, 2]"},
		floats: map[string][]float64{"X/data": {1, 2}},
		ints:   map[string][]int{"X/indices": {0, 1}, "X/indptr": {0, 2, 1}},
	}
	h, err := Open(src, "X")
	require.NoError(t, err)
	_, err = NewRowIterator(h, 1, TransposeOptions{})
	require.Error(t, err)
}
