// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package h5store centralizes every HDF5 dataset read and write the
// pipeline performs. Every HDF5 artifact — reference/query matrices,
// the precomputed-stats file, the reference-marker file and the query
// marker cache — is read and written exclusively through this package,
// keeping the C API out of the stage packages.
package h5store

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/hdf5"
)

// File wraps an open HDF5 file and exposes the narrow set of
// operations the pipeline needs: scalar JSON strings for small
// metadata, and flat float64/int arrays for everything numeric.
// Multi-dimensional arrays the pipeline writes are stored flattened,
// row-major, with their shape implied by other datasets in the same
// file: cluster_to_row and col_names for the statistics file, n_pairs
// and words_per_row for the marker file.
type File struct {
	h *hdf5.File
}

// OpenRead opens path read-only.
func OpenRead(path string) (*File, error) {
	h, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("h5store: open %s: %w", path, err)
	}
	return &File{h: h}, nil
}

// Create creates (truncating) a new file at path for writing.
func Create(path string) (*File, error) {
	h, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("h5store: create %s: %w", path, err)
	}
	return &File{h: h}, nil
}

// Close closes the underlying file.
func (f *File) Close() error { return f.h.Close() }

// ReadJSON unmarshals a UTF-8 JSON string dataset into v.
func (f *File) ReadJSON(dsetPath string, v any) error {
	dset, err := f.h.OpenDataset(dsetPath)
	if err != nil {
		return fmt.Errorf("h5store: open dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	var raw string
	if err := dset.Read(&raw); err != nil {
		return fmt.Errorf("h5store: read dataset %s: %w", dsetPath, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("h5store: malformed json in %s: %w", dsetPath, err)
	}
	return nil
}

// WriteJSON marshals v and writes it as a UTF-8 JSON string dataset.
func (f *File) WriteJSON(dsetPath string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("h5store: marshal %s: %w", dsetPath, err)
	}
	return f.writeScalarString(dsetPath, string(raw))
}

func (f *File) writeScalarString(dsetPath, value string) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return fmt.Errorf("h5store: dataspace for %s: %w", dsetPath, err)
	}
	defer space.Close()

	dtype, err := hdf5.NewDatatypeFromValue(value)
	if err != nil {
		return fmt.Errorf("h5store: datatype for %s: %w", dsetPath, err)
	}

	dset, err := f.h.CreateDataset(dsetPath, dtype, space)
	if err != nil {
		return fmt.Errorf("h5store: create dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	if err := dset.Write(&value); err != nil {
		return fmt.Errorf("h5store: write %s: %w", dsetPath, err)
	}
	return nil
}

// ReadFloat64s reads an entire 1-D or flattened dataset of float64s.
func (f *File) ReadFloat64s(dsetPath string) ([]float64, error) {
	dset, err := f.h.OpenDataset(dsetPath)
	if err != nil {
		return nil, fmt.Errorf("h5store: open dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	n, err := datasetLen(dset)
	if err != nil {
		return nil, err
	}
	buf := make([]float64, n)
	if err := dset.Read(&buf); err != nil {
		return nil, fmt.Errorf("h5store: read %s: %w", dsetPath, err)
	}
	return buf, nil
}

// WriteFloat64s writes data as a flat 1-D dataset of length len(data).
func (f *File) WriteFloat64s(dsetPath string, data []float64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(data))}, nil)
	if err != nil {
		return fmt.Errorf("h5store: dataspace for %s: %w", dsetPath, err)
	}
	defer space.Close()

	dset, err := f.h.CreateDataset(dsetPath, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return fmt.Errorf("h5store: create dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("h5store: write %s: %w", dsetPath, err)
	}
	return nil
}

// ReadInts reads an entire 1-D dataset of ints.
func (f *File) ReadInts(dsetPath string) ([]int, error) {
	dset, err := f.h.OpenDataset(dsetPath)
	if err != nil {
		return nil, fmt.Errorf("h5store: open dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	n, err := datasetLen(dset)
	if err != nil {
		return nil, err
	}
	buf := make([]int64, n)
	if err := dset.Read(&buf); err != nil {
		return nil, fmt.Errorf("h5store: read %s: %w", dsetPath, err)
	}
	out := make([]int, n)
	for i, v := range buf {
		out[i] = int(v)
	}
	return out, nil
}

// WriteInts writes data as a flat 1-D dataset of int64s.
func (f *File) WriteInts(dsetPath string, data []int) error {
	buf := make([]int64, len(data))
	for i, v := range data {
		buf[i] = int64(v)
	}
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(buf))}, nil)
	if err != nil {
		return fmt.Errorf("h5store: dataspace for %s: %w", dsetPath, err)
	}
	defer space.Close()

	dset, err := f.h.CreateDataset(dsetPath, hdf5.T_NATIVE_LLONG, space)
	if err != nil {
		return fmt.Errorf("h5store: create dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	if err := dset.Write(&buf); err != nil {
		return fmt.Errorf("h5store: write %s: %w", dsetPath, err)
	}
	return nil
}

// ReadRowSlab reads rows [r0,r1) of an (nRows, nCols) dense float64
// dataset via a hyperslab selection, avoiding loading the whole matrix
// into memory. The dataset may be stored 2-D or flat 1-D (nCols == 1
// reads elements [r0,r1) of a vector); the selection rank follows the
// stored rank.
func (f *File) ReadRowSlab(dsetPath string, r0, r1, nCols int) ([]float64, error) {
	dset, err := f.h.OpenDataset(dsetPath)
	if err != nil {
		return nil, fmt.Errorf("h5store: open dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	fileSpace := dset.Space()
	defer fileSpace.Close()

	dims, _, err := fileSpace.SimpleExtentDims()
	if err != nil {
		return nil, fmt.Errorf("h5store: dataspace dims of %s: %w", dsetPath, err)
	}
	var offset, count []uint
	if len(dims) == 1 {
		offset = []uint{uint(r0 * nCols)}
		count = []uint{uint((r1 - r0) * nCols)}
	} else {
		offset = []uint{uint(r0), 0}
		count = []uint{uint(r1 - r0), uint(nCols)}
	}
	if err := fileSpace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return nil, fmt.Errorf("h5store: hyperslab %s[%d:%d]: %w", dsetPath, r0, r1, err)
	}

	memSpace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return nil, fmt.Errorf("h5store: mem dataspace: %w", err)
	}
	defer memSpace.Close()

	buf := make([]float64, (r1-r0)*nCols)
	if err := dset.ReadSubset(&buf, memSpace, fileSpace); err != nil {
		return nil, fmt.Errorf("h5store: read subset %s: %w", dsetPath, err)
	}
	return buf, nil
}

// ReadStrings reads an entire 1-D dataset of variable-length strings,
// the encoding anndata uses for obs/var index columns.
func (f *File) ReadStrings(dsetPath string) ([]string, error) {
	dset, err := f.h.OpenDataset(dsetPath)
	if err != nil {
		return nil, fmt.Errorf("h5store: open dataset %s: %w", dsetPath, err)
	}
	defer dset.Close()

	n, err := datasetLen(dset)
	if err != nil {
		return nil, err
	}
	buf := make([]string, n)
	if err := dset.Read(&buf); err != nil {
		return nil, fmt.Errorf("h5store: read %s: %w", dsetPath, err)
	}
	return buf, nil
}

// IndexColumn reads the index column of an anndata-style table group
// (obs or var): the dataset named "_index" under the group, falling
// back to "index" for older writers.
func (f *File) IndexColumn(table string) ([]string, error) {
	for _, name := range []string{table + "/_index", table + "/index"} {
		if f.Exists(name) {
			return f.ReadStrings(name)
		}
	}
	return nil, fmt.Errorf("h5store: table %s has no index column", table)
}

// Attr reads a string attribute attached to the dataset at path.
// Attributes attached to groups (the sparse matrix layouts) are not
// reachable through the binding; sparseio probes those layouts
// structurally instead.
func (f *File) Attr(path, attrName string) (string, error) {
	dset, err := f.h.OpenDataset(path)
	if err != nil {
		return "", fmt.Errorf("h5store: open dataset %s: %w", path, err)
	}
	defer dset.Close()

	attr, err := dset.OpenAttribute(attrName)
	if err != nil {
		return "", fmt.Errorf("h5store: open attribute %s/%s: %w", path, attrName, err)
	}
	defer attr.Close()

	var v string
	if err := attr.Read(&v, nil); err != nil {
		return "", fmt.Errorf("h5store: read attribute %s/%s: %w", path, attrName, err)
	}
	return v, nil
}

// Exists reports whether dsetPath names an existing dataset or group.
func (f *File) Exists(dsetPath string) bool {
	return f.h.LinkExists(dsetPath)
}

func datasetLen(dset *hdf5.Dataset) (int, error) {
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return 0, fmt.Errorf("h5store: dataspace dims: %w", err)
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n, nil
}
