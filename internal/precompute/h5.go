// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package precompute

import (
	"fmt"

	"github.com/kortschak/cellmap/internal/h5store"
)

// Write persists s as the precomputed stats file: cluster_to_row and
// col_names as JSON string datasets, n_cells as an (n_clusters,) int
// vector, and sum/sumsq/gt0/gt1 as flattened (n_clusters, n_genes)
// arrays.
func (s *Stats) Write(path string) error {
	f, err := h5store.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteJSON("cluster_to_row", s.ClusterToRow); err != nil {
		return err
	}
	if err := f.WriteJSON("col_names", s.ColNames); err != nil {
		return err
	}
	if err := f.WriteInts("n_cells", s.NCells); err != nil {
		return err
	}
	if err := f.WriteFloat64s("sum", s.Sum); err != nil {
		return err
	}
	if err := f.WriteFloat64s("sumsq", s.Sumsq); err != nil {
		return err
	}
	if err := f.WriteInts("gt0", s.Gt0); err != nil {
		return err
	}
	return f.WriteInts("gt1", s.Gt1)
}

// ReadFile loads a stats file written by Write.
func ReadFile(path string) (*Stats, error) {
	f, err := h5store.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Stats{}
	if err := f.ReadJSON("cluster_to_row", &s.ClusterToRow); err != nil {
		return nil, err
	}
	if err := f.ReadJSON("col_names", &s.ColNames); err != nil {
		return nil, err
	}
	if s.NCells, err = f.ReadInts("n_cells"); err != nil {
		return nil, err
	}
	if s.Sum, err = f.ReadFloat64s("sum"); err != nil {
		return nil, err
	}
	if s.Sumsq, err = f.ReadFloat64s("sumsq"); err != nil {
		return nil, err
	}
	if s.Gt0, err = f.ReadInts("gt0"); err != nil {
		return nil, err
	}
	if s.Gt1, err = f.ReadInts("gt1"); err != nil {
		return nil, err
	}

	if len(s.NCells) != len(s.ClusterToRow) {
		return nil, fmt.Errorf("precompute: %s: n_cells has %d rows but cluster_to_row names %d clusters", path, len(s.NCells), len(s.ClusterToRow))
	}
	want := len(s.NCells) * len(s.ColNames)
	if len(s.Sum) != want || len(s.Sumsq) != want || len(s.Gt0) != want || len(s.Gt1) != want {
		return nil, fmt.Errorf("precompute: %s: stats arrays do not match %d clusters x %d genes", path, len(s.NCells), len(s.ColNames))
	}
	return s, nil
}

// Clusters returns the cluster names in stats-row order.
func (s *Stats) Clusters() []string {
	out := make([]string, len(s.ClusterToRow))
	for name, row := range s.ClusterToRow {
		out[row] = name
	}
	return out
}
