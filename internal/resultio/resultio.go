// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resultio emits the stable JSON and CSV result formats: a
// run's full per-cell assignments, the union of marker genes
// consulted, the echoed config, the accumulated log, and run metadata.
package resultio

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kortschak/cellmap/internal/classify"
)

// Metadata stamps a run's JSON output, tagged with a run ID the
// ambient CLI layer generates via github.com/google/uuid.
type Metadata struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Output is the top-level JSON result document.
type Output struct {
	Results     []map[string]any `json:"results"`
	MarkerGenes []string         `json:"marker_genes"`
	Config      any              `json:"config"`
	Log         []string         `json:"log"`
	Metadata    Metadata         `json:"metadata"`
}

// Build assembles an Output from a classification run's accumulated
// cell results.
func Build(results []classify.CellResult, markerGenes []string, cfg any, log []string, metadata Metadata) Output {
	recs := make([]map[string]any, len(results))
	for i, r := range results {
		rec := map[string]any{"cell_id": r.CellID}
		for level, a := range r.Levels {
			rec[level] = map[string]any{
				"assignment":                a.Assignment,
				"bootstrapping_probability": a.BootstrappingProbability,
				"avg_correlation":           a.AvgCorrelation,
			}
		}
		recs[i] = rec
	}
	markers := append([]string(nil), markerGenes...)
	sort.Strings(markers)
	return Output{
		Results:     recs,
		MarkerGenes: markers,
		Config:      cfg,
		Log:         log,
		Metadata:    metadata,
	}
}

// WriteJSON marshals out as indented JSON.
func WriteJSON(w io.Writer, out Output) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("resultio: encoding json: %w", err)
	}
	return nil
}

// ChunkFileSink writes each classified chunk to its own
// "{r0}_{r1}_assignment.json" file under Dir, the large-run alternative
// to accumulating results in memory. Filenames encode row ranges, so
// the on-disk results are deterministic regardless of worker completion
// order, and chunks already written survive a failed run.
type ChunkFileSink struct {
	Dir string
}

// WriteChunk implements classify.Sink.
func (s ChunkFileSink) WriteChunk(r0, r1 int, results []classify.CellResult) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("resultio: creating chunk dir %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("%d_%d_assignment.json", r0, r1))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("resultio: creating chunk file %s: %w", path, err)
	}

	recs := make([]map[string]any, len(results))
	for i, r := range results {
		rec := map[string]any{"cell_id": r.CellID}
		for level, a := range r.Levels {
			rec[level] = map[string]any{
				"assignment":                a.Assignment,
				"bootstrapping_probability": a.BootstrappingProbability,
				"avg_correlation":           a.AvgCorrelation,
			}
		}
		recs[i] = rec
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		f.Close()
		return fmt.Errorf("resultio: encoding chunk %s: %w", path, err)
	}
	return f.Close()
}

// WriteCSV writes the optional CSV rendering: a `# metadata = ` comment line
// naming the JSON file, a `# taxonomy hierarchy = ` comment line, a
// header, then one row per cell. Confidence values render with at
// least four decimal digits.
func WriteCSV(w io.Writer, jsonBasename string, hierarchy []string, results []classify.CellResult) error {
	if _, err := fmt.Fprintf(w, "# metadata = %s\n", jsonBasename); err != nil {
		return err
	}
	hJSON, err := json.Marshal(hierarchy)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# taxonomy hierarchy = %s\n", hJSON); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"cell_id"}
	for _, level := range hierarchy {
		header = append(header, level, level+"_confidence", level+"_avg_correlation")
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("resultio: writing csv header: %w", err)
	}

	for _, r := range results {
		row := make([]string, 0, len(header))
		row = append(row, r.CellID)
		for _, level := range hierarchy {
			a, ok := r.Levels[level]
			if !ok {
				row = append(row, "", "", "")
				continue
			}
			row = append(row, a.Assignment, fmt.Sprintf("%.4f", a.BootstrappingProbability), fmt.Sprintf("%.4f", a.AvgCorrelation))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("resultio: writing csv row for %q: %w", r.CellID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
