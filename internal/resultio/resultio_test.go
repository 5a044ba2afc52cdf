// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package resultio

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortschak/cellmap/internal/classify"
)

func sampleResults() []classify.CellResult {
	return []classify.CellResult{
		{
			CellID: "cellA",
			Levels: map[string]classify.LevelAssignment{
				"class": {Assignment: "neuron", BootstrappingProbability: 0.9, AvgCorrelation: 0.95},
			},
		},
	}
}

func TestWriteJSONContainsAssignment(t *testing.T) {
	out := Build(sampleResults(), []string{"g2", "g1"}, map[string]any{"k": "v"}, []string{"started"}, Metadata{RunID: "r1"})
	require.Equal(t, []string{"g1", "g2"}, out.MarkerGenes)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, out))
	require.Contains(t, buf.String(), `"cell_id": "cellA"`)
	require.Contains(t, buf.String(), `"neuron"`)
}

func TestWriteCSVHeaderAndPrecision(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, "run.json", []string{"class"}, sampleResults()))

	lines := strings.Split(buf.String(), "\n")
	require.Contains(t, lines[0], "# metadata = run.json")
	require.Contains(t, lines[1], "# taxonomy hierarchy")

	r := csv.NewReader(strings.NewReader(strings.Join(lines[2:], "\n")))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"cell_id", "class", "class_confidence", "class_avg_correlation"}, records[0])
	require.Equal(t, []string{"cellA", "neuron", "0.9000", "0.9500"}, records[1])
}
