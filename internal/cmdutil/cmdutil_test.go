// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmdutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerTeesIntoFileAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	lg, err := NewLogger(path)
	require.NoError(t, err)

	lg.Infof("loading %s", "stats")
	lg.Errorf("boom: %d", 7)
	require.NoError(t, lg.Close())

	entries := lg.Entries()
	require.Equal(t, []string{"INFO: loading stats", "ERROR: boom: 7"}, entries)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "INFO loading stats")
	require.Contains(t, string(data), "ERROR boom: 7")
}

func TestLoggerAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	lg, err := NewLogger(path)
	require.NoError(t, err)
	lg.Infof("first")
	require.NoError(t, lg.Close())

	lg, err = NewLogger(path)
	require.NoError(t, err)
	lg.Infof("second")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "first")
	require.Contains(t, string(data), "second")
}

func TestTracebackRecordsErrorAndStack(t *testing.T) {
	lg, err := NewLogger("")
	require.NoError(t, err)
	lg.Traceback(errors.New("stage failed"))

	entries := lg.Entries()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0], "ERROR: stage failed")
	require.Contains(t, entries[0], "goroutine")
}

func TestRunIDIsUnique(t *testing.T) {
	require.NotEqual(t, RunID(), RunID())
}
