// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package precompute

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/sparseio"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// RowToLeaf inverts a taxonomy's leaf-to-row mapping so each reference
// row can be looked up to the leaf cluster that owns it.
func RowToLeaf(tree *taxonomy.Tree) (map[int]string, error) {
	out := make(map[int]string)
	for leaf, rows := range tree.LeafToRows() {
		for _, r := range rows {
			if owner, ok := out[r]; ok {
				return nil, fmt.Errorf("precompute: row %d claimed by both %q and %q", r, owner, leaf)
			}
			out[r] = leaf
		}
	}
	return out, nil
}

// Options configures a precompute run.
type Options struct {
	// Workers is the number of goroutines folding chunks into private
	// accumulators. Must be >= 1.
	Workers int
	// Normalization describes the matrix rows read from iter. If Raw,
	// each row is converted to log2CPM before accumulation.
	Normalization cellgene.Normalization
}

// Run streams every row out of iter and accumulates it into the
// cluster named by rowToLeaf[row]. Rows without a cluster
// mapping are skipped; cells may legitimately be excluded from the
// reference.
//
// Work is partitioned the way a single streamed pass must be: a lone
// reader goroutine pulls chunks off iter in order and fans them out to
// Workers goroutines, each holding a private Stats it merges into the
// result once the stream is exhausted. This avoids every worker
// needing its own file handle.
func Run(ctx context.Context, iter sparseio.RowIterator, rowToLeaf map[int]string, clusters, colNames []string, opts Options) (*Stats, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan sparseio.Chunk, opts.Workers)

	g.Go(func() error {
		defer close(chunks)
		for {
			chunk, ok, err := iter.Next()
			if err != nil {
				return fmt.Errorf("precompute: reading chunk: %w", err)
			}
			if !ok {
				return nil
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	partials := make([]*Stats, opts.Workers)
	for w := 0; w < opts.Workers; w++ {
		w := w
		g.Go(func() error {
			local := NewStats(clusters, colNames)
			partials[w] = local
			for chunk := range chunks {
				for r := chunk.R0; r < chunk.R1; r++ {
					leaf, ok := rowToLeaf[r]
					if !ok {
						continue
					}
					row := append([]float64(nil), chunk.Row(r)...)
					if opts.Normalization == cellgene.Raw {
						cellgene.ConvertRowToLog2CPM(row)
					}
					if err := local.AddRow(leaf, row); err != nil {
						return fmt.Errorf("precompute: accumulating row %d: %w", r, err)
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := NewStats(clusters, colNames)
	for _, p := range partials {
		if p == nil {
			continue
		}
		if err := result.MergeFrom(p); err != nil {
			return nil, err
		}
	}
	return result, nil
}
