// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package classify implements the hierarchical bootstrap classifier:
// a top-down walk of the taxonomy that assigns every query cell a node
// at each level, with a bootstrap-derived confidence and the mean
// correlation to that node's reference profile.
package classify

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/kortschak/cellmap/internal/cellgene"
	"github.com/kortschak/cellmap/internal/markers"
	"github.com/kortschak/cellmap/internal/meanprofile"
	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/sparseio"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// LevelAssignment is one cell's result at one taxonomy level.
type LevelAssignment struct {
	Assignment               string
	BootstrappingProbability float64
	AvgCorrelation           float64
}

// CellResult is one query cell's assignment at every hierarchy level
// it was classified through.
type CellResult struct {
	CellID string
	Levels map[string]LevelAssignment
}

// Config configures a classification run.
type Config struct {
	BootstrapFactor    float64
	BootstrapIteration int
	ChunkSize          int
	Workers            int
	RootSeed           uint64
}

// Sink receives classification results as each chunk finishes.
// MemorySink merges under a lock for small runs; a per-chunk-file sink
// (built by callers atop internal/resultio) writes
// "{r0}_{r1}_assignment.json" files instead.
type Sink interface {
	WriteChunk(r0, r1 int, results []CellResult) error
}

// Classifier walks tree top-down, voting query cells against the mean
// profiles built from stats, restricted to cache's per-node marker
// sets.
type Classifier struct {
	tree  *taxonomy.Tree
	stats *precompute.Stats
	cache *markers.Cache
	cfg   Config
}

// New builds a Classifier. cache must already have passed
// ReconcileTaxonomyAndMarkers.
func New(tree *taxonomy.Tree, stats *precompute.Stats, cache *markers.Cache, cfg Config) *Classifier {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BootstrapIteration <= 0 {
		cfg.BootstrapIteration = 100
	}
	if cfg.BootstrapFactor <= 0 {
		cfg.BootstrapFactor = 0.5
	}
	return &Classifier{tree: tree, stats: stats, cache: cache, cfg: cfg}
}

// Run streams query rows out of iter in chunks, normalizes them if
// needed, and classifies each chunk independently. cellIDs
// must list one id per query row, in row order. Chunks are processed
// by a bounded worker pool; each chunk's RNG is split off the root
// splitter by the single sequential reader, in ascending r0 order, so
// the run is reproducible regardless of worker completion order.
func (c *Classifier) Run(ctx context.Context, iter sparseio.RowIterator, queryGeneNames []string, cellIDs []string, normalization cellgene.Normalization, sink Sink) error {
	type job struct {
		chunk sparseio.Chunk
		rng   *rand.Rand
	}
	jobs := make(chan job, c.cfg.Workers)
	splitter := NewSplitter(c.cfg.RootSeed)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for {
			chunk, ok, err := iter.Next()
			if err != nil {
				return fmt.Errorf("classify: reading chunk: %w", err)
			}
			if !ok {
				return nil
			}
			select {
			case jobs <- job{chunk: chunk, rng: splitter.Split()}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for w := 0; w < c.cfg.Workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				m, err := cellgene.New(append([]float64(nil), j.chunk.Data...), j.chunk.R1-j.chunk.R0, queryGeneNames, normalization)
				if err != nil {
					return fmt.Errorf("classify: building chunk matrix: %w", err)
				}
				if normalization == cellgene.Raw {
					if err := m.ToLog2CPMInPlace(); err != nil {
						return fmt.Errorf("classify: normalizing chunk: %w", err)
					}
				}
				ids := cellIDs[j.chunk.R0:j.chunk.R1]
				results, err := c.classifyChunk(m, ids, j.rng)
				if err != nil {
					return fmt.Errorf("classify: chunk [%d,%d): %w", j.chunk.R0, j.chunk.R1, err)
				}
				if err := sink.WriteChunk(j.chunk.R0, j.chunk.R1, results); err != nil {
					return fmt.Errorf("classify: writing chunk [%d,%d): %w", j.chunk.R0, j.chunk.R1, err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// classifyChunk runs the complete top-down walk of the taxonomy over
// every cell in chunk, independent of every other chunk.
func (c *Classifier) classifyChunk(chunk *cellgene.Matrix, cellIDs []string, rng *rand.Rand) ([]CellResult, error) {
	results := make([]CellResult, chunk.NCells())
	for i, id := range cellIDs {
		results[i] = CellResult{CellID: id, Levels: make(map[string]LevelAssignment)}
	}

	pending := map[taxonomy.Node][]int{{}: rangeInts(chunk.NCells())}

	for _, n := range c.tree.AllParents() {
		nodeRNG := rand.New(rand.NewSource(rng.Int63()))
		cells := pending[n]
		if len(cells) == 0 {
			continue
		}

		var parentPtr *taxonomy.Node
		if !n.IsRoot() {
			p := n
			parentPtr = &p
		}
		childProfiles, childNames, err := meanprofile.ChildProfiles(c.tree, c.stats, parentPtr)
		if err != nil {
			return nil, fmt.Errorf("classify: child profiles of %v: %w", n, err)
		}
		childLevel, ok := childLevelOf(c.tree, n)
		if !ok {
			return nil, fmt.Errorf("classify: %v has no child level", n)
		}

		if len(childNames) == 1 {
			for _, local := range cells {
				results[local].Levels[childLevel] = LevelAssignment{
					Assignment:               childNames[0],
					BootstrappingProbability: 1,
					AvgCorrelation:           1,
				}
			}
			pending[taxonomy.Node{Level: childLevel, Name: childNames[0]}] = append(pending[taxonomy.Node{Level: childLevel, Name: childNames[0]}], cells...)
			continue
		}

		sel, ok := c.cache.Group(n)
		if !ok {
			return nil, fmt.Errorf("classify: InconsistentInputs: no marker selection for %v", n)
		}
		if len(sel.Reference) == 0 {
			return nil, fmt.Errorf("classify: all markers filtered out for parent node %v", n)
		}
		geneNames := namesFromIdx(c.cache.ReferenceGeneNames, sel.Reference)

		childSub, err := childProfiles.DownsampleGenes(geneNames)
		if err != nil {
			return nil, fmt.Errorf("classify: subsetting child profiles for %v: %w", n, err)
		}
		querySub, err := chunk.DownsampleGenes(geneNames)
		if err != nil {
			return nil, fmt.Errorf("classify: subsetting query chunk for %v: %w", n, err)
		}

		winners, probs, corrs, err := bootstrapVote(querySub, childSub, cells, childNames, c.cfg, nodeRNG)
		if err != nil {
			return nil, fmt.Errorf("classify: bootstrap voting at %v: %w", n, err)
		}
		for i, local := range cells {
			winnerName := childNames[winners[i]]
			results[local].Levels[childLevel] = LevelAssignment{
				Assignment:               winnerName,
				BootstrappingProbability: probs[i],
				AvgCorrelation:           corrs[i],
			}
			key := taxonomy.Node{Level: childLevel, Name: winnerName}
			pending[key] = append(pending[key], local)
		}
	}

	return results, nil
}

// bootstrapVote runs the bootstrap correlation vote for the cells
// (local row indices into query) against childProfiles, whose rows
// line up with childNames.
func bootstrapVote(query, childProfiles *cellgene.Matrix, cells []int, childNames []string, cfg Config, rng *rand.Rand) (winners []int, probs, corrs []float64, err error) {
	nMarkers := query.NGenes()
	m := int(math.Round(cfg.BootstrapFactor * float64(nMarkers)))
	if m < 1 {
		m = 1
	}
	if m > nMarkers {
		m = nMarkers
	}

	votes := make([][]int, len(cells))
	corrSum := make([][]float64, len(cells))
	for i := range cells {
		votes[i] = make([]int, len(childNames))
		corrSum[i] = make([]float64, len(childNames))
	}

	for it := 0; it < cfg.BootstrapIteration; it++ {
		cols := rng.Perm(nMarkers)[:m]
		for li, local := range cells {
			qRow := subsetCols(query.Row(local), cols)
			best := -1
			var bestCorr float64
			for ci := range childNames {
				cRow := subsetCols(childProfiles.Row(ci), cols)
				corr := correlation(qRow, cRow)
				if best < 0 || corr > bestCorr {
					best, bestCorr = ci, corr
				}
			}
			votes[li][best]++
			corrSum[li][best] += bestCorr
		}
	}

	winners = make([]int, len(cells))
	probs = make([]float64, len(cells))
	corrs = make([]float64, len(cells))
	for li := range cells {
		winner := 0
		for ci := 1; ci < len(childNames); ci++ {
			if votes[li][ci] > votes[li][winner] ||
				(votes[li][ci] == votes[li][winner] && corrSum[li][ci] > corrSum[li][winner]) {
				winner = ci
			}
		}
		winners[li] = winner
		probs[li] = float64(votes[li][winner]) / float64(cfg.BootstrapIteration)
		if votes[li][winner] > 0 {
			corrs[li] = corrSum[li][winner] / float64(votes[li][winner])
		}
	}
	return winners, probs, corrs, nil
}

// correlation computes Pearson correlation, returning a defined 0 when
// either row has zero variance. The ddof convention cancels between
// numerator and denominator, so stat.Correlation's sample form matches
// the zero-ddof definition exactly.
func correlation(x, y []float64) float64 {
	corr := stat.Correlation(x, y, nil)
	if math.IsNaN(corr) {
		return 0
	}
	return corr
}

func subsetCols(row []float64, cols []int) []float64 {
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}

func namesFromIdx(names []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = names[j]
	}
	return out
}

func rangeInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func childLevelOf(tree *taxonomy.Tree, n taxonomy.Node) (string, bool) {
	if n.IsRoot() {
		return tree.Hierarchy()[0], true
	}
	hierarchy := tree.Hierarchy()
	for i, l := range hierarchy {
		if l == n.Level {
			if i+1 >= len(hierarchy) {
				return "", false
			}
			return hierarchy[i+1], true
		}
	}
	return "", false
}

// MemorySink accumulates every chunk's results under a lock and
// returns them sorted by originating row range, the small-run
// alternative to per-chunk result files.
type MemorySink struct {
	mu      sync.Mutex
	results []chunkResult
}

type chunkResult struct {
	r0      int
	results []CellResult
}

// NewMemorySink returns a ready-to-use MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteChunk implements Sink.
func (s *MemorySink) WriteChunk(r0, r1 int, results []CellResult) error {
	s.mu.Lock()
	s.results = append(s.results, chunkResult{r0: r0, results: results})
	s.mu.Unlock()
	return nil
}

// Results returns every accumulated cell result, ordered by r0 then
// intra-chunk order, independent of worker completion order.
func (s *MemorySink) Results() []CellResult {
	sorted := append([]chunkResult(nil), s.results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].r0 < sorted[j].r0 })
	var out []CellResult
	for _, c := range sorted {
		out = append(out, c.results...)
	}
	return out
}
