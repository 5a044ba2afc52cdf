// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package markers greedily selects, for every internal taxonomy node,
// a minimal set of marker genes that jointly discriminate the node's
// descendant leaf pairs, then intersects that set with the query gene
// vocabulary to produce the per-node marker cache.
package markers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kortschak/cellmap/internal/diffexp"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// ErrEmptyVocabulary is returned when no query gene overlaps any
// candidate reference marker gene at all.
var ErrEmptyVocabulary = errors.New("markers: EmptyVocabulary: no query gene overlaps any candidate reference marker")

// Config configures a selector run.
type Config struct {
	// NPerUtility is the coverage target for each (pair, sign) entry.
	NPerUtility int
	// BehemothCutoff routes nodes whose |P(p)| exceeds it to a
	// dedicated worker.
	BehemothCutoff int
	// Workers bounds the pool processing non-behemoth nodes.
	Workers int
}

// Selection is one internal node's selected marker genes, in both
// reference and query gene-index space.
type Selection struct {
	Reference []int
	Query     []int
}

// Selector picks marker genes per internal node from a diffexp.Result
// and a query gene vocabulary.
type Selector struct {
	tree       *taxonomy.Tree
	scores     *diffexp.Result
	queryGenes []string
	queryIdx   map[string]int
	refIdx     map[string]int
	cfg        Config
}

// NewSelector builds a Selector. queryGenes is the query matrix's gene
// vocabulary, in its native order.
func NewSelector(tree *taxonomy.Tree, scores *diffexp.Result, queryGenes []string, cfg Config) *Selector {
	queryIdx := make(map[string]int, len(queryGenes))
	for i, g := range queryGenes {
		queryIdx[g] = i
	}
	refIdx := make(map[string]int, len(scores.GeneNames))
	for i, g := range scores.GeneNames {
		refIdx[g] = i
	}
	if cfg.NPerUtility <= 0 {
		cfg.NPerUtility = 30
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Selector{tree: tree, scores: scores, queryGenes: queryGenes, queryIdx: queryIdx, refIdx: refIdx, cfg: cfg}
}

// target is one (pair, sign) coverage entry.
type target struct {
	pairIdx int
	up      bool
}

// candidateGenes returns the reference gene indices (sorted order)
// that are present in the query vocabulary at all.
func (s *Selector) candidateGenes() []int {
	var out []int
	for name, refI := range s.refIdx {
		if _, ok := s.queryIdx[name]; ok {
			out = append(out, refI)
		}
	}
	sort.Ints(out)
	return out
}

// Run selects markers for every parent node in the taxonomy, including
// the virtual root, honoring the behemoth worker-packing policy.
func (s *Selector) Run(ctx context.Context) (map[taxonomy.Node]Selection, error) {
	candidates := s.candidateGenes()
	if len(candidates) == 0 {
		return nil, ErrEmptyVocabulary
	}

	parents := s.tree.AllParents()
	results := make(map[taxonomy.Node]Selection, len(parents))
	var resultsMu sync.Mutex
	set := func(n taxonomy.Node, sel Selection) {
		resultsMu.Lock()
		results[n] = sel
		resultsMu.Unlock()
	}

	var behemoths, packed []taxonomy.Node
	pairCounts := make(map[taxonomy.Node][]taxonomy.LeafPair, len(parents))
	for _, p := range parents {
		n := p
		pairs, err := s.tree.LeavesToCompare(nodeOrNil(n))
		if err != nil {
			return nil, fmt.Errorf("markers: leaves to compare for %v: %w", n, err)
		}
		pairCounts[n] = pairs
		if s.cfg.BehemothCutoff > 0 && len(pairs) > s.cfg.BehemothCutoff {
			behemoths = append(behemoths, n)
		} else {
			packed = append(packed, n)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, n := range behemoths {
		n := n
		g.Go(func() error {
			sel, err := s.selectForNode(candidates, pairCounts[n])
			if err != nil {
				return fmt.Errorf("markers: node %v: %w", n, err)
			}
			set(n, sel)
			return nil
		})
	}

	packedWorkers := s.cfg.Workers
	if packedWorkers > len(packed) && len(packed) > 0 {
		packedWorkers = len(packed)
	}
	if packedWorkers < 1 {
		packedWorkers = 1
	}
	queue := make(chan taxonomy.Node, len(packed))
	for _, n := range packed {
		queue <- n
	}
	close(queue)
	for w := 0; w < packedWorkers; w++ {
		g.Go(func() error {
			for n := range queue {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				sel, err := s.selectForNode(candidates, pairCounts[n])
				if err != nil {
					return fmt.Errorf("markers: node %v: %w", n, err)
				}
				set(n, sel)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func nodeOrNil(n taxonomy.Node) *taxonomy.Node {
	if n.IsRoot() {
		return nil
	}
	return &n
}

// selectForNode runs the greedy selection for one node's set of leaf
// pairs.
func (s *Selector) selectForNode(candidates []int, pairs []taxonomy.LeafPair) (Selection, error) {
	if len(pairs) == 0 {
		return Selection{}, nil
	}

	targets := make([]target, 0, 2*len(pairs))
	for _, lp := range pairs {
		a, b := lp.A, lp.B
		if b < a {
			a, b = b, a
		}
		pairIdx, ok := s.scores.PairToIdx[diffexp.PairKey{Level: s.tree.LeafLevel(), A: a, B: b}]
		if !ok {
			return Selection{}, fmt.Errorf("markers: no score recorded for leaf pair (%s,%s)", a, b)
		}
		targets = append(targets, target{pairIdx: pairIdx, up: true}, target{pairIdx: pairIdx, up: false})
	}

	// contributes[g] is the bitmask of target indices gene g would
	// advance. Stored as a plain bool slice per gene; trees of this
	// scale keep it cheap and auditable.
	contributes := make([][]bool, len(candidates))
	for ci, g := range candidates {
		row := make([]bool, len(targets))
		any := false
		for ti, t := range targets {
			if !s.scores.IsMarkerAt(g, t.pairIdx) {
				continue
			}
			if s.scores.UpRegAt(g, t.pairIdx) == t.up {
				row[ti] = true
				any = true
			}
		}
		if any {
			contributes[ci] = row
		}
	}

	covered := make([]int, len(targets))
	selected := make(map[int]bool)
	var selectedIdx []int

	remaining := func() bool {
		for _, c := range covered {
			if c < s.cfg.NPerUtility {
				return true
			}
		}
		return false
	}

	for remaining() {
		bestCi := -1
		bestGain := 0
		bestTotal := 0
		for ci, row := range contributes {
			if row == nil || selected[ci] {
				continue
			}
			gain, total := 0, 0
			for ti, ok := range row {
				if !ok {
					continue
				}
				total++
				if covered[ti] < s.cfg.NPerUtility {
					gain++
				}
			}
			if gain == 0 {
				continue
			}
			switch {
			case bestCi < 0:
				bestCi, bestGain, bestTotal = ci, gain, total
			case gain > bestGain:
				bestCi, bestGain, bestTotal = ci, gain, total
			case gain == bestGain && total > bestTotal:
				bestCi, bestGain, bestTotal = ci, gain, total
			case gain == bestGain && total == bestTotal && candidates[ci] < candidates[bestCi]:
				bestCi, bestGain, bestTotal = ci, gain, total
			}
		}
		if bestCi < 0 {
			break
		}
		selected[bestCi] = true
		selectedIdx = append(selectedIdx, bestCi)
		for ti, ok := range contributes[bestCi] {
			if ok {
				covered[ti]++
			}
		}
	}

	refGenes := make([]int, 0, len(selectedIdx))
	for _, ci := range selectedIdx {
		refGenes = append(refGenes, candidates[ci])
	}
	sort.Ints(refGenes)

	queryGenes := make([]int, len(refGenes))
	for i, g := range refGenes {
		queryGenes[i] = s.queryIdx[s.scores.GeneNames[g]]
	}
	return Selection{Reference: refGenes, Query: queryGenes}, nil
}
