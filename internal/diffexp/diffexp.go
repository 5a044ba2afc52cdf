// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diffexp scores every pair of sibling taxonomy nodes at every
// level against every gene, producing the differential-expression
// marker candidates that internal/markers later selects from.
package diffexp

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kortschak/cellmap/internal/precompute"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// Config holds the marker validity thresholds.
type Config struct {
	Q1Th       float64
	QdiffTh    float64
	Log2FoldTh float64
	PTh        float64

	// Relaxed enables the fallback thresholds below when a pair would
	// otherwise have fewer than NValid markers.
	Relaxed       bool
	Q1MinTh       float64
	QdiffMinTh    float64
	Log2FoldMinTh float64
	NValid        int

	// Epsilon guards the score denominator against division by zero.
	Epsilon float64

	// Mask, when non-nil, supplies a precomputed p-value pass/fail
	// decision per (gene, pair) in place of the scorer's own corrected
	// p-values. Gene rows follow the scorer's sorted gene order and
	// pair bits its canonical pair order.
	Mask *PValueMask
}

// DefaultConfig returns the thresholds the reference pipeline ships
// with.
func DefaultConfig() Config {
	return Config{
		Q1Th:          0.5,
		QdiffTh:       0.7,
		Log2FoldTh:    1.0,
		PTh:           0.01,
		Relaxed:       true,
		Q1MinTh:       0.1,
		QdiffMinTh:    0.1,
		Log2FoldMinTh: 0.4,
		NValid:        30,
		Epsilon:       1e-12,
	}
}

// PairKey identifies a scored sibling pair: the level both nodes live
// at, and their names in a fixed, canonical (sorted) order.
type PairKey struct {
	Level string
	A, B  string
}

// Result is the scored output of a Scorer run: two (n_genes x n_pairs)
// bit matrices, modeled one *big.Int per gene with one bit per pair.
type Result struct {
	GeneNames []string
	PairToIdx map[PairKey]int
	Pairs     []PairKey
	NPairs    int

	IsMarker []big.Int // len(GeneNames)
	UpReg    []big.Int // len(GeneNames); meaningful only where IsMarker is set
}

// IsMarkerAt reports whether gene geneIdx is a candidate marker for
// pair pairIdx.
func (r *Result) IsMarkerAt(geneIdx, pairIdx int) bool {
	return r.IsMarker[geneIdx].Bit(pairIdx) == 1
}

// UpRegAt reports whether gene geneIdx is up-regulated in the
// lexicographically-lower member of pair pairIdx. Only meaningful when
// IsMarkerAt is true.
func (r *Result) UpRegAt(geneIdx, pairIdx int) bool {
	return r.UpReg[geneIdx].Bit(pairIdx) == 1
}

func (r *Result) setBit(vec []big.Int, geneIdx, pairIdx int) {
	vec[geneIdx].SetBit(&vec[geneIdx], pairIdx, 1)
}

// Scorer computes differential-expression scores and validity masks
// for every sibling pair the taxonomy defines.
type Scorer struct {
	stats *precompute.Stats
	tree  *taxonomy.Tree
	cfg   Config
}

// NewScorer builds a Scorer over the given precomputed per-cluster
// stats and taxonomy tree.
func NewScorer(stats *precompute.Stats, tree *taxonomy.Tree, cfg Config) *Scorer {
	return &Scorer{stats: stats, tree: tree, cfg: cfg}
}

// Run scores every sibling pair at every level and returns the
// dense bit-matrix result.
func (s *Scorer) Run() (*Result, error) {
	geneNames := append([]string(nil), s.stats.ColNames...)
	perm := make([]int, len(geneNames))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(i, j int) bool { return geneNames[perm[i]] < geneNames[perm[j]] })
	sortedNames := make([]string, len(perm))
	for i, p := range perm {
		sortedNames[i] = geneNames[p]
	}

	pairs := canonicalPairs(s.tree.Siblings())
	pairToIdx := make(map[PairKey]int, len(pairs))
	for i, p := range pairs {
		pairToIdx[p] = i
	}

	res := &Result{
		GeneNames: sortedNames,
		PairToIdx: pairToIdx,
		Pairs:     pairs,
		NPairs:    len(pairs),
		IsMarker:  make([]big.Int, len(sortedNames)),
		UpReg:     make([]big.Int, len(sortedNames)),
	}

	asLeaves := s.tree.AsLeaves()
	for pairIdx, key := range pairs {
		leavesA := asLeaves[key.Level][key.A]
		leavesB := asLeaves[key.Level][key.B]
		n1, sum1, sumsq1, _, gt1a, err := s.stats.Aggregate(leavesA)
		if err != nil {
			return nil, fmt.Errorf("diffexp: pair %v side a: %w", key, err)
		}
		n2, sum2, sumsq2, _, gt1b, err := s.stats.Aggregate(leavesB)
		if err != nil {
			return nil, fmt.Errorf("diffexp: pair %v side b: %w", key, err)
		}
		if n1 == 0 || n2 == 0 {
			// NumericDegeneracy: no variance estimable on one
			// side. The pair contributes no markers; the run
			// continues.
			continue
		}
		mu1, var1 := precompute.AggregateMeanVar(n1, sum1, sumsq1)
		mu2, var2 := precompute.AggregateMeanVar(n2, sum2, sumsq2)

		pvals := make([]float64, len(perm))
		for gi, g := range perm {
			pvals[gi] = pValue(mu1[g], var1[g], n1, mu2[g], var2[g], n2, s.cfg.Epsilon)
		}
		adjusted := benjaminiHochberg(pvals)

		for gi, g := range perm {
			q1a := safeDiv(gt1a[g], n1)
			q1b := safeDiv(gt1b[g], n2)
			up := mu1[g] > mu2[g]
			pPass := adjusted[gi] < s.cfg.PTh
			if s.cfg.Mask != nil {
				pPass = s.cfg.Mask.PassAt(gi, pairIdx)
			}
			strict := validAt(q1a, q1b, mu1[g], mu2[g], s.cfg.Q1Th, s.cfg.QdiffTh, s.cfg.Log2FoldTh) && pPass
			relaxed := s.cfg.Relaxed && validAt(q1a, q1b, mu1[g], mu2[g], s.cfg.Q1MinTh, s.cfg.QdiffMinTh, s.cfg.Log2FoldMinTh)
			if strict {
				res.setBit(res.IsMarker, gi, pairIdx)
				if up {
					res.setBit(res.UpReg, gi, pairIdx)
				}
			} else if relaxed {
				// Relaxed candidates are only promoted once we know
				// how many strict markers the pair ended up with;
				// defer them.
				continue
			}
		}
		promoteRelaxed(res, perm, pairIdx, pvals, mu1, mu2, gt1a, gt1b, n1, n2, s.cfg)
	}

	return res, nil
}

func promoteRelaxed(res *Result, perm []int, pairIdx int, pvals, mu1, mu2 []float64, gt1a, gt1b []int, n1, n2 int, cfg Config) {
	if !cfg.Relaxed {
		return
	}
	count := 0
	for gi := range perm {
		if res.IsMarkerAt(gi, pairIdx) {
			count++
		}
	}
	if count >= cfg.NValid {
		return
	}
	type cand struct {
		gi int
		up bool
	}
	var cands []cand
	for gi, g := range perm {
		if res.IsMarkerAt(gi, pairIdx) {
			continue
		}
		q1a := safeDiv(gt1a[g], n1)
		q1b := safeDiv(gt1b[g], n2)
		if validAt(q1a, q1b, mu1[g], mu2[g], cfg.Q1MinTh, cfg.QdiffMinTh, cfg.Log2FoldMinTh) {
			cands = append(cands, cand{gi: gi, up: mu1[g] > mu2[g]})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if pvals[cands[i].gi] != pvals[cands[j].gi] {
			return pvals[cands[i].gi] < pvals[cands[j].gi]
		}
		return cands[i].gi < cands[j].gi
	})
	for _, c := range cands {
		if count >= cfg.NValid {
			return
		}
		res.setBit(res.IsMarker, c.gi, pairIdx)
		if c.up {
			res.setBit(res.UpReg, c.gi, pairIdx)
		}
		count++
	}
}

func validAt(q1a, q1b, mu1, mu2, q1th, qdiffth, log2foldth float64) bool {
	if math.Max(q1a, q1b) < q1th {
		return false
	}
	if math.Abs(q1a-q1b) < qdiffth {
		return false
	}
	hi, lo := mu1, mu2
	if lo > hi {
		hi, lo = lo, hi
	}
	fold := log2Ratio(hi, lo)
	return math.Abs(fold) >= log2foldth
}

// Score returns the symmetric discriminator
// (mu1-mu2)^2 / (var1/n1 + var2/n2 + eps).
func Score(mu1, var1 float64, n1 int, mu2, var2 float64, n2 int, eps float64) float64 {
	d := mu1 - mu2
	denom := var1/float64(n1) + var2/float64(n2) + eps
	return d * d / denom
}

// pValue converts the score into a two-sided p-value via a normal
// approximation to the z statistic, matching the convention that a
// higher score is a stronger, more significant difference.
func pValue(mu1, var1 float64, n1 int, mu2, var2 float64, n2 int, eps float64) float64 {
	s := Score(mu1, var1, n1, mu2, var2, n2, eps)
	if s < 0 {
		s = 0
	}
	z := math.Sqrt(s)
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	return 2 * (1 - norm.CDF(z))
}

// benjaminiHochberg returns the BH-corrected (FDR) p-values for pvals,
// preserving input order.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })

	adjusted := make([]float64, n)
	minSoFar := 1.0
	for rank := n - 1; rank >= 0; rank-- {
		i := idx[rank]
		v := pvals[i] * float64(n) / float64(rank+1)
		if v > 1 {
			v = 1
		}
		if v < minSoFar {
			minSoFar = v
		}
		adjusted[i] = minSoFar
	}
	return adjusted
}

// canonicalPairs orders each pair's members lexicographically so
// up-regulation ("in a") has a fixed, reproducible meaning regardless
// of the order the pair was enumerated in.
func canonicalPairs(pairs []taxonomy.LeafPair) []PairKey {
	out := make([]PairKey, len(pairs))
	for i, p := range pairs {
		a, b := p.A, p.B
		if b < a {
			a, b = b, a
		}
		out[i] = PairKey{Level: p.Level, A: a, B: b}
	}
	return out
}

func safeDiv(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func log2Ratio(hi, lo float64) float64 {
	return math.Log2((hi + 1) / (lo + 1))
}
