// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classify

import "math/rand"

// Splitter derives child RNGs from a root seed in a fixed,
// reproducible order. Child seeds are drawn from [99, 2^32), keeping
// every worker seed well away from the degenerate low seeds.
type Splitter struct {
	r *rand.Rand
}

// NewSplitter returns the root Splitter for seed.
func NewSplitter(seed uint64) *Splitter {
	return &Splitter{r: rand.New(rand.NewSource(int64(seed)))}
}

// Split draws the next child seed from the splitter, in call order,
// and returns a fresh *rand.Rand seeded from it. Classifier.Run calls
// Split once per chunk in ascending r0 order; within a chunk, per-node
// RNGs are seeded from the chunk's RNG in taxonomy.Tree.AllParents
// order. Together these make a run reproducible for a given root seed.
func (s *Splitter) Split() *rand.Rand {
	const lo, hi = 99, int64(1) << 32
	seed := lo + s.r.Int63n(hi-lo)
	return rand.New(rand.NewSource(seed))
}
