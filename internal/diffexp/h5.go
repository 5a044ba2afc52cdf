// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package diffexp

import (
	"fmt"
	"math/big"

	"github.com/kortschak/cellmap/internal/h5store"
)

// pairKeyWire is the JSON-friendly encoding of a PairKey, since a
// struct key can't be a JSON object key directly.
type pairKeyWire struct {
	Level string `json:"level"`
	A     string `json:"a"`
	B     string `json:"b"`
	Idx   int    `json:"idx"`
}

// Write persists a Result as the reference marker file:
// markers/, up_regulated/ bit matrices (one row per gene, NPairs bits
// packed into a flat int64 array), pair_to_idx, n_pairs, gene_names,
// and the sparse_by_pair CSR-over-pairs companion.
func (r *Result) Write(path string) error {
	f, err := h5store.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteJSON("gene_names", r.GeneNames); err != nil {
		return err
	}
	if err := f.WriteInts("n_pairs", []int{r.NPairs}); err != nil {
		return err
	}

	wire := make([]pairKeyWire, 0, len(r.Pairs))
	for i, p := range r.Pairs {
		wire = append(wire, pairKeyWire{Level: p.Level, A: p.A, B: p.B, Idx: i})
	}
	if err := f.WriteJSON("pair_to_idx", wire); err != nil {
		return err
	}

	if err := writeBitMatrix(f, "markers", r.IsMarker, r.NPairs); err != nil {
		return err
	}
	if err := writeBitMatrix(f, "up_regulated", r.UpReg, r.NPairs); err != nil {
		return err
	}

	upGene, upPair, downGene, downPair := r.sparseByPair()
	if err := f.WriteInts("sparse_by_pair/up_gene_idx", upGene); err != nil {
		return err
	}
	if err := f.WriteInts("sparse_by_pair/up_pair_idx", upPair); err != nil {
		return err
	}
	if err := f.WriteInts("sparse_by_pair/down_gene_idx", downGene); err != nil {
		return err
	}
	if err := f.WriteInts("sparse_by_pair/down_pair_idx", downPair); err != nil {
		return err
	}
	return nil
}

// Read loads a Result back from the reference marker file format
// Write produces.
func Read(path string) (*Result, error) {
	f, err := h5store.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var geneNames []string
	if err := f.ReadJSON("gene_names", &geneNames); err != nil {
		return nil, err
	}
	nPairsArr, err := f.ReadInts("n_pairs")
	if err != nil {
		return nil, err
	}
	nPairs := nPairsArr[0]

	var wire []pairKeyWire
	if err := f.ReadJSON("pair_to_idx", &wire); err != nil {
		return nil, err
	}
	pairToIdx := make(map[PairKey]int, len(wire))
	pairs := make([]PairKey, len(wire))
	for _, w := range wire {
		k := PairKey{Level: w.Level, A: w.A, B: w.B}
		pairToIdx[k] = w.Idx
		pairs[w.Idx] = k
	}

	isMarker, err := readBitMatrix(f, "markers", len(geneNames), nPairs)
	if err != nil {
		return nil, err
	}
	upReg, err := readBitMatrix(f, "up_regulated", len(geneNames), nPairs)
	if err != nil {
		return nil, err
	}

	return &Result{
		GeneNames: geneNames,
		PairToIdx: pairToIdx,
		Pairs:     pairs,
		NPairs:    nPairs,
		IsMarker:  isMarker,
		UpReg:     upReg,
	}, nil
}

// sparseByPair builds the CSR-over-pairs companion representation
// for fast per-pair marker enumeration. The bit
// matrices here are small enough (markers, not expression data) that
// the transpose is done directly in memory using the same
// scatter-after-histogram bucket-sort shape sparseio.TransposeCSCToCSR
// uses for the large sparse matrices; HDF5 values are still read and
// written exclusively through h5store.
func (r *Result) sparseByPair() (upGene, upPair, downGene, downPair []int) {
	upCount := make([]int, r.NPairs)
	downCount := make([]int, r.NPairs)
	for g := range r.GeneNames {
		for p := 0; p < r.NPairs; p++ {
			if !r.IsMarkerAt(g, p) {
				continue
			}
			if r.UpRegAt(g, p) {
				upCount[p]++
			} else {
				downCount[p]++
			}
		}
	}
	upIndptr := prefixSum(upCount)
	downIndptr := prefixSum(downCount)
	upGene = make([]int, upIndptr[r.NPairs])
	upPair = make([]int, upIndptr[r.NPairs])
	downGene = make([]int, downIndptr[r.NPairs])
	downPair = make([]int, downIndptr[r.NPairs])
	upCursor := append([]int(nil), upIndptr...)
	downCursor := append([]int(nil), downIndptr...)
	for g := range r.GeneNames {
		for p := 0; p < r.NPairs; p++ {
			if !r.IsMarkerAt(g, p) {
				continue
			}
			if r.UpRegAt(g, p) {
				upGene[upCursor[p]] = g
				upPair[upCursor[p]] = p
				upCursor[p]++
			} else {
				downGene[downCursor[p]] = g
				downPair[downCursor[p]] = p
				downCursor[p]++
			}
		}
	}
	return upGene, upPair, downGene, downPair
}

// PValueMask is a precomputed (n_genes x n_pairs) pass/fail bit matrix
// substituted for the scorer's own corrected p-values.
type PValueMask struct {
	Pass []big.Int
}

// PassAt reports whether gene geneIdx passes the p-value test for pair
// pairIdx.
func (m *PValueMask) PassAt(geneIdx, pairIdx int) bool {
	return m.Pass[geneIdx].Bit(pairIdx) == 1
}

// ReadPValueMask loads a mask file: a pass/ bit matrix in the same
// packed layout the marker file uses, with gene and pair counts taken
// from n_genes and n_pairs datasets.
func ReadPValueMask(path string) (*PValueMask, error) {
	f, err := h5store.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nGenesArr, err := f.ReadInts("n_genes")
	if err != nil {
		return nil, err
	}
	nPairsArr, err := f.ReadInts("n_pairs")
	if err != nil {
		return nil, err
	}
	pass, err := readBitMatrix(f, "pass", nGenesArr[0], nPairsArr[0])
	if err != nil {
		return nil, err
	}
	return &PValueMask{Pass: pass}, nil
}

func prefixSum(counts []int) []int {
	out := make([]int, len(counts)+1)
	for i, c := range counts {
		out[i+1] = out[i] + c
	}
	return out
}

func writeBitMatrix(f *h5store.File, group string, rows []big.Int, nPairs int) error {
	words := (nPairs + 63) / 64
	if words == 0 {
		words = 1
	}
	flat := make([]int, len(rows)*words)
	for i := range rows {
		bits := rows[i].Bits()
		for w := 0; w < words && w < len(bits); w++ {
			flat[i*words+w] = int(bits[w])
		}
	}
	if err := f.WriteInts(group+"/bits", flat); err != nil {
		return fmt.Errorf("diffexp: writing %s: %w", group, err)
	}
	return f.WriteInts(group+"/words_per_row", []int{words})
}

func readBitMatrix(f *h5store.File, group string, nRows, nPairs int) ([]big.Int, error) {
	flat, err := f.ReadInts(group + "/bits")
	if err != nil {
		return nil, fmt.Errorf("diffexp: reading %s: %w", group, err)
	}
	wpr, err := f.ReadInts(group + "/words_per_row")
	if err != nil {
		return nil, err
	}
	words := wpr[0]
	out := make([]big.Int, nRows)
	buf := make([]big.Word, words)
	for i := 0; i < nRows; i++ {
		for w := 0; w < words; w++ {
			buf[w] = big.Word(flat[i*words+w])
		}
		out[i].SetBits(append([]big.Word(nil), buf...))
	}
	return out, nil
}
