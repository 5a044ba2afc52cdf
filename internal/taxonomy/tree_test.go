// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func smallTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := New(
		[]string{"class", "subclass", "cluster"},
		map[string]map[string][]string{
			"class":    {"neuron": {"exc", "inh"}},
			"subclass": {"exc": {"c1", "c2"}, "inh": {"c3"}},
		},
		map[string][]int{
			"c1": {0, 1, 2},
			"c2": {3, 4},
			"c3": {5, 6, 7, 8},
		},
	)
	require.NoError(t, err)
	return tree
}

func TestTreeBasics(t *testing.T) {
	tree := smallTree(t)
	require.Equal(t, []string{"class", "subclass", "cluster"}, tree.Hierarchy())
	require.Equal(t, "cluster", tree.LeafLevel())
	require.Equal(t, 3, tree.NLeaves())

	children, err := tree.Children(Node{})
	require.NoError(t, err)
	require.Equal(t, []string{"neuron"}, children)

	children, err = tree.Children(Node{Level: "class", Name: "neuron"})
	require.NoError(t, err)
	require.Equal(t, []string{"exc", "inh"}, children)

	rows, err := tree.RowsForLeaf("c2")
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, rows)
}

func TestTreeRejectsOverlappingLeafRows(t *testing.T) {
	_, err := New(
		[]string{"cluster"},
		nil,
		map[string][]int{
			"a": {0, 1},
			"b": {1, 2},
		},
	)
	require.Error(t, err)
}

func TestTreeRejectsEmptyLeaf(t *testing.T) {
	_, err := New(
		[]string{"cluster"},
		nil,
		map[string][]int{
			"a": {},
		},
	)
	require.Error(t, err)
}

func TestAsLeaves(t *testing.T) {
	tree := smallTree(t)
	leaves := tree.AsLeaves()
	require.ElementsMatch(t, []string{"c1", "c2"}, leaves["subclass"]["exc"])
	require.ElementsMatch(t, []string{"c3"}, leaves["subclass"]["inh"])
	require.ElementsMatch(t, []string{"c1", "c2", "c3"}, leaves["class"]["neuron"])
}

func TestLeavesToCompareRoot(t *testing.T) {
	tree := smallTree(t)
	pairs, err := tree.LeavesToCompare(nil)
	require.NoError(t, err)
	require.Len(t, pairs, 0) // single child "neuron" at root: no cross-child pairs
}

func TestLeavesToCompareSubclass(t *testing.T) {
	tree := smallTree(t)
	parent := Node{Level: "class", Name: "neuron"}
	pairs, err := tree.LeavesToCompare(&parent)
	require.NoError(t, err)
	// exc (c1,c2) vs inh (c3): c1-c3, c2-c3
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		require.Equal(t, "cluster", p.Level)
		require.Equal(t, "c3", p.B)
	}
}

func TestSiblings(t *testing.T) {
	tree := smallTree(t)
	pairs := tree.Siblings()
	require.NotEmpty(t, pairs)
}
