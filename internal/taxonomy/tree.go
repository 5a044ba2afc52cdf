// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package taxonomy models the rooted, leveled cell-type tree that the
// reference taxonomy is organized as, and the queries over it that the
// rest of the pipeline needs: node lookup, descendant-leaf enumeration
// and sibling-leaf-pair enumeration for marker scoring.
package taxonomy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node identifies a node in the tree by its level and name. The zero
// value, with an empty Level, represents the virtual root whose
// children are the nodes of the first hierarchy level.
type Node struct {
	Level string
	Name  string
}

func (n Node) String() string {
	if n.Level == "" {
		return "<root>"
	}
	return fmt.Sprintf("%s/%s", n.Level, n.Name)
}

// IsRoot reports whether n is the virtual root.
func (n Node) IsRoot() bool { return n.Level == "" && n.Name == "" }

// LeafPair is an unordered pair of sibling leaf clusters that must be
// discriminated under a given parent.
type LeafPair struct {
	Level string
	A, B  string
}

// Tree is a labeled, rooted taxonomy tree with an ordered hierarchy of
// level names L_0 < L_1 < ... < L_k, where L_k is the leaf level.
type Tree struct {
	hierarchy []string
	// levels holds, for every non-leaf level, node name -> ordered list
	// of child names at the next level.
	levels map[string]map[string][]string
	// leafRows holds, for the leaf level only, leaf name -> reference
	// row indices.
	leafRows map[string][]int
}

// New builds a Tree from hierarchy and the leaf-level row assignments,
// and internal-level child listings, then validates it.
//
// levels must contain every non-leaf entry in hierarchy mapped to
// node->children-at-next-level, and leafRows must map every leaf node
// name to its non-empty, pairwise-disjoint list of reference rows.
func New(hierarchy []string, levels map[string]map[string][]string, leafRows map[string][]int) (*Tree, error) {
	t := &Tree{
		hierarchy: append([]string(nil), hierarchy...),
		levels:    levels,
		leafRows:  leafRows,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromJSON parses the taxonomy wire format used by the precompute and
// marker stages: a JSON object with a "hierarchy" key and one key per
// level name. Every level except the last maps node name to a list of
// child names; the last (leaf) level maps leaf name to a list of
// integer row indices.
func FromJSON(data []byte) (*Tree, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("taxonomy: malformed tree json: %w", err)
	}
	hRaw, ok := raw["hierarchy"]
	if !ok {
		return nil, fmt.Errorf("taxonomy: missing %q key", "hierarchy")
	}
	var hierarchy []string
	if err := json.Unmarshal(hRaw, &hierarchy); err != nil {
		return nil, fmt.Errorf("taxonomy: malformed hierarchy: %w", err)
	}
	if len(hierarchy) == 0 {
		return nil, fmt.Errorf("taxonomy: empty hierarchy")
	}

	levels := make(map[string]map[string][]string, len(hierarchy)-1)
	leafRows := make(map[string][]int)
	leafLevel := hierarchy[len(hierarchy)-1]
	for _, level := range hierarchy {
		lvlRaw, ok := raw[level]
		if !ok {
			return nil, fmt.Errorf("taxonomy: missing level %q", level)
		}
		if level == leafLevel {
			if err := json.Unmarshal(lvlRaw, &leafRows); err != nil {
				return nil, fmt.Errorf("taxonomy: malformed leaf level %q: %w", level, err)
			}
		} else {
			var m map[string][]string
			if err := json.Unmarshal(lvlRaw, &m); err != nil {
				return nil, fmt.Errorf("taxonomy: malformed level %q: %w", level, err)
			}
			levels[level] = m
		}
	}
	return New(hierarchy, levels, leafRows)
}

// validate checks the tree invariants: non-empty hierarchy, non-empty
// per-level mappings, non-empty and pairwise-disjoint leaf row sets.
func (t *Tree) validate() error {
	if len(t.hierarchy) == 0 {
		return fmt.Errorf("taxonomy: hierarchy is empty")
	}
	leafLevel := t.hierarchy[len(t.hierarchy)-1]
	for _, level := range t.hierarchy[:len(t.hierarchy)-1] {
		m, ok := t.levels[level]
		if !ok || len(m) == 0 {
			return fmt.Errorf("taxonomy: level %q has no nodes", level)
		}
	}
	if len(t.leafRows) == 0 {
		return fmt.Errorf("taxonomy: leaf level %q has no clusters", leafLevel)
	}

	seen := make(map[int]string)
	for leaf, rows := range t.leafRows {
		if len(rows) == 0 {
			return fmt.Errorf("taxonomy: leaf %q has no reference rows", leaf)
		}
		for _, r := range rows {
			if owner, ok := seen[r]; ok {
				return fmt.Errorf("taxonomy: reference row %d claimed by both %q and %q", r, owner, leaf)
			}
			seen[r] = leaf
		}
	}
	return nil
}

// Hierarchy returns the ordered level names L_0 < ... < L_k.
func (t *Tree) Hierarchy() []string { return append([]string(nil), t.hierarchy...) }

// LeafLevel returns the deepest (leaf) level name.
func (t *Tree) LeafLevel() string { return t.hierarchy[len(t.hierarchy)-1] }

// NodesAtLevel returns all node names at the given level, sorted.
func (t *Tree) NodesAtLevel(level string) ([]string, error) {
	if level == t.LeafLevel() {
		names := make([]string, 0, len(t.leafRows))
		for name := range t.leafRows {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	m, ok := t.levels[level]
	if !ok {
		return nil, fmt.Errorf("taxonomy: %q is not a valid level; valid levels are %v", level, t.hierarchy)
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Children returns the immediate children of the given node. The root
// is addressed with an empty Level and Name, and its children are the
// nodes of the first hierarchy level.
func (t *Tree) Children(n Node) ([]string, error) {
	if n.IsRoot() {
		return t.NodesAtLevel(t.hierarchy[0])
	}
	if n.Level == t.LeafLevel() {
		return nil, fmt.Errorf("taxonomy: leaf node %q has no children", n)
	}
	m, ok := t.levels[n.Level]
	if !ok {
		return nil, fmt.Errorf("taxonomy: %q is not a valid level; try %v", n.Level, t.hierarchy)
	}
	children, ok := m[n.Name]
	if !ok {
		return nil, fmt.Errorf("taxonomy: %q is not a valid node at level %q", n.Name, n.Level)
	}
	out := append([]string(nil), children...)
	sort.Strings(out)
	return out, nil
}

// AllLeaves returns every leaf cluster name, sorted.
func (t *Tree) AllLeaves() []string {
	names, _ := t.NodesAtLevel(t.LeafLevel())
	return names
}

// NLeaves returns the number of leaf clusters.
func (t *Tree) NLeaves() int { return len(t.leafRows) }

// RowsForLeaf returns the reference row indices owned by leaf.
func (t *Tree) RowsForLeaf(leaf string) ([]int, error) {
	rows, ok := t.leafRows[leaf]
	if !ok {
		return nil, fmt.Errorf("taxonomy: %q is not a valid %s", leaf, t.LeafLevel())
	}
	return append([]int(nil), rows...), nil
}

// LeafToRows returns the full leaf-name to reference-row mapping.
func (t *Tree) LeafToRows() map[string][]int {
	out := make(map[string][]int, len(t.leafRows))
	for k, v := range t.leafRows {
		out[k] = append([]int(nil), v...)
	}
	return out
}

// AsLeaves returns, for every level, every node's set of descendant
// leaves, keyed level -> node -> leaf names.
func (t *Tree) AsLeaves() map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(t.hierarchy))
	leafLevel := t.LeafLevel()
	out[leafLevel] = make(map[string][]string, len(t.leafRows))
	for leaf := range t.leafRows {
		out[leafLevel][leaf] = []string{leaf}
	}
	// Walk from the leaf level upward, accumulating descendant leaves.
	for i := len(t.hierarchy) - 2; i >= 0; i-- {
		level := t.hierarchy[i]
		childLevel := t.hierarchy[i+1]
		out[level] = make(map[string][]string, len(t.levels[level]))
		for node, children := range t.levels[level] {
			var leaves []string
			for _, child := range children {
				leaves = append(leaves, out[childLevel][child]...)
			}
			sort.Strings(leaves)
			out[level][node] = leaves
		}
	}
	return out
}

// AllParents returns every valid (level, node) parent in the taxonomy,
// including the virtual root, in top-down order.
func (t *Tree) AllParents() []Node {
	parents := []Node{{}}
	for _, level := range t.hierarchy[:len(t.hierarchy)-1] {
		nodes, _ := t.NodesAtLevel(level)
		for _, node := range nodes {
			parents = append(parents, Node{Level: level, Name: node})
		}
	}
	return parents
}

// Siblings returns all pairs of distinct node names that are on the
// same level, across every level.
func (t *Tree) Siblings() []LeafPair {
	var pairs []LeafPair
	for _, level := range t.hierarchy {
		nodes, _ := t.NodesAtLevel(level)
		for i := range nodes {
			for j := i + 1; j < len(nodes); j++ {
				pairs = append(pairs, LeafPair{Level: level, A: nodes[i], B: nodes[j]})
			}
		}
	}
	return pairs
}

// LeavesToCompare finds every pair of leaf nodes that descend from
// distinct children of parent and so must be discriminated when
// classifying a cell assigned to parent.
//
// parent == nil means the virtual root.
func (t *Tree) LeavesToCompare(parent *Node) ([]LeafPair, error) {
	var children []string
	var err error
	if parent == nil {
		children, err = t.Children(Node{})
	} else {
		children, err = t.Children(*parent)
	}
	if err != nil {
		return nil, err
	}

	asLeaves := t.AsLeaves()
	var childLevel string
	if parent == nil {
		childLevel = t.hierarchy[0]
	} else {
		idx := t.levelIndex(parent.Level)
		if idx < 0 || idx+1 >= len(t.hierarchy) {
			return nil, fmt.Errorf("taxonomy: %q has no child level", parent.Level)
		}
		childLevel = t.hierarchy[idx+1]
	}

	var pairs []LeafPair
	for i := range children {
		leavesI := asLeaves[childLevel][children[i]]
		for j := i + 1; j < len(children); j++ {
			leavesJ := asLeaves[childLevel][children[j]]
			for _, a := range leavesI {
				for _, b := range leavesJ {
					pairs = append(pairs, LeafPair{Level: t.LeafLevel(), A: a, B: b})
				}
			}
		}
	}
	return pairs, nil
}

func (t *Tree) levelIndex(level string) int {
	for i, l := range t.hierarchy {
		if l == level {
			return i
		}
	}
	return -1
}

// ParentLevel returns the level immediately above child, or "" if
// child is the first hierarchy level (its parent is the root).
func (t *Tree) ParentLevel(childLevel string) (string, bool) {
	idx := t.levelIndex(childLevel)
	if idx <= 0 {
		return "", idx == 0
	}
	return t.hierarchy[idx-1], true
}
