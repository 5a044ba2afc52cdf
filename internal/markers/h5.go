// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package markers

import (
	"fmt"
	"sort"

	"github.com/kortschak/cellmap/internal/h5store"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// nodeGroup returns the HDF5 group path for a parent node's marker
// datasets: "{level}/{node}/", or "None/" for the virtual root.
func nodeGroup(n taxonomy.Node) string {
	if n.IsRoot() {
		return "None"
	}
	return n.Level + "/" + n.Name
}

// Write persists the per-node marker cache: top-level query_gene_names/reference_gene_names/all_query_markers/
// all_reference_markers/parent_node_list, plus per-parent
// {level}/{node}/{reference,query} datasets.
func Write(path string, tree *taxonomy.Tree, refGeneNames, queryGeneNames []string, selections map[taxonomy.Node]Selection) error {
	f, err := h5store.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteJSON("query_gene_names", queryGeneNames); err != nil {
		return err
	}
	if err := f.WriteJSON("reference_gene_names", refGeneNames); err != nil {
		return err
	}

	allRef := map[int]bool{}
	allQuery := map[int]bool{}
	parents := tree.AllParents()
	parentNames := make([]string, 0, len(parents))
	for _, n := range parents {
		sel, ok := selections[n]
		if !ok {
			return fmt.Errorf("markers: no selection recorded for node %v", n)
		}
		group := nodeGroup(n)
		parentNames = append(parentNames, group)
		if err := f.WriteInts(group+"/reference", sel.Reference); err != nil {
			return err
		}
		if err := f.WriteInts(group+"/query", sel.Query); err != nil {
			return err
		}
		for _, g := range sel.Reference {
			allRef[g] = true
		}
		for _, g := range sel.Query {
			allQuery[g] = true
		}
	}
	if err := f.WriteJSON("parent_node_list", parentNames); err != nil {
		return err
	}
	if err := f.WriteInts("all_reference_markers", sortedKeys(allRef)); err != nil {
		return err
	}
	if err := f.WriteInts("all_query_markers", sortedKeys(allQuery)); err != nil {
		return err
	}
	return nil
}

// Cache is the query-side marker cache read back from disk, indexed
// by the parent nodes classification walks over.
type Cache struct {
	QueryGeneNames      []string
	ReferenceGeneNames  []string
	AllQueryMarkers     []int
	AllReferenceMarkers []int
	ParentNodeList      []string
	Selections          map[string]Selection
}

// Read loads the query marker cache Write produces.
func Read(path string) (*Cache, error) {
	f, err := h5store.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &Cache{Selections: make(map[string]Selection)}
	if err := f.ReadJSON("query_gene_names", &c.QueryGeneNames); err != nil {
		return nil, err
	}
	if err := f.ReadJSON("reference_gene_names", &c.ReferenceGeneNames); err != nil {
		return nil, err
	}
	if err := f.ReadJSON("parent_node_list", &c.ParentNodeList); err != nil {
		return nil, err
	}
	if c.AllQueryMarkers, err = f.ReadInts("all_query_markers"); err != nil {
		return nil, err
	}
	if c.AllReferenceMarkers, err = f.ReadInts("all_reference_markers"); err != nil {
		return nil, err
	}
	for _, group := range c.ParentNodeList {
		ref, err := f.ReadInts(group + "/reference")
		if err != nil {
			return nil, err
		}
		query, err := f.ReadInts(group + "/query")
		if err != nil {
			return nil, err
		}
		c.Selections[group] = Selection{Reference: ref, Query: query}
	}
	return c, nil
}

// Group looks up the marker selection for node n by its group path.
func (c *Cache) Group(n taxonomy.Node) (Selection, bool) {
	sel, ok := c.Selections[nodeGroup(n)]
	return sel, ok
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
