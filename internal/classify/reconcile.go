// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classify

import (
	"fmt"

	"github.com/kortschak/cellmap/internal/markers"
	"github.com/kortschak/cellmap/internal/taxonomy"
)

// ReconcileTaxonomyAndMarkers validates that cache's parent-node list
// and gene universes are consistent with tree. A cache failing this
// check is unusable and classification must not start.
func ReconcileTaxonomyAndMarkers(tree *taxonomy.Tree, cache *markers.Cache) error {
	parents := tree.AllParents()
	got := make(map[string]bool, len(cache.ParentNodeList))
	for _, g := range cache.ParentNodeList {
		got[g] = true
	}
	seen := make(map[string]bool, len(parents))
	nRef := len(cache.ReferenceGeneNames)
	nQuery := len(cache.QueryGeneNames)
	for _, n := range parents {
		sel, ok := cache.Group(n)
		if !ok {
			return fmt.Errorf("classify: InconsistentInputs: marker cache is missing parent node %v", n)
		}
		seen[groupOf(n)] = true
		if len(sel.Reference) != len(sel.Query) {
			return fmt.Errorf("classify: InconsistentInputs: node %v has %d reference markers but %d query markers", n, len(sel.Reference), len(sel.Query))
		}
		for _, idx := range sel.Reference {
			if idx < 0 || idx >= nRef {
				return fmt.Errorf("classify: InconsistentInputs: node %v reference marker index %d out of range [0,%d)", n, idx, nRef)
			}
		}
		for _, idx := range sel.Query {
			if idx < 0 || idx >= nQuery {
				return fmt.Errorf("classify: InconsistentInputs: node %v query marker index %d out of range [0,%d)", n, idx, nQuery)
			}
		}
	}
	for g := range got {
		if !seen[g] {
			return fmt.Errorf("classify: InconsistentInputs: marker cache has unknown parent node %q", g)
		}
	}
	return nil
}

func groupOf(n taxonomy.Node) string {
	if n.IsRoot() {
		return "None"
	}
	return n.Level + "/" + n.Name
}
