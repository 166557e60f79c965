package core

import (
	"fmt"
	"sort"
)

// SortKey selects the ordering of sibling categories.
type SortKey string

const (
	SortByInsertion SortKey = ""
	SortByCode      SortKey = "code"
	SortByName      SortKey = "name"
)

// CategoryTree indexes a flat category list into a parent/children
// structure so repeated Children calls stay O(1) instead of re-filtering
// the full list every time.
type CategoryTree struct {
	byID     map[string]*Category
	byCode   map[string]*Category
	children map[string][]*Category // parent id -> direct children, insertion order
	roots    []*Category
}

// NewCategoryTree builds the index. A category whose ParentID points to a
// non-existent id is treated as a root rather than rejected; the source
// data contains such orphans after partial deletions. Parent chains are
// validated for cycles up front so later walks need no guard.
func NewCategoryTree(categories []Category) (*CategoryTree, error) {
	t := &CategoryTree{
		byID:     make(map[string]*Category, len(categories)),
		byCode:   make(map[string]*Category, len(categories)),
		children: make(map[string][]*Category),
	}

	for i := range categories {
		c := &categories[i]
		if _, dup := t.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %q", c.ID)
		}
		t.byID[c.ID] = c
		t.byCode[c.Code] = c
	}

	for i := range categories {
		c := &categories[i]
		parent := c.ParentID
		if parent != "" {
			if _, ok := t.byID[parent]; !ok {
				parent = "" // orphan parent reference, treat as root
			}
		}
		if parent == "" {
			t.roots = append(t.roots, c)
		}
		t.children[parent] = append(t.children[parent], c)
	}

	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}
	return t, nil
}

// checkAcyclic walks every parent chain with a visited set. Cycles can only
// be created through direct API manipulation, but an unguarded walk would
// recurse forever, so they are rejected at build time.
func (t *CategoryTree) checkAcyclic() error {
	state := make(map[string]int, len(t.byID)) // 0 unvisited, 1 in progress, 2 done
	for id := range t.byID {
		chain := id
		var path []string
		for chain != "" {
			node, ok := t.byID[chain]
			if !ok {
				break
			}
			switch state[chain] {
			case 2:
				chain = ""
				continue
			case 1:
				return fmt.Errorf("%w: category %q", ErrCyclicCategoryTree, chain)
			}
			state[chain] = 1
			path = append(path, chain)
			chain = node.ParentID
		}
		for _, visited := range path {
			state[visited] = 2
		}
	}
	return nil
}

// Get returns the category with the given id.
func (t *CategoryTree) Get(id string) (Category, bool) {
	c, ok := t.byID[id]
	if !ok {
		return Category{}, false
	}
	return *c, true
}

// GetByCode returns the category with the given code.
func (t *CategoryTree) GetByCode(code string) (Category, bool) {
	c, ok := t.byCode[code]
	if !ok {
		return Category{}, false
	}
	return *c, true
}

// Children returns the direct children of parentID in stable insertion
// order. An empty parentID returns the roots.
func (t *CategoryTree) Children(parentID string) []Category {
	nodes := t.children[parentID]
	out := make([]Category, len(nodes))
	for i, n := range nodes {
		out[i] = *n
	}
	return out
}

// ChildrenSorted returns the direct children ordered by the requested key.
func (t *CategoryTree) ChildrenSorted(parentID string, by SortKey) []Category {
	out := t.Children(parentID)
	switch by {
	case SortByCode:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	case SortByName:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}

// Roots returns the top-level categories, orphans included.
func (t *CategoryTree) Roots() []Category {
	out := make([]Category, len(t.roots))
	for i, n := range t.roots {
		out[i] = *n
	}
	return out
}

// IsLeaf reports whether the category has no children. Unknown ids count
// as leaves.
func (t *CategoryTree) IsLeaf(id string) bool {
	return len(t.children[id]) == 0
}

// Len returns the number of indexed categories.
func (t *CategoryTree) Len() int {
	return len(t.byID)
}
