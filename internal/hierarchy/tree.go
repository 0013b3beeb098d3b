package hierarchy

import (
	"slices"

	"coursecore/api/internal/store"
)

// tree is a working copy of one course's section structure. Operations
// rearrange it freely; layout then derives contiguous orders and levels for
// every reachable node, and only placements that changed are written back.
type tree struct {
	nodes map[string]*store.Section
	kids  map[string][]string
	orig  map[string]store.Placement
}

func parentKey(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}

func newTree(sections []store.Section) *tree {
	t := &tree{
		nodes: make(map[string]*store.Section, len(sections)),
		kids:  map[string][]string{},
		orig:  make(map[string]store.Placement, len(sections)),
	}
	sorted := slices.Clone(sections)
	slices.SortStableFunc(sorted, func(a, b store.Section) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	for i := range sorted {
		sec := sorted[i]
		t.nodes[sec.ID] = &sec
		key := parentKey(sec.ParentID)
		t.kids[key] = append(t.kids[key], sec.ID)
		t.orig[sec.ID] = store.Placement{ID: sec.ID, ParentID: sec.ParentID, Order: sec.Order, Level: sec.Level}
	}
	return t
}

func (t *tree) has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

func (t *tree) children(id string) []string {
	return slices.Clone(t.kids[id])
}

func (t *tree) siblings(parentID *string) []string {
	return slices.Clone(t.kids[parentKey(parentID)])
}

func (t *tree) roots() []string {
	return t.siblings(nil)
}

// position is the index of id among its siblings, or -1.
func (t *tree) position(id string) int {
	node, ok := t.nodes[id]
	if !ok {
		return -1
	}
	return slices.Index(t.kids[parentKey(node.ParentID)], id)
}

// add registers a node without attaching it anywhere.
func (t *tree) add(section store.Section) {
	sec := section
	t.nodes[sec.ID] = &sec
}

func (t *tree) detach(id string) {
	node, ok := t.nodes[id]
	if !ok {
		return
	}
	key := parentKey(node.ParentID)
	if i := slices.Index(t.kids[key], id); i >= 0 {
		t.kids[key] = slices.Delete(t.kids[key], i, i+1)
	}
}

// attach places id under parentID at index order. A negative or too large
// order appends.
func (t *tree) attach(id string, parentID *string, order int) {
	node := t.nodes[id]
	if parentID == nil {
		node.ParentID = nil
	} else {
		node.ParentID = store.StringPtr(*parentID)
	}
	key := parentKey(parentID)
	group := t.kids[key]
	if order < 0 || order > len(group) {
		order = len(group)
	}
	t.kids[key] = slices.Insert(group, order, id)
}

// remove deletes id and its subtree and returns the removed ids.
func (t *tree) remove(id string) []string {
	removed := t.subtree(id)
	t.detach(id)
	for _, rid := range removed {
		delete(t.nodes, rid)
		delete(t.kids, rid)
	}
	return removed
}

// subtree lists id and its descendants in pre-order.
func (t *tree) subtree(id string) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		out = append(out, cur)
		for _, child := range t.kids[cur] {
			walk(child)
		}
	}
	walk(id)
	return out
}

// isAncestor reports whether ancestor lies on the parent chain of id.
func (t *tree) isAncestor(ancestor, id string) bool {
	seen := map[string]bool{}
	for cur := t.nodes[id]; cur != nil && cur.ParentID != nil; cur = t.nodes[*cur.ParentID] {
		if *cur.ParentID == ancestor {
			return true
		}
		if seen[*cur.ParentID] {
			return false
		}
		seen[*cur.ParentID] = true
	}
	return false
}

// depth is the number of ancestors of id, which equals its level.
func (t *tree) depth(id string) int {
	d := 0
	seen := map[string]bool{id: true}
	for cur := t.nodes[id]; cur != nil && cur.ParentID != nil; cur = t.nodes[*cur.ParentID] {
		if seen[*cur.ParentID] {
			break
		}
		seen[*cur.ParentID] = true
		d++
	}
	return d
}

// height is the number of levels below id; a leaf has height 0.
func (t *tree) height(id string) int {
	h := 0
	for _, child := range t.kids[id] {
		if ch := t.height(child) + 1; ch > h {
			h = ch
		}
	}
	return h
}

// layout assigns every node reachable from the roots its parent, its index
// among its siblings and its depth.
func (t *tree) layout() map[string]store.Placement {
	out := make(map[string]store.Placement, len(t.nodes))
	var walk func(parent *string, level int)
	walk = func(parent *string, level int) {
		for i, id := range t.kids[parentKey(parent)] {
			if _, seen := out[id]; seen {
				continue
			}
			out[id] = store.Placement{ID: id, ParentID: parent, Order: i, Level: level}
			walk(store.StringPtr(id), level+1)
		}
	}
	walk(nil, 0)
	return out
}

// changes lists placements of pre-existing nodes that differ from what was
// loaded, in a stable order.
func (t *tree) changes(layout map[string]store.Placement) []store.Placement {
	var out []store.Placement
	for id, p := range layout {
		before, existed := t.orig[id]
		if !existed {
			continue
		}
		if before.Order != p.Order || before.Level != p.Level || !store.SameParent(before.ParentID, p.ParentID) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b store.Placement) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
