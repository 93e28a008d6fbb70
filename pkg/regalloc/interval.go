package regalloc

// The interval engine: a nested-interval container keyed by the linear
// value-offset space assigned during merge-set construction. Containment in
// that space means vector decomposition, so a collect's interval covers the
// intervals of its legs and a split's interval nests inside its source's.
//
// The engine tracks nesting; the register file it belongs to mirrors the
// top-level population into a physical-slot-ordered list and two bitsets
// through the hook callbacks.

import (
	"fmt"
	"sort"

	"github.com/tilegpu/tgc/pkg/ir"
)

// interval is the per-value allocation state. Intervals live in an arena
// indexed by ValueID; parent/child links stay inside the arena.
type interval struct {
	val *ir.Value

	parent   *interval
	children []*interval // sorted by value-space start

	inserted bool
	// physStart is the flat slot of val.Start within the owning file.
	physStart int

	// Transient per-instruction state.
	killed bool
	frozen bool
}

func (iv *interval) physEnd() int { return iv.physStart + iv.val.Size }

// root returns the top-level ancestor of iv.
func (iv *interval) root() *interval {
	for iv.parent != nil {
		iv = iv.parent
	}
	return iv
}

// treeHooks is implemented by the register file tracker to keep its bitsets
// and physical-order list in sync with top-level membership changes.
type treeHooks interface {
	intervalAdded(iv *interval)
	intervalRemoved(iv *interval)
	intervalReadded(parent, child *interval)
}

// intervalTree holds the top-level intervals of one register file, ordered
// by value-space start.
type intervalTree struct {
	top   []*interval
	hooks treeHooks
}

// searchRight returns the index of the first interval in list whose end lies
// strictly right of pos: the interval covering pos if one does, otherwise
// the nearest interval to the right.
func searchRight(list []*interval, pos int) int {
	return sort.Search(len(list), func(i int) bool {
		return list[i].val.End > pos
	})
}

// containing returns the innermost inserted interval whose value-space range
// covers [start, end), or nil.
func (t *intervalTree) containing(start, end int) *interval {
	list := t.top
	var found *interval
	for {
		i := searchRight(list, start)
		if i == len(list) {
			return found
		}
		iv := list[i]
		if iv.val.Start > start || iv.val.End < end {
			return found
		}
		found = iv
		list = iv.children
	}
}

// insert places iv into the tree. The caller has already fixed iv.physStart.
// Nesting follows value-space containment: an existing interval containing
// the new one receives it as a child; existing intervals contained by the
// new one are absorbed as its children.
func (t *intervalTree) insert(iv *interval) {
	iv.inserted = true
	t.insertInto(&t.top, nil, iv)
}

func (t *intervalTree) insertInto(list *[]*interval, parent *interval, iv *interval) {
	start, end := iv.val.Start, iv.val.End
	i := searchRight(*list, start)

	if i < len(*list) {
		right := (*list)[i]
		if right.val.Start <= start && right.val.End >= end {
			// The right neighbor contains the new node: recurse.
			if right.val.Class != iv.val.Class {
				panic(fmt.Sprintf("regalloc: cross-class containment v%d in v%d", iv.val.ID, right.val.ID))
			}
			if iv.physStart != right.physStart+(start-right.val.Start) {
				panic(fmt.Sprintf("regalloc: v%d placed outside parent v%d", iv.val.ID, right.val.ID))
			}
			t.insertInto(&right.children, right, iv)
			return
		}
	}

	// Absorb every neighbor starting strictly inside the new range.
	for i < len(*list) && (*list)[i].val.Start < end {
		child := (*list)[i]
		if child.val.Start < start || child.val.End > end {
			panic(fmt.Sprintf("regalloc: overlapping siblings v%d, v%d", iv.val.ID, child.val.ID))
		}
		if child.val.Class != iv.val.Class {
			panic(fmt.Sprintf("regalloc: cross-class containment v%d in v%d", child.val.ID, iv.val.ID))
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		if parent == nil && t.hooks != nil {
			t.hooks.intervalRemoved(child)
		}
		child.parent = iv
		iv.children = append(iv.children, child)
	}

	*list = append(*list, nil)
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = iv
	iv.parent = parent
	if parent == nil && t.hooks != nil {
		t.hooks.intervalAdded(iv)
	}
}

// remove detaches iv. Its children are re-parented to iv's former parent,
// or promoted to top level with their physical coordinates recomputed
// through the readd hook.
func (t *intervalTree) remove(iv *interval) {
	list := &t.top
	if iv.parent != nil {
		list = &iv.parent.children
	}
	i := indexOf(*list, iv)
	*list = append((*list)[:i], (*list)[i+1:]...)

	if iv.parent == nil && t.hooks != nil {
		t.hooks.intervalRemoved(iv)
	}

	for _, child := range iv.children {
		child.parent = iv.parent
		if iv.parent != nil {
			j := searchRight(iv.parent.children, child.val.Start)
			insertAt(&iv.parent.children, j, child)
		} else {
			if t.hooks != nil {
				t.hooks.intervalReadded(iv, child)
			}
			j := searchRight(t.top, child.val.Start)
			insertAt(&t.top, j, child)
			if t.hooks != nil {
				t.hooks.intervalAdded(child)
			}
		}
	}
	iv.children = nil
	iv.parent = nil
	iv.inserted = false
	iv.killed = false
}

// popTop detaches a top-level interval together with its children, for
// wholesale relocation.
func (t *intervalTree) popTop(iv *interval) {
	i := indexOf(t.top, iv)
	t.top = append(t.top[:i], t.top[i+1:]...)
	if t.hooks != nil {
		t.hooks.intervalRemoved(iv)
	}
}

// pushTop re-inserts a popped interval at a new physical base, shifting its
// children along.
func (t *intervalTree) pushTop(iv *interval, physStart int) {
	delta := physStart - iv.physStart
	var shift func(n *interval)
	shift = func(n *interval) {
		n.physStart += delta
		for _, c := range n.children {
			shift(c)
		}
	}
	shift(iv)
	i := searchRight(t.top, iv.val.Start)
	insertAt(&t.top, i, iv)
	if t.hooks != nil {
		t.hooks.intervalAdded(iv)
	}
}

func indexOf(list []*interval, iv *interval) int {
	for i, n := range list {
		if n == iv {
			return i
		}
	}
	panic("regalloc: interval not in tree")
}

func insertAt(list *[]*interval, i int, iv *interval) {
	*list = append(*list, nil)
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = iv
}
