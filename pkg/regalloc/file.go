package regalloc

// Register file tracker: one instance per hardware file. Owns the free-slot
// bitsets and the resident interval population. A slot is available iff no
// physical interval covers it; a killed value's slots are available to the
// current instruction's destinations but not to eviction, so the value can
// still be read as a source.

import (
	"sort"

	"github.com/tilegpu/tgc/pkg/bitset"
	"github.com/tilegpu/tgc/pkg/ir"
)

type regFile struct {
	class ir.RegClass
	size  int
	// halfLimit bounds placements of half-precision values; they may only
	// occupy slots below it.
	halfLimit int

	avail        *bitset.Set // free slots
	availToEvict *bitset.Set // slots usable as eviction destinations

	tree intervalTree

	// physTop mirrors tree.top ordered by physical slot.
	physTop []*interval

	// cursor rotates the free-gap search so unrelated allocations spread
	// across the file. Reset at block entry for determinism.
	cursor int
}

func newRegFile(class ir.RegClass, size, halfLimit int) *regFile {
	f := &regFile{
		class:        class,
		size:         size,
		halfLimit:    halfLimit,
		avail:        bitset.New(size),
		availToEvict: bitset.New(size),
	}
	f.avail.SetRange(0, size)
	f.availToEvict.SetRange(0, size)
	f.tree.hooks = f
	return f
}

// reset restores the file to fully free, for the next block's state.
func (f *regFile) reset() {
	f.avail.ClearRange(0, f.size)
	f.avail.SetRange(0, f.size)
	f.availToEvict.ClearRange(0, f.size)
	f.availToEvict.SetRange(0, f.size)
	f.tree.top = nil
	f.physTop = nil
	f.cursor = 0
}

// limitFor returns the exclusive slot bound for placements of v.
func (f *regFile) limitFor(v *ir.Value) int {
	if v.Class == ir.ClassHalf && f.halfLimit < f.size {
		return f.halfLimit
	}
	return f.size
}

// insert makes iv resident. iv.physStart must be set.
func (f *regFile) insert(iv *interval) {
	f.tree.insert(iv)
}

// remove evicts iv from the file, promoting its children.
func (f *regFile) remove(iv *interval) {
	f.tree.remove(iv)
}

// markKilled flags a last-use source: its slots become available for this
// instruction's destinations while remaining unavailable as eviction
// destinations. Only top-level intervals own their slots; a killed child is
// flagged without touching the bitsets.
func (f *regFile) markKilled(iv *interval) {
	iv.killed = true
	if iv.parent == nil {
		f.avail.SetRange(iv.physStart, iv.physEnd())
	}
}

// unmarkKilled undoes a temporary markKilled.
func (f *regFile) unmarkKilled(iv *interval) {
	iv.killed = false
	if iv.parent == nil {
		f.avail.ClearRange(iv.physStart, iv.physEnd())
	}
}

// reserve withdraws [lo, hi) from both bitsets without a resident interval,
// used to pin fixed output windows during terminator handling.
func (f *regFile) reserve(lo, hi int) {
	f.avail.ClearRange(lo, hi)
	f.availToEvict.ClearRange(lo, hi)
}

// overlapping returns the top-level intervals whose physical range
// intersects [lo, hi), in physical order.
func (f *regFile) overlapping(lo, hi int) []*interval {
	var out []*interval
	for _, iv := range f.physTop {
		if iv.physStart < hi && iv.physEnd() > lo {
			out = append(out, iv)
		}
	}
	return out
}

// popTop and pushTop relocate a whole top-level interval (children included).
func (f *regFile) popTop(iv *interval) { f.tree.popTop(iv) }

func (f *regFile) pushTop(iv *interval, physStart int) {
	f.tree.pushTop(iv, physStart)
}

// treeHooks implementation: keep bitsets and the physical-order list in
// sync with top-level membership.

func (f *regFile) intervalAdded(iv *interval) {
	f.avail.ClearRange(iv.physStart, iv.physEnd())
	f.availToEvict.ClearRange(iv.physStart, iv.physEnd())
	i := sort.Search(len(f.physTop), func(i int) bool {
		return f.physTop[i].physStart > iv.physStart
	})
	insertAt(&f.physTop, i, iv)
	if iv.killed {
		// A killed interval keeps offering its slots to destinations.
		f.avail.SetRange(iv.physStart, iv.physEnd())
	}
}

func (f *regFile) intervalRemoved(iv *interval) {
	f.avail.SetRange(iv.physStart, iv.physEnd())
	f.availToEvict.SetRange(iv.physStart, iv.physEnd())
	i := indexOf(f.physTop, iv)
	f.physTop = append(f.physTop[:i], f.physTop[i+1:]...)
}

// intervalReadded recomputes a promoted child's physical range from its
// former parent's placement before the engine re-inserts it at top level.
func (f *regFile) intervalReadded(parent, child *interval) {
	child.physStart = parent.physStart + (child.val.Start - parent.val.Start)
}
