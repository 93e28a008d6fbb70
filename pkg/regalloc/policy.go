package regalloc

// Allocation policy: placement strategies tried in order, first success wins.
//
//  1. merge-set affinity      O(1)
//  2. merge-set reservation   O(file)
//  3. source affinity         O(1)
//  4. round-robin gap search  O(file)
//  5. eviction                O(file x residents)
//  6. defragmentation         O(residents log residents)

import (
	"sort"

	"github.com/tilegpu/tgc/pkg/bitset"
	"github.com/tilegpu/tgc/pkg/ir"
)

// getReg returns a physical base slot for v within rf, possibly queueing
// relocations of other resident values as pending parallel-copy entries.
// With isSource set, the slot is written by the parallel copy ahead of the
// instruction, before killed values are read: only truly free slots qualify,
// and killed residents blocking a window get relocated rather than skipped.
func (c *ctx) getReg(rf *regFile, v *ir.Value, isSource bool) (int, error) {
	limit := rf.limitFor(v)
	align := v.Align()

	// Destinations write after all reads and may land on killed sources.
	free := rf.avail
	if isSource {
		free = rf.availToEvict
	}

	// 1. Merge-set affinity: the set is already anchored somewhere.
	if s := v.Set; s != nil && s.Preferred != ir.RegNone {
		p := s.Preferred.Slot() + v.SetOff
		if p >= 0 && p%align == 0 && p+v.Size <= limit && free.TestRange(p, p+v.Size) {
			return c.take(rf, v, p), nil
		}
	}

	// 2. Merge-set reservation: anchor the whole unplaced set at once so
	// later members find their slots by affinity.
	if s := v.Set; s != nil && s.Preferred == ir.RegNone && s.Size > v.Size {
		if base := rf.findGap(free, s.Size, s.Align, limit); base >= 0 {
			s.Preferred = ir.EncodeReg(base)
			return c.take(rf, v, base+v.SetOff), nil
		}
	}

	// 3. Source affinity, for ALU results: reusing a killed operand's slot
	// avoids a shuffle, and for transcendental ops saves sync stalls.
	if !isSource && v.Def != nil && v.Def.Op.IsALU() {
		for _, u := range v.Def.Srcs {
			sv := c.f.Value(u.Val)
			if sv.Class != v.Class || sv.Size != v.Size {
				continue
			}
			siv := c.iv(u.Val)
			if siv.inserted && siv.killed && siv.parent == nil &&
				siv.physStart%align == 0 && siv.physStart+v.Size <= limit &&
				rf.avail.TestRange(siv.physStart, siv.physStart+v.Size) {
				return c.take(rf, v, siv.physStart), nil
			}
		}
	}

	// 4. Free-gap search.
	if gap := rf.findGap(free, v.Size, align, limit); gap >= 0 {
		return c.take(rf, v, gap), nil
	}

	// 5. Eviction.
	base, ok, err := c.tryEvictRegs(rf, v, isSource)
	if err != nil {
		return 0, err
	}
	if ok {
		return c.take(rf, v, base), nil
	}

	// 6. Defragmentation: capacity exists but is fragmented.
	base, err = c.compressRegsLeft(rf, v, isSource)
	if err != nil {
		return 0, err
	}
	return c.take(rf, v, base), nil
}

// take finalizes a placement choice: anchors the merge set on its first
// placed member and advances the round-robin cursor.
func (c *ctx) take(rf *regFile, v *ir.Value, slot int) int {
	if s := v.Set; s != nil && s.Preferred == ir.RegNone {
		s.Preferred = ir.EncodeReg(slot - v.SetOff)
	}
	rf.cursor = slot + v.Size
	if rf.cursor >= rf.size {
		rf.cursor = 0
	}
	return slot
}

// findGap scans free for the first aligned run of the needed length,
// starting at the rotating cursor and wrapping once.
func (f *regFile) findGap(free *bitset.Set, size, align, limit int) int {
	if size > limit {
		return -1
	}
	if g := free.NextRun(f.cursor, limit, size, align); g >= 0 {
		return g
	}
	if g := free.NextRun(0, limit, size, align); g >= 0 && g < f.cursor {
		return g
	}
	return -1
}

type relocation struct {
	iv  *interval
	dst int
}

// tryEvictRegs searches every aligned candidate window for the cheapest
// feasible eviction plan (fewest relocated slots), then re-runs the winner
// non-speculatively. ok is false when no candidate is feasible; a committed
// failure is the contract violation ErrEvictFailed.
func (c *ctx) tryEvictRegs(rf *regFile, v *ir.Value, isSource bool) (int, bool, error) {
	limit := rf.limitFor(v)
	align := v.Align()

	best, bestCost := -1, 0
	for base := 0; base+v.Size <= limit; base += align {
		cost, ok := c.evictCandidate(rf, v, base, isSource, true)
		if ok && (best < 0 || cost < bestCost) {
			best, bestCost = base, cost
		}
	}
	if best < 0 {
		return 0, false, nil
	}
	if _, ok := c.evictCandidate(rf, v, best, isSource, false); !ok {
		return 0, false, ErrEvictFailed
	}
	return best, true, nil
}

// evictCandidate simulates (or performs) relocating every resident value
// overlapping [base, base+v.Size) into a free-for-eviction run elsewhere.
// Frozen residents make the candidate infeasible. Killed residents need no
// relocation for a destination, since the write lands after their last read.
func (c *ctx) evictCandidate(rf *regFile, v *ir.Value, base int, isSource, speculative bool) (int, bool) {
	lo, hi := base, base+v.Size
	scratch := rf.availToEvict.Copy()
	scratch.ClearRange(lo, hi)

	cost := 0
	var relocs []relocation
	for _, iv := range rf.overlapping(lo, hi) {
		if iv.frozen {
			return 0, false
		}
		if iv.killed && !isSource {
			continue
		}
		sz := iv.val.Size
		dst := scratch.NextRun(0, rf.limitFor(iv.val), sz, iv.val.Align())
		if dst < 0 {
			return 0, false
		}
		scratch.ClearRange(dst, dst+sz)
		cost += sz
		relocs = append(relocs, relocation{iv, dst})
	}
	if !speculative {
		for _, r := range relocs {
			c.relocate(rf, r.iv, r.dst)
		}
	}
	return cost, true
}

// relocate moves a resident interval (children included) and queues the
// corresponding parallel-copy entry.
func (c *ctx) relocate(rf *regFile, iv *interval, dst int) {
	from := iv.physStart
	rf.popTop(iv)
	rf.pushTop(iv, dst)
	reanchor(iv)
	c.moves = append(c.moves, pendingMove{val: iv.val, from: from, to: dst})
}

// reanchor drags a merge set's preferred base along with a displaced member,
// so later members keep placing by affinity at the set's current home.
func reanchor(iv *interval) {
	if s := iv.val.Set; s != nil {
		s.Preferred = ir.EncodeReg(iv.physStart - iv.val.SetOff)
	}
}

// compressRegsLeft is the last resort: pop every movable resident, re-push
// left to right, and hand out the first fitting gap. Half-precision values
// go first (they are confined below the half boundary), live-through full
// values last, so that killed residents end up low and the requested range
// stays clear of anything it may not overlap.
func (c *ctx) compressRegsLeft(rf *regFile, v *ir.Value, isSource bool) (int, error) {
	var popped []*interval
	for _, iv := range rf.physTop {
		if !iv.frozen {
			popped = append(popped, iv)
		}
	}
	for _, iv := range popped {
		rf.popTop(iv)
	}
	sort.SliceStable(popped, func(i, j int) bool {
		return compressRank(popped[i]) < compressRank(popped[j])
	})

	// Relocations must not land on killed residents: their slots stay
	// readable until the current instruction issues. Only the requested
	// value itself may overlap them.
	scratch := rf.avail.Copy()
	for _, iv := range popped {
		from := iv.physStart
		dst := scratch.NextRun(0, rf.limitFor(iv.val), iv.val.Size, iv.val.Align())
		if dst < 0 {
			return 0, ErrDefragFailed
		}
		scratch.ClearRange(dst, dst+iv.val.Size)
		rf.pushTop(iv, dst)
		reanchor(iv)
		if dst != from {
			c.moves = append(c.moves, pendingMove{val: iv.val, from: from, to: dst})
		}
	}

	// The requested gap obeys the same rule as every other strategy: a
	// source-side slot is written before killed residents are read, so it
	// must be truly free.
	free := rf.avail
	if isSource {
		free = rf.availToEvict
	}
	gap := free.NextRun(0, rf.limitFor(v), v.Size, v.Align())
	if gap < 0 {
		return 0, ErrDefragFailed
	}
	return gap, nil
}

func compressRank(iv *interval) int {
	half := iv.val.Class == ir.ClassHalf
	switch {
	case half && !iv.killed:
		return 0
	case half:
		return 1
	case iv.killed:
		return 2
	}
	return 3
}
