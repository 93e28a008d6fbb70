package regalloc

// Per-instruction handlers. Shared shape: flag killed sources, allocate
// destinations while the killed sources still occupy their slots (so a
// destination may land on top of them), assign final source registers and
// drop the killed ones, then make the destinations resident. Any relocations
// queued along the way are flushed as one parallel copy ahead of the
// instruction.

import (
	"github.com/tilegpu/tgc/pkg/ir"
)

// handleInstr processes one body instruction and returns how many parallel
// copies were spliced in ahead of it.
func (c *ctx) handleInstr(b *ir.Block, pos int, in *ir.Instr) (int, error) {
	var err error
	switch {
	case in.Op == ir.OpParallelCopy && len(in.Copies) > 0:
		// Synthesized by this pass; already in register terms.
	case in.Op == ir.OpSplit:
		err = c.handleSplit(in)
	case in.Op == ir.OpCollect:
		err = c.handleCollect(in)
	case in.Op == ir.OpChmask:
		err = c.handleChmask(in)
	case in.Op == ir.OpJump || in.Op == ir.OpBranch || in.Op == ir.OpEnd:
		err = c.handleFlow(in)
	default:
		err = c.handleOrdinary(in)
	}
	if err != nil {
		return 0, err
	}
	return c.flushMoves(b, pos), nil
}

func (c *ctx) handleOrdinary(in *ir.Instr) error {
	c.markKilledSrcs(in)
	slots, override, err := c.allocDsts(in)
	if err != nil {
		return err
	}
	c.assignSrcs(in, override)
	for _, d := range in.Dsts {
		c.insertDst(d, slots[d])
	}
	return nil
}

// handleSplit extracts one component of a vector. When the destination
// shares the source's merge set and the source is resident, the component's
// slot is derived instead of allocated: no copy is ever emitted.
func (c *ctx) handleSplit(in *ir.Instr) error {
	d := in.Dsts[0]
	src := c.f.Value(in.Srcs[0].Val)
	if d.Set == nil || d.Set != src.Set || !c.iv(src.ID).inserted {
		return c.handleOrdinary(in)
	}
	c.markKilledSrcs(in)
	siv := c.iv(src.ID)
	slot := siv.physStart + (d.Start - src.Start)
	c.assignSrcs(in, nil)
	c.insertDst(d, slot)
	return nil
}

// handleCollect assembles a vector. Preference order: derive the slot from a
// resident interval already covering the destination's coordinates, else
// allocate a fresh window, treating the destination's own undersized live
// legs as evictable so they cannot block it. Legs then get normalized into
// their lanes: same-set residents by relocation, everything else by copy.
func (c *ctx) handleCollect(in *ir.Instr) error {
	d := in.Dsts[0]
	rf := c.fileFor(d)
	c.markKilledSrcs(in)

	var slot int
	if cont := rf.tree.containing(d.Start, d.End); cont != nil {
		slot = cont.physStart + (d.Start - cont.val.Start)
	} else {
		var temp []*interval
		for _, u := range in.Srcs {
			sv := c.f.Value(u.Val)
			iv := c.iv(u.Val)
			if d.Set != nil && sv.Set == d.Set && iv.inserted && iv.parent == nil &&
				!iv.killed && sv.Size < d.Size {
				rf.markKilled(iv)
				temp = append(temp, iv)
			}
		}
		s, err := c.getReg(rf, d, false)
		for _, iv := range temp {
			rf.unmarkKilled(iv)
		}
		if err != nil {
			return err
		}
		slot = s
	}

	type laneMove struct {
		iv   *interval
		lane int
	}
	var relocs []laneMove
	var override map[ir.ValueID]int
	off := 0
	for _, u := range in.Srcs {
		sv := c.f.Value(u.Val)
		iv := c.iv(u.Val)
		lane := slot + off
		off += sv.Size
		cur := iv.physStart
		if !iv.inserted && sv.Reg != ir.RegNone {
			cur = sv.Reg.Slot()
		}
		if cur == lane {
			continue
		}
		if override == nil {
			override = make(map[ir.ValueID]int)
		}
		override[u.Val] = lane
		if d.Set != nil && sv.Set == d.Set && iv.inserted && iv.parent == nil && !iv.killed {
			// Resident leg of the destination's own set: relocate it.
			c.moves = append(c.moves, pendingMove{val: sv, from: cur, to: lane})
			relocs = append(relocs, laneMove{iv, lane})
		} else {
			// Killed or out-of-set leg: copy it into the lane for the
			// collect to read, leaving its home slot alone.
			c.moves = append(c.moves, pendingMove{val: sv, from: cur, to: lane, alias: true})
		}
	}
	// Pop everything first: two legs may be swapping lanes.
	for _, r := range relocs {
		rf.popTop(r.iv)
	}
	for _, r := range relocs {
		rf.pushTop(r.iv, r.lane)
		reanchor(r.iv)
	}

	c.assignSrcs(in, override)
	c.insertDst(d, slot)
	return nil
}

// handleChmask pins the shader's channel outputs to fixed windows at the
// bottom of each file: source k lands at the cumulative size of the sources
// before it. The instruction ends the shader, so residents displaced by the
// windows need no preserving; one parallel copy moves every source from its
// current slot into its window.
func (c *ctx) handleChmask(in *ir.Instr) error {
	c.markKilledSrcs(in)
	offs := make(map[*regFile]int)
	for _, u := range in.Srcs {
		sv := c.f.Value(u.Val)
		rf := c.fileFor(sv)
		lo := offs[rf]
		offs[rf] = lo + sv.Size
		// reserve only pins the window against later sources' copies.
		// Residents left overlapping it stay in the tracker: the shader
		// ends at this instruction, so they are never read or placed again.
		rf.reserve(lo, lo+sv.Size)

		iv := c.iv(u.Val)
		cur := iv.physStart
		if !iv.inserted && sv.Reg != ir.RegNone {
			cur = sv.Reg.Slot()
		}
		u.Reg = ir.EncodeReg(lo)
		if cur != lo {
			c.moves = append(c.moves, pendingMove{val: sv, from: cur, to: lo, alias: true})
		}
		if iv.inserted && u.Kill {
			rf.remove(iv)
		}
	}
	return nil
}

// handleFlow assigns the registers a terminator reads. It defines nothing.
func (c *ctx) handleFlow(in *ir.Instr) error {
	c.markKilledSrcs(in)
	c.assignSrcs(in, nil)
	return nil
}

// markKilledSrcs flags every last-use source, making its slots available to
// this instruction's destinations.
func (c *ctx) markKilledSrcs(in *ir.Instr) {
	for _, u := range in.Srcs {
		if iv := c.iv(u.Val); u.Kill && iv.inserted {
			c.fileFor(iv.val).markKilled(iv)
		}
	}
}

// assignSrcs writes the final register of every source operand and removes
// the killed ones from their files. override redirects a source that a
// pending copy is about to materialize somewhere else.
func (c *ctx) assignSrcs(in *ir.Instr, override map[ir.ValueID]int) {
	for _, u := range in.Srcs {
		sv := c.f.Value(u.Val)
		iv := c.iv(u.Val)
		slot := iv.physStart
		if !iv.inserted && sv.Reg != ir.RegNone {
			slot = sv.Reg.Slot()
		}
		if s, ok := override[u.Val]; ok {
			slot = s
		}
		u.Reg = ir.EncodeReg(slot)
		if u.Kill && iv.inserted {
			c.fileFor(sv).remove(iv)
		}
	}
}

// allocDsts picks a slot for every destination. Tied destinations reuse the
// tied operand's slot when it dies here; otherwise the operand is copied
// into the fresh slot first and the instruction reads the copy.
func (c *ctx) allocDsts(in *ir.Instr) (map[*ir.Value]int, map[ir.ValueID]int, error) {
	slots := make(map[*ir.Value]int, len(in.Dsts))
	var override map[ir.ValueID]int
	for _, d := range in.Dsts {
		rf := c.fileFor(d)
		var slot int
		switch {
		case d.Tied != ir.NoValue:
			tv := c.f.Value(d.Tied)
			tiv := c.iv(d.Tied)
			if tiv.inserted && tiv.killed {
				slot = tiv.physStart
				break
			}
			s, err := c.getReg(rf, d, true)
			if err != nil {
				return nil, nil, err
			}
			slot = s
			from := tiv.physStart
			if !tiv.inserted && tv.Reg != ir.RegNone {
				from = tv.Reg.Slot()
			}
			c.moves = append(c.moves, pendingMove{val: tv, from: from, to: slot, alias: true})
			if override == nil {
				override = make(map[ir.ValueID]int)
			}
			override[d.Tied] = slot
		case d.Frozen && d.Reg != ir.RegNone:
			slot = d.Reg.Slot()
		default:
			// A resident interval covering the destination's coordinates
			// forces the nested slot; anything else would tear the vector
			// apart.
			if cont := rf.tree.containing(d.Start, d.End); cont != nil {
				slot = cont.physStart + (d.Start - cont.val.Start)
				break
			}
			s, err := c.getReg(rf, d, false)
			if err != nil {
				return nil, nil, err
			}
			slot = s
		}
		slots[d] = slot
	}
	return slots, override, nil
}

// insertDst makes a freshly defined value resident at slot and records the
// assignment on the value. The first concrete placement of a merge-set
// member anchors the whole set.
func (c *ctx) insertDst(d *ir.Value, slot int) {
	iv := c.iv(d.ID)
	iv.parent, iv.children = nil, nil
	iv.killed, iv.frozen = false, d.Frozen
	iv.physStart = slot
	c.fileFor(d).insert(iv)
	d.Reg = ir.EncodeReg(slot)
	if s := d.Set; s != nil && s.Preferred == ir.RegNone {
		s.Preferred = ir.EncodeReg(slot - d.SetOff)
	}
}

// flushMoves drains the pending relocation queue into one parallel-copy
// instruction spliced in ahead of position pos.
func (c *ctx) flushMoves(b *ir.Block, pos int) int {
	if len(c.moves) == 0 {
		return 0
	}
	pc := &ir.Instr{Op: ir.OpParallelCopy}
	for _, m := range c.moves {
		pc.Copies = append(pc.Copies, ir.Copy{
			Dst:   ir.EncodeReg(m.to),
			Src:   ir.EncodeReg(m.from),
			Size:  m.val.Size,
			Class: m.val.Class,
			Val:   m.val.ID,
			Alias: m.alias,
		})
	}
	c.moves = c.moves[:0]
	b.InsertBefore(pos, pc)
	return 1
}
