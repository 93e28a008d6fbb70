package regalloc

// Cross-block bookkeeping. File state is per block: at entry the trackers are
// rebuilt from scratch, live-in values are seeded at the slots some visited
// predecessor left them in, and a snapshot of the entry layout is kept. At
// exit the live-out layout is recorded. An edge whose two ends disagree gets
// fixup entries appended to the predecessor's trailing parallel copy; with
// the dominator pre-order walk this covers both forward joins (discovered
// when the successor is entered) and loop back edges (discovered when the
// latch exits).

import (
	"sort"

	"github.com/tilegpu/tgc/pkg/ir"
)

type blockState struct {
	// entry and exit map live values to flat slots at the block boundary.
	// entry additionally maps each phi operand to the phi's own slot: that
	// is where the incoming edge must deliver it.
	entry, exit map[ir.ValueID]int
	visited     bool
}

func (c *ctx) enterBlock(b *ir.Block) error {
	for _, rf := range c.distinctFiles() {
		rf.reset()
	}
	bs := &blockState{entry: make(map[ir.ValueID]int)}
	c.states[b.ID] = bs

	if b.LiveIn != nil {
		b.LiveIn.ForEach(func(id int) {
			v := c.f.Value(ir.ValueID(id))
			slot := c.incomingSlot(b, v)
			iv := c.iv(v.ID)
			iv.parent, iv.children = nil, nil
			iv.killed, iv.frozen = false, false
			iv.physStart = slot
			c.fileFor(v).insert(iv)
			bs.entry[v.ID] = slot
		})
	}

	// The block-entry group: phis and inputs all allocate before any of
	// them assigns, so a later member cannot land on an earlier one.
	n := 0
	for n < len(b.Instrs) && (b.Instrs[n].Op == ir.OpPhi || b.Instrs[n].Op == ir.OpInput) {
		n++
	}
	group := b.Instrs[:n]
	slots := make(map[*ir.Value]int, len(group))
	for _, in := range group {
		d := in.Dsts[0]
		rf := c.fileFor(d)
		var slot int
		var err error
		switch {
		case in.Op == ir.OpInput && d.Frozen && d.Reg != ir.RegNone:
			// Hardware-delivered at a fixed register.
			slot = d.Reg.Slot()
		case in.Op == ir.OpPhi:
			// A resident vector covering the phi's coordinates fixes
			// its slot; a merge-set sibling was live in already.
			if cont := rf.tree.containing(d.Start, d.End); cont != nil {
				slot = cont.physStart + (d.Start - cont.val.Start)
			} else {
				slot, err = c.getReg(rf, d, false)
			}
		default:
			slot, err = c.getReg(rf, d, false)
		}
		if err != nil {
			return err
		}
		iv := c.iv(d.ID)
		iv.parent, iv.children = nil, nil
		iv.killed = false
		iv.frozen = in.Op == ir.OpInput && d.Frozen
		iv.physStart = slot
		rf.insert(iv)
		slots[d] = slot
	}
	for _, in := range group {
		d := in.Dsts[0]
		slot := slots[d]
		d.Reg = ir.EncodeReg(slot)
		if s := d.Set; s != nil && s.Preferred == ir.RegNone {
			s.Preferred = ir.EncodeReg(slot - d.SetOff)
		}
		bs.entry[d.ID] = slot
		if in.Op == ir.OpPhi {
			for _, u := range in.Srcs {
				u.Reg = d.Reg
				bs.entry[u.Val] = slot
			}
		}
	}
	// Entry allocations may have displaced live-ins; the shuffle happens
	// just after the group, so the entry snapshot keeps the seeded slots.
	c.flushMoves(b, n)

	for _, p := range b.Preds {
		if st := c.states[p.ID]; st != nil && st.visited {
			c.reconcileEdge(p, b)
		}
	}
	return nil
}

func (c *ctx) exitBlock(b *ir.Block) {
	bs := c.states[b.ID]
	bs.exit = make(map[ir.ValueID]int)
	if b.LiveOut != nil {
		b.LiveOut.ForEach(func(id int) {
			v := c.f.Value(ir.ValueID(id))
			iv := c.iv(v.ID)
			slot := iv.physStart
			if !iv.inserted && v.Reg != ir.RegNone {
				slot = v.Reg.Slot()
			}
			bs.exit[v.ID] = slot
		})
	}
	bs.visited = true

	// Back edges: the successor was entered before this block finished.
	for _, s := range b.Succs {
		if st := c.states[s.ID]; st != nil && st.entry != nil {
			c.reconcileEdge(b, s)
		}
	}
}

// incomingSlot picks the slot a live-in is seeded at: the first visited
// predecessor's exit layout, or the value's own definition slot when no
// predecessor has run yet (a loop header reached through its back edge's
// body first sees only the values its dominators placed).
func (c *ctx) incomingSlot(b *ir.Block, v *ir.Value) int {
	for _, p := range b.Preds {
		if st := c.states[p.ID]; st != nil && st.visited {
			if slot, ok := st.exit[v.ID]; ok {
				return slot
			}
		}
	}
	if v.Reg != ir.RegNone {
		return v.Reg.Slot()
	}
	return 0
}

// reconcileEdge makes p's exit layout agree with s's entry layout. A value
// defined by p's own trailing parallel copy (a lowered phi operand) is fixed
// by redirecting its destination; anything else gets a fixup entry appended
// to that copy. The entries execute simultaneously, so a permutation of
// slots needs no scratch space. Each edge reconciles once.
func (c *ctx) reconcileEdge(p, s *ir.Block) {
	key := [2]int{p.ID, s.ID}
	if c.reconciled[key] {
		return
	}
	c.reconciled[key] = true
	ps, ss := c.states[p.ID], c.states[s.ID]

	tc := findTrailingCopy(p)
	var fixups []ir.Copy
	for id, want := range ss.entry {
		got, ok := ps.exit[id]
		if !ok || got == want {
			continue
		}
		if d := copyDst(tc, id); d != nil {
			d.Reg = ir.EncodeReg(want)
			ps.exit[id] = want
			continue
		}
		v := c.f.Value(id)
		fixups = append(fixups, ir.Copy{
			Dst:   ir.EncodeReg(want),
			Src:   ir.EncodeReg(got),
			Size:  v.Size,
			Class: v.Class,
			Val:   id,
		})
	}
	if len(fixups) == 0 {
		return
	}
	sort.Slice(fixups, func(i, j int) bool { return fixups[i].Val < fixups[j].Val })

	if tc == nil {
		tc = &ir.Instr{Op: ir.OpParallelCopy}
		pos := len(p.Instrs)
		if p.Terminator() != nil {
			pos--
		}
		p.InsertBefore(pos, tc)
	}
	tc.Copies = append(tc.Copies, fixups...)
	for _, fx := range fixups {
		ps.exit[fx.Val] = fx.Dst.Slot()
	}
}

// findTrailingCopy returns the parallel copy just before b's terminator, or
// nil.
func findTrailingCopy(b *ir.Block) *ir.Instr {
	pos := len(b.Instrs)
	if b.Terminator() != nil {
		pos--
	}
	if pos > 0 && b.Instrs[pos-1].Op == ir.OpParallelCopy {
		return b.Instrs[pos-1]
	}
	return nil
}

// copyDst returns the destination of pc defining id, or nil.
func copyDst(pc *ir.Instr, id ir.ValueID) *ir.Value {
	if pc == nil {
		return nil
	}
	for _, d := range pc.Dsts {
		if d.ID == id {
			return d
		}
	}
	return nil
}
