package regalloc

// Validate re-simulates an allocated function without consulting the
// allocator's own trackers. It follows the same dominator pre-order and
// checks, instruction by instruction, that every operand reads the slot its
// value currently occupies, that simultaneously live values only overlap
// when they share a merge set with a consistent layout, that placements
// respect alignment and file bounds, that kill flags agree with liveness,
// and finally that both ends of every control-flow edge agree on where each
// live value sits.

import (
	"fmt"

	"github.com/tilegpu/tgc/pkg/ir"
)

// Validate checks the invariants of an allocated function.
func Validate(f *ir.Func, caps Caps) error {
	v := &validator{
		f:     f,
		caps:  caps,
		entry: make([]map[ir.ValueID]int, len(f.Blocks)),
		exit:  make([]map[ir.ValueID]int, len(f.Blocks)),
	}
	for _, b := range f.DomPreorder() {
		if err := v.block(b); err != nil {
			return err
		}
	}
	return v.edges()
}

type validator struct {
	f    *ir.Func
	caps Caps

	entry, exit []map[ir.ValueID]int
}

// fileKey collapses aliasing register files, so the overlap check sees one
// slot pool where the hardware has one.
func (v *validator) fileKey(class ir.RegClass) int {
	if class == ir.ClassShared {
		return int(ir.ClassShared)
	}
	if v.caps.MergedRegs {
		return int(ir.ClassFull)
	}
	return int(class)
}

func (v *validator) limit(class ir.RegClass) int {
	switch class {
	case ir.ClassShared:
		return v.caps.Shared
	case ir.ClassHalf:
		return v.caps.Half
	}
	return v.caps.Full
}

func (v *validator) block(b *ir.Block) error {
	locs := make(map[ir.ValueID]int)
	live := make(map[ir.ValueID]bool)

	// Alias copies duplicate a value for the instruction that follows the
	// parallel copy; the duplicate is valid only there.
	var aliases map[ir.ValueID]int

	if b.LiveIn != nil {
		b.LiveIn.ForEach(func(id int) {
			val := v.f.Value(ir.ValueID(id))
			locs[val.ID] = v.incoming(b, val)
			live[val.ID] = true
		})
	}
	v.entry[b.ID] = cloneLocs(locs)

	for _, in := range b.Instrs {
		switch in.Op {
		case ir.OpPhi, ir.OpInput:
			d := in.Dsts[0]
			if err := v.place(b, in, d); err != nil {
				return err
			}
			locs[d.ID] = d.Reg.Slot()
			live[d.ID] = true
			aliases = nil

		case ir.OpParallelCopy:
			// All reads precede all writes.
			for _, u := range in.Srcs {
				if err := v.checkSrc(b, in, u, locs, nil, live); err != nil {
					return err
				}
			}
			for _, cp := range in.Copies {
				if got, ok := locs[cp.Val]; ok && got != cp.Src.Slot() {
					return fmt.Errorf("b%d pcopy: move of v%d reads slot %d, value is at %d",
						b.ID, cp.Val, cp.Src.Slot(), got)
				}
			}
			for _, u := range in.Srcs {
				if u.Kill {
					delete(live, u.Val)
					delete(locs, u.Val)
				}
			}
			for _, d := range in.Dsts {
				if err := v.place(b, in, d); err != nil {
					return err
				}
				locs[d.ID] = d.Reg.Slot()
				live[d.ID] = true
			}
			aliases = nil
			for _, cp := range in.Copies {
				if cp.Alias {
					if aliases == nil {
						aliases = make(map[ir.ValueID]int)
					}
					aliases[cp.Val] = cp.Dst.Slot()
					continue
				}
				if _, ok := locs[cp.Val]; ok {
					locs[cp.Val] = cp.Dst.Slot()
				}
			}

		default:
			for _, u := range in.Srcs {
				if err := v.checkSrc(b, in, u, locs, aliases, live); err != nil {
					return err
				}
			}
			for _, u := range in.Srcs {
				if u.Kill {
					delete(live, u.Val)
					delete(locs, u.Val)
				}
			}
			for _, d := range in.Dsts {
				if err := v.place(b, in, d); err != nil {
					return err
				}
				locs[d.ID] = d.Reg.Slot()
				live[d.ID] = true
			}
			aliases = nil
		}

		if err := v.checkOverlaps(b, in, locs, live); err != nil {
			return err
		}
	}

	out := make(map[ir.ValueID]int)
	var err error
	if b.LiveOut != nil {
		b.LiveOut.ForEach(func(id int) {
			if err != nil {
				return
			}
			slot, ok := locs[ir.ValueID(id)]
			if !ok {
				err = fmt.Errorf("b%d: v%d live out without a location", b.ID, id)
				return
			}
			out[ir.ValueID(id)] = slot
		})
	}
	if err != nil {
		return err
	}
	v.exit[b.ID] = out
	return nil
}

// incoming mirrors the allocator's seeding rule: the first visited
// predecessor's exit layout, falling back to the definition slot.
func (v *validator) incoming(b *ir.Block, val *ir.Value) int {
	for _, p := range b.Preds {
		if m := v.exit[p.ID]; m != nil {
			if slot, ok := m[val.ID]; ok {
				return slot
			}
		}
	}
	return val.Reg.Slot()
}

func (v *validator) place(b *ir.Block, in *ir.Instr, d *ir.Value) error {
	if d.Reg == ir.RegNone {
		return fmt.Errorf("b%d %s: v%d has no register", b.ID, in.Op, d.ID)
	}
	slot := d.Reg.Slot()
	if slot%d.Align() != 0 {
		return fmt.Errorf("b%d %s: v%d at slot %d breaks %d-slot alignment",
			b.ID, in.Op, d.ID, slot, d.Align())
	}
	if limit := v.limit(d.Class); slot < 0 || slot+d.Size > limit {
		return fmt.Errorf("b%d %s: v%d at slots [%d,%d) outside the %s file of %d",
			b.ID, in.Op, d.ID, slot, slot+d.Size, d.Class, limit)
	}
	return nil
}

func (v *validator) checkSrc(b *ir.Block, in *ir.Instr, u *ir.Use, locs, aliases map[ir.ValueID]int, live map[ir.ValueID]bool) error {
	if !live[u.Val] {
		return fmt.Errorf("b%d %s: v%d read while dead", b.ID, in.Op, u.Val)
	}
	if got := locs[u.Val]; u.Reg.Slot() != got {
		if al, ok := aliases[u.Val]; !ok || u.Reg.Slot() != al {
			return fmt.Errorf("b%d %s: v%d read at slot %d, lives at %d",
				b.ID, in.Op, u.Val, u.Reg.Slot(), got)
		}
	}
	if u.Kill && b.LiveOut != nil && b.LiveOut.Test(int(u.Val)) {
		return fmt.Errorf("b%d %s: v%d killed but live out", b.ID, in.Op, u.Val)
	}
	return nil
}

// checkOverlaps verifies that no two live values of one file overlap, except
// merge-set siblings whose physical distance matches their layout distance
// (a vector and its components sharing storage).
func (v *validator) checkOverlaps(b *ir.Block, in *ir.Instr, locs map[ir.ValueID]int, live map[ir.ValueID]bool) error {
	type ent struct {
		val *ir.Value
		lo  int
	}
	var ents []ent
	for id := range live {
		ents = append(ents, ent{v.f.Value(id), locs[id]})
	}
	for i := range ents {
		for j := i + 1; j < len(ents); j++ {
			a, c := ents[i], ents[j]
			if v.fileKey(a.val.Class) != v.fileKey(c.val.Class) {
				continue
			}
			if a.lo >= c.lo+c.val.Size || c.lo >= a.lo+a.val.Size {
				continue
			}
			if a.val.Set != nil && a.val.Set == c.val.Set &&
				a.lo-c.lo == a.val.Start-c.val.Start {
				continue
			}
			return fmt.Errorf("b%d %s: v%d and v%d overlap at slot %d",
				b.ID, in.Op, a.val.ID, c.val.ID, max(a.lo, c.lo))
		}
	}
	return nil
}

// edges checks that every predecessor delivers each live-in at the slot the
// successor expects, and each lowered phi operand at the phi's own slot.
func (v *validator) edges() error {
	for _, s := range v.f.Blocks {
		for pi, p := range s.Preds {
			pe := v.exit[p.ID]
			if pe == nil || v.entry[s.ID] == nil {
				continue // unreachable
			}
			se := v.entry[s.ID]
			var err error
			if s.LiveIn != nil {
				s.LiveIn.ForEach(func(id int) {
					if err != nil {
						return
					}
					got, ok := pe[ir.ValueID(id)]
					if !ok || got != se[ir.ValueID(id)] {
						err = fmt.Errorf("edge b%d->b%d: v%d leaves at slot %d, expected %d",
							p.ID, s.ID, id, got, se[ir.ValueID(id)])
					}
				})
			}
			if err != nil {
				return err
			}
			for _, in := range s.Instrs {
				if in.Op != ir.OpPhi {
					continue
				}
				sh := in.Src(pi)
				if sh == ir.NoValue {
					continue
				}
				want := in.Dsts[0].Reg.Slot()
				if got, ok := pe[sh]; !ok || got != want {
					return fmt.Errorf("edge b%d->b%d: phi operand v%d arrives at slot %d, expected %d",
						p.ID, s.ID, sh, got, want)
				}
			}
		}
	}
	return nil
}

func cloneLocs(m map[ir.ValueID]int) map[ir.ValueID]int {
	out := make(map[ir.ValueID]int, len(m))
	for k, s := range m {
		out[k] = s
	}
	return out
}
