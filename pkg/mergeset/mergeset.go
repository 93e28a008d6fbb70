// Package mergeset groups SSA values that should share a contiguous physical
// layout: the legs of split/collect webs and phi webs. It also lowers phi
// operands into parallel copies at the end of each predecessor, and assigns
// every value its coordinates in the linear offset space the allocator's
// interval trees are keyed by.
package mergeset

import (
	"github.com/tilegpu/tgc/pkg/ir"
)

// Build runs merge-set construction over f. It must run before liveness,
// since it inserts parallel-copy instructions whose operands need kill flags.
func Build(f *ir.Func) {
	lowerPhis(f)

	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			switch in.Op {
			case ir.OpCollect:
				off := 0
				for _, s := range in.Srcs {
					src := f.Value(s.Val)
					merge(f, in.Dsts[0], src, off)
					off += src.Size
				}
			case ir.OpSplit:
				merge(f, f.Value(in.Srcs[0].Val), in.Dsts[0], in.Off)
			case ir.OpPhi:
				for _, s := range in.Srcs {
					merge(f, in.Dsts[0], f.Value(s.Val), 0)
				}
			}
		}
	}

	assignOffsets(f)
}

// lowerPhis rewrites each phi operand into a fresh shadow value defined by a
// parallel copy at the end of the corresponding predecessor. All shadows of
// one predecessor share a single parallel-copy instruction, so their moves
// are performed simultaneously.
func lowerPhis(f *ir.Func) {
	for _, b := range f.Blocks {
		var phis []*ir.Instr
		for _, in := range b.Instrs {
			if in.Op == ir.OpPhi {
				phis = append(phis, in)
			}
		}
		if len(phis) == 0 {
			continue
		}
		for pi, pred := range b.Preds {
			pc := trailingParallelCopy(pred)
			for _, phi := range phis {
				u := phi.Srcs[pi]
				shadow := f.NewValue(phi.Dsts[0].Size, phi.Dsts[0].Class)
				shadow.Def = pc
				pc.Dsts = append(pc.Dsts, shadow)
				pc.Srcs = append(pc.Srcs, &ir.Use{Val: u.Val, Reg: ir.RegNone})
				u.Val = shadow.ID
			}
		}
	}
}

// trailingParallelCopy returns the parallel copy just before pred's
// terminator, creating one if missing.
func trailingParallelCopy(pred *ir.Block) *ir.Instr {
	pos := len(pred.Instrs)
	if t := pred.Terminator(); t != nil {
		pos--
	}
	if pos > 0 && pred.Instrs[pos-1].Op == ir.OpParallelCopy {
		return pred.Instrs[pos-1]
	}
	pc := &ir.Instr{Op: ir.OpParallelCopy, Block: pred}
	pred.InsertBefore(pos, pc)
	return pc
}

// merge places b at offset delta relative to a inside one merge set.
// Conflicting constraints are dropped: the allocator then reconciles the
// values with copies instead of shared layout.
func merge(f *ir.Func, a, b *ir.Value, delta int) {
	if a == b {
		return
	}
	switch {
	case a.Set == nil && b.Set == nil:
		s := &ir.MergeSet{Preferred: ir.RegNone, Base: -1}
		addMember(f, s, a, 0)
		addMember(f, s, b, delta)
	case a.Set != nil && b.Set == nil:
		addMember(f, a.Set, b, a.SetOff+delta)
	case a.Set == nil && b.Set != nil:
		addMember(f, b.Set, a, b.SetOff-delta)
	case a.Set == b.Set:
		// Keep the first constraint; a disagreeing second one is a
		// coalescing conflict, not an error.
	default:
		mergeSets(f, a.Set, b.Set, a.SetOff+delta-b.SetOff)
	}
}

func addMember(f *ir.Func, s *ir.MergeSet, v *ir.Value, off int) {
	if v.Class == ir.ClassShared {
		return // shared values are never vector-decomposed
	}
	if len(s.Members) > 0 && f.Value(s.Members[0]).Class != v.Class {
		return // cross-precision layout constraints are not representable
	}
	if overlapsMember(f, s, v, off, v.Size) {
		return
	}
	v.Set = s
	v.SetOff = off
	s.Members = append(s.Members, v.ID)
	normalize(f, s)
}

// mergeSets folds src into dst such that a member at src offset o lands at
// dst offset o+shift. Aborted wholesale on any overlap.
func mergeSets(f *ir.Func, dst, src *ir.MergeSet, shift int) {
	if f.Value(dst.Members[0]).Class != f.Value(src.Members[0]).Class {
		return
	}
	for _, id := range src.Members {
		m := f.Value(id)
		if overlapsMember(f, dst, m, m.SetOff+shift, m.Size) {
			return
		}
	}
	for _, id := range src.Members {
		m := f.Value(id)
		m.Set = dst
		m.SetOff += shift
		dst.Members = append(dst.Members, id)
	}
	src.Members = nil
	normalize(f, dst)
}

// overlapsMember reports whether [off, off+size) partially overlaps an
// existing member of s other than v itself. Full containment either way is
// nesting (a vector and its components share storage), not a conflict.
func overlapsMember(f *ir.Func, s *ir.MergeSet, v *ir.Value, off, size int) bool {
	for _, id := range s.Members {
		m := f.Value(id)
		if m == v {
			continue
		}
		if off >= m.SetOff+m.Size || m.SetOff >= off+size {
			continue
		}
		inner := off >= m.SetOff && off+size <= m.SetOff+m.Size
		outer := m.SetOff >= off && m.SetOff+m.Size <= off+size
		if !inner && !outer {
			return true
		}
	}
	return false
}

// normalize shifts member offsets so the lowest is zero and rederives the
// set's total size and alignment.
func normalize(f *ir.Func, s *ir.MergeSet) {
	if len(s.Members) == 0 {
		return
	}
	min, max := int(^uint(0)>>1), 0
	align := 1
	for _, id := range s.Members {
		m := f.Value(id)
		if m.SetOff < min {
			min = m.SetOff
		}
		if end := m.SetOff + m.Size; end > max {
			max = end
		}
		if a := m.Align(); a > align {
			align = a
		}
	}
	if min != 0 {
		for _, id := range s.Members {
			f.Value(id).SetOff -= min
		}
		max -= min
	}
	s.Size = max
	s.Align = align
}

// assignOffsets lays every value out in one linear offset space: each merge
// set occupies a contiguous range, loose values a range of their own. The
// allocator keys its value-position interval trees by these coordinates.
func assignOffsets(f *ir.Func) {
	cursor := 0
	for _, v := range f.Values {
		if v.Set != nil {
			if v.Set.Base < 0 {
				v.Set.Base = cursor
				cursor += v.Set.Size
			}
			v.Start = v.Set.Base + v.SetOff
		} else {
			v.Start = cursor
			cursor += v.Size
		}
		v.End = v.Start + v.Size
	}
}
