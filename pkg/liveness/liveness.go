// Package liveness computes per-block live-in/live-out sets, marks last-use
// operands, and estimates per-file register pressure. Register allocation
// consumes these as precomputed inputs.
package liveness

import (
	"github.com/tilegpu/tgc/pkg/bitset"
	"github.com/tilegpu/tgc/pkg/ir"
)

// Info holds the results that are not stored on the IR itself.
type Info struct {
	// MaxPressure is the maximum simultaneous demand per register class,
	// in scalar slots. Used for the admission check before allocation.
	MaxPressure [3]int
}

// Compute runs liveness over f: fills Block.LiveIn/LiveOut, sets Use.Kill on
// last-use operands, and returns the pressure estimate.
//
// Phi operands are treated as read on the incoming edge: they appear in the
// predecessor's live-out but not in the phi block's live-in.
func Compute(f *ir.Func) *Info {
	n := f.NumValues()
	for _, b := range f.Blocks {
		b.LiveIn = bitset.New(n)
		b.LiveOut = bitset.New(n)
	}

	// Backward dataflow to a fixed point. Block-local gen/kill are cheap
	// enough to recompute per iteration for shader-sized functions.
	changed := true
	for changed {
		changed = false
		for i := len(f.Blocks) - 1; i >= 0; i-- {
			b := f.Blocks[i]

			out := bitset.New(n)
			for _, s := range b.Succs {
				out.Union(s.LiveIn)
				// Phi reads are attributed to this edge.
				pi := predIndex(s, b)
				for _, in := range s.Instrs {
					if in.Op != ir.OpPhi {
						continue
					}
					if src := in.Src(pi); src != ir.NoValue {
						out.Set(int(src))
					}
				}
			}
			if !b.LiveOut.Equal(out) {
				b.LiveOut = out
				changed = true
			}

			live := out.Copy()
			for j := len(b.Instrs) - 1; j >= 0; j-- {
				in := b.Instrs[j]
				for _, d := range in.Dsts {
					live.Clear(int(d.ID))
				}
				if in.Op == ir.OpPhi {
					continue // operands read on the edge
				}
				for _, s := range in.Srcs {
					live.Set(int(s.Val))
				}
			}
			if !b.LiveIn.Equal(live) {
				b.LiveIn = live
				changed = true
			}
		}
	}

	markKills(f)

	info := &Info{}
	info.estimatePressure(f)
	return info
}

func predIndex(b, pred *ir.Block) int {
	for i, p := range b.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}

// markKills sets Use.Kill on the last read of every value within each block,
// provided the value is not live out of the block.
func markKills(f *ir.Func) {
	for _, b := range f.Blocks {
		seen := bitset.New(f.NumValues())
		for j := len(b.Instrs) - 1; j >= 0; j-- {
			in := b.Instrs[j]
			if in.Op == ir.OpPhi {
				continue
			}
			for _, s := range in.Srcs {
				id := int(s.Val)
				s.Kill = !b.LiveOut.Test(id) && !seen.Test(id)
				seen.Set(id)
			}
		}
	}
}

// estimatePressure walks each block forward, releasing killed sources before
// counting destinations, which models the allocator's zero-copy reuse of a
// killed operand's slot.
func (info *Info) estimatePressure(f *ir.Func) {
	demand := make([]int, 3)
	for _, b := range f.Blocks {
		for i := range demand {
			demand[i] = 0
		}
		b.LiveIn.ForEach(func(id int) {
			v := f.Value(ir.ValueID(id))
			demand[v.Class] += v.Size
		})
		for i := range demand {
			if demand[i] > info.MaxPressure[i] {
				info.MaxPressure[i] = demand[i]
			}
		}

		for _, in := range b.Instrs {
			for _, s := range in.Srcs {
				if s.Kill {
					v := f.Value(s.Val)
					demand[v.Class] -= v.Size
				}
			}
			for _, d := range in.Dsts {
				demand[d.Class] += d.Size
			}
			for i := range demand {
				if demand[i] > info.MaxPressure[i] {
					info.MaxPressure[i] = demand[i]
				}
			}
			// Phi reads happen on the edge; the phi's own result was
			// counted above, so nothing else to release here.
		}
	}
}
