// Package regalloc assigns physical registers to the SSA form in one
// dominator pre-order walk, without spilling. Values that outgrow their
// file are never the allocator's problem: an admission check against the
// liveness pressure estimate rejects the function up front with ErrPressure,
// and the caller retries in a narrower occupancy mode. Within a block the
// allocator leans on merge-set layout so that split and collect become free,
// and shuffles residents with parallel copies when they are in the way.
package regalloc

import (
	"fmt"

	"github.com/tilegpu/tgc/pkg/ir"
	"github.com/tilegpu/tgc/pkg/liveness"
)

// Caps describes the target's register files, in half-precision slot units
// (a full-precision scalar occupies two).
type Caps struct {
	Full   int
	Half   int
	Shared int

	// MergedRegs selects hardware where the half-precision file aliases
	// the bottom of the full file: one slot pool, with half values
	// confined below Half.
	MergedRegs bool
}

// pendingMove is a queued copy, flushed as one parallel-copy entry. A
// relocation changes the value's home slot; an alias duplicates it for the
// next instruction to consume.
type pendingMove struct {
	val      *ir.Value
	from, to int
	alias    bool
}

type ctx struct {
	f    *ir.Func
	caps Caps

	// files is indexed by register class; with merged registers the full
	// and half entries alias one tracker.
	files [3]*regFile

	// arena holds one interval per value, indexed by ValueID.
	arena []interval

	states     []*blockState
	moves      []pendingMove
	reconciled map[[2]int]bool
}

func (c *ctx) iv(id ir.ValueID) *interval { return &c.arena[id] }

func (c *ctx) fileFor(v *ir.Value) *regFile { return c.files[v.Class] }

func (c *ctx) distinctFiles() []*regFile {
	if c.caps.MergedRegs {
		return []*regFile{c.files[ir.ClassFull], c.files[ir.ClassShared]}
	}
	return []*regFile{c.files[ir.ClassFull], c.files[ir.ClassHalf], c.files[ir.ClassShared]}
}

// Allocate assigns a register to every value of f. Merge sets and liveness
// must have run. The only legitimate failure is ErrPressure, raised before
// any IR mutation; ErrEvictFailed and ErrDefragFailed mean the pressure
// estimate and the allocator disagree, which is a bug upstream.
func Allocate(f *ir.Func, caps Caps, info *liveness.Info) error {
	if err := admit(caps, info); err != nil {
		return err
	}

	c := &ctx{
		f:          f,
		caps:       caps,
		states:     make([]*blockState, len(f.Blocks)),
		reconciled: make(map[[2]int]bool),
	}
	c.arena = make([]interval, f.NumValues())
	for i, v := range f.Values {
		c.arena[i].val = v
	}

	shared := newRegFile(ir.ClassShared, caps.Shared, caps.Shared)
	if caps.MergedRegs {
		merged := newRegFile(ir.ClassFull, caps.Full, caps.Half)
		c.files = [3]*regFile{merged, merged, shared}
	} else {
		c.files = [3]*regFile{
			newRegFile(ir.ClassFull, caps.Full, caps.Full),
			newRegFile(ir.ClassHalf, caps.Half, caps.Half),
			shared,
		}
	}

	f.ComputeDoms()
	if err := c.walk(f.Entry()); err != nil {
		return err
	}
	f.Renumber()
	return nil
}

// admit compares the liveness pressure estimate against capacity.
func admit(caps Caps, info *liveness.Info) error {
	full := info.MaxPressure[ir.ClassFull]
	half := info.MaxPressure[ir.ClassHalf]
	shared := info.MaxPressure[ir.ClassShared]

	if shared > caps.Shared {
		return fmt.Errorf("shared file needs %d slots of %d: %w", shared, caps.Shared, ErrPressure)
	}
	if caps.MergedRegs {
		if half > caps.Half {
			return fmt.Errorf("half values need %d slots below the boundary at %d: %w", half, caps.Half, ErrPressure)
		}
		if full+half > caps.Full {
			return fmt.Errorf("merged file needs %d slots of %d: %w", full+half, caps.Full, ErrPressure)
		}
		return nil
	}
	if full > caps.Full {
		return fmt.Errorf("full file needs %d slots of %d: %w", full, caps.Full, ErrPressure)
	}
	if half > caps.Half {
		return fmt.Errorf("half file needs %d slots of %d: %w", half, caps.Half, ErrPressure)
	}
	return nil
}

// walk processes b and then its dominator-tree children. Instructions the
// entry group already handled (phis, inputs) are skipped; parallel copies
// spliced in ahead of the current instruction advance the index.
func (c *ctx) walk(b *ir.Block) error {
	if err := c.enterBlock(b); err != nil {
		return err
	}
	for i := 0; i < len(b.Instrs); i++ {
		in := b.Instrs[i]
		if in.Op == ir.OpPhi || in.Op == ir.OpInput {
			continue
		}
		n, err := c.handleInstr(b, i, in)
		if err != nil {
			return err
		}
		i += n
	}
	c.exitBlock(b)

	for _, child := range b.DomChildren {
		if err := c.walk(child); err != nil {
			return err
		}
	}
	return nil
}
