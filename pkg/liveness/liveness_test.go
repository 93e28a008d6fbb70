package liveness

import (
	"testing"

	"github.com/tilegpu/tgc/pkg/ir"
)

func use(v *ir.Value) *ir.Use { return &ir.Use{Val: v.ID, Reg: ir.RegNone} }

func TestStraightLineKills(t *testing.T) {
	// v0 = input; v1 = input; v2 = add v0 v1; v3 = mul v2 v0; end
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	v2 := f.NewValue(2, ir.ClassFull)
	v3 := f.NewValue(2, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	add := b.Append(ir.OpAdd, []*ir.Value{v2}, []*ir.Use{use(v0), use(v1)})
	mul := b.Append(ir.OpMul, []*ir.Value{v3}, []*ir.Use{use(v2), use(v0)})
	b.Append(ir.OpEnd, nil, nil)

	Compute(f)

	if add.Srcs[0].Kill {
		t.Error("v0 killed at add, but it is read again at mul")
	}
	if !add.Srcs[1].Kill {
		t.Error("v1 not killed at its only read")
	}
	if !mul.Srcs[0].Kill || !mul.Srcs[1].Kill {
		t.Error("mul should kill both operands")
	}
	if b.LiveIn.Count() != 0 || b.LiveOut.Count() != 0 {
		t.Error("single block should have empty boundary sets")
	}
}

func TestLiveAcrossBlocks(t *testing.T) {
	// b0: v0 = input; jump b1
	// b1: v1 = mov v0; end
	f := ir.NewFunc("t")
	b0, b1 := f.NewBlock(), f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	b0.Append(ir.OpInput, []*ir.Value{v0}, nil)
	j := b0.Append(ir.OpJump, nil, nil)
	j.Target = b1
	mov := b1.Append(ir.OpMov, []*ir.Value{v1}, []*ir.Use{use(v0)})
	b1.Append(ir.OpEnd, nil, nil)
	ir.AddEdge(b0, b1)

	Compute(f)

	if !b0.LiveOut.Test(int(v0.ID)) || !b1.LiveIn.Test(int(v0.ID)) {
		t.Error("v0 should be live across the edge")
	}
	if !mov.Srcs[0].Kill {
		t.Error("v0 not killed at its last read in b1")
	}
}

func TestPhiReadsOnEdge(t *testing.T) {
	// b0: v0 = input; branch v0 b1 b2
	// b1: v1 = mov v0!; jump b3
	// b2: v2 = mov v0!; jump b3
	// b3: v3 = phi v1 v2; end
	f := ir.NewFunc("t")
	b0, b1, b2, b3 := f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	va := f.NewValue(2, ir.ClassFull)
	vb := f.NewValue(2, ir.ClassFull)
	vp := f.NewValue(2, ir.ClassFull)
	b0.Append(ir.OpInput, []*ir.Value{v0}, nil)
	br := b0.Append(ir.OpBranch, nil, []*ir.Use{use(v0)})
	br.Target, br.Else = b1, b2
	b1.Append(ir.OpMov, []*ir.Value{va}, []*ir.Use{use(v0)})
	j1 := b1.Append(ir.OpJump, nil, nil)
	j1.Target = b3
	b2.Append(ir.OpMov, []*ir.Value{vb}, []*ir.Use{use(v0)})
	j2 := b2.Append(ir.OpJump, nil, nil)
	j2.Target = b3
	b3.Append(ir.OpPhi, []*ir.Value{vp}, []*ir.Use{use(va), use(vb)})
	b3.Append(ir.OpEnd, nil, nil)
	ir.AddEdge(b0, b1)
	ir.AddEdge(b0, b2)
	ir.AddEdge(b1, b3)
	ir.AddEdge(b2, b3)

	Compute(f)

	if !b1.LiveOut.Test(int(va.ID)) {
		t.Error("phi operand va should be live out of b1")
	}
	if b2.LiveOut.Test(int(va.ID)) {
		t.Error("va should not be live out of the other arm")
	}
	if b3.LiveIn.Test(int(va.ID)) || b3.LiveIn.Test(int(vb.ID)) {
		t.Error("phi operands must not appear in the phi block's live-in")
	}
}

func TestPressureReleasesKills(t *testing.T) {
	// v2 = add v0! v1! peaks at 4 slots, not 6: both sources die as the
	// destination is written.
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	v2 := f.NewValue(2, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	b.Append(ir.OpAdd, []*ir.Value{v2}, []*ir.Use{use(v0), use(v1)})
	b.Append(ir.OpEnd, nil, nil)

	info := Compute(f)

	if got := info.MaxPressure[ir.ClassFull]; got != 4 {
		t.Errorf("full pressure = %d, want 4", got)
	}
	if info.MaxPressure[ir.ClassHalf] != 0 || info.MaxPressure[ir.ClassShared] != 0 {
		t.Error("unused classes should report zero pressure")
	}
}

func TestPressurePerClass(t *testing.T) {
	f := ir.NewFunc("t")
	b := f.NewBlock()
	vh := f.NewValue(1, ir.ClassHalf)
	vs := f.NewValue(2, ir.ClassShared)
	vh2 := f.NewValue(1, ir.ClassHalf)
	b.Append(ir.OpInput, []*ir.Value{vh}, nil)
	b.Append(ir.OpInput, []*ir.Value{vs}, nil)
	b.Append(ir.OpMov, []*ir.Value{vh2}, []*ir.Use{use(vh)})
	b.Append(ir.OpEnd, nil, nil)

	info := Compute(f)

	// vh dies as vh2 is written, so half demand never exceeds one slot.
	if got := info.MaxPressure[ir.ClassHalf]; got != 1 {
		t.Errorf("half pressure = %d, want 1", got)
	}
	if got := info.MaxPressure[ir.ClassShared]; got != 2 {
		t.Errorf("shared pressure = %d, want 2", got)
	}
}
