package mergeset

import (
	"testing"

	"github.com/tilegpu/tgc/pkg/ir"
)

func use(v *ir.Value) *ir.Use { return &ir.Use{Val: v.ID, Reg: ir.RegNone} }

func TestCollectWeb(t *testing.T) {
	// v2:4 = collect v0:2, v1:2
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	v2 := f.NewValue(4, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	b.Append(ir.OpCollect, []*ir.Value{v2}, []*ir.Use{use(v0), use(v1)})
	b.Append(ir.OpEnd, nil, nil)

	Build(f)

	s := v2.Set
	if s == nil || v0.Set != s || v1.Set != s {
		t.Fatal("collect legs not merged with the destination")
	}
	if v2.SetOff != 0 || v0.SetOff != 0 || v1.SetOff != 2 {
		t.Errorf("offsets v2=%d v0=%d v1=%d, want 0, 0, 2", v2.SetOff, v0.SetOff, v1.SetOff)
	}
	if s.Size != 4 || s.Align != 2 {
		t.Errorf("set size=%d align=%d, want 4, 2", s.Size, s.Align)
	}
	// The legs' coordinates nest inside the vector's.
	if v0.Start != v2.Start || v1.Start != v2.Start+2 || v2.End != v2.Start+4 {
		t.Errorf("coordinates v2=[%d,%d) v0=[%d,%d) v1=[%d,%d)",
			v2.Start, v2.End, v0.Start, v0.End, v1.Start, v1.End)
	}
}

func TestSplitJoinsSourceSet(t *testing.T) {
	// v1:2 = split v0:4 at offset 2
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(4, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	sp := b.Append(ir.OpSplit, []*ir.Value{v1}, []*ir.Use{use(v0)})
	sp.Off = 2
	b.Append(ir.OpEnd, nil, nil)

	Build(f)

	if v1.Set == nil || v1.Set != v0.Set {
		t.Fatal("split result not merged with its source")
	}
	if v1.SetOff != v0.SetOff+2 {
		t.Errorf("split offset %d, want %d", v1.SetOff, v0.SetOff+2)
	}
	if v1.Start != v0.Start+2 {
		t.Errorf("split coordinates [%d,%d), want nested at %d", v1.Start, v1.End, v0.Start+2)
	}
}

func TestSplitAfterCollectSharesLeg(t *testing.T) {
	// A component extracted at an offset where a collect leg already sits:
	// containment, not a conflict.
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	v2 := f.NewValue(4, ir.ClassFull)
	v3 := f.NewValue(2, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	b.Append(ir.OpCollect, []*ir.Value{v2}, []*ir.Use{use(v0), use(v1)})
	b.Append(ir.OpSplit, []*ir.Value{v3}, []*ir.Use{use(v2)})
	b.Append(ir.OpEnd, nil, nil)

	Build(f)

	if v3.Set != v2.Set {
		t.Fatal("extracted component not in the vector's set")
	}
	if v3.SetOff != 0 || v3.Start != v2.Start {
		t.Errorf("component at set offset %d, coordinates [%d,%d); want 0, nested at %d",
			v3.SetOff, v3.Start, v3.End, v2.Start)
	}
}

func TestPartialOverlapDropped(t *testing.T) {
	// v3:4 = collect v1:2, v2:2 where v1 = split v0:4 at 1... cannot be
	// expressed with aligned sizes, so force the conflict directly: two
	// collects demand incompatible offsets for v1.
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	v2 := f.NewValue(2, ir.ClassFull)
	c1 := f.NewValue(4, ir.ClassFull)
	c2 := f.NewValue(4, ir.ClassFull)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	b.Append(ir.OpInput, []*ir.Value{v2}, nil)
	b.Append(ir.OpCollect, []*ir.Value{c1}, []*ir.Use{use(v0), use(v1)})
	b.Append(ir.OpCollect, []*ir.Value{c2}, []*ir.Use{use(v1), use(v2)})
	b.Append(ir.OpEnd, nil, nil)

	Build(f)

	// The first web binds v1 at offset 2 of c1's set. The second collect
	// wants v1 at offset 0 of c2's set; merging the two sets would lay c2
	// over c1's members, so the constraint is dropped.
	if v0.Set != c1.Set || v1.Set != c1.Set {
		t.Fatal("first collect web not built")
	}
	if c2.Set == c1.Set {
		t.Error("conflicting webs were merged")
	}
}

func TestSharedNeverMerged(t *testing.T) {
	f := ir.NewFunc("t")
	b := f.NewBlock()
	v0 := f.NewValue(2, ir.ClassShared)
	v1 := f.NewValue(2, ir.ClassShared)
	v2 := f.NewValue(4, ir.ClassShared)
	b.Append(ir.OpInput, []*ir.Value{v0}, nil)
	b.Append(ir.OpInput, []*ir.Value{v1}, nil)
	b.Append(ir.OpCollect, []*ir.Value{v2}, []*ir.Use{use(v0), use(v1)})
	b.Append(ir.OpEnd, nil, nil)

	Build(f)

	if v0.Set != nil || v1.Set != nil || v2.Set != nil {
		t.Error("shared values must not join merge sets")
	}
}

func TestLowerPhis(t *testing.T) {
	// b0: v0 = input; branch v0 b1 b2
	// b1: jump b3    b2: jump b3
	// b3: v1 = phi v0 v0; end
	f := ir.NewFunc("t")
	b0, b1, b2, b3 := f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock()
	v0 := f.NewValue(2, ir.ClassFull)
	v1 := f.NewValue(2, ir.ClassFull)
	b0.Append(ir.OpInput, []*ir.Value{v0}, nil)
	br := b0.Append(ir.OpBranch, nil, []*ir.Use{use(v0)})
	br.Target, br.Else = b1, b2
	j1 := b1.Append(ir.OpJump, nil, nil)
	j1.Target = b3
	j2 := b2.Append(ir.OpJump, nil, nil)
	j2.Target = b3
	phi := b3.Append(ir.OpPhi, []*ir.Value{v1}, []*ir.Use{use(v0), use(v0)})
	b3.Append(ir.OpEnd, nil, nil)
	ir.AddEdge(b0, b1)
	ir.AddEdge(b0, b2)
	ir.AddEdge(b1, b3)
	ir.AddEdge(b2, b3)

	Build(f)

	if f.NumValues() != 4 {
		t.Fatalf("have %d values, want 4 (two shadows added)", f.NumValues())
	}
	for pi, pred := range b3.Preds {
		pc := pred.Instrs[len(pred.Instrs)-2]
		if pc.Op != ir.OpParallelCopy {
			t.Fatalf("pred b%d has no parallel copy before its terminator", pred.ID)
		}
		shadow := pc.Dsts[0]
		if phi.Srcs[pi].Val != shadow.ID {
			t.Errorf("phi operand %d reads v%d, want shadow v%d", pi, phi.Srcs[pi].Val, shadow.ID)
		}
		if pc.Srcs[0].Val != v0.ID {
			t.Errorf("shadow copies v%d, want v0", pc.Srcs[0].Val)
		}
		if shadow.Set != v1.Set || shadow.SetOff != v1.SetOff {
			t.Errorf("shadow v%d not laid out over the phi", shadow.ID)
		}
	}
}
