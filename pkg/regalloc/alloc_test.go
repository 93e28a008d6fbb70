package regalloc_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tilegpu/tgc/pkg/ir"
	"github.com/tilegpu/tgc/pkg/liveness"
	"github.com/tilegpu/tgc/pkg/mergeset"
	"github.com/tilegpu/tgc/pkg/progfile"
	"github.com/tilegpu/tgc/pkg/regalloc"
)

func loadFixture(t *testing.T, file string) map[string]*progfile.Shader {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", file))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	shaders, err := progfile.Parse(data)
	if err != nil {
		t.Fatalf("parsing fixture: %v", err)
	}
	out := make(map[string]*progfile.Shader, len(shaders))
	for _, sh := range shaders {
		out[sh.Func.Name] = sh
	}
	return out
}

// allocate runs the full pipeline over one shader and fails the test on any
// allocator or validator error.
func allocate(t *testing.T, sh *progfile.Shader) *ir.Func {
	t.Helper()
	f := sh.Func
	mergeset.Build(f)
	info := liveness.Compute(f)
	if err := regalloc.Allocate(f, *sh.Caps, info); err != nil {
		t.Fatalf("%s: allocate: %v", f.Name, err)
	}
	if err := regalloc.Validate(f, *sh.Caps); err != nil {
		t.Fatalf("%s: validate: %v", f.Name, err)
	}
	return f
}

func countOp(f *ir.Func, op ir.Op) int {
	n := 0
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			if in.Op == op {
				n++
			}
		}
	}
	return n
}

func findOp(t *testing.T, f *ir.Func, op ir.Op) (*ir.Block, int) {
	t.Helper()
	for _, b := range f.Blocks {
		for i, in := range b.Instrs {
			if in.Op == op {
				return b, i
			}
		}
	}
	t.Fatalf("%s: no %s instruction", f.Name, op)
	return nil, 0
}

func TestAllocateFixtures(t *testing.T) {
	shaders := loadFixture(t, "shaders.yaml")
	for name, sh := range shaders {
		t.Run(name, func(t *testing.T) {
			f := allocate(t, sh)
			for _, v := range f.Values {
				if v.Reg == ir.RegNone {
					t.Errorf("v%d left without a register", v.ID)
				}
			}
		})
	}
}

func TestDeterministicAssignment(t *testing.T) {
	// The gap cursor resets at block entry and every tie-break is fixed, so
	// two independent runs over the same program agree on every register.
	first := loadFixture(t, "shaders.yaml")
	second := loadFixture(t, "shaders.yaml")
	for name, sh := range first {
		t.Run(name, func(t *testing.T) {
			a := allocate(t, sh)
			b := allocate(t, second[name])
			if a.NumValues() != b.NumValues() {
				t.Fatalf("runs produced %d and %d values", a.NumValues(), b.NumValues())
			}
			for i, v := range a.Values {
				if w := b.Values[i]; v.Reg != w.Reg {
					t.Errorf("v%d at %s on one run, %s on the other", v.ID,
						ir.RegString(v.Class, v.Reg), ir.RegString(w.Class, w.Reg))
				}
			}
		})
	}
}

func TestSplitCollectIsFree(t *testing.T) {
	// The merge-set layout lines the legs up with the vector; neither the
	// collect nor the splits should need a single move.
	f := allocate(t, loadFixture(t, "shaders.yaml")["splitcollect"])
	if n := countOp(f, ir.OpParallelCopy); n != 0 {
		t.Errorf("have %d parallel copies, want 0", n)
	}
}

func TestKilledSourceReused(t *testing.T) {
	f := allocate(t, loadFixture(t, "shaders.yaml")["killreuse"])
	if v0, v2 := f.Value(0), f.Value(2); v2.Reg != v0.Reg {
		t.Errorf("result at %s, want its killed operand's %s",
			ir.RegString(v2.Class, v2.Reg), ir.RegString(v0.Class, v0.Reg))
	}
}

func TestDiamondConverges(t *testing.T) {
	f := allocate(t, loadFixture(t, "shaders.yaml")["diamond"])
	join := f.Blocks[3]
	phi := join.Instrs[0]
	if phi.Op != ir.OpPhi {
		t.Fatal("join block does not start with the phi")
	}
	for _, p := range join.Preds {
		n := len(p.Instrs)
		pc := p.Instrs[n-2]
		if pc.Op != ir.OpParallelCopy {
			t.Fatalf("b%d has no parallel copy before its terminator", p.ID)
		}
		if got := pc.Dsts[0].Reg; got != phi.Dsts[0].Reg {
			t.Errorf("b%d delivers the phi operand at %s, phi sits at %s",
				p.ID, ir.RegString(ir.ClassFull, got), ir.RegString(ir.ClassFull, phi.Dsts[0].Reg))
		}
	}
}

func TestLoopBackEdge(t *testing.T) {
	f := allocate(t, loadFixture(t, "shaders.yaml")["loop"])
	// The latch's trailing copy must deliver the next iteration's value at
	// the phi's own slot.
	header := f.Blocks[1]
	phi := header.Instrs[0]
	latch := f.Blocks[2]
	pc := latch.Instrs[len(latch.Instrs)-2]
	if pc.Op != ir.OpParallelCopy {
		t.Fatal("latch has no trailing parallel copy")
	}
	if pc.Dsts[0].Reg != phi.Dsts[0].Reg {
		t.Errorf("back edge delivers at %s, phi sits at %s",
			ir.RegString(ir.ClassFull, pc.Dsts[0].Reg),
			ir.RegString(ir.ClassFull, phi.Dsts[0].Reg))
	}
}

func TestHalfStaysBelowBoundary(t *testing.T) {
	sh := loadFixture(t, "shaders.yaml")["halfprec"]
	f := allocate(t, sh)
	for _, v := range f.Values {
		if v.Class != ir.ClassHalf {
			continue
		}
		if end := v.Reg.Slot() + v.Size; end > sh.Caps.Half {
			t.Errorf("half value v%d at slots [%d,%d), boundary is %d",
				v.ID, v.Reg.Slot(), end, sh.Caps.Half)
		}
	}
}

func TestChmaskWindows(t *testing.T) {
	f := allocate(t, loadFixture(t, "shaders.yaml")["chmask"])

	// Precolored inputs keep their registers.
	if got := f.Value(0).Reg.Slot(); got != 4 {
		t.Errorf("precolored input moved to slot %d, want 4", got)
	}

	b, i := findOp(t, f, ir.OpChmask)
	ch := b.Instrs[i]
	if got := ch.Srcs[0].Reg.Slot(); got != 0 {
		t.Errorf("channel output read at slot %d, want window 0", got)
	}
	pc := b.Instrs[i-1]
	if pc.Op != ir.OpParallelCopy || len(pc.Copies) != 1 {
		t.Fatal("no parallel copy feeding the output window")
	}
	cp := pc.Copies[0]
	if !cp.Alias || cp.Dst.Slot() != 0 || cp.Src.Slot() != 4 {
		t.Errorf("window copy = %+v, want alias move 4 -> 0", cp)
	}
}

func TestTiedOperandCopied(t *testing.T) {
	f := allocate(t, loadFixture(t, "shaders.yaml")["tied"])
	b, i := findOp(t, f, ir.OpMad)
	mad := b.Instrs[i]
	tied, dst := f.Value(mad.Dsts[0].Tied), mad.Dsts[0]

	// The tied operand survives the instruction, so it gets duplicated
	// into the result's slot instead of being overwritten in place.
	if dst.Reg == tied.Reg {
		t.Fatal("live tied operand overwritten in place")
	}
	if mad.Srcs[2].Reg != dst.Reg {
		t.Errorf("tied read at %s, result at %s",
			ir.RegString(ir.ClassFull, mad.Srcs[2].Reg),
			ir.RegString(ir.ClassFull, dst.Reg))
	}
	pc := b.Instrs[i-1]
	if pc.Op != ir.OpParallelCopy {
		t.Fatal("no parallel copy ahead of the tied instruction")
	}
	var found bool
	for _, cp := range pc.Copies {
		if cp.Val == tied.ID {
			found = true
			if !cp.Alias {
				t.Error("tied duplicate must not relocate the operand")
			}
			if cp.Dst != dst.Reg {
				t.Errorf("duplicate lands at %s, want %s",
					ir.RegString(ir.ClassFull, cp.Dst), ir.RegString(ir.ClassFull, dst.Reg))
			}
		}
	}
	if !found {
		t.Fatal("no copy of the tied operand")
	}
}

func TestSharedFile(t *testing.T) {
	sh := loadFixture(t, "shaders.yaml")["shared"]
	f := allocate(t, sh)
	for _, v := range f.Values {
		if v.Class != ir.ClassShared {
			continue
		}
		if end := v.Reg.Slot() + v.Size; end > sh.Caps.Shared {
			t.Errorf("shared value v%d at slots [%d,%d), file holds %d",
				v.ID, v.Reg.Slot(), end, sh.Caps.Shared)
		}
	}
}

func TestPressureRejected(t *testing.T) {
	sh := loadFixture(t, "pressure.yaml")["pressure"]
	f := sh.Func
	mergeset.Build(f)
	info := liveness.Compute(f)
	err := regalloc.Allocate(f, *sh.Caps, info)
	if !errors.Is(err, regalloc.ErrPressure) {
		t.Fatalf("Allocate = %v, want ErrPressure", err)
	}
	// Admission fails before any assignment.
	for _, v := range f.Values {
		if v.Reg != ir.RegNone {
			t.Errorf("v%d assigned %s despite rejection", v.ID, ir.RegString(v.Class, v.Reg))
		}
	}
}
