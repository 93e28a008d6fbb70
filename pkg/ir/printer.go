package ir

// Textual dump of a function, used by the CLI debug flags and by tests.

import (
	"fmt"
	"io"
)

// Printer writes functions in the tgc dump format.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// RegString formats a physical register for the given class, e.g. "r1.z"
// or "hr0.y" for half and "sr2.x" for shared.
func RegString(class RegClass, r Reg) string {
	if r == RegNone {
		return "_"
	}
	prefix := "r"
	switch class {
	case ClassHalf:
		prefix = "hr"
	case ClassShared:
		prefix = "sr"
	}
	comps := "xyzw"
	return fmt.Sprintf("%s%d.%c", prefix, r.Num(), comps[r.Comp()])
}

// PrintFunc prints fn with one line per instruction.
func (p *Printer) PrintFunc(f *Func) {
	fmt.Fprintf(p.w, "shader %s {\n", f.Name)
	for _, b := range f.Blocks {
		p.printBlockHeader(b)
		for _, in := range b.Instrs {
			fmt.Fprint(p.w, "    ")
			p.printInstr(f, in)
			fmt.Fprintln(p.w)
		}
	}
	fmt.Fprintln(p.w, "}")
}

func (p *Printer) printBlockHeader(b *Block) {
	fmt.Fprintf(p.w, "  b%d:", b.ID)
	if len(b.Preds) > 0 {
		fmt.Fprint(p.w, " preds")
		for _, pred := range b.Preds {
			fmt.Fprintf(p.w, " b%d", pred.ID)
		}
	}
	fmt.Fprintln(p.w)
}

func (p *Printer) printInstr(f *Func, in *Instr) {
	switch in.Op {
	case OpJump:
		fmt.Fprintf(p.w, "jump b%d", in.Target.ID)
		return
	case OpBranch:
		fmt.Fprint(p.w, "branch ")
		p.printSrcs(f, in)
		fmt.Fprintf(p.w, " b%d b%d", in.Target.ID, in.Else.ID)
		return
	case OpEnd:
		fmt.Fprint(p.w, "end")
		return
	}

	for i, d := range in.Dsts {
		if i > 0 {
			fmt.Fprint(p.w, ", ")
		}
		p.printDef(d)
	}
	if len(in.Dsts) > 0 {
		fmt.Fprint(p.w, " = ")
	}
	fmt.Fprint(p.w, in.Op)
	if len(in.Srcs) > 0 {
		fmt.Fprint(p.w, " ")
		p.printSrcs(f, in)
	}
	// A parallel copy may carry synthesized register moves alongside (or
	// instead of) its SSA operands.
	for i, c := range in.Copies {
		if i > 0 || len(in.Srcs) > 0 || len(in.Dsts) > 0 {
			fmt.Fprint(p.w, ",")
		}
		fmt.Fprintf(p.w, " %s = %s", RegString(c.Class, c.Dst), RegString(c.Class, c.Src))
	}
}

func (p *Printer) printDef(v *Value) {
	fmt.Fprintf(p.w, "v%d", v.ID)
	if v.Size > 1 || v.Class != ClassFull {
		fmt.Fprintf(p.w, ":%d", v.Size)
		switch v.Class {
		case ClassHalf:
			fmt.Fprint(p.w, "h")
		case ClassShared:
			fmt.Fprint(p.w, "s")
		}
	}
	if v.Reg != RegNone {
		fmt.Fprintf(p.w, "(%s)", RegString(v.Class, v.Reg))
	}
}

func (p *Printer) printSrcs(f *Func, in *Instr) {
	for i, s := range in.Srcs {
		if i > 0 {
			fmt.Fprint(p.w, ", ")
		}
		fmt.Fprintf(p.w, "v%d", s.Val)
		if s.Kill {
			fmt.Fprint(p.w, "!")
		}
		if s.Reg != RegNone {
			fmt.Fprintf(p.w, "(%s)", RegString(f.Value(s.Val).Class, s.Reg))
		}
	}
}
