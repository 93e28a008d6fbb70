// Package progfile loads shader programs from the YAML description format
// used by the CLI and the test fixtures. Values are numbered in order of
// definition; sources refer to them by number, which permits the forward
// references loop phis need.
package progfile

import (
	"fmt"

	"github.com/tilegpu/tgc/pkg/ir"
	"github.com/tilegpu/tgc/pkg/regalloc"
	"gopkg.in/yaml.v3"
)

// File is the top-level document: a list of shaders.
type File struct {
	Shaders []ShaderSpec `yaml:"shaders"`
}

// ShaderSpec describes one shader function, with an optional per-shader
// capacity override.
type ShaderSpec struct {
	Name   string      `yaml:"name"`
	Caps   *CapSpec    `yaml:"caps,omitempty"`
	Blocks []BlockSpec `yaml:"blocks"`
}

// CapSpec mirrors regalloc.Caps in fixture-friendly form.
type CapSpec struct {
	Full   int  `yaml:"full"`
	Half   int  `yaml:"half"`
	Shared int  `yaml:"shared"`
	Merged bool `yaml:"merged"`
}

// BlockSpec is one basic block. Successors are block indices; their order
// fixes the predecessor order phi operands are matched against.
type BlockSpec struct {
	Succs  []int       `yaml:"succs,omitempty"`
	Instrs []InstrSpec `yaml:"instrs"`
}

// InstrSpec is one instruction. Dst, when present, defines the next value
// number. Srcs are value numbers. Tied is an index into Srcs.
type InstrSpec struct {
	Op   string   `yaml:"op"`
	Dst  *DstSpec `yaml:"dst,omitempty"`
	Srcs []int    `yaml:"srcs,omitempty"`
	Off  int      `yaml:"off,omitempty"`
	Tied *int     `yaml:"tied,omitempty"`
}

// DstSpec describes a defined value. Reg precolors it to a fixed slot.
type DstSpec struct {
	Size  int    `yaml:"size"`
	Class string `yaml:"class,omitempty"`
	Reg   *int   `yaml:"reg,omitempty"`
}

// Shader is one loaded program.
type Shader struct {
	Func *ir.Func
	Caps *regalloc.Caps
}

var ops = map[string]ir.Op{
	"nop": ir.OpNop, "mov": ir.OpMov, "add": ir.OpAdd, "sub": ir.OpSub,
	"mul": ir.OpMul, "mad": ir.OpMad, "min": ir.OpMin, "max": ir.OpMax,
	"rcp": ir.OpRcp, "rsq": ir.OpRsq, "exp2": ir.OpExp2, "log2": ir.OpLog2,
	"sin": ir.OpSin, "cos": ir.OpCos,
	"split": ir.OpSplit, "collect": ir.OpCollect, "phi": ir.OpPhi,
	"input": ir.OpInput, "chmask": ir.OpChmask,
	"jump": ir.OpJump, "branch": ir.OpBranch, "end": ir.OpEnd,
}

var classes = map[string]ir.RegClass{
	"": ir.ClassFull, "full": ir.ClassFull,
	"half": ir.ClassHalf, "shared": ir.ClassShared,
}

// Parse decodes a YAML document into shader functions.
func Parse(data []byte) ([]*Shader, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("progfile: %w", err)
	}
	var out []*Shader
	for i, spec := range file.Shaders {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("shader%d", i)
		}
		f, err := build(name, &spec)
		if err != nil {
			return nil, fmt.Errorf("progfile: shader %q: %w", name, err)
		}
		sh := &Shader{Func: f}
		if c := spec.Caps; c != nil {
			sh.Caps = &regalloc.Caps{
				Full:       c.Full,
				Half:       c.Half,
				Shared:     c.Shared,
				MergedRegs: c.Merged,
			}
		}
		out = append(out, sh)
	}
	return out, nil
}

func build(name string, spec *ShaderSpec) (*ir.Func, error) {
	f := ir.NewFunc(name)
	for range spec.Blocks {
		f.NewBlock()
	}

	// First pass: create the value table so sources can reference values
	// defined later in program order.
	var defs []*ir.Value
	for _, bs := range spec.Blocks {
		for _, is := range bs.Instrs {
			if is.Dst == nil {
				continue
			}
			class, ok := classes[is.Dst.Class]
			if !ok {
				return nil, fmt.Errorf("unknown class %q", is.Dst.Class)
			}
			size := is.Dst.Size
			if size == 0 {
				size = 1
			}
			v := f.NewValue(size, class)
			if is.Dst.Reg != nil {
				v.Reg = ir.EncodeReg(*is.Dst.Reg)
				v.Frozen = true
			}
			defs = append(defs, v)
		}
	}

	// Second pass: instructions and edges.
	di := 0
	for bi, bs := range spec.Blocks {
		b := f.Blocks[bi]
		for _, is := range bs.Instrs {
			op, ok := ops[is.Op]
			if !ok {
				return nil, fmt.Errorf("unknown op %q", is.Op)
			}
			var dsts []*ir.Value
			if is.Dst != nil {
				dsts = []*ir.Value{defs[di]}
				di++
			}
			var srcs []*ir.Use
			for _, s := range is.Srcs {
				if s < 0 || s >= len(defs) {
					return nil, fmt.Errorf("source v%d out of range", s)
				}
				srcs = append(srcs, &ir.Use{Val: defs[s].ID, Reg: ir.RegNone})
			}
			in := b.Append(op, dsts, srcs)
			in.Off = is.Off
			if is.Tied != nil {
				ti := *is.Tied
				if ti < 0 || ti >= len(srcs) {
					return nil, fmt.Errorf("tied index %d out of range", ti)
				}
				if len(dsts) == 0 {
					return nil, fmt.Errorf("tied operand on an instruction without a destination")
				}
				dsts[0].Tied = srcs[ti].Val
			}
			switch op {
			case ir.OpJump:
				if len(bs.Succs) < 1 {
					return nil, fmt.Errorf("block %d: jump needs a successor", bi)
				}
				in.Target = f.Blocks[bs.Succs[0]]
			case ir.OpBranch:
				if len(bs.Succs) < 2 {
					return nil, fmt.Errorf("block %d: branch needs two successors", bi)
				}
				in.Target = f.Blocks[bs.Succs[0]]
				in.Else = f.Blocks[bs.Succs[1]]
			}
		}
		for _, si := range bs.Succs {
			if si < 0 || si >= len(f.Blocks) {
				return nil, fmt.Errorf("block %d: successor %d out of range", bi, si)
			}
			ir.AddEdge(b, f.Blocks[si])
		}
	}
	return f, nil
}
