// Package ir defines the scalar/vector SSA form consumed by the backend
// passes. A function is a graph of blocks holding an explicit instruction
// list; every result is a Value with a stable index, a size in scalar slots,
// and a register class. Instruction order is fixed once built, except for
// parallel-copy instructions spliced in by register allocation.
package ir

import (
	"fmt"

	"github.com/tilegpu/tgc/pkg/bitset"
)

// ValueID is the stable linear name of an SSA definition.
type ValueID int32

// NoValue marks an absent value reference.
const NoValue ValueID = -1

// Reg is a physical register address, encoded as (number << 2) | channel.
// One scalar slot corresponds to one channel, so the encoded form equals the
// flat slot index within the register file.
type Reg int32

// RegNone marks an unassigned register.
const RegNone Reg = -1

// EncodeReg converts a flat slot index to the addressable-unit encoding.
func EncodeReg(slot int) Reg {
	return Reg((slot>>2)<<2 | (slot & 3))
}

// Num returns the register number component.
func (r Reg) Num() int { return int(r) >> 2 }

// Comp returns the channel component.
func (r Reg) Comp() int { return int(r) & 3 }

// Slot returns the flat slot index.
func (r Reg) Slot() int { return int(r) }

// RegClass selects the hardware register file a value lives in.
type RegClass uint8

const (
	// ClassFull is the general-purpose full-precision file.
	ClassFull RegClass = iota
	// ClassHalf is the half-precision file. Half values are confined to
	// the lower half of the file on merged-register-file hardware.
	ClassHalf
	// ClassShared is the per-tile shared file.
	ClassShared
)

func (c RegClass) String() string {
	switch c {
	case ClassFull:
		return "full"
	case ClassHalf:
		return "half"
	case ClassShared:
		return "shared"
	}
	return "?"
}

// Value is an SSA definition: one result of one instruction.
type Value struct {
	ID ValueID
	// Size is in half-precision slot units: a half scalar occupies one
	// slot, a full-precision scalar two.
	Size  int
	Class RegClass

	// Start and End delimit the value's footprint in the linear offset
	// space assigned by merge-set construction. Members of one merge set
	// occupy adjacent coordinates so that vector decomposition shows up
	// as interval containment.
	Start, End int

	// Tied names a source value that must end up in the same physical
	// slot (in-place read-modify-write), or NoValue.
	Tied ValueID

	// Set and SetOff place the value inside its merge set, if any.
	Set    *MergeSet
	SetOff int

	// Reg is the assigned physical register. For precolored values
	// (shader inputs, Frozen set) it is fixed before allocation runs.
	Reg    Reg
	Frozen bool

	Def *Instr
}

// Align returns the required slot alignment: full-precision values start at
// an even slot, half-precision at any slot.
func (v *Value) Align() int {
	if v.Class == ClassHalf {
		return 1
	}
	return 2
}

// MergeSet groups values that must be laid out contiguously with fixed
// relative offsets (the legs of a vector that is split and reassembled).
type MergeSet struct {
	Size  int // total size in slots
	Align int
	Base  int // base coordinate in the value offset space

	// Preferred is the physical base slot of the set, RegNone until the
	// first member is concretely placed.
	Preferred Reg

	Members []ValueID
}

// Use is one source operand record. Kill marks the operand as the last read
// of its value. Reg is written by register allocation.
type Use struct {
	Val  ValueID
	Kill bool
	Reg  Reg
}

// Copy is one entry of an allocator-synthesized parallel copy: a move of
// Size slots of value Val from Src to Dst, all entries of one instruction
// reading before any writes. An Alias copy duplicates the value for
// immediate consumption (a tied read, a collect lane, a channel-output
// window); the value's home slot is unchanged. A non-alias copy relocates
// the value.
type Copy struct {
	Dst, Src Reg
	Size     int
	Class    RegClass
	Val      ValueID
	Alias    bool
}

// Op identifies an instruction shape.
type Op uint8

const (
	OpNop Op = iota

	// ALU
	OpMov
	OpAdd
	OpSub
	OpMul
	OpMad
	OpMin
	OpMax

	// Transcendental ALU (separate hardware pipe)
	OpRcp
	OpRsq
	OpExp2
	OpLog2
	OpSin
	OpCos

	// Meta
	OpSplit        // extract one component of a vector value
	OpCollect      // assemble components into a vector value
	OpPhi          // block-entry merge point, scalar
	OpInput        // hardware-delivered value, possibly precolored
	OpParallelCopy // simultaneous register-to-register moves
	OpChmask       // end-of-shader channel output, fixed registers

	// Control flow
	OpJump
	OpBranch
	OpEnd
)

var opNames = [...]string{
	OpNop: "nop", OpMov: "mov", OpAdd: "add", OpSub: "sub", OpMul: "mul",
	OpMad: "mad", OpMin: "min", OpMax: "max", OpRcp: "rcp", OpRsq: "rsq",
	OpExp2: "exp2", OpLog2: "log2", OpSin: "sin", OpCos: "cos",
	OpSplit: "split", OpCollect: "collect", OpPhi: "phi", OpInput: "input",
	OpParallelCopy: "pcopy", OpChmask: "chmask",
	OpJump: "jump", OpBranch: "branch", OpEnd: "end",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// IsALU reports whether o is an ordinary or transcendental ALU operation.
func (o Op) IsALU() bool { return o >= OpMov && o <= OpCos }

// IsXcn reports whether o runs on the transcendental pipe.
func (o Op) IsXcn() bool { return o >= OpRcp && o <= OpCos }

// IsFlow reports whether o terminates a block.
func (o Op) IsFlow() bool { return o == OpJump || o == OpBranch || o == OpEnd || o == OpChmask }

// Instr is one instruction. Dsts are the values it defines, Srcs the operand
// records it reads. Copies is populated only on allocator-synthesized
// parallel copies.
type Instr struct {
	Op     Op
	Dsts   []*Value
	Srcs   []*Use
	Copies []Copy

	// Branch targets for OpJump (Target) and OpBranch (Target, Else).
	Target, Else *Block

	// Off is the component offset in slots extracted by OpSplit.
	Off int

	Block *Block
	IP    int // program-order index, assigned by Renumber
}

// Src returns the i-th source value ID, or NoValue.
func (in *Instr) Src(i int) ValueID {
	if i < len(in.Srcs) {
		return in.Srcs[i].Val
	}
	return NoValue
}

// Block is a basic block with an ordered instruction list.
type Block struct {
	ID     int
	Instrs []*Instr

	Preds, Succs []*Block

	// Dominator-tree links, populated by ComputeDoms.
	IDom        *Block
	DomChildren []*Block

	// Liveness results, populated by the liveness pass.
	LiveIn, LiveOut *bitset.Set
}

// Terminator returns the block's final control-flow instruction, or nil.
func (b *Block) Terminator() *Instr {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].Op.IsFlow() {
		return b.Instrs[n-1]
	}
	return nil
}

// InsertBefore splices in ahead of position pos in the instruction list.
func (b *Block) InsertBefore(pos int, in *Instr) {
	in.Block = b
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[pos+1:], b.Instrs[pos:])
	b.Instrs[pos] = in
}

// Func is one shader function: the block graph plus the value table.
type Func struct {
	Name   string
	Blocks []*Block
	Values []*Value
}

// NewFunc creates an empty function.
func NewFunc(name string) *Func {
	return &Func{Name: name}
}

// NewBlock appends a fresh block.
func (f *Func) NewBlock() *Block {
	b := &Block{ID: len(f.Blocks)}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Entry returns the entry block.
func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NewValue creates a value of the given size and class.
func (f *Func) NewValue(size int, class RegClass) *Value {
	v := &Value{
		ID:    ValueID(len(f.Values)),
		Size:  size,
		Class: class,
		Tied:  NoValue,
		Reg:   RegNone,
	}
	f.Values = append(f.Values, v)
	return v
}

// Value returns the value with the given ID.
func (f *Func) Value(id ValueID) *Value {
	return f.Values[id]
}

// NumValues returns the size of the value table.
func (f *Func) NumValues() int { return len(f.Values) }

// AddEdge links from -> to in the block graph.
func AddEdge(from, to *Block) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// Append adds an instruction to the end of b and returns it.
func (b *Block) Append(op Op, dsts []*Value, srcs []*Use) *Instr {
	in := &Instr{Op: op, Dsts: dsts, Srcs: srcs, Block: b}
	for _, d := range dsts {
		d.Def = in
	}
	b.Instrs = append(b.Instrs, in)
	return in
}

// Renumber assigns program-order indices to every instruction, walking
// blocks in layout order. Inserted parallel copies get renumbered too.
func (f *Func) Renumber() {
	ip := 0
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			in.IP = ip
			ip++
		}
	}
}
