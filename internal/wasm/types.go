// Package wasm implements the minimal WASM execution core described in
// spec §4.4: a binary parser for a documented opcode subset, a stack
// interpreter, and the resource-governance limits (instruction count,
// memory pages, stack depth) the device runtime enforces per
// architecture tier. This is deliberately not a wrapped general-purpose
// WASM engine (see DESIGN.md) — the spec requires exact control over
// per-operator instruction accounting and the memory.grow sentinel
// behavior that an opaque engine does not expose.
package wasm

import "fmt"

// ValType is one of the four value types this subset supports.
type ValType byte

const (
	I32 ValType = iota
	I64
	F32
	F64
)

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// Value is a tagged operand-stack/local/global value.
type Value struct {
	Type ValType
	I32  int32
	I64  int64
	F32  float32
	F64  float64
}

func I32Val(v int32) Value { return Value{Type: I32, I32: v} }
func I64Val(v int64) Value { return Value{Type: I64, I64: v} }
func F32Val(v float32) Value { return Value{Type: F32, F32: v} }
func F64Val(v float64) Value { return Value{Type: F64, F64: v} }

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Local is a run of locals of the same declared type (the binary format's
// compressed local declaration shape).
type Local struct {
	Count uint32
	Type  ValType
}

// Function is a defined (non-import) function: its signature index plus
// its decoded local declarations and operator sequence.
type Function struct {
	SigIndex uint32
	Locals   []Local
	Body     []Instr
}

// Import is a resolved or unresolved host-function import (spec §4.4
// "Host functions"). Instantiate resolves it by (module, name) only; the
// signature is not compared against the host function.
type Import struct {
	Module   string
	Name     string
	SigIndex uint32
}

// Memory is the module's single linear memory descriptor.
type Memory struct {
	InitialPages uint32
	MaximumPages *uint32
}

// Global is a module-level global variable.
type Global struct {
	Type    ValType
	Mutable bool
	Init    Value
}

// ExportKind distinguishes what an export refers to.
type ExportKind byte

const (
	ExportFunc ExportKind = iota
	ExportMemory
	ExportGlobal
)

// Export maps a name to an index of the given kind.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// Module is the fully decoded representation (spec §4.4 "Module
// representation").
type Module struct {
	Types     []FuncType
	Imports   []Import
	Functions []Function
	Memory    *Memory
	Globals   []Global
	Exports   []Export
	Start     *uint32
}

// FuncIndex returns the export's function index if name is an exported
// function, and ok=true.
func (m *Module) FuncIndex(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == ExportFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

// NumImportedFuncs reports how many of the module's function-index-space
// slots are imports (imports occupy the low indices, per the WASM index
// space convention).
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		_ = imp
		n++
	}
	return n
}

// Sig returns the signature for a function index that spans both the
// imported and defined function index spaces.
func (m *Module) Sig(funcIndex uint32) (FuncType, error) {
	nImports := uint32(m.NumImportedFuncs())
	if funcIndex < nImports {
		return m.Types[m.Imports[funcIndex].SigIndex], nil
	}
	defIdx := funcIndex - nImports
	if int(defIdx) >= len(m.Functions) {
		return FuncType{}, fmt.Errorf("wasm: function index %d out of range", funcIndex)
	}
	return m.Types[m.Functions[defIdx].SigIndex], nil
}
