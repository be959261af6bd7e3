package wasm

import (
	"encoding/binary"
	"fmt"
	"math"
)

var magic = [4]byte{0x00, 0x61, 0x73, 0x6D}

const binaryVersion = 1

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// reader is a cursor over a module's byte stream. Every decode helper
// advances pos and returns a *ModuleLoadError on underrun.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() []byte { return r.buf[r.pos:] }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, &ModuleLoadError{Msg: "unexpected end of input"}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytesN(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, &ModuleLoadError{Msg: "unexpected end of input"}
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	v, n, err := readUvarint32(r.remaining())
	if err != nil {
		return 0, &ModuleLoadError{Msg: err.Error()}
	}
	r.pos += n
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, n, err := readVarint32(r.remaining())
	if err != nil {
		return 0, &ModuleLoadError{Msg: err.Error()}
	}
	r.pos += n
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, n, err := readVarint(r.remaining())
	if err != nil {
		return 0, &ModuleLoadError{Msg: err.Error()}
	}
	r.pos += n
	return v, nil
}

func (r *reader) f32() (float32, error) {
	b, err := r.bytesN(4)
	if err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint32(b)
	return math.Float32frombits(bits), nil
}

func (r *reader) f64() (float64, error) {
	b, err := r.bytesN(8)
	if err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(b)
	return math.Float64frombits(bits), nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytesN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) valType() (ValType, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch b {
	case 0x7F:
		return I32, nil
	case 0x7E:
		return I64, nil
	case 0x7D:
		return F32, nil
	case 0x7C:
		return F64, nil
	default:
		return 0, &ModuleLoadError{Msg: fmt.Sprintf("unknown value type 0x%02x", b)}
	}
}

// ParseModule decodes a module from its binary encoding (spec §4.4
// "Binary parser"): an 8-byte header (magic + version) followed by a
// sequence of sections, each a (id byte, u32 size, payload) triple.
// Unknown section ids are skipped using the declared size.
func ParseModule(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, &ModuleLoadError{Msg: "input shorter than header"}
	}
	var gotMagic [4]byte
	copy(gotMagic[:], data[0:4])
	if gotMagic != magic {
		return nil, &ModuleLoadError{Msg: "bad magic number"}
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != binaryVersion {
		return nil, &ModuleLoadError{Msg: fmt.Sprintf("unsupported version %d", version)}
	}

	r := &reader{buf: data, pos: 8}
	m := &Module{}
	var funcSigs []uint32 // function section: index into Types, one per defined function
	var codeBodies [][]byte

	for r.pos < len(r.buf) {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytesN(int(size))
		if err != nil {
			return nil, err
		}
		sr := &reader{buf: payload}

		switch id {
		case secType:
			if err := parseTypeSection(sr, m); err != nil {
				return nil, err
			}
		case secImport:
			if err := parseImportSection(sr, m); err != nil {
				return nil, err
			}
		case secFunction:
			n, err := sr.u32()
			if err != nil {
				return nil, err
			}
			funcSigs = make([]uint32, n)
			for i := range funcSigs {
				idx, err := sr.u32()
				if err != nil {
					return nil, err
				}
				funcSigs[i] = idx
			}
		case secMemory:
			if err := parseMemorySection(sr, m); err != nil {
				return nil, err
			}
		case secGlobal:
			if err := parseGlobalSection(sr, m); err != nil {
				return nil, err
			}
		case secExport:
			if err := parseExportSection(sr, m); err != nil {
				return nil, err
			}
		case secStart:
			idx, err := sr.u32()
			if err != nil {
				return nil, err
			}
			m.Start = &idx
		case secCode:
			n, err := sr.u32()
			if err != nil {
				return nil, err
			}
			codeBodies = make([][]byte, n)
			for i := range codeBodies {
				bodySize, err := sr.u32()
				if err != nil {
					return nil, err
				}
				body, err := sr.bytesN(int(bodySize))
				if err != nil {
					return nil, err
				}
				codeBodies[i] = body
			}
		default:
			// secTable, secElement, secData, and custom sections are not
			// part of this subset; skip by declared length.
			sr.pos = len(sr.buf)
		}

		// Each section decoder must consume exactly its declared size;
		// leftover bytes mean the section lied about its length.
		if sr.pos != len(sr.buf) {
			return nil, &ModuleLoadError{Msg: fmt.Sprintf("section %d under-ran its declared size: %d bytes unconsumed", id, len(sr.buf)-sr.pos)}
		}
	}

	if len(funcSigs) != len(codeBodies) {
		return nil, &ModuleLoadError{Msg: "function and code section count mismatch"}
	}
	m.Functions = make([]Function, len(funcSigs))
	for i := range funcSigs {
		fn, err := parseFunctionBody(codeBodies[i], funcSigs[i])
		if err != nil {
			return nil, err
		}
		m.Functions[i] = fn
	}

	return m, nil
}

func parseTypeSection(r *reader, m *Module) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, n)
	for i := range m.Types {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return &ModuleLoadError{Msg: fmt.Sprintf("unsupported type form 0x%02x", form)}
		}
		nParams, err := r.u32()
		if err != nil {
			return err
		}
		params := make([]ValType, nParams)
		for p := range params {
			vt, err := r.valType()
			if err != nil {
				return err
			}
			params[p] = vt
		}
		nResults, err := r.u32()
		if err != nil {
			return err
		}
		results := make([]ValType, nResults)
		for rr := range results {
			vt, err := r.valType()
			if err != nil {
				return err
			}
			results[rr] = vt
		}
		m.Types[i] = FuncType{Params: params, Results: results}
	}
	return nil
}

func parseImportSection(r *reader, m *Module) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00: // function import
			sig, err := r.u32()
			if err != nil {
				return err
			}
			m.Imports = append(m.Imports, Import{Module: mod, Name: field, SigIndex: sig})
		case 0x01: // table import, unsupported: skip element type + limits
			if _, err := r.byte(); err != nil {
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case 0x02: // memory import
			if err := skipLimits(r); err != nil {
				return err
			}
		case 0x03: // global import
			if _, err := r.valType(); err != nil {
				return err
			}
			if _, err := r.byte(); err != nil {
				return err
			}
		default:
			return &ModuleLoadError{Msg: fmt.Sprintf("unknown import kind 0x%02x", kind)}
		}
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.u32(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func parseMemorySection(r *reader, m *Module) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if n > 1 {
		return &ModuleLoadError{Msg: "multiple linear memories are not supported"}
	}
	flags, err := r.byte()
	if err != nil {
		return err
	}
	initial, err := r.u32()
	if err != nil {
		return err
	}
	mem := &Memory{InitialPages: initial}
	if flags&0x01 != 0 {
		max, err := r.u32()
		if err != nil {
			return err
		}
		mem.MaximumPages = &max
	}
	m.Memory = mem
	return nil
}

func parseGlobalSection(r *reader, m *Module) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Globals = make([]Global, n)
	for i := range m.Globals {
		vt, err := r.valType()
		if err != nil {
			return err
		}
		mutByte, err := r.byte()
		if err != nil {
			return err
		}
		init, err := parseConstExpr(r, vt)
		if err != nil {
			return err
		}
		m.Globals[i] = Global{Type: vt, Mutable: mutByte != 0, Init: init}
	}
	return nil
}

// parseConstExpr decodes a minimal constant initializer expression: a
// single const instruction followed by `end`.
func parseConstExpr(r *reader, vt ValType) (Value, error) {
	op, err := r.byte()
	if err != nil {
		return Value{}, err
	}
	var v Value
	switch op {
	case OpI32Const:
		n, err := r.i32()
		if err != nil {
			return Value{}, err
		}
		v = I32Val(n)
	case OpI64Const:
		n, err := r.i64()
		if err != nil {
			return Value{}, err
		}
		v = I64Val(n)
	case OpF32Const:
		n, err := r.f32()
		if err != nil {
			return Value{}, err
		}
		v = F32Val(n)
	case OpF64Const:
		n, err := r.f64()
		if err != nil {
			return Value{}, err
		}
		v = F64Val(n)
	default:
		return Value{}, &ModuleLoadError{Msg: fmt.Sprintf("unsupported const expr opcode 0x%02x", op)}
	}
	if v.Type != vt {
		return Value{}, &ModuleLoadError{Msg: "const expr type does not match declared global type"}
	}
	end, err := r.byte()
	if err != nil {
		return Value{}, err
	}
	if end != OpEnd {
		return Value{}, &ModuleLoadError{Msg: "const expr missing terminating end"}
	}
	return v, nil
}

func parseExportSection(r *reader, m *Module) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, n)
	for i := range m.Exports {
		name, err := r.name()
		if err != nil {
			return err
		}
		kindByte, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		var kind ExportKind
		switch kindByte {
		case 0x00:
			kind = ExportFunc
		case 0x02:
			kind = ExportMemory
		case 0x03:
			kind = ExportGlobal
		default:
			return &ModuleLoadError{Msg: fmt.Sprintf("unsupported export kind 0x%02x", kindByte)}
		}
		m.Exports[i] = Export{Name: name, Kind: kind, Index: idx}
	}
	return nil
}

// parseFunctionBody decodes one code-section entry: its compressed local
// declarations followed by the operator sequence up to the implicit
// trailing `end`.
func parseFunctionBody(body []byte, sigIndex uint32) (Function, error) {
	r := &reader{buf: body}
	nLocalGroups, err := r.u32()
	if err != nil {
		return Function{}, err
	}
	locals := make([]Local, nLocalGroups)
	for i := range locals {
		count, err := r.u32()
		if err != nil {
			return Function{}, err
		}
		vt, err := r.valType()
		if err != nil {
			return Function{}, err
		}
		locals[i] = Local{Count: count, Type: vt}
	}
	instrs, err := parseInstrSequence(r, true)
	if err != nil {
		return Function{}, err
	}
	return Function{SigIndex: sigIndex, Locals: locals, Body: instrs}, nil
}

// parseInstrSequence decodes operators until a matching `end` or, below
// the top level, an `else`, which is returned as a trailing OpElse
// marker. topLevel indicates this call consumes the function body's own
// terminating `end` rather than returning control to a Block parse.
func parseInstrSequence(r *reader, topLevel bool) ([]Instr, error) {
	var out []Instr
	for {
		if r.pos >= len(r.buf) {
			if topLevel {
				return nil, &ModuleLoadError{Msg: "function body missing terminating end"}
			}
			return nil, &ModuleLoadError{Msg: "block missing terminating end"}
		}
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		if op == OpEnd {
			return out, nil
		}
		if op == OpElse {
			if topLevel {
				return nil, &ModuleLoadError{Msg: "unexpected else outside if block"}
			}
			// Signal else to the caller with a trailing OpElse marker;
			// parseBlock strips it and parses the else arm.
			out = append(out, Instr{Op: OpElse})
			return out, nil
		}

		instr, err := parseOneInstr(r, op)
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
	}
}

func parseOneInstr(r *reader, op byte) (Instr, error) {
	switch op {
	case OpBlock, OpLoop, OpIf:
		blk, err := parseBlock(r, op)
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, Block: blk}, nil

	case OpBr, OpBrIf:
		depth, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, BrDepth: depth}, nil

	case OpBrTable:
		n, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		targets := make([]uint32, n)
		for i := range targets {
			d, err := r.u32()
			if err != nil {
				return Instr{}, err
			}
			targets[i] = d
		}
		def, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, BrTable: targets, BrDefault: def}, nil

	case OpCall:
		idx, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, FuncIdx: idx}, nil

	case OpCallIndirect:
		if _, err := r.u32(); err != nil { // type index, unused: calls fail at runtime
			return Instr{}, err
		}
		if _, err := r.byte(); err != nil { // reserved table index byte
			return Instr{}, err
		}
		return Instr{Op: op}, nil

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, LocalIdx: idx}, nil

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, GlobalIdx: idx}, nil

	case OpI32Load, OpI64Load, OpF32Load, OpF64Load, OpI32Store, OpI64Store, OpF32Store, OpF64Store:
		align, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		off, err := r.u32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, MemAlign: align, MemOffset: off}, nil

	case OpMemSize, OpMemGrow:
		if _, err := r.byte(); err != nil { // reserved byte
			return Instr{}, err
		}
		return Instr{Op: op}, nil

	case OpI32Const:
		n, err := r.i32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, I32Const: n}, nil

	case OpI64Const:
		n, err := r.i64()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, I64Const: n}, nil

	case OpF32Const:
		n, err := r.f32()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, F32Const: n}, nil

	case OpF64Const:
		n, err := r.f64()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: op, F64Const: n}, nil

	case OpUnreachable, OpNop, OpReturn, OpDrop, OpSelect,
		OpI32Eqz, OpI32Eq, OpI32Ne, OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU, OpI32LeS, OpI32LeU, OpI32GeS, OpI32GeU,
		OpI64Eqz, OpI64Eq, OpI64Ne, OpI64LtS, OpI64LtU, OpI64GtS, OpI64GtU, OpI64LeS, OpI64LeU, OpI64GeS, OpI64GeU,
		OpF32Eq, OpF32Ne, OpF32Lt, OpF32Gt, OpF32Le, OpF32Ge,
		OpF64Eq, OpF64Ne, OpF64Lt, OpF64Gt, OpF64Le, OpF64Ge,
		OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32DivU, OpI32RemS, OpI32RemU, OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS, OpI32ShrU,
		OpI64Add, OpI64Sub, OpI64Mul, OpI64DivS, OpI64DivU, OpI64RemS, OpI64RemU, OpI64And, OpI64Or, OpI64Xor, OpI64Shl, OpI64ShrS, OpI64ShrU,
		OpF32Add, OpF32Sub, OpF32Mul, OpF32Div,
		OpF64Add, OpF64Sub, OpF64Mul, OpF64Div,
		OpI32WrapI64, OpI32TruncF32S, OpI32TruncF64S, OpI64ExtendI32S, OpI64ExtendI32U, OpI64TruncF64S,
		OpF32ConvertI32S, OpF32DemoteF64, OpF64ConvertI32S, OpF64ConvertI64S, OpF64PromoteF32:
		return Instr{Op: op}, nil

	default:
		return Instr{}, &InvalidInstruction{Opcode: op}
	}
}

// parseBlock decodes a block/loop/if body. `if` bodies are parsed with a
// lookahead for a trailing synthetic OpElse marker left by
// parseInstrSequence, which is stripped before returning.
func parseBlock(r *reader, op byte) (*Block, error) {
	resByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	result := BlockResultEmpty
	if resByte != 0x40 {
		// A single-value block type is recorded as BlockResultEmpty as
		// well, since this subset does not validate block result arity at
		// runtime beyond leaving the stack as the body leaves it.
		result = BlockResultEmpty
	}

	body, err := parseInstrSequence(r, false)
	if err != nil {
		return nil, err
	}

	var elseBody []Instr
	if op == OpIf && len(body) > 0 && body[len(body)-1].Op == OpElse {
		body = body[:len(body)-1]
		elseBody, err = parseInstrSequence(r, false)
		if err != nil {
			return nil, err
		}
	}

	return &Block{Result: result, Body: body, Else: elseBody}, nil
}
