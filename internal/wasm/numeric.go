package wasm

import "math"

// execNumeric handles comparisons, arithmetic, bitwise ops, and
// conversions — everything execInstr doesn't dispatch directly.
func (fr *frame) execNumeric(in Instr) error {
	switch in.Op {
	case OpI32Eqz:
		return fr.unaryI32(func(a int32) int32 { return b2i32(a == 0) })
	case OpI32Eq:
		return fr.cmpI32(func(a, b int32) bool { return a == b })
	case OpI32Ne:
		return fr.cmpI32(func(a, b int32) bool { return a != b })
	case OpI32LtS:
		return fr.cmpI32(func(a, b int32) bool { return a < b })
	case OpI32LtU:
		return fr.cmpI32(func(a, b int32) bool { return uint32(a) < uint32(b) })
	case OpI32GtS:
		return fr.cmpI32(func(a, b int32) bool { return a > b })
	case OpI32GtU:
		return fr.cmpI32(func(a, b int32) bool { return uint32(a) > uint32(b) })
	case OpI32LeS:
		return fr.cmpI32(func(a, b int32) bool { return a <= b })
	case OpI32LeU:
		return fr.cmpI32(func(a, b int32) bool { return uint32(a) <= uint32(b) })
	case OpI32GeS:
		return fr.cmpI32(func(a, b int32) bool { return a >= b })
	case OpI32GeU:
		return fr.cmpI32(func(a, b int32) bool { return uint32(a) >= uint32(b) })

	case OpI64Eqz:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(I32Val(b2i32(v.I64 == 0)))
	case OpI64Eq:
		return fr.cmpI64(func(a, b int64) bool { return a == b })
	case OpI64Ne:
		return fr.cmpI64(func(a, b int64) bool { return a != b })
	case OpI64LtS:
		return fr.cmpI64(func(a, b int64) bool { return a < b })
	case OpI64LtU:
		return fr.cmpI64(func(a, b int64) bool { return uint64(a) < uint64(b) })
	case OpI64GtS:
		return fr.cmpI64(func(a, b int64) bool { return a > b })
	case OpI64GtU:
		return fr.cmpI64(func(a, b int64) bool { return uint64(a) > uint64(b) })
	case OpI64LeS:
		return fr.cmpI64(func(a, b int64) bool { return a <= b })
	case OpI64LeU:
		return fr.cmpI64(func(a, b int64) bool { return uint64(a) <= uint64(b) })
	case OpI64GeS:
		return fr.cmpI64(func(a, b int64) bool { return a >= b })
	case OpI64GeU:
		return fr.cmpI64(func(a, b int64) bool { return uint64(a) >= uint64(b) })

	case OpF32Eq:
		return fr.cmpF32(func(a, b float32) bool { return a == b })
	case OpF32Ne:
		return fr.cmpF32(func(a, b float32) bool { return a != b })
	case OpF32Lt:
		return fr.cmpF32(func(a, b float32) bool { return a < b })
	case OpF32Gt:
		return fr.cmpF32(func(a, b float32) bool { return a > b })
	case OpF32Le:
		return fr.cmpF32(func(a, b float32) bool { return a <= b })
	case OpF32Ge:
		return fr.cmpF32(func(a, b float32) bool { return a >= b })

	case OpF64Eq:
		return fr.cmpF64(func(a, b float64) bool { return a == b })
	case OpF64Ne:
		return fr.cmpF64(func(a, b float64) bool { return a != b })
	case OpF64Lt:
		return fr.cmpF64(func(a, b float64) bool { return a < b })
	case OpF64Gt:
		return fr.cmpF64(func(a, b float64) bool { return a > b })
	case OpF64Le:
		return fr.cmpF64(func(a, b float64) bool { return a <= b })
	case OpF64Ge:
		return fr.cmpF64(func(a, b float64) bool { return a >= b })

	case OpI32Add:
		return fr.binI32(func(a, b int32) int32 { return a + b })
	case OpI32Sub:
		return fr.binI32(func(a, b int32) int32 { return a - b })
	case OpI32Mul:
		return fr.binI32(func(a, b int32) int32 { return a * b })
	case OpI32DivS:
		return fr.binI32E(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			if a == math.MinInt32 && b == -1 {
				return 0, &ExecutionError{Msg: "integer overflow"}
			}
			return a / b, nil
		})
	case OpI32DivU:
		return fr.binI32E(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return int32(uint32(a) / uint32(b)), nil
		})
	case OpI32RemS:
		return fr.binI32E(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return a % b, nil
		})
	case OpI32RemU:
		return fr.binI32E(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return int32(uint32(a) % uint32(b)), nil
		})
	case OpI32And:
		return fr.binI32(func(a, b int32) int32 { return a & b })
	case OpI32Or:
		return fr.binI32(func(a, b int32) int32 { return a | b })
	case OpI32Xor:
		return fr.binI32(func(a, b int32) int32 { return a ^ b })
	case OpI32Shl:
		return fr.binI32(func(a, b int32) int32 { return a << (uint32(b) & 31) })
	case OpI32ShrS:
		return fr.binI32(func(a, b int32) int32 { return a >> (uint32(b) & 31) })
	case OpI32ShrU:
		return fr.binI32(func(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 31)) })

	case OpI64Add:
		return fr.binI64(func(a, b int64) int64 { return a + b })
	case OpI64Sub:
		return fr.binI64(func(a, b int64) int64 { return a - b })
	case OpI64Mul:
		return fr.binI64(func(a, b int64) int64 { return a * b })
	case OpI64DivS:
		return fr.binI64E(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			if a == math.MinInt64 && b == -1 {
				return 0, &ExecutionError{Msg: "integer overflow"}
			}
			return a / b, nil
		})
	case OpI64DivU:
		return fr.binI64E(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return int64(uint64(a) / uint64(b)), nil
		})
	case OpI64RemS:
		return fr.binI64E(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return a % b, nil
		})
	case OpI64RemU:
		return fr.binI64E(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, &ExecutionError{Msg: "integer divide by zero"}
			}
			return int64(uint64(a) % uint64(b)), nil
		})
	case OpI64And:
		return fr.binI64(func(a, b int64) int64 { return a & b })
	case OpI64Or:
		return fr.binI64(func(a, b int64) int64 { return a | b })
	case OpI64Xor:
		return fr.binI64(func(a, b int64) int64 { return a ^ b })
	case OpI64Shl:
		return fr.binI64(func(a, b int64) int64 { return a << (uint64(b) & 63) })
	case OpI64ShrS:
		return fr.binI64(func(a, b int64) int64 { return a >> (uint64(b) & 63) })
	case OpI64ShrU:
		return fr.binI64(func(a, b int64) int64 { return int64(uint64(a) >> (uint64(b) & 63)) })

	case OpF32Add:
		return fr.binF32(func(a, b float32) float32 { return a + b })
	case OpF32Sub:
		return fr.binF32(func(a, b float32) float32 { return a - b })
	case OpF32Mul:
		return fr.binF32(func(a, b float32) float32 { return a * b })
	case OpF32Div:
		return fr.binF32(func(a, b float32) float32 { return a / b })

	case OpF64Add:
		return fr.binF64(func(a, b float64) float64 { return a + b })
	case OpF64Sub:
		return fr.binF64(func(a, b float64) float64 { return a - b })
	case OpF64Mul:
		return fr.binF64(func(a, b float64) float64 { return a * b })
	case OpF64Div:
		return fr.binF64(func(a, b float64) float64 { return a / b })

	case OpI32WrapI64:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(I32Val(int32(v.I64)))
	case OpI64ExtendI32S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(I64Val(int64(v.I32)))
	case OpI64ExtendI32U:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(I64Val(int64(uint32(v.I32))))
	case OpI32TruncF32S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.pushTruncI32(float64(v.F32))
	case OpI32TruncF64S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.pushTruncI32(v.F64)
	case OpI64TruncF64S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		if math.IsNaN(v.F64) || v.F64 < math.MinInt64 || v.F64 >= math.MaxInt64 {
			return &ExecutionError{Msg: "invalid conversion to integer"}
		}
		return fr.push(I64Val(int64(v.F64)))
	case OpF32ConvertI32S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(F32Val(float32(v.I32)))
	case OpF32DemoteF64:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(F32Val(float32(v.F64)))
	case OpF64ConvertI32S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(F64Val(float64(v.I32)))
	case OpF64ConvertI64S:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(F64Val(float64(v.I64)))
	case OpF64PromoteF32:
		v, err := fr.pop()
		if err != nil {
			return err
		}
		return fr.push(F64Val(float64(v.F32)))

	default:
		return &InvalidInstruction{Opcode: in.Op}
	}
}

func (fr *frame) pushTruncI32(f float64) error {
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return &ExecutionError{Msg: "invalid conversion to integer"}
	}
	return fr.push(I32Val(int32(f)))
}

func b2i32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (fr *frame) unaryI32(f func(int32) int32) error {
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(f(a.I32)))
}

func (fr *frame) binI32(f func(a, b int32) int32) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(f(a.I32, b.I32)))
}

func (fr *frame) binI32E(f func(a, b int32) (int32, error)) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	v, err := f(a.I32, b.I32)
	if err != nil {
		return err
	}
	return fr.push(I32Val(v))
}

func (fr *frame) cmpI32(f func(a, b int32) bool) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(b2i32(f(a.I32, b.I32))))
}

func (fr *frame) binI64(f func(a, b int64) int64) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I64Val(f(a.I64, b.I64)))
}

func (fr *frame) binI64E(f func(a, b int64) (int64, error)) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	v, err := f(a.I64, b.I64)
	if err != nil {
		return err
	}
	return fr.push(I64Val(v))
}

func (fr *frame) cmpI64(f func(a, b int64) bool) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(b2i32(f(a.I64, b.I64))))
}

func (fr *frame) binF32(f func(a, b float32) float32) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(F32Val(f(a.F32, b.F32)))
}

func (fr *frame) cmpF32(f func(a, b float32) bool) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(b2i32(f(a.F32, b.F32))))
}

func (fr *frame) binF64(f func(a, b float64) float64) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(F64Val(f(a.F64, b.F64)))
}

func (fr *frame) cmpF64(f func(a, b float64) bool) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	return fr.push(I32Val(b2i32(f(a.F64, b.F64))))
}
