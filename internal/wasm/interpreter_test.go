package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addModule() *Module {
	return &Module{
		Types: []FuncType{{Params: []ValType{I32, I32}, Results: []ValType{I32}}},
		Functions: []Function{
			{
				SigIndex: 0,
				Body: []Instr{
					{Op: OpLocalGet, LocalIdx: 0},
					{Op: OpLocalGet, LocalIdx: 1},
					{Op: OpI32Add},
				},
			},
		},
		Exports: []Export{{Name: "add", Kind: ExportFunc, Index: 0}},
	}
}

func TestInterpreterAdd(t *testing.T) {
	mod := addModule()
	inst, err := Instantiate(mod, DefaultLimits(TierGatewayClass), nil)
	require.NoError(t, err)

	out, err := inst.CallExport("add", []Value{I32Val(5), I32Val(3)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(8), out[0].I32)
}

// factorialModule computes n! iteratively: local0 is the parameter (also
// used as the decrementing counter), local1 accumulates the result.
//
//	result = 1
//	block
//	  loop
//	    if n == 0: br 1 (exit block)
//	    result = result * n
//	    n = n - 1
//	    br 0 (continue loop)
func factorialModule() *Module {
	loopBody := []Instr{
		{Op: OpLocalGet, LocalIdx: 0},
		{Op: OpI32Eqz},
		{Op: OpBrIf, BrDepth: 1},
		{Op: OpLocalGet, LocalIdx: 1},
		{Op: OpLocalGet, LocalIdx: 0},
		{Op: OpI32Mul},
		{Op: OpLocalSet, LocalIdx: 1},
		{Op: OpLocalGet, LocalIdx: 0},
		{Op: OpI32Const, I32Const: 1},
		{Op: OpI32Sub},
		{Op: OpLocalSet, LocalIdx: 0},
		{Op: OpBr, BrDepth: 0},
	}
	body := []Instr{
		{Op: OpI32Const, I32Const: 1},
		{Op: OpLocalSet, LocalIdx: 1},
		{Op: OpBlock, Block: &Block{
			Result: BlockResultEmpty,
			Body: []Instr{
				{Op: OpLoop, Block: &Block{Result: BlockResultEmpty, Body: loopBody}},
			},
		}},
		{Op: OpLocalGet, LocalIdx: 1},
	}
	return &Module{
		Types: []FuncType{{Params: []ValType{I32}, Results: []ValType{I32}}},
		Functions: []Function{
			{SigIndex: 0, Locals: []Local{{Count: 1, Type: I32}}, Body: body},
		},
		Exports: []Export{{Name: "factorial", Kind: ExportFunc, Index: 0}},
	}
}

func TestInterpreterFactorial(t *testing.T) {
	mod := factorialModule()
	inst, err := Instantiate(mod, DefaultLimits(TierGatewayClass), nil)
	require.NoError(t, err)

	out, err := inst.CallExport("factorial", []Value{I32Val(5)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(120), out[0].I32)
}

// infiniteLoopModule never terminates: `loop br 0 end`.
func infiniteLoopModule() *Module {
	return &Module{
		Types: []FuncType{{}},
		Functions: []Function{
			{SigIndex: 0, Body: []Instr{
				{Op: OpLoop, Block: &Block{Result: BlockResultEmpty, Body: []Instr{
					{Op: OpBr, BrDepth: 0},
				}}},
			}},
		},
		Exports: []Export{{Name: "spin", Kind: ExportFunc, Index: 0}},
	}
}

func TestInstructionLimitExceeded(t *testing.T) {
	mod := infiniteLoopModule()
	limits := DefaultLimits(TierMCU)
	limits.MaxInstructions = 1000
	inst, err := Instantiate(mod, limits, nil)
	require.NoError(t, err)

	_, err = inst.CallExport("spin", nil)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "Instruction limit exceeded")
}

func memGrowModule() *Module {
	return &Module{
		Types: []FuncType{{Params: []ValType{I32}, Results: []ValType{I32}}},
		Functions: []Function{
			{SigIndex: 0, Body: []Instr{
				{Op: OpLocalGet, LocalIdx: 0},
				{Op: OpMemGrow},
			}},
		},
		Memory:  &Memory{InitialPages: 1},
		Exports: []Export{{Name: "grow", Kind: ExportFunc, Index: 0}},
	}
}

func TestMemoryGrowSentinelOnOverBudget(t *testing.T) {
	mod := memGrowModule()
	limits := DefaultLimits(TierGatewayClass)
	limits.MaxMemoryPages = 2
	inst, err := Instantiate(mod, limits, nil)
	require.NoError(t, err)

	before := len(inst.memory)
	out, err := inst.CallExport("grow", []Value{I32Val(5)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(-1), out[0].I32)
	assert.Equal(t, before, len(inst.memory), "memory must be unchanged on rejected grow")
}

func TestMemoryGrowSucceedsWithinBudget(t *testing.T) {
	mod := memGrowModule()
	limits := DefaultLimits(TierGatewayClass)
	limits.MaxMemoryPages = 4
	inst, err := Instantiate(mod, limits, nil)
	require.NoError(t, err)

	out, err := inst.CallExport("grow", []Value{I32Val(1)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), out[0].I32, "grow returns the previous page count")
	assert.Equal(t, 2*pageSize, len(inst.memory))
}

func TestCallExportUnknownFunction(t *testing.T) {
	mod := addModule()
	inst, err := Instantiate(mod, DefaultLimits(TierGatewayClass), nil)
	require.NoError(t, err)

	_, err = inst.CallExport("nope", nil)
	var notFound *FunctionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestExecutionIsDeterministic(t *testing.T) {
	mod := factorialModule()
	var results []int32
	for i := 0; i < 5; i++ {
		inst, err := Instantiate(mod, DefaultLimits(TierGatewayClass), nil)
		require.NoError(t, err)
		out, err := inst.CallExport("factorial", []Value{I32Val(6)})
		require.NoError(t, err)
		results = append(results, out[0].I32)
	}
	for _, r := range results {
		assert.Equal(t, int32(720), r)
	}
}
