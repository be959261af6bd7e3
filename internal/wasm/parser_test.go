package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModuleHeaderOnly(t *testing.T) {
	data := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	mod, err := ParseModule(data)
	require.NoError(t, err)
	assert.Empty(t, mod.Functions)
	assert.Nil(t, mod.Memory)
}

func TestParseModuleBadMagic(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
	_, err := ParseModule(data)
	require.Error(t, err)
	var loadErr *ModuleLoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestParseModuleTruncatedHeader(t *testing.T) {
	_, err := ParseModule([]byte{0x00, 0x61, 0x73})
	require.Error(t, err)
}

func TestParseModuleUnsupportedVersion(t *testing.T) {
	data := []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}
	_, err := ParseModule(data)
	require.Error(t, err)
}

// buildModuleBytes assembles a minimal module with a type section
// declaring `(i32, i32) -> i32`, a function section referencing it, and
// a code section computing `local0 + local1` — exercising the section
// framing, LEB128 indices, and function-body decoding together.
func buildModuleBytes(t *testing.T) []byte {
	t.Helper()
	header := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	typeSection := section(1, []byte{
		0x01,       // 1 type
		0x60,       // func form
		0x02, 0x7F, 0x7F, // 2 params: i32 i32
		0x01, 0x7F, // 1 result: i32
	})

	funcSection := section(3, []byte{
		0x01, 0x00, // 1 function, sig index 0
	})

	codeBody := []byte{
		0x00,                   // 0 local decl groups
		byte(OpLocalGet), 0x00, // local.get 0
		byte(OpLocalGet), 0x01, // local.get 1
		byte(OpI32Add),
		byte(OpEnd),
	}
	codeSection := section(10, append([]byte{0x01, byte(len(codeBody))}, codeBody...))

	exportName := []byte("add")
	exportSection := section(7, append(append([]byte{0x01, byte(len(exportName))}, exportName...), 0x00, 0x00))

	out := append([]byte{}, header...)
	out = append(out, typeSection...)
	out = append(out, funcSection...)
	out = append(out, codeSection...)
	out = append(out, exportSection...)
	return out
}

func section(id byte, payload []byte) []byte {
	return append([]byte{id, byte(len(payload))}, payload...)
}

func TestParseAndRunAddModule(t *testing.T) {
	data := buildModuleBytes(t)
	mod, err := ParseModule(data)
	require.NoError(t, err)
	require.Len(t, mod.Functions, 1)

	inst, err := Instantiate(mod, DefaultLimits(TierGatewayClass), nil)
	require.NoError(t, err)

	out, err := inst.CallExport("add", []Value{I32Val(5), I32Val(3)})
	require.NoError(t, err)
	assert.Equal(t, int32(8), out[0].I32)
}

func TestLEB128Decode(t *testing.T) {
	v, n, err := readUvarint([]byte{0xE5, 0x8E, 0x26})
	require.NoError(t, err)
	assert.Equal(t, uint64(624485), v)
	assert.Equal(t, 3, n)

	sv, n, err := readVarint([]byte{0x7F})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), sv)
	assert.Equal(t, 1, n)
}
