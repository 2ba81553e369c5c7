package dwarfinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

type fakeRegisters struct {
	values map[X86Register]uint32
	err    error
}

func (f *fakeRegisters) ReadRegister(reg X86Register) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.values[reg], nil
}

type fakeMemory struct {
	data map[uint32][]byte
}

func (f *fakeMemory) ReadMemory(address uint32, size int) ([]byte, error) {
	return f.data[address], nil
}

func TestEvaluateRegN(t *testing.T) {
	regs := &fakeRegisters{values: map[X86Register]uint32{RegEAX: 0x42}}
	e := NewLocationEvaluator(regs, &fakeMemory{})

	loc, err := e.Evaluate([]byte{opReg0}, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, RegisterLocation{Register: RegEAX}, loc)
}

func TestEvaluateBregNPlusOffset(t *testing.T) {
	regs := &fakeRegisters{values: map[X86Register]uint32{RegEBP: 0x1000}}
	e := NewLocationEvaluator(regs, &fakeMemory{})

	// DW_OP_breg5 (ebp), SLEB128 -8
	loc, err := e.Evaluate([]byte{opBreg0 + 5, 0x78}, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, MemoryLocation{Address: 0x1000 - 8}, loc)
}

func TestEvaluateFbregRequiresFrameBase(t *testing.T) {
	e := NewLocationEvaluator(&fakeRegisters{}, &fakeMemory{})

	_, err := e.Evaluate([]byte{opFbreg, 0x04}, 0, false, 0)
	assert.ErrorIs(t, err, debugerrors.ErrLocationEval)
}

func TestEvaluateFbregWithFrameBase(t *testing.T) {
	e := NewLocationEvaluator(&fakeRegisters{}, &fakeMemory{})

	loc, err := e.Evaluate([]byte{opFbreg, 0x04}, 0x2000, true, 0)
	require.NoError(t, err)
	assert.Equal(t, MemoryLocation{Address: 0x2004}, loc)
}

func TestEvaluateAddrAndDeref(t *testing.T) {
	mem := &fakeMemory{data: map[uint32][]byte{0x3000: {0xef, 0xbe, 0xad, 0xde}}}
	e := NewLocationEvaluator(&fakeRegisters{}, mem)

	// DW_OP_addr 0x3000, DW_OP_deref
	expr := []byte{opAddr, 0x00, 0x30, 0x00, 0x00, opDeref}
	loc, err := e.Evaluate(expr, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, MemoryLocation{Address: 0xdeadbeef}, loc)
}

func TestEvaluateAddrRelocatesByModuleBase(t *testing.T) {
	mem := &fakeMemory{data: map[uint32][]byte{0x403000: {0x01, 0x00, 0x00, 0x00}}}
	e := NewLocationEvaluator(&fakeRegisters{}, mem)

	// DW_OP_addr 0x3000, relocated by module base 0x400000 -> 0x403000.
	expr := []byte{opAddr, 0x00, 0x30, 0x00, 0x00}
	loc, err := e.Evaluate(expr, 0, false, 0x400000)
	require.NoError(t, err)
	assert.Equal(t, MemoryLocation{Address: 0x403000}, loc)
}

func TestEvaluatePlusMinusStackOps(t *testing.T) {
	e := NewLocationEvaluator(&fakeRegisters{}, &fakeMemory{})

	// const1u 10, const1u 3, minus -> 7, const1u 5, plus -> 12
	expr := []byte{opConst1u, 10, opConst1u, 3, opMinus, opConst1u, 5, opPlus}
	loc, err := e.Evaluate(expr, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, MemoryLocation{Address: 12}, loc)
}

func TestEvaluateRejectsUnsupportedOpcode(t *testing.T) {
	e := NewLocationEvaluator(&fakeRegisters{}, &fakeMemory{})

	_, err := e.Evaluate([]byte{0xff}, 0, false, 0)
	assert.ErrorIs(t, err, debugerrors.ErrLocationEval)
}

func TestEvaluateRejectsEmptyExpression(t *testing.T) {
	e := NewLocationEvaluator(&fakeRegisters{}, &fakeMemory{})

	_, err := e.Evaluate(nil, 0, false, 0)
	assert.Error(t, err)
}

func TestEvaluateFrameBaseRegisterExprReadsRegister(t *testing.T) {
	regs := &fakeRegisters{values: map[X86Register]uint32{RegEBP: 0x5000}}
	e := NewLocationEvaluator(regs, &fakeMemory{})

	fb, err := e.EvaluateFrameBase([]byte{opReg0 + 5}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x5000), fb)
}

func TestX86RegisterString(t *testing.T) {
	assert.Equal(t, "eax", RegEAX.String())
	assert.Equal(t, "eip", RegEIP.String())
	assert.Equal(t, "dwreg99", X86Register(99).String())
}

func TestIsValidX86Register(t *testing.T) {
	assert.True(t, IsValidX86Register(uint32(RegEIP)))
	assert.False(t, IsValidX86Register(uint32(RegEIP)+1))
}

func TestDescribeLocation(t *testing.T) {
	tests := []struct {
		name     string
		expr     []byte
		wantKind LocationKind
		wantText string
		wantOK   bool
	}{
		{"register", []byte{opReg0}, LocationRegister, "eax", true},
		{"breg negative offset", []byte{opBreg0 + 5, 0x78}, LocationStack, "[ebp-8]", true},
		{"breg positive offset", []byte{opBreg0 + 3, 0x04}, LocationStack, "[ebx+4]", true},
		{"fbreg", []byte{opFbreg, 0x78}, LocationStack, "[ebp-8]", true},
		{"addr", []byte{opAddr, 0, 0x30, 0, 0}, LocationGlobal, "", true},
		{"empty", nil, LocationUnavailable, "", false},
		{"unsupported opcode", []byte{0xff}, LocationUnavailable, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, text, ok := DescribeLocation(tt.expr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestLineTableLookupAddressAndLine(t *testing.T) {
	table := NewLineTable([]LineRow{
		{Address: 0x10, Location: SourceLocation{File: "a.c", Line: 1}},
		{Address: 0x20, Location: SourceLocation{File: "a.c", Line: 2}},
	})

	loc, ok := table.LookupAddress(0x15)
	require.True(t, ok)
	assert.Equal(t, 1, loc.Line)

	_, ok = table.LookupAddress(0x0f)
	assert.False(t, ok)

	addr, ok := table.LookupLine("a.c", 2)
	require.True(t, ok)
	assert.Equal(t, uint32(0x20), addr)

	_, ok = table.LookupLine("a.c", 99)
	assert.False(t, ok)
}

func TestLineTableLookupLineMatchesBasenameCaseInsensitively(t *testing.T) {
	table := NewLineTable([]LineRow{
		{Address: 0x10, Location: SourceLocation{File: `C:\src\Main.C`, Line: 42}},
	})

	addr, ok := table.LookupLine("main.c", 42)
	require.True(t, ok, "basename + case-insensitive match against a Watcom-style CU path")
	assert.Equal(t, uint32(0x10), addr)

	addr, ok = table.LookupLine(`c:\src\main.c`, 42)
	require.True(t, ok, "case-insensitive exact path match")
	assert.Equal(t, uint32(0x10), addr)

	_, ok = table.LookupLine("other.c", 42)
	assert.False(t, ok)
}
