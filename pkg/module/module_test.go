package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watdbg/watdbg/pkg/dwarfinfo"
)

func programWithRow(addr uint32, file string, line int, codeSectionOffset uint32) *dwarfinfo.Program {
	return &dwarfinfo.Program{
		LineTable: dwarfinfo.NewLineTable([]dwarfinfo.LineRow{
			{Address: addr, Location: dwarfinfo.SourceLocation{File: file, Line: line}},
		}),
		CodeSectionOffset: codeSectionOffset,
	}
}

func TestRegisterWithoutDebugInfo(t *testing.T) {
	m := NewManager()
	mod := m.Register("prog.exe", "C:\\prog.exe", 0x400000, 0x1000, nil)

	assert.False(t, mod.HasDebugInfo)
	assert.Equal(t, uint32(0), mod.CodeSectionOffset)

	found, ok := m.ByName("PROG.EXE")
	assert.True(t, ok)
	assert.Same(t, mod, found)
}

func TestUnregisterRemovesModule(t *testing.T) {
	m := NewManager()
	m.Register("prog.exe", "C:\\prog.exe", 0x400000, 0x1000, nil)

	removed, ok := m.Unregister(0x400000)
	require.True(t, ok)
	assert.Equal(t, "prog.exe", removed.Name)

	_, ok = m.ByName("prog.exe")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}

func TestByAddressRespectsModuleBounds(t *testing.T) {
	m := NewManager()
	m.Register("prog.exe", "C:\\prog.exe", 0x400000, 0x1000, nil)

	mod, ok := m.ByAddress(0x400500)
	assert.True(t, ok)
	assert.Equal(t, "prog.exe", mod.Name)

	_, ok = m.ByAddress(0x401500)
	assert.False(t, ok)
}

// TestResolveAddressToLineAppliesCodeSectionOffset is the asymmetry test DESIGN.md
// promises: ResolveAddressToLine/ResolveLineToAddress subtract/add both the module's
// base address AND its CodeSectionOffset, unlike package breakpoint's module:offset
// deferred path, which uses only the base address (see breakpoint_test.go).
func TestResolveAddressToLineAppliesCodeSectionOffset(t *testing.T) {
	const base = uint32(0x400000)
	const codeSectionOffset = uint32(0x1000)
	const relative = uint32(0x20)

	discover := func(path, name string) (*dwarfinfo.Program, error) {
		return programWithRow(relative, "main.c", 42, codeSectionOffset), nil
	}

	m := NewManager()
	m.Register("prog.exe", "C:\\prog.exe", base, 0x10000, discover)

	loc, err := m.ResolveAddressToLine(base + codeSectionOffset + relative)
	require.NoError(t, err)
	assert.Equal(t, "main.c", loc.File)
	assert.Equal(t, 42, loc.Line)

	// An address that only accounts for the base, not the code section offset, must
	// not resolve to the same line.
	_, err = m.ResolveAddressToLine(base + relative)
	assert.Error(t, err)
}

func TestResolveLineToAddressAppliesCodeSectionOffset(t *testing.T) {
	const base = uint32(0x400000)
	const codeSectionOffset = uint32(0x1000)
	const relative = uint32(0x20)

	discover := func(path, name string) (*dwarfinfo.Program, error) {
		return programWithRow(relative, "main.c", 42, codeSectionOffset), nil
	}

	m := NewManager()
	m.Register("prog.exe", "C:\\prog.exe", base, 0x10000, discover)

	addr, mod, ok := m.ResolveLineToAddress("main.c", 42)
	require.True(t, ok)
	assert.Equal(t, "prog.exe", mod.Name)
	assert.Equal(t, base+codeSectionOffset+relative, addr)
}

func TestResolveLineToAddressSkipsModulesWithoutDebugInfo(t *testing.T) {
	m := NewManager()
	m.Register("nodbg.dll", "C:\\nodbg.dll", 0x500000, 0x1000, nil)

	_, _, ok := m.ResolveLineToAddress("main.c", 1)
	assert.False(t, ok)
}
