package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watdbg/watdbg/pkg/dwarfinfo"
	"github.com/watdbg/watdbg/pkg/module"
)

// fakeMemory is a flat byte-addressed buffer standing in for debuggee memory.
type fakeMemory struct {
	data map[uint32]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make(map[uint32]byte)}
}

func (f *fakeMemory) set(addr uint32, b byte) { f.data[addr] = b }

func (f *fakeMemory) ReadMemory(address uint32, size int) ([]byte, error) {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = f.data[address+uint32(i)]
	}
	return out, nil
}

func (f *fakeMemory) WriteMemory(address uint32, data []byte) error {
	for i, b := range data {
		f.data[address+uint32(i)] = b
	}
	return nil
}

func TestSetBreakpointInstallsTrapAndIsIdempotent(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x401000, 0x55)

	m := NewManager(mem, module.NewManager())
	bp, err := m.SetBreakpoint(0x401000)
	require.NoError(t, err)
	assert.Equal(t, Active, bp.Status)
	assert.True(t, bp.HasOriginalByte)
	assert.Equal(t, byte(0x55), bp.OriginalByte)

	installed, _ := mem.ReadMemory(0x401000, 1)
	assert.Equal(t, byte(0xCC), installed[0])

	again, err := m.SetBreakpoint(0x401000)
	require.NoError(t, err)
	assert.Same(t, bp, again)
}

func TestParseLocationGrammar(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Location
	}{
		{"hex addr", "0x401000", Location{Kind: KindHexAddr, Address: 0x401000}},
		{"module offset hex", "prog.exe:0x20", Location{Kind: KindModuleOffset, ModuleName: "prog.exe", Offset: 0x20}},
		{"module offset bare hex", "foo.dll:ff", Location{Kind: KindModuleOffset, ModuleName: "foo.dll", Offset: 0xff}},
		{"source line", "main.c:42", Location{Kind: KindSourceLine, File: "main.c", Line: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocationRejectsGarbage(t *testing.T) {
	_, err := ParseLocation("not-a-location")
	assert.Error(t, err)
}

// TestModuleOffsetResolutionOmitsCodeSectionOffset is the asymmetry test DESIGN.md
// promises: package module applies BaseAddress+CodeSectionOffset, but this package's
// module:offset deferred path applies only BaseAddress.
func TestModuleOffsetResolutionOmitsCodeSectionOffset(t *testing.T) {
	const base = uint32(0x500000)
	const codeSectionOffset = uint32(0x1000)
	const offset = uint32(0x20)

	discover := func(path, name string) (*dwarfinfo.Program, error) {
		return &dwarfinfo.Program{
			LineTable:         dwarfinfo.NewLineTable(nil),
			CodeSectionOffset: codeSectionOffset,
		}, nil
	}

	mods := module.NewManager()
	mods.Register("prog.dll", "C:\\prog.dll", base, 0x10000, discover)

	mem := newFakeMemory()
	mem.set(base+offset, 0x90)

	m := NewManager(mem, mods)
	bp, err := m.SetBreakpointDeferred("prog.dll:0x20")
	require.NoError(t, err)
	assert.Equal(t, Active, bp.Status)
	assert.Equal(t, base+offset, bp.Address, "module:offset resolution must NOT add CodeSectionOffset")
}

func TestSetBreakpointDeferredPendsUntilModuleLoads(t *testing.T) {
	mods := module.NewManager()
	mem := newFakeMemory()
	m := NewManager(mem, mods)

	bp, err := m.SetBreakpointDeferred("missing.dll:0x10")
	require.NoError(t, err)
	assert.Equal(t, Pending, bp.Status)

	// Re-requesting the same pending location must not create a duplicate.
	again, err := m.SetBreakpointDeferred("missing.dll:0x10")
	require.NoError(t, err)
	assert.Same(t, bp, again)

	mem.set(0x600010, 0xCD)
	mod := mods.Register("missing.dll", "C:\\missing.dll", 0x600000, 0x1000, nil)
	resolved := m.ResolvePendingForModule(mod)
	require.Len(t, resolved, 1)
	assert.Equal(t, Active, resolved[0].Status)
	assert.Equal(t, uint32(0x600010), resolved[0].Address)

	installed, _ := mem.ReadMemory(0x600010, 1)
	assert.Equal(t, byte(0xCC), installed[0])
}

func TestUnpendForModuleDemotesActiveBreakpoints(t *testing.T) {
	mods := module.NewManager()
	mem := newFakeMemory()
	mem.set(0x700010, 0x11)
	mod := mods.Register("foo.dll", "C:\\foo.dll", 0x700000, 0x1000, nil)

	m := NewManager(mem, mods)
	bp, err := m.SetBreakpointDeferred("foo.dll:0x10")
	require.NoError(t, err)
	require.Equal(t, Active, bp.Status)

	mods.Unregister(0x700000)
	m.UnpendForModule(mod.Name)

	assert.Equal(t, Pending, bp.Status)
	assert.False(t, bp.HasOriginalByte)
}

func TestOnHitRestoresOriginalByteAndArmsRearm(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x401000, 0x90)
	m := NewManager(mem, module.NewManager())

	bp, err := m.SetBreakpoint(0x401000)
	require.NoError(t, err)

	hit, ok := m.OnHit(0x401000)
	require.True(t, ok)
	assert.Equal(t, bp, hit.Breakpoint)
	assert.Equal(t, uint32(0x401000), hit.RewoundIP)
	assert.Equal(t, 1, bp.HitCount)

	restored, _ := mem.ReadMemory(0x401000, 1)
	assert.Equal(t, byte(0x90), restored[0])
}

func TestOnHitDeletesTemporaryBreakpointInsteadOfRearming(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x401000, 0x90)
	m := NewManager(mem, module.NewManager())

	bp, err := m.SetTemporaryBreakpoint(0x401000)
	require.NoError(t, err)
	require.True(t, bp.Temporary)

	hit, ok := m.OnHit(0x401000)
	require.True(t, ok)
	assert.Equal(t, 1, hit.Breakpoint.HitCount)

	restored, _ := mem.ReadMemory(0x401000, 1)
	assert.Equal(t, byte(0x90), restored[0], "original byte restored even for a temporary breakpoint")
	assert.Empty(t, m.List(), "temporary breakpoint must be deleted on hit, not disabled pending re-arm")

	// No entry survives to await re-arm, so the next single step is spurious.
	_, ok = m.OnSingleStep()
	assert.False(t, ok)
}

func TestOnSingleStepReinstallsTrapAfterRearm(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x401000, 0x90)
	m := NewManager(mem, module.NewManager())

	m.SetBreakpoint(0x401000)
	m.OnHit(0x401000)

	bp, ok := m.OnSingleStep()
	require.True(t, ok)
	assert.Equal(t, 1, bp.HitCount)

	reinstalled, _ := mem.ReadMemory(0x401000, 1)
	assert.Equal(t, byte(0xCC), reinstalled[0])

	_, ok = m.OnSingleStep()
	assert.False(t, ok, "no breakpoint should be awaiting re-arm anymore")
}

func TestClearRestoresOriginalByte(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x401000, 0x77)
	m := NewManager(mem, module.NewManager())

	bp, err := m.SetBreakpoint(0x401000)
	require.NoError(t, err)

	require.NoError(t, m.Clear(bp.ID))

	restored, _ := mem.ReadMemory(0x401000, 1)
	assert.Equal(t, byte(0x77), restored[0])
	assert.Empty(t, m.List())
}

func TestClearUnknownIDErrors(t *testing.T) {
	m := NewManager(newFakeMemory(), module.NewManager())
	err := m.Clear(999)
	assert.Error(t, err)
}

func TestListOrdersByID(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x1000, 0)
	mem.set(0x2000, 0)
	m := NewManager(mem, module.NewManager())

	bpAt2000, _ := m.SetBreakpoint(0x2000)
	bpAt1000, _ := m.SetBreakpoint(0x1000)

	list := m.List()
	require.Len(t, list, 2)
	assert.True(t, list[0].ID < list[1].ID)
	assert.Equal(t, bpAt2000.ID, list[0].ID)
	assert.Equal(t, bpAt1000.ID, list[1].ID)
}
