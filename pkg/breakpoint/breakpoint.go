// Package breakpoint implements the software breakpoint engine: byte-patching with
// 0xCC, the single-step re-arm dance needed to resume across a breakpoint, and
// deferred/pending breakpoints that resolve once their owning module loads.
package breakpoint

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/watdbg/watdbg/pkg/debugerrors"
	"github.com/watdbg/watdbg/pkg/module"
)

// Status is a breakpoint's lifecycle state.
type Status int

const (
	// Active means the breakpoint has a resolved address and its 0xCC byte is
	// installed (or, transiently during the re-arm dance, about to be).
	Active Status = iota
	// Pending means the breakpoint's location could not yet be resolved to an address
	// (the owning module hasn't loaded, or the source line hasn't been seen yet).
	Pending
)

func (s Status) String() string {
	if s == Active {
		return "active"
	}
	return "pending"
}

// Breakpoint is a single software breakpoint. Invariant: a Pending breakpoint's
// Address is always 0 and OriginalByte is always unset (HasOriginalByte false); an
// Active breakpoint's OriginalByte is always exactly one captured byte
// (HasOriginalByte true).
type Breakpoint struct {
	ID              int
	Status          Status
	Address         uint32
	HasOriginalByte bool
	OriginalByte    byte
	Enabled         bool
	HitCount        int
	// Temporary marks a one-shot breakpoint: OnHit deletes it instead of disabling it
	// pending re-arm.
	Temporary bool

	// File/Line are set for source-line breakpoints (active or pending), and on an
	// address breakpoint whose address the loaded debug info maps to a source line.
	File string
	Line int

	// ModuleName/Offset are set for module:offset breakpoints (active or pending).
	ModuleName string
	Offset     uint32
	HasOffset  bool

	// awaitingRearm is set between a breakpoint hit and its single-step re-arm; while
	// set, the breakpoint's 0xCC byte is NOT installed (the original instruction is
	// back in place so it can execute once under the trap flag).
	awaitingRearm bool
}

// MemoryWriter patches debuggee memory for breakpoint install/restore. Implemented by
// package session's process controller.
type MemoryWriter interface {
	ReadMemory(address uint32, size int) ([]byte, error)
	WriteMemory(address uint32, data []byte) error
}

// Manager owns every breakpoint for one debuggee: active and pending, keyed by id, and
// performs all six operations SPEC_FULL.md §4.6 names. Grounded verbatim on
// original_source/src/dgb/debugger/breakpoint_manager.py.
type Manager struct {
	mu      sync.Mutex
	nextID  int
	byID    map[int]*Breakpoint
	mem     MemoryWriter
	modules *module.Manager
}

// NewManager creates a breakpoint manager bound to the given memory writer and module
// manager (needed to resolve module:offset and source-line locations).
func NewManager(mem MemoryWriter, modules *module.Manager) *Manager {
	return &Manager{
		byID:    make(map[int]*Breakpoint),
		mem:     mem,
		modules: modules,
	}
}

// SetBreakpoint installs a software breakpoint at an absolute address. Idempotent: if
// a breakpoint already exists at addr, it is returned unchanged.
func (m *Manager) SetBreakpoint(addr uint32) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bp := m.findActiveAt(addr); bp != nil {
		return bp, nil
	}

	original, err := m.mem.ReadMemory(addr, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: reading original byte at 0x%08x: %v", debugerrors.ErrBreakpoint, addr, err)
	}
	if err := m.mem.WriteMemory(addr, []byte{0xCC}); err != nil {
		return nil, fmt.Errorf("%w: installing trap at 0x%08x: %v", debugerrors.ErrBreakpoint, addr, err)
	}
	verify, err := m.mem.ReadMemory(addr, 1)
	if err != nil || verify[0] != 0xCC {
		return nil, fmt.Errorf("%w: trap byte did not stick at 0x%08x", debugerrors.ErrBreakpoint, addr)
	}

	m.nextID++
	bp := &Breakpoint{
		ID:              m.nextID,
		Status:          Active,
		Address:         addr,
		HasOriginalByte: true,
		OriginalByte:    original[0],
		Enabled:         true,
	}
	if loc, err := m.modules.ResolveAddressToLine(addr); err == nil {
		bp.File, bp.Line = loc.File, loc.Line
	}
	m.byID[bp.ID] = bp
	return bp, nil
}

// SetTemporaryBreakpoint installs a one-shot software breakpoint at an absolute
// address: identical to SetBreakpoint, except OnHit deletes it instead of disabling it
// pending re-arm. Used for internal one-shot stops (e.g. run-to-address) that must not
// outlive their single hit.
func (m *Manager) SetTemporaryBreakpoint(addr uint32) (*Breakpoint, error) {
	bp, err := m.SetBreakpoint(addr)
	if err != nil {
		return nil, err
	}
	bp.Temporary = true
	return bp, nil
}

// Location is a parsed location string (see SPEC_FULL.md §6's grammar).
type Location struct {
	Kind       LocationKind
	Address    uint32
	ModuleName string
	Offset     uint32
	File       string
	Line       int
}

// LocationKind distinguishes the three forms the location grammar allows.
type LocationKind int

const (
	KindHexAddr LocationKind = iota
	KindModuleOffset
	KindSourceLine
)

// ParseLocation parses a location string per SPEC_FULL.md §6's grammar:
// hex_addr ("0x" + hex) | module_offset ("<module>.dll|.exe:<hex offset, 0x optional>")
// | source_line ("<file>:<decimal line>", file not ending in .dll/.exe).
func ParseLocation(s string) (Location, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		addr, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return Location{}, fmt.Errorf("invalid hex address %q: %w", s, err)
		}
		return Location{Kind: KindHexAddr, Address: uint32(addr)}, nil
	}

	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Location{}, fmt.Errorf("location %q is not hex_addr | module_offset | source_line", s)
	}
	left, right := s[:idx], s[idx+1:]

	lowerLeft := strings.ToLower(left)
	if strings.HasSuffix(lowerLeft, ".dll") || strings.HasSuffix(lowerLeft, ".exe") {
		offset, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(right, "0x"), "0X"), 16, 32)
		if err != nil {
			return Location{}, fmt.Errorf("invalid module offset %q: %w", s, err)
		}
		return Location{Kind: KindModuleOffset, ModuleName: left, Offset: uint32(offset)}, nil
	}

	line, err := strconv.Atoi(right)
	if err != nil {
		return Location{}, fmt.Errorf("invalid source line %q: %w", s, err)
	}
	return Location{Kind: KindSourceLine, File: left, Line: line}, nil
}

// SetBreakpointDeferred resolves loc immediately if possible (functionally equivalent
// to SetBreakpoint at the resolved address); otherwise it registers a Pending
// breakpoint that later resolves on a matching module load (see
// ResolvePendingForModule). Duplicate pending breakpoints at the same normalized
// location are not created twice.
func (m *Manager) SetBreakpointDeferred(locStr string) (*Breakpoint, error) {
	loc, err := ParseLocation(locStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", debugerrors.ErrBreakpoint, err)
	}

	switch loc.Kind {
	case KindHexAddr:
		return m.SetBreakpoint(loc.Address)

	case KindModuleOffset:
		if addr, ok := m.resolveModuleOffset(loc.ModuleName, loc.Offset); ok {
			bp, err := m.SetBreakpoint(addr)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			bp.ModuleName, bp.Offset, bp.HasOffset = loc.ModuleName, loc.Offset, true
			m.mu.Unlock()
			return bp, nil
		}
		return m.addPending(loc)

	case KindSourceLine:
		if addr, _, ok := m.modules.ResolveLineToAddress(loc.File, loc.Line); ok {
			bp, err := m.SetBreakpoint(addr)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			bp.File, bp.Line = loc.File, loc.Line
			m.mu.Unlock()
			return bp, nil
		}
		return m.addPending(loc)

	default:
		return nil, fmt.Errorf("%w: unrecognized location kind", debugerrors.ErrBreakpoint)
	}
}

// resolveModuleOffset computes address = module.BaseAddress + offset for an already
// loaded module — deliberately WITHOUT adding CodeSectionOffset. This is the confirmed
// asymmetry vs. module.Manager.ResolveLineToAddress: see DESIGN.md's "code_section_offset
// asymmetry" entry, grounded on original_source's set_breakpoint_deferred.
func (m *Manager) resolveModuleOffset(moduleName string, offset uint32) (uint32, bool) {
	mod, ok := m.modules.ByName(moduleName)
	if !ok {
		return 0, false
	}
	return mod.BaseAddress + offset, true
}

func (m *Manager) addPending(loc Location) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bp := m.findPendingMatching(loc); bp != nil {
		return bp, nil
	}

	m.nextID++
	bp := &Breakpoint{ID: m.nextID, Status: Pending}
	switch loc.Kind {
	case KindModuleOffset:
		bp.ModuleName = loc.ModuleName
		bp.Offset = loc.Offset
		bp.HasOffset = true
	case KindSourceLine:
		bp.File = loc.File
		bp.Line = loc.Line
	}
	m.byID[bp.ID] = bp
	return bp, nil
}

func (m *Manager) findPendingMatching(loc Location) *Breakpoint {
	for _, bp := range m.byID {
		if bp.Status != Pending {
			continue
		}
		switch loc.Kind {
		case KindModuleOffset:
			if bp.HasOffset && strings.EqualFold(bp.ModuleName, loc.ModuleName) && bp.Offset == loc.Offset {
				return bp
			}
		case KindSourceLine:
			if bp.File == loc.File && bp.Line == loc.Line {
				return bp
			}
		}
	}
	return nil
}

func (m *Manager) findActiveAt(addr uint32) *Breakpoint {
	for _, bp := range m.byID {
		if bp.Status == Active && bp.Address == addr {
			return bp
		}
	}
	return nil
}

// ResolvePendingForModule attempts to resolve every pending breakpoint that names
// moduleName (case-insensitively) or whose source file belongs to it, installing the
// trap byte for any that newly resolve. Called on LOAD_DLL_DEBUG_EVENT. A breakpoint
// that resolves to an address already carrying an active breakpoint is promoted
// without installing a duplicate trap.
func (m *Manager) ResolvePendingForModule(mod *module.Module) []*Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved []*Breakpoint
	for _, bp := range m.byID {
		if bp.Status != Pending {
			continue
		}

		var addr uint32
		var ok bool
		switch {
		case bp.HasOffset:
			if strings.EqualFold(bp.ModuleName, mod.Name) {
				addr, ok = mod.BaseAddress+bp.Offset, true
			}
		case bp.File != "":
			if mod.HasDebugInfo {
				if relative, found := mod.Debug.LineTable.LookupLine(bp.File, bp.Line); found {
					addr, ok = mod.BaseAddress+mod.CodeSectionOffset+relative, true
				}
			}
		}
		if !ok {
			continue
		}

		if existing := m.findActiveAt(addr); existing != nil {
			bp.Status = Active
			bp.Address = addr
			bp.HasOriginalByte = existing.HasOriginalByte
			bp.OriginalByte = existing.OriginalByte
			bp.Enabled = existing.Enabled
			resolved = append(resolved, bp)
			continue
		}

		original, err := m.mem.ReadMemory(addr, 1)
		if err != nil {
			continue
		}
		if err := m.mem.WriteMemory(addr, []byte{0xCC}); err != nil {
			continue
		}
		bp.Status = Active
		bp.Address = addr
		bp.HasOriginalByte = true
		bp.OriginalByte = original[0]
		bp.Enabled = true
		resolved = append(resolved, bp)
	}
	return resolved
}

// UnpendForModule demotes every active breakpoint belonging to moduleName back to
// Pending (clearing its resolved address and original byte) on module unload, so a
// later reload of the same module reactivates it without the caller re-issuing the
// request.
func (m *Manager) UnpendForModule(moduleName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.byID {
		if bp.Status != Active || !strings.EqualFold(bp.ModuleName, moduleName) {
			continue
		}
		bp.Status = Pending
		bp.Address = 0
		bp.HasOriginalByte = false
		bp.OriginalByte = 0
		bp.Enabled = false
	}
}

// HitResult tells the caller what happened when a breakpoint exception landed at addr.
type HitResult struct {
	Breakpoint *Breakpoint
	// RewoundIP is the instruction pointer value the caller must write back into the
	// thread's context — the CPU has already advanced past the 0xCC by the time the
	// exception is reported.
	RewoundIP uint32
}

// OnHit handles an EXCEPTION_BREAKPOINT landing at addr (the exception address, which
// is the trap byte's own address; the instruction pointer to write back is returned as
// RewoundIP): restores the original byte and increments the hit count. A temporary
// breakpoint is then deleted outright; any other breakpoint is armed for re-arm on the
// next single-step exception. Returns (nil, false) if no breakpoint owns addr (the
// caller's entry-breakpoint or second-chance-exception handling then applies instead).
func (m *Manager) OnHit(addr uint32) (*HitResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp := m.findActiveAt(addr)
	if bp == nil {
		return nil, false
	}

	bp.HitCount++
	if bp.HasOriginalByte {
		_ = m.mem.WriteMemory(bp.Address, []byte{bp.OriginalByte})
	}

	if bp.Temporary {
		delete(m.byID, bp.ID)
	} else {
		bp.awaitingRearm = true
	}

	return &HitResult{Breakpoint: bp, RewoundIP: bp.Address}, true
}

// OnSingleStep handles an EXCEPTION_SINGLE_STEP. If it corresponds to a breakpoint
// awaiting re-arm, the 0xCC byte is written back and the breakpoint returned (the
// caller must clear the trap flag and NOT report a stop — this step was
// debugger-internal plumbing). Returns (nil, false) if no breakpoint is awaiting
// re-arm, in which case the caller decides whether the step was requested (report a
// step-stop) or spurious (swallow it, per the documented WOW64 tolerance).
func (m *Manager) OnSingleStep() (*Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bp := range m.byID {
		if bp.Status == Active && bp.awaitingRearm {
			if bp.Enabled {
				_ = m.mem.WriteMemory(bp.Address, []byte{0xCC})
			}
			bp.awaitingRearm = false
			return bp, true
		}
	}
	return nil, false
}

// List returns every breakpoint, active and pending, ordered by id.
func (m *Manager) List() []*Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Breakpoint, 0, len(m.byID))
	for _, bp := range m.byID {
		out = append(out, bp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Clear removes a breakpoint by id, restoring its original byte first if it was
// active.
func (m *Manager) Clear(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: no breakpoint with id %d", debugerrors.ErrBreakpoint, id)
	}
	if bp.Status == Active && bp.HasOriginalByte && !bp.awaitingRearm {
		if err := m.mem.WriteMemory(bp.Address, []byte{bp.OriginalByte}); err != nil {
			return fmt.Errorf("%w: restoring original byte for breakpoint %d: %v", debugerrors.ErrBreakpoint, id, err)
		}
	}
	delete(m.byID, id)
	return nil
}
