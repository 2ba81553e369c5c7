package session

import (
	"fmt"
	"sync"

	"github.com/watdbg/watdbg/pkg/debugerrors"
	"github.com/watdbg/watdbg/pkg/utils"
	"github.com/watdbg/watdbg/pkg/winapi"
)

// Registers is a snapshot of one thread's general-purpose and flag registers, named
// the way the DWARF register map and the CLI register dump both expect.
type Registers struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi           uint32
	Ebp, Esp, Eip      uint32
	EFlags             uint32
}

// TrapFlag is EFLAGS bit 8, set to force a single-step exception after the next
// instruction.
const TrapFlag = 0x100

// processController owns the debuggee's process handle and every thread handle seen so
// far, and is the sole caller of winapi.DebugAPI for memory and register access —
// mirroring original_source's ProcessController, generalized from its Python
// ctypes-struct field access to Go's winapi.Context32.
type processController struct {
	mu sync.Mutex

	api winapi.DebugAPI

	processHandle uintptr
	processID     uint32

	threads map[uint32]uintptr // thread id -> handle
}

func newProcessController(api winapi.DebugAPI) *processController {
	return &processController{api: api, threads: make(map[uint32]uintptr)}
}

func (p *processController) setProcess(handle uintptr, pid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processHandle = handle
	p.processID = pid
}

func (p *processController) addThread(id uint32, handle uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[id] = handle
}

func (p *processController) removeThread(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.threads[id]; ok {
		p.api.CloseHandle(handle)
		delete(p.threads, id)
	}
}

func (p *processController) threadHandle(id uint32) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.threads[id]
	return h, ok
}

// ReadMemory implements pkg/breakpoint.MemoryWriter.
func (p *processController) ReadMemory(address uint32, size int) ([]byte, error) {
	p.mu.Lock()
	handle := p.processHandle
	p.mu.Unlock()
	return p.api.ReadProcessMemory(handle, address, size)
}

// WriteMemory implements pkg/breakpoint.MemoryWriter.
func (p *processController) WriteMemory(address uint32, data []byte) error {
	p.mu.Lock()
	handle := p.processHandle
	p.mu.Unlock()
	return p.api.WriteProcessMemory(handle, address, data)
}

func (p *processController) getRegisters(threadID uint32) (Registers, error) {
	handle, ok := p.threadHandle(threadID)
	if !ok {
		return Registers{}, &debugerrors.InvalidHandleError{HandleType: "thread", Value: uintptr(threadID)}
	}
	ctx, err := p.api.GetThreadContext(handle)
	if err != nil {
		return Registers{}, err
	}
	return Registers{
		Eax: ctx.Eax, Ebx: ctx.Ebx, Ecx: ctx.Ecx, Edx: ctx.Edx,
		Esi: ctx.Esi, Edi: ctx.Edi,
		Ebp: ctx.Ebp, Esp: ctx.Esp, Eip: ctx.Eip,
		EFlags: ctx.EFlags,
	}, nil
}

func (p *processController) setRegisters(threadID uint32, regs Registers) error {
	handle, ok := p.threadHandle(threadID)
	if !ok {
		return &debugerrors.InvalidHandleError{HandleType: "thread", Value: uintptr(threadID)}
	}
	ctx, err := p.api.GetThreadContext(handle)
	if err != nil {
		return err
	}
	ctx.Eax, ctx.Ebx, ctx.Ecx, ctx.Edx = regs.Eax, regs.Ebx, regs.Ecx, regs.Edx
	ctx.Esi, ctx.Edi = regs.Esi, regs.Edi
	ctx.Ebp, ctx.Esp, ctx.Eip = regs.Ebp, regs.Esp, regs.Eip
	ctx.EFlags = regs.EFlags
	return p.api.SetThreadContext(handle, ctx)
}

// getEFlags/setEFlags mirror core.py's get_register/set_register('EFlags', ...)
// call sites used for trap-flag manipulation, without paying for a full context
// round-trip's Eax/Ebx/... fields at each call site.
func (p *processController) getEFlags(threadID uint32) (uint32, error) {
	handle, ok := p.threadHandle(threadID)
	if !ok {
		return 0, &debugerrors.InvalidHandleError{HandleType: "thread", Value: uintptr(threadID)}
	}
	ctx, err := p.api.GetThreadContext(handle)
	if err != nil {
		return 0, err
	}
	return ctx.EFlags, nil
}

func (p *processController) setEFlags(threadID uint32, flags uint32) error {
	handle, ok := p.threadHandle(threadID)
	if !ok {
		return &debugerrors.InvalidHandleError{HandleType: "thread", Value: uintptr(threadID)}
	}
	ctx, err := p.api.GetThreadContext(handle)
	if err != nil {
		return err
	}
	ctx.EFlags = flags
	return p.api.SetThreadContext(handle, ctx)
}

// trapFlagBit is EFLAGS bit 8, counted from bit 0 per the Intel convention.
const trapFlagBit = 8

func (p *processController) setTrapFlag(threadID uint32, on bool) error {
	flags, err := p.getEFlags(threadID)
	if err != nil {
		return err
	}
	view := utils.CreateBitView(&flags)
	if on {
		view.SetBit(trapFlagBit)
	} else {
		view.ClearBit(trapFlagBit)
	}
	return p.setEFlags(threadID, flags)
}

func (p *processController) terminate(exitCode uint32) error {
	p.mu.Lock()
	handle := p.processHandle
	p.mu.Unlock()
	if handle == 0 {
		return nil
	}
	return p.api.TerminateProcess(handle, exitCode)
}

// cleanup closes every thread handle and the process handle. Must only be called after
// the session's worker goroutine has stopped touching them (see package session's
// Close, which enforces the ordering).
func (p *processController) cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, handle := range p.threads {
		if err := p.api.CloseHandle(handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing thread %d handle: %w", id, err)
		}
	}
	p.threads = make(map[uint32]uintptr)

	if p.processHandle != 0 {
		if err := p.api.CloseHandle(p.processHandle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing process handle: %w", err)
		}
		p.processHandle = 0
	}
	return firstErr
}
