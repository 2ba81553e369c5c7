// Package debugerrors defines the error taxonomy shared by every subsystem of the
// debugger: process control, memory access, breakpoints, module/debug-info loading,
// location evaluation, and session lifecycle. Callers are expected to use errors.Is
// against the sentinel Err* values and errors.As against the typed errors below rather
// than string-matching error text.
package debugerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying a failure category. Wrap one of these with fmt.Errorf's
// %w verb to attach context while keeping errors.Is working.
var (
	ErrProcessCreation    = errors.New("process creation failed")
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrDebugEvent         = errors.New("debug event error")
	ErrDebugEventTimeout  = errors.New("timed out waiting for debug event")
	ErrProcessNotFound    = errors.New("process not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrMemoryRead         = errors.New("memory read failed")
	ErrMemoryWrite        = errors.New("memory write failed")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrBreakpoint         = errors.New("breakpoint error")
	ErrModuleNotFound     = errors.New("module not found")
	ErrDebugInfoNotFound  = errors.New("debug info not found")
	ErrSourceFileNotFound = errors.New("source file not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionBusy        = errors.New("session busy")
	ErrLocationEval       = errors.New("location evaluation failed")
)

// InvalidHandleError carries the kind of handle (process, thread, debug session, ...)
// and the value Windows returned so a caller can log precisely what failed.
type InvalidHandleError struct {
	HandleType string
	Value      uintptr
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("%s: invalid %s handle (0x%x)", ErrInvalidHandle, e.HandleType, e.Value)
}

func (e *InvalidHandleError) Unwrap() error { return ErrInvalidHandle }

// MemoryAccessError reports a failed read or write, the address and size involved, and
// the underlying reason (typically a wrapped Win32 error).
type MemoryAccessError struct {
	Write   bool
	Address uint32
	Size    int
	Reason  error
}

func (e *MemoryAccessError) Error() string {
	op := "read"
	sentinel := ErrMemoryRead
	if e.Write {
		op = "write"
		sentinel = ErrMemoryWrite
	}
	return fmt.Sprintf("%s: memory %s at 0x%08x (%d bytes): %v", sentinel, op, e.Address, e.Size, e.Reason)
}

func (e *MemoryAccessError) Unwrap() error {
	if e.Write {
		return ErrMemoryWrite
	}
	return ErrMemoryRead
}

// ModuleNotFoundError names the module a caller tried to address.
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrModuleNotFound, e.ModuleName)
}

func (e *ModuleNotFoundError) Unwrap() error { return ErrModuleNotFound }

// DebugInfoNotFoundError indicates a module was found but carries no usable DWARF data.
type DebugInfoNotFoundError struct {
	ModuleName string
}

func (e *DebugInfoNotFoundError) Error() string {
	return fmt.Sprintf("%s: module %q has no debug information", ErrDebugInfoNotFound, e.ModuleName)
}

func (e *DebugInfoNotFoundError) Unwrap() error { return ErrDebugInfoNotFound }

// SourceFileNotFoundError records which directories were searched, for diagnostics; the
// library itself never reads source text (that is explicitly a caller concern), so this
// error is produced only when a caller-supplied resolver reports failure back through it.
type SourceFileNotFoundError struct {
	FileName   string
	SearchDirs []string
}

func (e *SourceFileNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q (searched %v)", ErrSourceFileNotFound, e.FileName, e.SearchDirs)
}

func (e *SourceFileNotFoundError) Unwrap() error { return ErrSourceFileNotFound }

// ProcessNotFoundError carries the process id that could no longer be found.
type ProcessNotFoundError struct {
	ProcessID uint32
}

func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("%s: pid %d", ErrProcessNotFound, e.ProcessID)
}

func (e *ProcessNotFoundError) Unwrap() error { return ErrProcessNotFound }

// win32Messages mirrors the handful of Win32 error codes the debug-event loop and
// process controller actually encounter in practice.
var win32Messages = map[uint32]string{
	2:   "file not found",
	5:   "access denied",
	6:   "invalid handle",
	87:  "invalid parameter",
	121: "semaphore timeout period expired",
	299: "partial copy (only part of a ReadProcessMemory/WriteProcessMemory request completed)",
	998: "invalid access to memory location",
}

// MapWin32Error translates a Win32 GetLastError() code into one of the sentinel errors
// above, wrapped with the code, its known message (if any), and the caller-supplied
// context string.
func MapWin32Error(code uint32, context string) error {
	msg, known := win32Messages[code]
	if !known {
		msg = "unknown error"
	}

	var sentinel error
	switch code {
	case 5:
		sentinel = ErrAccessDenied
	case 6:
		sentinel = ErrInvalidHandle
	case 121:
		sentinel = ErrDebugEventTimeout
	case 998, 299:
		sentinel = ErrMemoryRead
	default:
		sentinel = ErrProcessCreation
	}

	return fmt.Errorf("%w: %s (win32 error %d: %s)", sentinel, context, code, msg)
}
