package winapi

import "context"

// DebugAPI is the portable seam between the session layer and the real Win32 debugging
// API. debugapi_windows.go implements it against golang.org/x/sys/windows;
// debugapi_other.go provides a build-tagged stub for non-Windows development and CI, so
// package session and its event-loop logic are fully unit-testable anywhere.
type DebugAPI interface {
	// CreateProcessForDebug launches path (with args) under debug mode
	// (DEBUG_PROCESS), returning the new process's handles and IDs.
	CreateProcessForDebug(ctx context.Context, path string, args []string, workDir string) (ProcessInformation, error)

	// WaitForDebugEvent blocks (up to timeoutMillis, or indefinitely if 0) for the next
	// debug event from any process created or attached for debugging by this caller.
	WaitForDebugEvent(timeoutMillis uint32) (DebugEvent, error)

	// ContinueDebugEvent resumes the thread that reported the last debug event.
	ContinueDebugEvent(processID, threadID, continueStatus uint32) error

	// ReadProcessMemory copies size bytes from the debuggee's address space at address.
	ReadProcessMemory(process uintptr, address uint32, size int) ([]byte, error)

	// WriteProcessMemory copies data into the debuggee's address space at address,
	// restoring the original page protection afterward if it had to be relaxed.
	WriteProcessMemory(process uintptr, address uint32, data []byte) error

	// GetThreadContext reads an x86 thread's full register state.
	GetThreadContext(thread uintptr) (Context32, error)

	// SetThreadContext writes an x86 thread's full register state.
	SetThreadContext(thread uintptr, ctx Context32) error

	// OpenThread opens a handle to threadID with the access rights this debugger needs
	// (context get/set, suspend/resume).
	OpenThread(threadID uint32) (uintptr, error)

	// CloseHandle releases a handle obtained from this interface.
	CloseHandle(handle uintptr) error

	// TerminateProcess forcibly ends the debuggee.
	TerminateProcess(process uintptr, exitCode uint32) error

	// ModulePath resolves a loaded module's handle (from a LOAD_DLL or CREATE_PROCESS
	// debug event) to its full path on disk, via GetFinalPathNameByHandle (falling back
	// to GetModuleFileNameEx when the handle form is unavailable).
	ModulePath(fileHandle uintptr, process uintptr, baseAddress uint32) (string, error)
}
