//go:build !windows

package winapi

import (
	"context"
	"fmt"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

// stubDebugAPI satisfies DebugAPI on non-Windows platforms so package session, its
// event loop, and the breakpoint/module packages that sit above DebugAPI all build and
// unit-test on any OS. Every method except CloseHandle (which returns nil) fails with a
// debugerrors sentinel or a *debugerrors.MemoryAccessError; real debugging only ever runs
// under debugapi_windows.go.
type stubDebugAPI struct{}

// New returns the non-Windows stub implementation of DebugAPI.
func New() DebugAPI { return &stubDebugAPI{} }

func (stubDebugAPI) CreateProcessForDebug(ctx context.Context, path string, args []string, workDir string) (ProcessInformation, error) {
	return ProcessInformation{}, fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrProcessCreation)
}

func (stubDebugAPI) WaitForDebugEvent(timeoutMillis uint32) (DebugEvent, error) {
	return DebugEvent{}, fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrDebugEvent)
}

func (stubDebugAPI) ContinueDebugEvent(processID, threadID, continueStatus uint32) error {
	return fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrDebugEvent)
}

func (stubDebugAPI) ReadProcessMemory(process uintptr, address uint32, size int) ([]byte, error) {
	return nil, &debugerrors.MemoryAccessError{Write: false, Address: address, Size: size, Reason: fmt.Errorf("native process debugging requires windows")}
}

func (stubDebugAPI) WriteProcessMemory(process uintptr, address uint32, data []byte) error {
	return &debugerrors.MemoryAccessError{Write: true, Address: address, Size: len(data), Reason: fmt.Errorf("native process debugging requires windows")}
}

func (stubDebugAPI) GetThreadContext(thread uintptr) (Context32, error) {
	return Context32{}, fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrInvalidHandle)
}

func (stubDebugAPI) SetThreadContext(thread uintptr, ctx Context32) error {
	return fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrInvalidHandle)
}

func (stubDebugAPI) OpenThread(threadID uint32) (uintptr, error) {
	return 0, fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrInvalidHandle)
}

func (stubDebugAPI) CloseHandle(handle uintptr) error { return nil }

func (stubDebugAPI) TerminateProcess(process uintptr, exitCode uint32) error {
	return fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrProcessNotFound)
}

func (stubDebugAPI) ModulePath(fileHandle uintptr, process uintptr, baseAddress uint32) (string, error) {
	return "", fmt.Errorf("%w: native process debugging requires windows", debugerrors.ErrModuleNotFound)
}
