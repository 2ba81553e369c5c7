//go:build windows

package winapi

import (
	"context"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

var (
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procWaitForDebugEvent        = kernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent       = kernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcessStop   = kernel32.NewProc("DebugActiveProcessStop")
	procGetThreadContext         = kernel32.NewProc("GetThreadContext")
	procSetThreadContext         = kernel32.NewProc("SetThreadContext")
	procVirtualProtectEx         = kernel32.NewProc("VirtualProtectEx")
	procGetFinalPathNameByHandle = kernel32.NewProc("GetFinalPathNameByHandleW")
)

// rawDebugEvent mirrors Win32's DEBUG_EVENT: a dwDebugEventCode discriminant, process
// and thread IDs, and a union big enough to hold the largest *_DEBUG_INFO variant.
type rawDebugEvent struct {
	DebugEventCode uint32
	ProcessID      uint32
	ThreadID       uint32
	Union          [168]byte
}

// winDebugAPI implements DebugAPI against the real Win32 API via golang.org/x/sys/windows
// plus direct kernel32 procedure calls for the handful of functions x/sys/windows does
// not itself expose (WaitForDebugEvent, ContinueDebugEvent, Get/SetThreadContext).
// Grounded on original_source/src/dgb/debugger/win32api.py, which wraps the identical
// function set via ctypes.
type winDebugAPI struct{}

// New returns the Windows implementation of DebugAPI.
func New() DebugAPI { return &winDebugAPI{} }

func (w *winDebugAPI) CreateProcessForDebug(ctx context.Context, path string, args []string, workDir string) (ProcessInformation, error) {
	cmdLine := path
	for _, a := range args {
		cmdLine += " " + a
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return ProcessInformation{}, fmt.Errorf("%w: %v", debugerrors.ErrProcessCreation, err)
	}
	cmdLinePtr, err := windows.UTF16PtrFromString(cmdLine)
	if err != nil {
		return ProcessInformation{}, fmt.Errorf("%w: %v", debugerrors.ErrProcessCreation, err)
	}
	var workDirPtr *uint16
	if workDir != "" {
		workDirPtr, err = windows.UTF16PtrFromString(workDir)
		if err != nil {
			return ProcessInformation{}, fmt.Errorf("%w: %v", debugerrors.ErrProcessCreation, err)
		}
	}

	var si windows.StartupInfo
	var pi windows.ProcessInformation
	si.Cb = uint32(unsafe.Sizeof(si))

	creationFlags := uint32(DebugProcess | CreateNewConsole)
	err = windows.CreateProcess(pathPtr, cmdLinePtr, nil, nil, false, creationFlags, nil, workDirPtr, &si, &pi)
	if err != nil {
		return ProcessInformation{}, fmt.Errorf("%w: CreateProcess %q: %v", debugerrors.ErrProcessCreation, path, err)
	}

	return ProcessInformation{
		ProcessHandle: uintptr(pi.Process),
		ThreadHandle:  uintptr(pi.Thread),
		ProcessID:     pi.ProcessId,
		ThreadID:      pi.ThreadId,
	}, nil
}

func (w *winDebugAPI) WaitForDebugEvent(timeoutMillis uint32) (DebugEvent, error) {
	var raw rawDebugEvent
	ok, _, callErr := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&raw)), uintptr(timeoutMillis))
	if ok == 0 {
		return DebugEvent{}, fmt.Errorf("%w: WaitForDebugEvent: %v", debugerrors.ErrDebugEvent, callErr)
	}
	return decodeDebugEvent(&raw), nil
}

func (w *winDebugAPI) ContinueDebugEvent(processID, threadID, continueStatus uint32) error {
	ok, _, callErr := procContinueDebugEvent.Call(uintptr(processID), uintptr(threadID), uintptr(continueStatus))
	if ok == 0 {
		return fmt.Errorf("%w: ContinueDebugEvent: %v", debugerrors.ErrDebugEvent, callErr)
	}
	return nil
}

func (w *winDebugAPI) ReadProcessMemory(process uintptr, address uint32, size int) ([]byte, error) {
	buf := make([]byte, size)
	var read uintptr
	err := windows.ReadProcessMemory(windows.Handle(process), uintptr(address), &buf[0], uintptr(size), &read)
	if err != nil {
		return nil, &debugerrors.MemoryAccessError{Write: false, Address: address, Size: size, Reason: err}
	}
	return buf[:read], nil
}

func (w *winDebugAPI) WriteProcessMemory(process uintptr, address uint32, data []byte) error {
	var oldProtect uint32
	ok, _, _ := procVirtualProtectEx.Call(process, uintptr(address), uintptr(len(data)), uintptr(PageExecuteReadwrite), uintptr(unsafe.Pointer(&oldProtect)))
	protected := ok != 0

	var written uintptr
	err := windows.WriteProcessMemory(windows.Handle(process), uintptr(address), &data[0], uintptr(len(data)), &written)

	if protected {
		var restored uint32
		procVirtualProtectEx.Call(process, uintptr(address), uintptr(len(data)), uintptr(oldProtect), uintptr(unsafe.Pointer(&restored)))
	}

	if err != nil {
		return &debugerrors.MemoryAccessError{Write: true, Address: address, Size: len(data), Reason: err}
	}
	if int(written) != len(data) {
		return &debugerrors.MemoryAccessError{Write: true, Address: address, Size: len(data), Reason: fmt.Errorf("short write: %d of %d bytes", written, len(data))}
	}
	return nil
}

func (w *winDebugAPI) GetThreadContext(thread uintptr) (Context32, error) {
	var ctx Context32
	ctx.ContextFlags = ContextFull | ContextDebugRegisters
	ok, _, callErr := procGetThreadContext.Call(thread, uintptr(unsafe.Pointer(&ctx)))
	if ok == 0 {
		return Context32{}, fmt.Errorf("%w: GetThreadContext: %v", debugerrors.ErrInvalidHandle, callErr)
	}
	return ctx, nil
}

func (w *winDebugAPI) SetThreadContext(thread uintptr, ctx Context32) error {
	ok, _, callErr := procSetThreadContext.Call(thread, uintptr(unsafe.Pointer(&ctx)))
	if ok == 0 {
		return fmt.Errorf("%w: SetThreadContext: %v", debugerrors.ErrInvalidHandle, callErr)
	}
	return nil
}

func (w *winDebugAPI) OpenThread(threadID uint32) (uintptr, error) {
	const threadAllAccess = 0x001F03FF
	h, err := windows.OpenThread(threadAllAccess, false, threadID)
	if err != nil {
		return 0, fmt.Errorf("%w: OpenThread(%d): %v", debugerrors.ErrInvalidHandle, threadID, err)
	}
	return uintptr(h), nil
}

func (w *winDebugAPI) CloseHandle(handle uintptr) error {
	return windows.CloseHandle(windows.Handle(handle))
}

func (w *winDebugAPI) TerminateProcess(process uintptr, exitCode uint32) error {
	return windows.TerminateProcess(windows.Handle(process), exitCode)
}

func (w *winDebugAPI) ModulePath(fileHandle uintptr, process uintptr, baseAddress uint32) (string, error) {
	if fileHandle != 0 {
		buf := make([]uint16, windows.MAX_PATH)
		n, _, callErr := procGetFinalPathNameByHandle.Call(fileHandle, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
		if n != 0 {
			return syscall.UTF16ToString(buf[:n]), nil
		}
		_ = callErr
	}
	if process != 0 && baseAddress != 0 {
		buf := make([]uint16, windows.MAX_PATH)
		if err := windows.GetModuleFileNameEx(windows.Handle(process), windows.Handle(uintptr(baseAddress)), &buf[0], uint32(len(buf))); err == nil {
			return syscall.UTF16ToString(buf), nil
		}
	}
	return "", fmt.Errorf("%w: could not resolve module path from handle", debugerrors.ErrModuleNotFound)
}

func decodeDebugEvent(raw *rawDebugEvent) DebugEvent {
	ev := DebugEvent{
		Code:      raw.DebugEventCode,
		ProcessID: raw.ProcessID,
		ThreadID:  raw.ThreadID,
	}

	switch raw.DebugEventCode {
	case ExceptionDebugEvent:
		code := *(*uint32)(unsafe.Pointer(&raw.Union[0]))
		firstChance := *(*uint32)(unsafe.Pointer(&raw.Union[4]))
		addr := *(*uint32)(unsafe.Pointer(&raw.Union[8]))
		ev.Exception = &ExceptionInfo{ExceptionCode: code, ExceptionAddress: addr, FirstChance: firstChance != 0}

	case CreateProcessDebugEvent:
		fileHandle := *(*uintptr)(unsafe.Pointer(&raw.Union[0]))
		processHandle := *(*uintptr)(unsafe.Pointer(&raw.Union[8]))
		threadHandle := *(*uintptr)(unsafe.Pointer(&raw.Union[16]))
		baseOfImage := *(*uint32)(unsafe.Pointer(&raw.Union[24]))
		ev.CreateProcess = &CreateProcessDebugInfo{FileHandle: fileHandle, ProcessHandle: processHandle, ThreadHandle: threadHandle, BaseOfImage: baseOfImage}

	case CreateThreadDebugEvent:
		threadHandle := *(*uintptr)(unsafe.Pointer(&raw.Union[0]))
		startAddr := *(*uint32)(unsafe.Pointer(&raw.Union[12]))
		ev.CreateThread = &CreateThreadDebugInfo{ThreadHandle: threadHandle, StartAddress: startAddr}

	case ExitThreadDebugEvent:
		exitCode := *(*uint32)(unsafe.Pointer(&raw.Union[0]))
		ev.ExitThread = &ExitThreadDebugInfo{ExitCode: exitCode}

	case ExitProcessDebugEvent:
		exitCode := *(*uint32)(unsafe.Pointer(&raw.Union[0]))
		ev.ExitProcess = &ExitProcessDebugInfo{ExitCode: exitCode}

	case LoadDLLDebugEvent:
		fileHandle := *(*uintptr)(unsafe.Pointer(&raw.Union[0]))
		baseOfDLL := *(*uint32)(unsafe.Pointer(&raw.Union[8]))
		ev.LoadDLL = &LoadDLLDebugInfo{FileHandle: fileHandle, BaseOfDLL: baseOfDLL}

	case UnloadDLLDebugEvent:
		baseOfDLL := *(*uint32)(unsafe.Pointer(&raw.Union[0]))
		ev.UnloadDLL = &UnloadDLLDebugInfo{BaseOfDLL: baseOfDLL}

	case OutputDebugStringEvent:
		ev.OutputString = &OutputDebugStringInfo{}
	}

	return ev
}
