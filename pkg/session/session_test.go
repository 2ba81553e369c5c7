package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watdbg/watdbg/pkg/dwarfinfo"
	"github.com/watdbg/watdbg/pkg/winapi"
)

// fakeAPI is a scripted winapi.DebugAPI standing in for the real Windows debug API, so
// the event loop, process controller, and session lifecycle are exercised without
// Windows. Events are fed via push and consumed in order by the worker goroutine.
type fakeAPI struct {
	mu       sync.Mutex
	events   []winapi.DebugEvent
	continues []continueParams
	memory   map[uint32]byte
	contexts map[uintptr]winapi.Context32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		memory:   make(map[uint32]byte),
		contexts: make(map[uintptr]winapi.Context32),
	}
}

func (f *fakeAPI) push(ev winapi.DebugEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeAPI) pop() (winapi.DebugEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return winapi.DebugEvent{}, false
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, true
}

func (f *fakeAPI) CreateProcessForDebug(ctx context.Context, path string, args []string, workDir string) (winapi.ProcessInformation, error) {
	return winapi.ProcessInformation{ProcessHandle: 1, ThreadHandle: 2, ProcessID: 100, ThreadID: 200}, nil
}

func (f *fakeAPI) WaitForDebugEvent(timeoutMillis uint32) (winapi.DebugEvent, error) {
	if ev, ok := f.pop(); ok {
		return ev, nil
	}
	time.Sleep(2 * time.Millisecond)
	return winapi.DebugEvent{}, errors.New("fakeAPI: no event queued")
}

func (f *fakeAPI) ContinueDebugEvent(processID, threadID, continueStatus uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues = append(f.continues, continueParams{processID: processID, threadID: threadID, continueStatus: continueStatus})
	return nil
}

func (f *fakeAPI) ReadProcessMemory(process uintptr, address uint32, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = f.memory[address+uint32(i)]
	}
	return out, nil
}

func (f *fakeAPI) WriteProcessMemory(process uintptr, address uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		f.memory[address+uint32(i)] = b
	}
	return nil
}

func (f *fakeAPI) GetThreadContext(thread uintptr) (winapi.Context32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[thread], nil
}

func (f *fakeAPI) SetThreadContext(thread uintptr, ctx winapi.Context32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[thread] = ctx
	return nil
}

func (f *fakeAPI) OpenThread(threadID uint32) (uintptr, error) { return uintptr(threadID), nil }
func (f *fakeAPI) CloseHandle(handle uintptr) error            { return nil }
func (f *fakeAPI) TerminateProcess(process uintptr, exitCode uint32) error { return nil }
func (f *fakeAPI) ModulePath(fileHandle uintptr, process uintptr, baseAddress uint32) (string, error) {
	return "", nil
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s, stuck at %s", want, sess.State())
}

func TestSessionEntryBreakpointThenExit(t *testing.T) {
	api := newFakeAPI()
	sess, err := New(Options{ExecutablePath: "nonexistent.exe", API: api})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Start())

	api.push(winapi.DebugEvent{
		Code: winapi.CreateProcessDebugEvent, ProcessID: 100, ThreadID: 200,
		CreateProcess: &winapi.CreateProcessDebugInfo{BaseOfImage: 0x400000},
	})
	api.push(winapi.DebugEvent{
		Code: winapi.ExceptionDebugEvent, ProcessID: 100, ThreadID: 200,
		Exception: &winapi.ExceptionInfo{ExceptionCode: winapi.ExceptionBreakpoint, ExceptionAddress: 0x401010, FirstChance: true},
	})

	waitForState(t, sess, StateStopped)
	stop := sess.StopInfo()
	assert.Equal(t, StopEntry, stop.Reason)

	require.NoError(t, sess.Continue())

	// Second, unowned first-chance breakpoint exception after the entry breakpoint must
	// be silently continued, not reported.
	api.push(winapi.DebugEvent{
		Code: winapi.ExceptionDebugEvent, ProcessID: 100, ThreadID: 200,
		Exception: &winapi.ExceptionInfo{ExceptionCode: winapi.ExceptionBreakpoint, ExceptionAddress: 0x402000, FirstChance: true},
	})
	api.push(winapi.DebugEvent{
		Code: winapi.ExitProcessDebugEvent, ProcessID: 100, ThreadID: 200,
		ExitProcess: &winapi.ExitProcessDebugInfo{ExitCode: 7},
	})

	waitForState(t, sess, StateExited)
}

func TestSessionSetBreakpointAndHit(t *testing.T) {
	api := newFakeAPI()
	api.memory[0x401010] = 0x55

	sess, err := New(Options{ExecutablePath: "nonexistent.exe", API: api})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Start())

	api.push(winapi.DebugEvent{
		Code: winapi.CreateProcessDebugEvent, ProcessID: 100, ThreadID: 200,
		CreateProcess: &winapi.CreateProcessDebugInfo{BaseOfImage: 0x400000},
	})
	api.push(winapi.DebugEvent{
		Code: winapi.ExceptionDebugEvent, ProcessID: 100, ThreadID: 200,
		Exception: &winapi.ExceptionInfo{ExceptionCode: winapi.ExceptionBreakpoint, ExceptionAddress: 0x400000, FirstChance: true},
	})
	waitForState(t, sess, StateStopped)
	require.Equal(t, StopEntry, sess.StopInfo().Reason)

	bp, err := sess.SetBreakpoint("0x401010")
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), api.memory[0x401010])

	require.NoError(t, sess.Continue())

	api.push(winapi.DebugEvent{
		Code: winapi.ExceptionDebugEvent, ProcessID: 100, ThreadID: 200,
		Exception: &winapi.ExceptionInfo{ExceptionCode: winapi.ExceptionBreakpoint, ExceptionAddress: 0x401010, FirstChance: true},
	})
	waitForState(t, sess, StateStopped)

	stop := sess.StopInfo()
	assert.Equal(t, StopBreakpoint, stop.Reason)
	assert.Equal(t, uint32(0x401010), stop.Address)
	assert.Equal(t, 1, bp.HitCount)
	assert.Equal(t, byte(0x55), api.memory[0x401010], "original byte restored on hit")

	api.push(winapi.DebugEvent{
		Code: winapi.ExitProcessDebugEvent, ProcessID: 100, ThreadID: 200,
		ExitProcess: &winapi.ExitProcessDebugInfo{ExitCode: 0},
	})
	require.NoError(t, sess.Continue())
	waitForState(t, sess, StateExited)
}

func TestFormatLocationValueFormatsRegisterAndMemoryLocations(t *testing.T) {
	api := newFakeAPI()
	sess, err := New(Options{ExecutablePath: "nonexistent.exe", API: api})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Start())
	api.push(winapi.DebugEvent{
		Code: winapi.CreateProcessDebugEvent, ProcessID: 100, ThreadID: 200,
		CreateProcess: &winapi.CreateProcessDebugInfo{BaseOfImage: 0x400000},
	})
	api.push(winapi.DebugEvent{
		Code: winapi.ExceptionDebugEvent, ProcessID: 100, ThreadID: 200,
		Exception: &winapi.ExceptionInfo{ExceptionCode: winapi.ExceptionBreakpoint, ExceptionAddress: 0x401010, FirstChance: true},
	})
	waitForState(t, sess, StateStopped)

	api.contexts[2] = winapi.Context32{Eax: 0x2a}

	text, hasValue, errored := sess.formatLocationValue(
		dwarfinfo.RegisterLocation{Register: dwarfinfo.RegEAX}, dwarfinfo.VariableDescriptor{}, nil)
	assert.True(t, hasValue)
	assert.False(t, errored)
	assert.Equal(t, "0x0000002a", text)

	text, hasValue, errored = sess.formatLocationValue(
		dwarfinfo.MemoryLocation{Address: 0x500000}, dwarfinfo.VariableDescriptor{Size: 4}, nil)
	assert.True(t, hasValue)
	assert.False(t, errored)
	assert.Equal(t, "0x00000000", text)
}
