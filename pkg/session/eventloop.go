package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/watdbg/watdbg/pkg/winapi"
)

// waitTimeoutMillis is the WaitForDebugEvent timeout, chosen so the worker can
// periodically check its command queue and quit signal without a dedicated wakeup
// mechanism.
const waitTimeoutMillis = 100

// idlePollInterval is how long the worker sleeps between polls when the debuggee is
// stopped and there is no queued command, to avoid a hot spin.
const idlePollInterval = 10 * time.Millisecond

// command is a unit of work that must run on the session's worker goroutine because it
// touches the OS debug API or mutates debuggee memory. fn runs on the worker; done is
// closed once fn returns, releasing the submitting goroutine.
type command struct {
	fn   func()
	done chan struct{}
}

// continueParams is the (process id, thread id, status) ContinueDebugEvent needs,
// deferred until the debuggee should actually resume — mirroring core.py's
// pending_continue tuple.
type continueParams struct {
	processID      uint32
	threadID       uint32
	continueStatus uint32
}

// submit enqueues fn to run on the worker goroutine and blocks until it has run.
func (s *Session) submit(fn func()) {
	cmd := command{fn: fn, done: make(chan struct{})}
	s.commands <- cmd
	<-cmd.done
}

// runWorker is the session's dedicated goroutine: it is the only goroutine that ever
// calls into winapi.DebugAPI or touches debuggee memory for this session, per §5's
// concurrency model. Grounded on core.py's run_event_loop, restructured from a
// re-entrant synchronous loop into a persistent worker draining a command queue.
func (s *Session) runWorker() {
	defer close(s.workerDone)

	for {
		select {
		case cmd := <-s.commands:
			cmd.fn()
			close(cmd.done)
		default:
		}

		if s.ctx.shouldQuit() {
			if s.pendingContinue != nil {
				s.api.ContinueDebugEvent(s.pendingContinue.processID, s.pendingContinue.threadID, s.pendingContinue.continueStatus)
				s.pendingContinue = nil
			}
			return
		}
		if s.ctx.isExited() {
			return
		}

		if s.ctx.State() != StateRunning {
			select {
			case cmd := <-s.commands:
				cmd.fn()
				close(cmd.done)
			case <-time.After(idlePollInterval):
			}
			continue
		}

		event, err := s.api.WaitForDebugEvent(waitTimeoutMillis)
		if err != nil {
			continue
		}

		s.logger.Debug("debug event", "code", event.Code, "pid", event.ProcessID, "tid", event.ThreadID)

		stopped := s.dispatchEvent(event)

		if stopped {
			s.pendingContinue = &continueParams{processID: event.ProcessID, threadID: event.ThreadID, continueStatus: s.continueStatus}
		} else {
			if err := s.api.ContinueDebugEvent(event.ProcessID, event.ThreadID, s.continueStatus); err != nil {
				s.logger.Warn("ContinueDebugEvent failed", "error", err)
			}
		}
		s.continueStatus = winapi.DBGContinue
	}
}

func (s *Session) dispatchEvent(ev winapi.DebugEvent) bool {
	switch ev.Code {
	case winapi.CreateProcessDebugEvent:
		s.onCreateProcess(ev)
		return false
	case winapi.CreateThreadDebugEvent:
		if ev.CreateThread != nil {
			s.proc.addThread(ev.ThreadID, ev.CreateThread.ThreadHandle)
		}
		return false
	case winapi.LoadDLLDebugEvent:
		s.onLoadDLL(ev)
		return false
	case winapi.UnloadDLLDebugEvent:
		s.onUnloadDLL(ev)
		return false
	case winapi.ExitThreadDebugEvent:
		s.proc.removeThread(ev.ThreadID)
		return false
	case winapi.ExitProcessDebugEvent:
		code := uint32(0)
		if ev.ExitProcess != nil {
			code = ev.ExitProcess.ExitCode
		}
		s.ctx.setExited(code)
		return false
	case winapi.OutputDebugStringEvent:
		// Ignored: reading and formatting the debuggee's OutputDebugString text is out
		// of scope.
		return false
	case winapi.ExceptionDebugEvent:
		return s.onException(ev)
	default:
		return false
	}
}

func (s *Session) onCreateProcess(ev winapi.DebugEvent) {
	info := ev.CreateProcess
	if info == nil {
		return
	}

	path, err := s.api.ModulePath(info.FileHandle, s.proc.processHandle, info.BaseOfImage)
	if err != nil || path == "" {
		path = s.executablePath
	}
	name := filepath.Base(path)

	s.logger.Info("main module loaded", "name", name, "base", fmt.Sprintf("0x%08x", info.BaseOfImage))
	s.modules.Register(name, path, info.BaseOfImage, 0, s.discover)
}

func (s *Session) onLoadDLL(ev winapi.DebugEvent) {
	info := ev.LoadDLL
	if info == nil {
		return
	}

	path, err := s.api.ModulePath(info.FileHandle, s.proc.processHandle, info.BaseOfDLL)
	if info.FileHandle != 0 {
		s.api.CloseHandle(info.FileHandle)
	}

	var name string
	if err == nil && path != "" {
		name = filepath.Base(path)
	} else {
		name = fmt.Sprintf("module_0x%08x", info.BaseOfDLL)
		path = ""
	}

	mod := s.modules.Register(name, path, info.BaseOfDLL, 0, s.discover)

	resolved := s.breakpoints.ResolvePendingForModule(mod)
	if len(resolved) > 0 {
		s.logger.Info("resolved pending breakpoints", "module", name, "count", len(resolved))
	}
}

func (s *Session) onUnloadDLL(ev winapi.DebugEvent) {
	info := ev.UnloadDLL
	if info == nil {
		return
	}
	mod, ok := s.modules.Unregister(info.BaseOfDLL)
	if ok {
		s.breakpoints.UnpendForModule(mod.Name)
	}
}

func (s *Session) onException(ev winapi.DebugEvent) bool {
	info := ev.Exception
	if info == nil {
		return false
	}

	s.logger.Debug("exception", "code", fmt.Sprintf("0x%08x", info.ExceptionCode), "address", fmt.Sprintf("0x%08x", info.ExceptionAddress), "thread", ev.ThreadID)

	switch info.ExceptionCode {
	case winapi.ExceptionBreakpoint, winapi.StatusWX86Breakpoint:
		return s.handleBreakpointHit(info.ExceptionAddress, ev.ThreadID, info.FirstChance)

	case winapi.ExceptionSingleStep, winapi.StatusWX86SingleStep:
		return s.handleSingleStep(info.ExceptionAddress, ev.ThreadID)

	default:
		if info.FirstChance {
			s.continueStatus = winapi.DBGExceptionNotHandled
			return false
		}
		s.ctx.setCurrentThread(ev.ThreadID)
		s.ctx.setStopped(StopInfo{
			Reason:           StopException,
			Address:          info.ExceptionAddress,
			ThreadID:         ev.ThreadID,
			ExceptionCode:    info.ExceptionCode,
			ExceptionAddress: info.ExceptionAddress,
		})
		return true
	}
}

// handleBreakpointHit implements the entry-breakpoint protocol (§4.8): the first
// unowned breakpoint exception is the OS-injected entry breakpoint and is reported with
// StopEntry, never looked up in the breakpoint table; every subsequent unowned
// first-chance breakpoint is silently continued, and an unowned second-chance one is
// reported as StopBreakpoint.
func (s *Session) handleBreakpointHit(addr uint32, threadID uint32, firstChance bool) bool {
	hit, owned := s.breakpoints.OnHit(addr)
	if owned {
		if regs, err := s.proc.getRegisters(threadID); err == nil {
			regs.Eip = hit.RewoundIP
			s.proc.setRegisters(threadID, regs)
		}
		s.proc.setTrapFlag(threadID, true)

		moduleName := ""
		if mod, ok := s.modules.ByAddress(addr); ok {
			moduleName = mod.Name
		}

		s.ctx.setCurrentThread(threadID)
		s.ctx.setStopped(StopInfo{Reason: StopBreakpoint, Address: addr, ThreadID: threadID, ModuleName: moduleName})
		return true
	}

	if !s.entryBreakpointHit {
		s.entryBreakpointHit = true
		s.ctx.setCurrentThread(threadID)
		s.ctx.setStopped(StopInfo{Reason: StopEntry, Address: addr, ThreadID: threadID})
		return true
	}

	if firstChance {
		s.continueStatus = winapi.DBGContinue
		return false
	}

	s.ctx.setCurrentThread(threadID)
	s.ctx.setStopped(StopInfo{Reason: StopBreakpoint, Address: addr, ThreadID: threadID})
	return true
}

// handleSingleStep implements §4.6's single-step re-arm: a re-arm step is
// debugger-internal and never reported; a requested step reports StopStep; anything
// else is a spurious single step (observed on WOW64) and is silently swallowed after
// clearing the trap flag.
func (s *Session) handleSingleStep(addr uint32, threadID uint32) bool {
	if _, ok := s.breakpoints.OnSingleStep(); ok {
		s.proc.setTrapFlag(threadID, false)
		s.ctx.setCurrentThread(threadID)
		return false
	}

	if s.ctx.inStepMode() {
		s.proc.setTrapFlag(threadID, false)
		s.ctx.setStepMode(false)
		s.ctx.setCurrentThread(threadID)
		s.ctx.setStopped(StopInfo{Reason: StopStep, Address: addr, ThreadID: threadID})
		return true
	}

	if flags, err := s.proc.getEFlags(threadID); err == nil && flags&TrapFlag != 0 {
		s.proc.setTrapFlag(threadID, false)
	}
	s.ctx.setCurrentThread(threadID)
	return false
}
