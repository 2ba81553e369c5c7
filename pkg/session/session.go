// Package session wires the debug-event loop, process controller, module manager, and
// breakpoint engine into one per-debuggee Session, exposing the request/response-style
// operations a transport layer drives. Grounded on
// original_source/src/dgb/server/session_manager.py (one worker per session) crossed
// with the teacher's single-owner Controller/Backend split in
// pkg/hw/cpu/debugger/controller.go.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/watdbg/watdbg/pkg/breakpoint"
	"github.com/watdbg/watdbg/pkg/debugerrors"
	"github.com/watdbg/watdbg/pkg/dwarfinfo"
	"github.com/watdbg/watdbg/pkg/module"
	"github.com/watdbg/watdbg/pkg/winapi"
)

// SourceReader resolves a source file's text for GetSource. Reading the user's source
// text from disk is explicitly out of this module's scope — a transport layer supplies
// its own reader (or none), and GetSource degrades to address/line metadata only when
// no reader is configured.
type SourceReader func(file string) ([]string, error)

// Options configures a new Session. Only ExecutablePath is required.
type Options struct {
	ExecutablePath string
	Args           []string
	WorkDir        string
	API            winapi.DebugAPI // if nil, winapi.New() is used
	Discover       module.DiscoverFunc
	Logger         *slog.Logger
	SourceReader   SourceReader
}

// Session wraps exactly one debuggee: its process controller, module manager,
// breakpoint engine, and the single worker goroutine that owns every OS debug call for
// it (§5).
type Session struct {
	ID string

	executablePath string
	args           []string
	workDir        string

	api     winapi.DebugAPI
	proc    *processController
	modules *module.Manager

	breakpoints *breakpoint.Manager
	ctx         *context

	discover     module.DiscoverFunc
	logger       *slog.Logger
	sourceReader SourceReader

	commands        chan command
	workerDone      chan struct{}
	wg              conc.WaitGroup
	pendingContinue *continueParams
	continueStatus  uint32

	entryBreakpointHit bool
}

// New constructs a Session bound to an executable but does not launch it — call Start
// to actually create the process.
func New(opts Options) (*Session, error) {
	if opts.ExecutablePath == "" {
		return nil, fmt.Errorf("session: ExecutablePath is required")
	}

	api := opts.API
	if api == nil {
		api = winapi.New()
	}
	discover := opts.Discover
	if discover == nil {
		discover = dwarfinfo.Load
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proc := newProcessController(api)
	modules := module.NewManager()

	s := &Session{
		executablePath: opts.ExecutablePath,
		args:           opts.Args,
		workDir:        opts.WorkDir,
		api:            api,
		proc:           proc,
		modules:        modules,
		breakpoints:    breakpoint.NewManager(proc, modules),
		ctx:            newContext(),
		discover:       discover,
		logger:         logger,
		sourceReader:   opts.SourceReader,
		commands:       make(chan command, 16),
		workerDone:     make(chan struct{}),
		continueStatus: winapi.DBGContinue,
	}
	return s, nil
}

// Start launches the debuggee under the native debug API and starts the
// session's worker goroutine. The event loop runs the process up to (and stopping at)
// the OS-injected entry breakpoint; call Continue to run past it.
func (s *Session) Start() error {
	pi, err := s.api.CreateProcessForDebug(context.Background(), s.executablePath, s.args, s.workDir)
	if err != nil {
		return err
	}

	s.proc.setProcess(pi.ProcessHandle, pi.ProcessID)
	s.proc.addThread(pi.ThreadID, pi.ThreadHandle)
	s.ctx.processID = pi.ProcessID
	s.ctx.mainThreadID = pi.ThreadID
	s.ctx.setCurrentThread(pi.ThreadID)
	s.ctx.setRunning()

	s.wg.Go(s.runWorker)
	return nil
}

// Continue resumes a stopped session. Returns debugerrors.ErrSessionBusy if the
// session is not currently stopped.
func (s *Session) Continue() error {
	if !s.ctx.isStopped() {
		return fmt.Errorf("%w: session is not stopped", debugerrors.ErrSessionBusy)
	}
	s.submit(func() {
		if s.pendingContinue != nil {
			s.api.ContinueDebugEvent(s.pendingContinue.processID, s.pendingContinue.threadID, s.pendingContinue.continueStatus)
			s.pendingContinue = nil
		}
		s.ctx.setRunning()
	})
	return nil
}

// Step executes exactly one machine instruction on the current thread and stops again.
// Symbolic step-over/step-into is explicitly out of scope; a caller composes it from
// repeated Step calls plus address inspection.
func (s *Session) Step() error {
	if !s.ctx.isStopped() {
		return fmt.Errorf("%w: session is not stopped", debugerrors.ErrSessionBusy)
	}
	var stepErr error
	s.submit(func() {
		threadID := s.ctx.getCurrentThread()
		if err := s.proc.setTrapFlag(threadID, true); err != nil {
			stepErr = err
			return
		}
		s.ctx.setStepMode(true)
		if s.pendingContinue != nil {
			s.api.ContinueDebugEvent(s.pendingContinue.processID, s.pendingContinue.threadID, s.pendingContinue.continueStatus)
			s.pendingContinue = nil
		}
		s.ctx.setRunning()
	})
	return stepErr
}

// SetBreakpoint installs or defers a breakpoint per the location grammar (§6). This
// must run on the worker goroutine because it may write the 0xCC byte into debuggee
// memory immediately.
func (s *Session) SetBreakpoint(location string) (*breakpoint.Breakpoint, error) {
	var bp *breakpoint.Breakpoint
	var err error
	s.submit(func() {
		bp, err = s.breakpoints.SetBreakpointDeferred(location)
	})
	return bp, err
}

// ClearBreakpoint removes a breakpoint, restoring its original byte if it was active.
func (s *Session) ClearBreakpoint(id int) error {
	var err error
	s.submit(func() {
		err = s.breakpoints.Clear(id)
	})
	return err
}

// ListBreakpoints returns every breakpoint (active and pending). Safe to call from any
// goroutine; the breakpoint manager has its own lock.
func (s *Session) ListBreakpoints() []*breakpoint.Breakpoint {
	return s.breakpoints.List()
}

// ListModules returns every currently loaded module, in load order.
func (s *Session) ListModules() []*module.Module {
	return s.modules.List()
}

// GetRegisters returns the current thread's register snapshot. Only meaningful while
// the session is stopped.
func (s *Session) GetRegisters() (Registers, error) {
	if !s.ctx.isStopped() {
		return Registers{}, fmt.Errorf("%w: session is not stopped", debugerrors.ErrSessionBusy)
	}
	return s.proc.getRegisters(s.ctx.getCurrentThread())
}

// StopInfo returns the most recent reason the session stopped.
func (s *Session) StopInfo() StopInfo {
	return s.ctx.stopInfo()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.ctx.State()
}

// SourceWindow is GetSource's result: the resolved address for the requested line (if
// debug info maps it) plus, when a SourceReader was configured, the surrounding lines
// of text.
type SourceWindow struct {
	File      string
	Line      int
	Address   uint32
	HasAddr   bool
	FirstLine int
	Lines     []string
}

// GetSource resolves file:line to a debuggee address via the loaded modules' line
// tables and, if a SourceReader is configured, returns the surrounding `context` lines
// of source text. Reading source text is otherwise left to the caller per spec scope.
func (s *Session) GetSource(file string, line int, context int) (SourceWindow, error) {
	win := SourceWindow{File: file, Line: line}
	if addr, _, ok := s.modules.ResolveLineToAddress(file, line); ok {
		win.Address = addr
		win.HasAddr = true
	}

	if s.sourceReader == nil {
		return win, nil
	}

	lines, err := s.sourceReader(file)
	if err != nil {
		return win, &debugerrors.SourceFileNotFoundError{FileName: file}
	}

	start := line - context
	if start < 1 {
		start = 1
	}
	end := line + context
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return win, nil
	}
	win.FirstLine = start
	win.Lines = lines[start-1 : end]
	return win, nil
}

// VariableValue is one variable's static description plus its location classification
// and, when it could be read from a live register/memory view, its current value.
// LocationText and ValueText follow §4.7's Inspector output contract exactly: a nil
// location is `"<optimized out>"`, an evaluator abort is `"<complex expr>"`, and a
// memory read failure is reported as `"<unreadable: reason>"` rather than silently
// omitted.
type VariableValue struct {
	dwarfinfo.VariableDescriptor
	TypeName     string
	Kind         dwarfinfo.LocationKind
	LocationText string
	HasValue     bool
	ValueText    string
}

// ListVariables returns every variable in scope at the current stop address, innermost
// scope first, with locations evaluated against the stopped thread's live register
// file and the debuggee's memory, and values formatted via each variable's resolved
// type.
func (s *Session) ListVariables() ([]VariableValue, error) {
	if !s.ctx.isStopped() {
		return nil, fmt.Errorf("%w: session is not stopped", debugerrors.ErrSessionBusy)
	}

	addr := s.ctx.stopInfo().Address
	mod, ok := s.modules.ByAddress(addr)
	if !ok || !mod.HasDebugInfo {
		return nil, &debugerrors.DebugInfoNotFoundError{ModuleName: "<module at current address>"}
	}

	relative := addr - mod.BaseAddress - mod.CodeSectionOffset
	fn := mod.Debug.DIEIndex.FindSubprogram(relative)
	if fn == nil {
		return nil, fmt.Errorf("%w: no subprogram contains address", debugerrors.ErrLocationEval)
	}

	threadID := s.ctx.getCurrentThread()
	regs, err := s.proc.getRegisters(threadID)
	if err != nil {
		return nil, err
	}

	evaluator := dwarfinfo.NewLocationEvaluator(registerReader{regs}, memoryReader{s.proc})

	frameBase, haveFrameBase := regs.Ebp, true
	if len(fn.FrameBaseExpr) > 0 {
		if fb, err := evaluator.EvaluateFrameBase(fn.FrameBaseExpr, mod.BaseAddress); err == nil {
			frameBase, haveFrameBase = fb, true
		}
	}

	vars := fn.VariablesAt(relative)
	out := make([]VariableValue, 0, len(vars))
	for _, v := range vars {
		vv := VariableValue{VariableDescriptor: v}
		if v.HasType {
			vv.TypeName = mod.Debug.Types.TypeName(v.TypeOffset)
		}

		switch l := v.Location.(type) {
		case nil:
			vv.Kind = dwarfinfo.LocationUnavailable
			vv.LocationText = "<optimized out>"

		case dwarfinfo.ConstantLocation:
			vv.Kind = dwarfinfo.LocationConstant
			vv.LocationText = fmt.Sprintf("const(%d)", l.Value)
			vv.ValueText, vv.HasValue = vv.LocationText, true

		default:
			raw, isRaw := v.Location.(interface{ Expr() []byte })
			if !isRaw {
				vv.Kind = dwarfinfo.LocationUnavailable
				vv.LocationText = "<complex expr>"
				break
			}
			expr := raw.Expr()
			kind, text, describeOK := dwarfinfo.DescribeLocation(expr)
			if !describeOK {
				vv.Kind = dwarfinfo.LocationUnavailable
				vv.LocationText = "<complex expr>"
				break
			}
			vv.Kind, vv.LocationText = kind, text

			loc, err := evaluator.Evaluate(expr, frameBase, haveFrameBase, mod.BaseAddress)
			if err != nil {
				vv.Kind = dwarfinfo.LocationUnavailable
				vv.LocationText = "<complex expr>"
				break
			}
			if vv.Kind == dwarfinfo.LocationGlobal {
				if memLoc, isMem := loc.(dwarfinfo.MemoryLocation); isMem {
					vv.LocationText = fmt.Sprintf("0x%08x", memLoc.Address)
				}
			}

			var errored bool
			vv.ValueText, vv.HasValue, errored = s.formatLocationValue(loc, v, mod)
			if errored {
				vv.Kind = dwarfinfo.LocationError
			}
		}

		out = append(out, vv)
	}
	return out, nil
}

// formatLocationValue reads and formats a variable's current value from an already
// evaluated location. errored reports a memory/register read failure distinct from "no
// value": the caller surfaces that as LocationError with a "<unreadable: reason>" text,
// per §4.7's Inspector output contract.
func (s *Session) formatLocationValue(loc dwarfinfo.VariableLocation, v dwarfinfo.VariableDescriptor, mod *module.Module) (text string, hasValue bool, errored bool) {
	size := v.Size
	if size <= 0 {
		size = 4
	}

	switch l := loc.(type) {
	case dwarfinfo.RegisterLocation:
		regs, err := s.proc.getRegisters(s.ctx.getCurrentThread())
		if err != nil {
			return fmt.Sprintf("<unreadable: %v>", err), false, true
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, registerReader{regs}.readRaw(l.Register))
		if !v.HasType {
			return fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(buf)), true, false
		}
		return mod.Debug.Types.FormatValue(buf, v.TypeOffset), true, false

	case dwarfinfo.MemoryLocation:
		data, err := s.proc.ReadMemory(l.Address, size)
		if err != nil {
			return fmt.Sprintf("<unreadable: %v>", err), false, true
		}
		if !v.HasType {
			if len(data) >= 4 {
				return fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(data)), true, false
			}
			return fmt.Sprintf("0x%x", data), true, false
		}
		return mod.Debug.Types.FormatValue(data, v.TypeOffset), true, false

	default:
		return "", false, false
	}
}

// registerReader/memoryReader adapt the session's process controller to
// dwarfinfo.RegisterReader/MemoryReader.
type registerReader struct{ regs Registers }

func (r registerReader) ReadRegister(reg dwarfinfo.X86Register) (uint32, error) {
	return r.readRaw(reg), nil
}

func (r registerReader) readRaw(reg dwarfinfo.X86Register) uint32 {
	switch reg {
	case dwarfinfo.RegEAX:
		return r.regs.Eax
	case dwarfinfo.RegECX:
		return r.regs.Ecx
	case dwarfinfo.RegEDX:
		return r.regs.Edx
	case dwarfinfo.RegEBX:
		return r.regs.Ebx
	case dwarfinfo.RegESP:
		return r.regs.Esp
	case dwarfinfo.RegEBP:
		return r.regs.Ebp
	case dwarfinfo.RegESI:
		return r.regs.Esi
	case dwarfinfo.RegEDI:
		return r.regs.Edi
	case dwarfinfo.RegEIP:
		return r.regs.Eip
	default:
		return 0
	}
}

type memoryReader struct{ proc *processController }

func (m memoryReader) ReadMemory(address uint32, size int) ([]byte, error) {
	return m.proc.ReadMemory(address, size)
}

// Close shuts the session down per §5's strict order: signal quit, terminate the
// debuggee if still alive, block until the worker goroutine has observed the quit
// signal and returned, and only then release process/thread handles.
func (s *Session) Close() error {
	s.ctx.requestQuit()

	if !s.ctx.isExited() {
		s.proc.terminate(0)
	}

	s.wg.Wait()

	return s.proc.cleanup()
}
