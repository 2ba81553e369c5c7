package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/watdbg/watdbg/internal/logging"
	"github.com/watdbg/watdbg/pkg/dwarfinfo"
	"github.com/watdbg/watdbg/pkg/session"
	"github.com/watdbg/watdbg/pkg/utils"
	"github.com/watdbg/watdbg/pkg/winapi"
)

// Color conventions mirrored from cmd/cpu/debug.go: address/register/value/error share
// the same roles here even though the command surface itself is non-interactive.
var (
	colorAddr    = color.New(color.FgCyan)
	colorReg     = color.New(color.FgGreen)
	colorValue   = color.New(color.FgWhite, color.Bold)
	colorHeader  = color.New(color.FgWhite, color.Bold, color.Underline)
	colorError   = color.New(color.FgRed, color.Bold)
	colorSuccess = color.New(color.FgGreen)
)

var (
	runBreakpoints []string
	runArgs        []string
	runWorkDir     string
	runVerbose     bool
)

// runCmd is the non-interactive integration-test-friendly entry point: launch, arm any
// --break locations up front, continue to exit, print the final stop reason and register
// dump. Not the interactive REPL debug.go is — that surface is explicitly out of scope
// here.
var runCmd = &cobra.Command{
	Use:   "run <executable>",
	Short: "Launch an executable under the debugger and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVar(&runBreakpoints, "break", nil, "breakpoint location (hex_addr, module:offset, or file:line); may be repeated")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "argument to pass to the debuggee; may be repeated")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "working directory for the debuggee (default: current directory)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "enable debug-level event tracing")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Options{Verbose: runVerbose})

	sess, err := session.New(session.Options{
		ExecutablePath: args[0],
		Args:           runArgs,
		WorkDir:        runWorkDir,
		API:            winapi.New(),
		Discover:       dwarfinfo.Load,
		Logger:         logger,
	})
	if err != nil {
		colorError.Fprintf(os.Stderr, "failed to create session: %v\n", err)
		return err
	}
	defer sess.Close()

	if err := sess.Start(); err != nil {
		colorError.Fprintf(os.Stderr, "failed to start debuggee: %v\n", err)
		return err
	}

	for _, loc := range runBreakpoints {
		bp, err := sess.SetBreakpoint(loc)
		if err != nil {
			colorError.Fprintf(os.Stderr, "could not set breakpoint at %s: %v\n", loc, err)
			continue
		}
		colorSuccess.Fprintf(os.Stdout, "breakpoint %d set at %s\n", bp.ID, loc)
	}

	for sess.State() != session.StateExited {
		if err := sess.Continue(); err != nil {
			colorError.Fprintf(os.Stderr, "continue failed: %v\n", err)
			break
		}

		if sess.State() == session.StateExited {
			break
		}

		stop := sess.StopInfo()
		colorHeader.Fprintf(os.Stdout, "stopped: %s\n", stop.Reason)
		if stop.Reason != "" {
			fmt.Fprintf(os.Stdout, "  address: %s\n", colorAddr.Sprint(utils.FormatUintHex(uint64(stop.Address), 8)))
		}
	}

	printRegisterDump(sess)
	return nil
}

func printRegisterDump(sess *session.Session) {
	regs, err := sess.GetRegisters()
	if err != nil {
		colorError.Fprintf(os.Stdout, "could not read final registers: %v\n", err)
		return
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}

	colorHeader.Fprintln(os.Stdout, "=== Final Registers ===")
	rows := []struct {
		name string
		val  uint32
	}{
		{"eax", regs.Eax}, {"ebx", regs.Ebx}, {"ecx", regs.Ecx}, {"edx", regs.Edx},
		{"esi", regs.Esi}, {"edi", regs.Edi}, {"ebp", regs.Ebp}, {"esp", regs.Esp},
		{"eip", regs.Eip}, {"eflags", regs.EFlags},
	}

	perLine := width / 24
	if perLine < 1 {
		perLine = 1
	}
	for i, r := range rows {
		fmt.Fprintf(os.Stdout, "%s=%s  ",
			colorReg.Sprint(r.name),
			colorValue.Sprint(utils.FormatUintHex(uint64(r.val), 8)))
		if (i+1)%perLine == 0 {
			fmt.Fprintln(os.Stdout)
		}
	}
	fmt.Fprintln(os.Stdout)

	colorSuccess.Fprintf(os.Stdout, "breakpoints set: %d\n", len(sess.ListBreakpoints()))
}
