package dwarfinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

// VariableLocation describes where a variable's value can be found at runtime. It is a
// closed sum type implemented the way the teacher's mc.VariableLocation is: a marker
// method unexported outside this package, with three exported concrete implementations
// plus the unexported rawExprLocation (dies.go), which carries an unevaluated expression.
type VariableLocation interface {
	isVariableLocation()
}

// RegisterLocation means the variable's value IS the named register's current value
// (produced by DW_OP_regN, a terminal opcode — there is nothing to dereference).
type RegisterLocation struct {
	Register X86Register
}

func (RegisterLocation) isVariableLocation() {}

// MemoryLocation means the variable lives at a computed address in the debuggee's
// memory (produced by DW_OP_bregN, DW_OP_fbreg, DW_OP_addr, or any expression ending
// with an address left on the stack).
type MemoryLocation struct {
	Address uint32
}

func (MemoryLocation) isVariableLocation() {}

// ConstantLocation means the variable's value is a compile-time constant baked into
// the debug info (DW_AT_const_value) rather than living anywhere in memory.
type ConstantLocation struct {
	Value int64
}

func (ConstantLocation) isVariableLocation() {}

// X86Register is a DWARF register number for the 32-bit x86 register set Watcom
// targets. DWARF register numbering for x86 is fixed by the System V / Watcom ABI
// convention: 0=eax 1=ecx 2=edx 3=ebx 4=esp 5=ebp 6=esi 7=edi 8=eip.
type X86Register uint32

const (
	RegEAX X86Register = 0
	RegECX X86Register = 1
	RegEDX X86Register = 2
	RegEBX X86Register = 3
	RegESP X86Register = 4
	RegEBP X86Register = 5
	RegESI X86Register = 6
	RegEDI X86Register = 7
	RegEIP X86Register = 8
)

func (r X86Register) String() string {
	switch r {
	case RegEAX:
		return "eax"
	case RegECX:
		return "ecx"
	case RegEDX:
		return "edx"
	case RegEBX:
		return "ebx"
	case RegESP:
		return "esp"
	case RegEBP:
		return "ebp"
	case RegESI:
		return "esi"
	case RegEDI:
		return "edi"
	case RegEIP:
		return "eip"
	default:
		return fmt.Sprintf("dwreg%d", uint32(r))
	}
}

// IsValidX86Register reports whether a DWARF register number is one this target
// defines. Any other number is a location-evaluation error, never a panic.
func IsValidX86Register(n uint32) bool {
	return n <= uint32(RegEIP)
}

// LocationKind classifies a variable's location the way §4.7's Inspector output does,
// independent of whether the value itself could be read.
type LocationKind int

const (
	LocationRegister LocationKind = iota
	LocationStack
	LocationGlobal
	LocationConstant
	LocationUnavailable
	LocationError
)

// DescribeLocation classifies a raw (unevaluated) location expression's leading opcode
// into a LocationKind plus the human-readable location string §4.7 specifies
// (`"eax"`, `"[ebp-8]"`), without touching registers or memory. It returns ok=false for
// an empty or unrecognized leading opcode (the "<complex expr>" case).
func DescribeLocation(expr []byte) (kind LocationKind, text string, ok bool) {
	if len(expr) == 0 {
		return LocationUnavailable, "", false
	}

	op := expr[0]
	switch {
	case op >= opReg0 && op <= opReg31:
		reg := X86Register(op - opReg0)
		return LocationRegister, reg.String(), true

	case op >= opBreg0 && op <= opBreg31:
		reg := X86Register(op - opBreg0)
		offset, _, err := decodeSLEB128(expr[1:])
		if err != nil {
			return LocationUnavailable, "", false
		}
		return LocationStack, formatOffsetExpr(reg.String(), offset), true

	case op == opFbreg:
		offset, _, err := decodeSLEB128(expr[1:])
		if err != nil {
			return LocationUnavailable, "", false
		}
		// Frame base falls back to EBP per EvaluateFrameBase; displayed symbolically
		// as such regardless of how the frame base itself was actually evaluated.
		return LocationStack, formatOffsetExpr(RegEBP.String(), offset), true

	case op == opAddr:
		return LocationGlobal, "", true

	default:
		return LocationUnavailable, "", false
	}
}

// formatOffsetExpr renders a register-relative location the way §4.7 specifies:
// "[ebp-8]" for a negative offset, "[ebp+8]" for a non-negative one.
func formatOffsetExpr(reg string, offset int64) string {
	if offset < 0 {
		return fmt.Sprintf("[%s-%d]", reg, -offset)
	}
	return fmt.Sprintf("[%s+%d]", reg, offset)
}

// RegisterReader supplies the current value of a named register so the location
// evaluator can resolve DW_OP_reg*/DW_OP_breg*/DW_OP_fbreg without knowing anything
// about how registers are actually fetched (that's package session's job, via the
// process controller).
type RegisterReader interface {
	ReadRegister(reg X86Register) (uint32, error)
}

// MemoryReader reads raw bytes from the debuggee, used to evaluate DW_OP_deref.
type MemoryReader interface {
	ReadMemory(address uint32, size int) ([]byte, error)
}

// DWARF location expression opcodes. Only this set is implemented; anything else
// aborts evaluation with a wrapped debugerrors.ErrLocationEval instead of panicking,
// since spec scope stops at "read named variables," not a general expression language.
const (
	opAddr        = 0x03
	opDeref       = 0x06
	opConst1u     = 0x08
	opConst1s     = 0x09
	opConst2u     = 0x0a
	opConst2s     = 0x0b
	opConst4u     = 0x0c
	opConst4s     = 0x0d
	opConstu      = 0x10
	opConsts      = 0x11
	opDup         = 0x12
	opDrop        = 0x13
	opOver        = 0x14
	opSwap        = 0x16
	opMinus       = 0x1c
	opPlus        = 0x22
	opPlusUconst  = 0x23
	opReg0        = 0x50
	opReg31       = 0x6f
	opBreg0       = 0x70
	opBreg31      = 0x8f
	opFbreg       = 0x91
)

// LocationEvaluator evaluates DWARF location expressions against a live (or
// snapshotted) register file and memory image. It has no state of its own beyond the
// reader it's constructed with, mirroring location_eval.py's LocationEvaluator.
type LocationEvaluator struct {
	Registers RegisterReader
	Memory    MemoryReader
}

// NewLocationEvaluator builds an evaluator bound to the given register/memory access.
func NewLocationEvaluator(registers RegisterReader, memory MemoryReader) *LocationEvaluator {
	return &LocationEvaluator{Registers: registers, Memory: memory}
}

// Evaluate runs a location expression to completion and classifies the result as a
// VariableLocation. frameBase is the already-evaluated frame base address (see
// EvaluateFrameBase), needed only if expr uses DW_OP_fbreg; pass 0 if it doesn't.
// moduleBase relocates any DW_OP_addr operand (a module-relative constant in the debug
// info) to an absolute address in the live debuggee; pass 0 if the expression is known
// not to use DW_OP_addr.
func (e *LocationEvaluator) Evaluate(expr []byte, frameBase uint32, haveFrameBase bool, moduleBase uint32) (VariableLocation, error) {
	if len(expr) == 0 {
		return nil, fmt.Errorf("%w: empty location expression", debugerrors.ErrLocationEval)
	}

	var stack []int64
	pos := 0

	for pos < len(expr) {
		op := expr[pos]
		pos++

		switch {
		case op >= opReg0 && op <= opReg31:
			regNum := uint32(op - opReg0)
			if !IsValidX86Register(regNum) {
				return nil, fmt.Errorf("%w: unsupported register number %d", debugerrors.ErrLocationEval, regNum)
			}
			if _, err := e.Registers.ReadRegister(X86Register(regNum)); err != nil {
				return nil, fmt.Errorf("%w: reading register %d: %v", debugerrors.ErrLocationEval, regNum, err)
			}
			// The value IS the variable for DW_OP_regN; it is always the final opcode.
			return RegisterLocation{Register: X86Register(regNum)}, nil

		case op >= opBreg0 && op <= opBreg31:
			regNum := uint32(op - opBreg0)
			if !IsValidX86Register(regNum) {
				return nil, fmt.Errorf("%w: unsupported register number %d", debugerrors.ErrLocationEval, regNum)
			}
			offset, n, err := decodeSLEB128(expr[pos:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", debugerrors.ErrLocationEval, err)
			}
			pos += n
			regValue, err := e.Registers.ReadRegister(X86Register(regNum))
			if err != nil {
				return nil, fmt.Errorf("%w: reading register %d: %v", debugerrors.ErrLocationEval, regNum, err)
			}
			stack = append(stack, int64(regValue)+offset)

		case op == opFbreg:
			if !haveFrameBase {
				return nil, fmt.Errorf("%w: DW_OP_fbreg requires a frame base", debugerrors.ErrLocationEval)
			}
			offset, n, err := decodeSLEB128(expr[pos:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", debugerrors.ErrLocationEval, err)
			}
			pos += n
			stack = append(stack, int64(frameBase)+offset)

		case op == opAddr:
			if pos+4 > len(expr) {
				return nil, fmt.Errorf("%w: truncated DW_OP_addr operand", debugerrors.ErrLocationEval)
			}
			addr := binary.LittleEndian.Uint32(expr[pos : pos+4])
			pos += 4
			stack = append(stack, int64(addr+moduleBase))

		case op == opConst1u:
			if pos+1 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(expr[pos]))
			pos++

		case op == opConst1s:
			if pos+1 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(int8(expr[pos])))
			pos++

		case op == opConst2u:
			if pos+2 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(binary.LittleEndian.Uint16(expr[pos:pos+2])))
			pos += 2

		case op == opConst2s:
			if pos+2 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(int16(binary.LittleEndian.Uint16(expr[pos:pos+2]))))
			pos += 2

		case op == opConst4u:
			if pos+4 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(binary.LittleEndian.Uint32(expr[pos:pos+4])))
			pos += 4

		case op == opConst4s:
			if pos+4 > len(expr) {
				return nil, truncatedErr(op)
			}
			stack = append(stack, int64(int32(binary.LittleEndian.Uint32(expr[pos:pos+4]))))
			pos += 4

		case op == opConstu:
			value, n, err := decodeULEB128(expr[pos:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", debugerrors.ErrLocationEval, err)
			}
			pos += n
			stack = append(stack, int64(value))

		case op == opConsts:
			value, n, err := decodeSLEB128(expr[pos:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", debugerrors.ErrLocationEval, err)
			}
			pos += n
			stack = append(stack, value)

		case op == opDup:
			if len(stack) < 1 {
				return nil, stackErr("DW_OP_dup", 1)
			}
			stack = append(stack, stack[len(stack)-1])

		case op == opDrop:
			if len(stack) < 1 {
				return nil, stackErr("DW_OP_drop", 1)
			}
			stack = stack[:len(stack)-1]

		case op == opOver:
			if len(stack) < 2 {
				return nil, stackErr("DW_OP_over", 2)
			}
			stack = append(stack, stack[len(stack)-2])

		case op == opSwap:
			if len(stack) < 2 {
				return nil, stackErr("DW_OP_swap", 2)
			}
			stack[len(stack)-1], stack[len(stack)-2] = stack[len(stack)-2], stack[len(stack)-1]

		case op == opPlus:
			if len(stack) < 2 {
				return nil, stackErr("DW_OP_plus", 2)
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			stack = append(stack, a+b)

		case op == opMinus:
			if len(stack) < 2 {
				return nil, stackErr("DW_OP_minus", 2)
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			stack = append(stack, a-b)

		case op == opPlusUconst:
			if len(stack) < 1 {
				return nil, stackErr("DW_OP_plus_uconst", 1)
			}
			value, n, err := decodeULEB128(expr[pos:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", debugerrors.ErrLocationEval, err)
			}
			pos += n
			stack[len(stack)-1] += int64(value)

		case op == opDeref:
			if len(stack) < 1 {
				return nil, stackErr("DW_OP_deref", 1)
			}
			addr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			data, err := e.Memory.ReadMemory(uint32(addr), 4)
			if err != nil {
				return nil, fmt.Errorf("%w: dereferencing 0x%x: %v", debugerrors.ErrLocationEval, addr, err)
			}
			stack = append(stack, int64(binary.LittleEndian.Uint32(data)))

		default:
			return nil, fmt.Errorf("%w: unsupported opcode 0x%02x", debugerrors.ErrLocationEval, op)
		}
	}

	if len(stack) == 0 {
		return nil, fmt.Errorf("%w: expression left an empty stack", debugerrors.ErrLocationEval)
	}

	return MemoryLocation{Address: uint32(stack[len(stack)-1])}, nil
}

// EvaluateFrameBase evaluates a subprogram's DW_AT_frame_base expression. Per
// SPEC_FULL.md §4.7, when the subprogram has none, or it fails to evaluate, the caller
// falls back to treating EBP as the frame base (Watcom's default convention).
func (e *LocationEvaluator) EvaluateFrameBase(expr []byte, moduleBase uint32) (uint32, error) {
	loc, err := e.Evaluate(expr, 0, false, moduleBase)
	if err != nil {
		return 0, err
	}
	switch l := loc.(type) {
	case RegisterLocation:
		return e.Registers.ReadRegister(l.Register)
	case MemoryLocation:
		return l.Address, nil
	default:
		return 0, fmt.Errorf("%w: frame base expression produced no usable location", debugerrors.ErrLocationEval)
	}
}

func truncatedErr(op byte) error {
	return fmt.Errorf("%w: truncated operand for opcode 0x%02x", debugerrors.ErrLocationEval, op)
}

func stackErr(opName string, need int) error {
	return fmt.Errorf("%w: %s requires %d stack item(s)", debugerrors.ErrLocationEval, opName, need)
}

// decodeULEB128 decodes an unsigned LEB128 value, returning the value and the number of
// bytes consumed.
func decodeULEB128(data []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, b := range data {
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated ULEB128")
}

// decodeSLEB128 decodes a signed LEB128 value, returning the value and the number of
// bytes consumed.
func decodeSLEB128(data []byte) (int64, int, error) {
	var result int64
	var shift uint
	var b byte
	for i := 0; i < len(data); i++ {
		b = data[i]
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated SLEB128")
}
