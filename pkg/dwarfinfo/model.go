// Package dwarfinfo extracts DWARF 2 debug information from 32-bit Windows PE
// executables produced by Open Watcom C/C++. Watcom appends a standalone ELF
// container carrying the DWARF sections to the end of the PE file instead of
// embedding them as named PE sections, so discovery tries the standard PE-section
// layout first and falls back to scanning for the appended container.
//
// Addresses recorded on the types in this package are DWARF-relative: they still
// need a module's base address and code-section offset applied by package module
// before they mean anything in the debuggee's address space.
package dwarfinfo

import "fmt"

// SourceLocation names a position in source text that a DWARF-relative address maps
// to. Column/EndColumn are 0 when the line program didn't record them.
type SourceLocation struct {
	File      string
	Line      int
	Column    int
	EndColumn int
}

// IsValid reports whether the location carries enough information to display.
func (s SourceLocation) IsValid() bool {
	return s.File != "" && s.Line > 0
}

func (s SourceLocation) String() string {
	if !s.IsValid() {
		return "<unknown>"
	}
	if s.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// Scope is a lexical block nested inside a Subprogram: a [StartAddress, EndAddress)
// range (DWARF-relative) plus the variables declared directly in it.
type Scope struct {
	StartAddress uint32
	EndAddress   uint32
	Variables    []VariableDescriptor
}

// Contains reports whether a DWARF-relative address falls inside the scope's range.
func (s Scope) Contains(addr uint32) bool {
	return addr >= s.StartAddress && addr < s.EndAddress
}

// Subprogram describes one DW_TAG_subprogram: its address range, declaration site,
// and the parameters/locals/nested scopes collected while walking its DIE subtree.
type Subprogram struct {
	Name            string
	StartAddress    uint32
	EndAddress      uint32
	SourceFile      string
	StartLine       int
	EndLine         int
	FrameBaseExpr   []byte
	Parameters      []VariableDescriptor
	LocalVariables  []VariableDescriptor
	Scopes          []Scope
}

// Contains reports whether a DWARF-relative address falls inside the function.
func (f *Subprogram) Contains(addr uint32) bool {
	return addr >= f.StartAddress && addr < f.EndAddress
}

// VariablesAt returns every variable in scope at addr, innermost scope first: the
// variables of every enclosing lexical block whose range contains addr (Scopes lists a
// nested block before the block enclosing it), then parameters and function-level
// locals, so a caller rendering shadowed names meets the innermost one first.
func (f *Subprogram) VariablesAt(addr uint32) []VariableDescriptor {
	vars := make([]VariableDescriptor, 0, len(f.Parameters)+len(f.LocalVariables))
	for _, scope := range f.Scopes {
		if scope.Contains(addr) {
			vars = append(vars, scope.Variables...)
		}
	}
	vars = append(vars, f.Parameters...)
	vars = append(vars, f.LocalVariables...)
	return vars
}

// VariableDescriptor describes one source-level variable or parameter: its name,
// formatted type, size, and where its value lives at runtime.
type VariableDescriptor struct {
	Name        string
	TypeName    string
	TypeOffset  uint64
	HasType     bool
	Size        int
	Location    VariableLocation
	IsParameter bool
}
