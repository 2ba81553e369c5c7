package dwarfinfo

import (
	"debug/dwarf"
	"fmt"
)

// DW_TAG_lexical_block isn't exported as a named constant by debug/dwarf under that
// name in older Go versions' public API surface the teacher's go.mod targets, so it is
// named explicitly here exactly as the teacher's own dwarfparser.go does.
const tagLexicalBlock = 0x0b

// DIEIndex is the result of walking every compilation unit's DIE tree once: every
// subprogram found, plus a raw-type cache keyed by DIE offset that backs TypeLookup.
// CompilationUnit and Producer hold the values of the last compilation unit walked.
type DIEIndex struct {
	CompilationUnit string
	Producer        string
	Subprograms     []*Subprogram
	rawTypes        map[uint64]Type
	data            *dwarf.Data
}

// LookupType implements TypeLookup by decomposing the type DIE at offset into one of
// the Type variants, following type_info.py's resolve_type dispatch on DIE tag.
func (idx *DIEIndex) LookupType(offset uint64) (Type, bool) {
	if t, ok := idx.rawTypes[offset]; ok {
		return t, true
	}
	if idx.data == nil {
		return nil, false
	}
	reader := idx.data.Reader()
	reader.Seek(dwarf.Offset(offset))
	die, rerr := reader.Next()
	if rerr != nil || die == nil {
		return nil, false
	}
	t, ok := idx.decomposeTypeDIE(die)
	if ok {
		idx.rawTypes[offset] = t
	}
	return t, ok
}

func (idx *DIEIndex) decomposeTypeDIE(die *dwarf.Entry) (Type, bool) {
	switch die.Tag {
	case dwarf.TagBaseType:
		name, _ := die.Val(dwarf.AttrName).(string)
		size, _ := die.Val(dwarf.AttrByteSize).(int64)
		encoding, _ := die.Val(dwarf.AttrEncoding).(int64)
		if name == "" {
			name = "unknown"
		}
		return BaseType{Name: name, ByteSize: int(size), Encoding: byte(encoding)}, true

	case dwarf.TagPointerType:
		size, hasSize := die.Val(dwarf.AttrByteSize).(int64)
		if !hasSize {
			size = 4
		}
		off, hasType := typeOffsetOf(die)
		return PointerType{PointeeOffset: off, HasPointee: hasType, ByteSize: int(size)}, true

	case dwarf.TagStructType, dwarf.TagUnionType:
		name, _ := die.Val(dwarf.AttrName).(string)
		size, _ := die.Val(dwarf.AttrByteSize).(int64)
		members := idx.structMembers(die)
		return StructType{Name: name, ByteSize: int(size), Members: members}, true

	case dwarf.TagTypedef:
		name, _ := die.Val(dwarf.AttrName).(string)
		off, hasType := typeOffsetOf(die)
		if name == "" {
			name = "unnamed"
		}
		return TypedefType{Name: name, TypeOffset: off, HasType: hasType}, true

	case dwarf.TagConstType:
		off, hasType := typeOffsetOf(die)
		if !hasType {
			return nil, false
		}
		underlying, ok := idx.LookupType(off)
		if !ok {
			return nil, false
		}
		return ConstType{Underlying: underlying}, true

	case dwarf.TagArrayType:
		off, hasType := typeOffsetOf(die)
		count, hasCount := idx.arrayElementCount(die)
		return ArrayType{ElementTypeOffset: off, HasElementType: hasType, ElementCount: count, HasElementCount: hasCount}, true

	default:
		return nil, false
	}
}

func (idx *DIEIndex) structMembers(parent *dwarf.Entry) []StructMember {
	reader := idx.data.Reader()
	reader.Seek(parent.Offset)
	// Re-read the parent entry itself so the reader's internal depth tracking lines up,
	// then walk only its direct children.
	if _, err := reader.Next(); err != nil {
		return nil
	}

	var members []StructMember
	for {
		child, err := reader.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagMember {
			if child.Children {
				skipChildren(reader)
			}
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		if name == "" {
			name = "unnamed"
		}
		off, hasType := typeOffsetOf(child)
		memberOffset, _ := child.Val(dwarf.AttrDataMemberLoc).(int64)
		members = append(members, StructMember{Name: name, TypeOffset: off, HasType: hasType, Offset: int(memberOffset)})
	}
	return members
}

func (idx *DIEIndex) arrayElementCount(parent *dwarf.Entry) (int, bool) {
	reader := idx.data.Reader()
	reader.Seek(parent.Offset)
	if _, err := reader.Next(); err != nil {
		return 0, false
	}
	for {
		child, err := reader.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag == dwarf.TagSubrangeType {
			if upper, ok := child.Val(dwarf.AttrUpperBound).(int64); ok {
				return int(upper) + 1, true
			}
			if count, ok := child.Val(dwarf.AttrCount).(int64); ok {
				return int(count), true
			}
		}
		if child.Children {
			skipChildren(reader)
		}
	}
	return 0, false
}

func skipChildren(reader *dwarf.Reader) {
	depth := 1
	for depth > 0 {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return
		}
		if entry.Tag == 0 {
			depth--
		} else if entry.Children {
			depth++
		}
	}
}

func typeOffsetOf(die *dwarf.Entry) (uint64, bool) {
	off, ok := die.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return 0, false
	}
	return uint64(off), true
}

// BuildDIEIndex walks every compilation unit in data once, collecting subprograms with
// their parameters, locals, and nested lexical-block scopes, following the scope-stack
// push/pop pattern in the teacher's parseCompilationUnits (push on a lexical block with
// children, pop on the DWARF null/end-of-children entry), generalized to emit this
// package's Subprogram/Scope/VariableDescriptor instead of Cucaracha's function debug
// info shapes.
func BuildDIEIndex(data *dwarf.Data) (*DIEIndex, error) {
	idx := &DIEIndex{rawTypes: make(map[uint64]Type), data: data}
	reader := data.Reader()

	var currentFunc *Subprogram
	var scopeStack []*Scope

	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("walking DIE tree: %w", err)
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			if name, ok := entry.Val(dwarf.AttrName).(string); ok {
				idx.CompilationUnit = name
			}
			if producer, ok := entry.Val(dwarf.AttrProducer).(string); ok {
				idx.Producer = producer
			}

		case dwarf.TagSubprogram:
			fn := &Subprogram{}
			if name, ok := entry.Val(dwarf.AttrName).(string); ok {
				fn.Name = name
			}
			if lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
				fn.StartAddress = uint32(lowPC)
			}
			// DW_AT_high_pc is either an absolute address or (far more commonly from
			// Watcom) an offset added to low_pc; both forms must be handled.
			if highPC, ok := entry.Val(dwarf.AttrHighpc).(uint64); ok {
				fn.EndAddress = uint32(highPC)
			} else if highOff, ok := entry.Val(dwarf.AttrHighpc).(int64); ok {
				fn.EndAddress = fn.StartAddress + uint32(highOff)
			}
			if declLine, ok := entry.Val(dwarf.AttrDeclLine).(int64); ok {
				fn.StartLine = int(declLine)
			}
			if fb, ok := entry.Val(dwarf.AttrFrameBase).([]byte); ok {
				fn.FrameBaseExpr = fb
			}
			if fn.Name != "" {
				idx.Subprograms = append(idx.Subprograms, fn)
				currentFunc = fn
			}
			if !entry.Children {
				currentFunc = nil
			}

		case dwarf.TagFormalParameter:
			if currentFunc == nil {
				continue
			}
			if v, ok := idx.parseVariable(entry); ok {
				v.IsParameter = true
				currentFunc.Parameters = append(currentFunc.Parameters, v)
			}

		case dwarf.TagVariable:
			if currentFunc == nil {
				continue
			}
			// Compiler-generated temporaries carry DW_AT_artificial and are never
			// source-visible; skip them.
			if artificial, ok := entry.Val(dwarf.AttrArtificial).(bool); ok && artificial {
				continue
			}
			v, ok := idx.parseVariable(entry)
			if !ok {
				continue
			}
			if len(scopeStack) > 0 {
				scope := scopeStack[len(scopeStack)-1]
				scope.Variables = append(scope.Variables, v)
			} else {
				currentFunc.LocalVariables = append(currentFunc.LocalVariables, v)
			}

		case tagLexicalBlock:
			if currentFunc == nil {
				continue
			}
			scope := &Scope{}
			if lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
				scope.StartAddress = uint32(lowPC)
			}
			if highPC, ok := entry.Val(dwarf.AttrHighpc).(uint64); ok {
				scope.EndAddress = uint32(highPC)
			} else if highOff, ok := entry.Val(dwarf.AttrHighpc).(int64); ok {
				scope.EndAddress = scope.StartAddress + uint32(highOff)
			}
			if entry.Children {
				scopeStack = append(scopeStack, scope)
			} else {
				currentFunc.Scopes = append(currentFunc.Scopes, *scope)
			}

		case 0:
			if len(scopeStack) > 0 {
				scope := scopeStack[len(scopeStack)-1]
				scopeStack = scopeStack[:len(scopeStack)-1]
				if currentFunc != nil {
					currentFunc.Scopes = append(currentFunc.Scopes, *scope)
				}
			} else if currentFunc != nil {
				currentFunc = nil
			}
		}
	}

	return idx, nil
}

func (idx *DIEIndex) parseVariable(entry *dwarf.Entry) (VariableDescriptor, bool) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	if name == "" {
		return VariableDescriptor{}, false
	}

	v := VariableDescriptor{Name: name}
	if typeOff, ok := typeOffsetOf(entry); ok {
		v.TypeOffset = typeOff
		v.HasType = true
		if t, ok := idx.LookupType(typeOff); ok {
			v.Size = t.Size()
		}
	}

	if cv := entry.Val(dwarf.AttrConstValue); cv != nil {
		switch c := cv.(type) {
		case int64:
			v.Location = ConstantLocation{Value: c}
		case uint64:
			v.Location = ConstantLocation{Value: int64(c)}
		case []byte:
			var val int64
			for i, b := range c {
				val |= int64(b) << (8 * i)
			}
			v.Location = ConstantLocation{Value: val}
		}
	} else if loc := entry.Val(dwarf.AttrLocation); loc != nil {
		// A []byte DW_AT_location is an inline location expression. An int64/uint64
		// value here is a loclistptr/sec_offset into .debug_loc, which this package
		// does not parse; leave Location nil so the variable reports "unavailable"
		// rather than misreporting the offset as a constant value.
		if expr, ok := loc.([]byte); ok {
			v.Location = rawExprLocation{expr: expr}
		}
	}

	return v, true
}

// rawExprLocation defers evaluation of a variable's location expression until a
// caller has a live register/memory view to evaluate it against (frame base and
// register contents are only meaningful at a particular stop, not at DIE-parse time).
type rawExprLocation struct {
	expr []byte
}

func (rawExprLocation) isVariableLocation() {}

// Expr returns the raw DWARF location expression bytes for later evaluation via
// LocationEvaluator.Evaluate.
func (r rawExprLocation) Expr() []byte { return r.expr }

// FindSubprogram returns the first subprogram, in index order, containing addr, or nil.
func (idx *DIEIndex) FindSubprogram(addr uint32) *Subprogram {
	for _, fn := range idx.Subprograms {
		if fn.Contains(addr) {
			return fn
		}
	}
	return nil
}
