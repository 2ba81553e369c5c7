package dwarfinfo

import (
	"debug/dwarf"
	"io"
	"sort"
	"strings"
)

// LineRow is one row of a decoded line-number program: a DWARF-relative address and
// the source position it marks the start of.
type LineRow struct {
	Address uint32
	Location SourceLocation
}

// LineTable is a module's fully decoded, address-sorted line program. Address queries
// resolve to the row with the greatest address <= the query, so addresses that fall
// between two statement boundaries resolve to the preceding statement — the natural
// generalization of the teacher's fixed 4-byte-stride propagation to x86's
// variable-length instructions, which can't be covered by a fixed stride.
type LineTable struct {
	rows []LineRow
}

// BuildLineTable decodes every line-number program in data, falling back to the
// compilation unit's own name for any row with an empty or unpopulated file name —
// the Watcom line-table format leaves the file table empty, so rows must never surface
// as "unknown" (a tested invariant per SPEC_FULL.md §8).
func BuildLineTable(data *dwarf.Data) (*LineTable, error) {
	reader := data.Reader()
	var rows []LineRow

	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		cuName, _ := entry.Val(dwarf.AttrName).(string)

		lineReader, err := data.LineReader(entry)
		if err != nil || lineReader == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			err := lineReader.Next(&le)
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			if le.EndSequence {
				continue
			}

			file := cuName
			if le.File != nil && le.File.Name != "" {
				file = le.File.Name
			}
			// Watcom's line programs emit a degenerate/empty file table; when that
			// happens le.File.Name is empty and the cuName fallback above applies, so
			// file is never "unknown".

			rows = append(rows, LineRow{
				Address: uint32(le.Address),
				Location: SourceLocation{
					File:   file,
					Line:   le.Line,
					Column: le.Column,
				},
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return &LineTable{rows: rows}, nil
}

// NewLineTable builds a LineTable directly from already-decoded rows, sorting them by
// address. Used where a module's debug info is synthesized rather than decoded from a
// real DWARF section — fixture construction in other packages' tests.
func NewLineTable(rows []LineRow) *LineTable {
	sorted := make([]LineRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	return &LineTable{rows: sorted}
}

// LookupAddress returns the source location for the row with the greatest address
// <= addr, and false if addr precedes every row.
func (t *LineTable) LookupAddress(addr uint32) (SourceLocation, bool) {
	if len(t.rows) == 0 {
		return SourceLocation{}, false
	}
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Address > addr })
	if i == 0 {
		return SourceLocation{}, false
	}
	return t.rows[i-1].Location, true
}

// LookupLine returns the DWARF-relative address of the first row matching file:line,
// and false if no such row exists. file matches a row's recorded file by exact path,
// by basename, or by case-insensitive equivalents of either — a Watcom-recorded CU name
// like `C:\src\main.c` must match a request for plain `main.c`.
func (t *LineTable) LookupLine(file string, line int) (uint32, bool) {
	base := basename(file)
	for _, row := range t.rows {
		if row.Location.Line != line {
			continue
		}
		rowFile := row.Location.File
		if strings.EqualFold(rowFile, file) || strings.EqualFold(basename(rowFile), base) {
			return row.Address, true
		}
	}
	return 0, false
}

// basename extracts the final path component, splitting on both '/' and '\' since
// Watcom-recorded CU names are Windows-style paths regardless of the build host's OS
// (path/filepath's separator handling is host-OS-dependent and unsuitable here).
func basename(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Rows returns every decoded row, sorted by address.
func (t *LineTable) Rows() []LineRow {
	return t.rows
}
