// Package elfimage parses and validates ELF32 images, never modifying or
// interpreting them beyond what is needed to describe their contents:
// program headers, the dynamic table, symbol and string tables, and
// relocation entries. It wraps debug/elf for header, section and
// program-header parsing. debug/elf does not expose a generic, structured
// view of REL/RELA relocation entries, so those are decoded by hand from
// the raw section bytes; see reloc.go.
package elfimage

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

// Type distinguishes the two ELF types this VM can run.
type Type uint8

const (
	TypeExec Type = iota
	TypeDyn
)

func (t Type) String() string {
	if t == TypeDyn {
		return "ET_DYN"
	}

	return "ET_EXEC"
}

// ProgHeader is a single program header entry, carried in declaration order.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint32
	Vaddr  uint32
	Filesz uint32
	Memsz  uint32
	Align  uint32
}

// Executable reports whether the segment is marked executable (PF_X).
func (p ProgHeader) Executable() bool { return p.Flags&elf.PF_X != 0 }

// Writable reports whether the segment is marked writable (PF_W).
func (p ProgHeader) Writable() bool { return p.Flags&elf.PF_W != 0 }

// Binding is a symbol's linkage binding.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// SymType is a symbol's type tag.
type SymType uint8

const (
	SymNoType SymType = iota
	SymObject
	SymFunc
	SymSection
	SymFile
	SymTLS
)

// Symbol describes one entry of a symbol table. Value is the guest-address
// offset as written in the image, before any load bias is applied.
type Symbol struct {
	Name    string
	Value   uint32
	Size    uint32
	Bind    Binding
	Type    SymType
	Defined bool
	Module  string // informational: which symbol table this came from.
}

// Image is a fully parsed, validated ELF32 image. Nothing about it is
// mutated once Parse returns; the loader and relocator copy bytes out of it
// into the address space, they never write back into an Image.
type Image struct {
	Type    Type
	Entry   uint32
	Progs   []ProgHeader
	Symbols []Symbol
	Relocs  []RelocEntry
	Interp  string // from PT_INTERP, informational only; not followed.

	raw []byte
	elf *elf.File
}

// Errors returned by Parse. Each wraps ErrInvalidElf so callers can use a
// single errors.Is check; the message carries the specific reason.
var ErrInvalidElf = errors.New("invalid elf image")

func invalid(reason string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidElf, fmt.Sprintf(reason, args...))
}

// Parse validates and describes an ELF32 image. It never returns a partial
// result: any malformed header, offset, or table produces a non-nil error
// and a nil *Image.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, invalid("%s", err)
	}

	if f.Class != elf.ELFCLASS32 {
		return nil, invalid("class %s, want ELFCLASS32", f.Class)
	}

	if f.Data != elf.ELFDATA2LSB {
		return nil, invalid("encoding %s, want little-endian", f.Data)
	}

	if f.Machine != elf.EM_386 {
		return nil, invalid("machine %s, want EM_386", f.Machine)
	}

	var typ Type

	switch f.Type {
	case elf.ET_EXEC:
		typ = TypeExec
	case elf.ET_DYN:
		typ = TypeDyn
	default:
		return nil, invalid("type %s, want EXEC or DYN", f.Type)
	}

	img := &Image{
		Type:  typ,
		Entry: uint32(f.Entry),
		raw:   data,
		elf:   f,
	}

	for _, p := range f.Progs {
		if p.Vaddr > uint64(^uint32(0)) || p.Memsz > uint64(^uint32(0)) || p.Filesz > uint64(^uint32(0)) {
			return nil, invalid("program header exceeds 32-bit range")
		}

		img.Progs = append(img.Progs, ProgHeader{
			Type:   p.Type,
			Flags:  p.Flags,
			Offset: uint32(p.Off),
			Vaddr:  uint32(p.Vaddr),
			Filesz: uint32(p.Filesz),
			Memsz:  uint32(p.Memsz),
			Align:  uint32(p.Align),
		})

		if p.Type == elf.PT_INTERP {
			buf := make([]byte, p.Filesz)
			if _, err := p.ReadAt(buf, 0); err != nil {
				return nil, invalid("PT_INTERP: %s", err)
			}

			img.Interp = string(bytes.TrimRight(buf, "\x00"))
		}
	}

	if err := img.parseSymbols(); err != nil {
		return nil, err
	}

	if err := img.parseRelocations(); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) parseSymbols() error {
	add := func(syms []elf.Symbol, module string, err error) error {
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return invalid("%s symbol table: %s", module, err)
		}

		for _, s := range syms {
			sym := Symbol{
				Name:    s.Name,
				Value:   uint32(s.Value),
				Size:    uint32(s.Size),
				Defined: s.Section != elf.SHN_UNDEF,
				Module:  module,
			}

			switch elf.ST_BIND(s.Info) {
			case elf.STB_LOCAL:
				sym.Bind = BindLocal
			case elf.STB_WEAK:
				sym.Bind = BindWeak
			default:
				sym.Bind = BindGlobal
			}

			switch elf.ST_TYPE(s.Info) {
			case elf.STT_OBJECT:
				sym.Type = SymObject
			case elf.STT_FUNC:
				sym.Type = SymFunc
			case elf.STT_SECTION:
				sym.Type = SymSection
			case elf.STT_FILE:
				sym.Type = SymFile
			case elf.STT_TLS:
				sym.Type = SymTLS
			default:
				sym.Type = SymNoType
			}

			img.Symbols = append(img.Symbols, sym)
		}

		return nil
	}

	// Module tags match the section names relocation entries carry in
	// their SymbolTable field, so SymbolByIndex lookups line up.
	dynSyms, dynErr := img.elf.DynamicSymbols()
	if err := add(dynSyms, ".dynsym", dynErr); err != nil {
		return err
	}

	syms, err := img.elf.Symbols()
	if e := add(syms, ".symtab", err); e != nil {
		return e
	}

	return nil
}

// SegmentData returns the file-backed bytes for a program header, i.e. the
// first p.Filesz bytes the loader copies into the mapped region. The
// remainder of the region (up to Memsz) is the loader's responsibility to
// zero-fill; Image never materializes that padding itself.
func (img *Image) SegmentData(p ProgHeader) []byte {
	return img.raw[p.Offset : p.Offset+p.Filesz]
}

// SymbolByIndex returns the symbol referenced by a relocation's symbol
// index, within the symbol table the relocation's section names (".dynsym"
// preferred, as that is what ET_DYN relocations reference). Index 0 is
// always the reserved null symbol and resolves to the zero Symbol.
func (img *Image) SymbolByIndex(table string, index uint32) (Symbol, bool) {
	if index == 0 {
		return Symbol{}, true
	}

	var n uint32

	for _, s := range img.Symbols {
		if s.Module != table {
			continue
		}

		if n == index-1 {
			return s, true
		}

		n++
	}

	return Symbol{}, false
}
