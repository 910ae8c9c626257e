package elfimage

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// RelType identifies one of the x86 relocation types this VM supports,
// named per the SysV psABI for i386.
type RelType uint32

const (
	R_386_NONE     RelType = 0
	R_386_32       RelType = 1
	R_386_PC32     RelType = 2
	R_386_GOT32    RelType = 3
	R_386_PLT32    RelType = 4
	R_386_COPY     RelType = 5
	R_386_GLOB_DAT RelType = 6
	R_386_JMP_SLOT RelType = 7
	R_386_RELATIVE RelType = 8
	R_386_GOTOFF   RelType = 9
	R_386_GOTPC    RelType = 10
	R_386_16       RelType = 20
	R_386_PC16     RelType = 21
	R_386_8        RelType = 22
	R_386_PC8      RelType = 23
)

func (t RelType) String() string {
	names := map[RelType]string{
		R_386_NONE: "R_386_NONE", R_386_32: "R_386_32", R_386_PC32: "R_386_PC32",
		R_386_GOT32: "R_386_GOT32", R_386_PLT32: "R_386_PLT32", R_386_COPY: "R_386_COPY",
		R_386_GLOB_DAT: "R_386_GLOB_DAT", R_386_JMP_SLOT: "R_386_JMP_SLOT",
		R_386_RELATIVE: "R_386_RELATIVE", R_386_GOTOFF: "R_386_GOTOFF", R_386_GOTPC: "R_386_GOTPC",
		R_386_16: "R_386_16", R_386_PC16: "R_386_PC16", R_386_8: "R_386_8", R_386_PC8: "R_386_PC8",
	}

	if n, ok := names[t]; ok {
		return n
	}

	return fmt.Sprintf("R_386_UNKNOWN(%d)", uint32(t))
}

// WriteWidth returns the width, in bits, of the word a relocation of this
// type writes.
func (t RelType) WriteWidth() int {
	switch t {
	case R_386_NONE:
		return 0
	case R_386_16, R_386_PC16:
		return 16
	case R_386_8, R_386_PC8:
		return 8
	case R_386_COPY:
		return -1 // variable; driven by the symbol's size.
	default:
		return 32
	}
}

// RelocEntry is one relocation, independent of whether it came from a REL
// or RELA section. Offset and SymbolIndex are read directly off the disk
// format. Addend is always explicit here: for REL entries it has already
// been read out of the image bytes at Offset, before any relocated value
// is written back.
type RelocEntry struct {
	Offset      uint32
	Type        RelType
	SymbolIndex uint32
	SymbolTable string
	Addend      int32
}

// ErrUnsupportedRelocation is returned (wrapped) when an unrecognized
// relocation type code is encountered while parsing.
var ErrUnsupportedRelocation = fmt.Errorf("%w: unsupported relocation type", ErrInvalidElf)

// known reports whether a type code is one this VM recognizes at all. The
// parser rejects images carrying anything else, so the relocator only ever
// sees the types in the table above.
func (t RelType) known() bool {
	switch t {
	case R_386_NONE, R_386_32, R_386_PC32, R_386_GOT32, R_386_PLT32, R_386_COPY,
		R_386_GLOB_DAT, R_386_JMP_SLOT, R_386_RELATIVE, R_386_GOTOFF, R_386_GOTPC,
		R_386_16, R_386_PC16, R_386_8, R_386_PC8:
		return true
	default:
		return false
	}
}

func (img *Image) fileBytesAt(vaddr uint32) (uint32, bool) {
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if vaddr < p.Vaddr || vaddr+4 > p.Vaddr+p.Filesz {
			continue
		}

		off := p.Offset + (vaddr - p.Vaddr)
		if int(off)+4 > len(img.raw) {
			return 0, false
		}

		return binary.LittleEndian.Uint32(img.raw[off : off+4]), true
	}

	return 0, false
}

func (img *Image) parseRelocations() error {
	for _, sec := range img.elf.Sections {
		var (
			entSize int
			rela    bool
		)

		switch sec.Type {
		case elf.SHT_REL:
			entSize, rela = 8, false
		case elf.SHT_RELA:
			entSize, rela = 12, true
		default:
			continue
		}

		data, err := sec.Data()
		if err != nil {
			return invalid("section %s: %s", sec.Name, err)
		}

		if len(data)%entSize != 0 {
			return invalid("section %s: size %d not a multiple of entry size %d", sec.Name, len(data), entSize)
		}

		symtab := ".dynsym"
		if int(sec.Link) < len(img.elf.Sections) {
			if name := img.elf.Sections[sec.Link].Name; name == ".symtab" {
				symtab = ".symtab"
			}
		}

		for off := 0; off+entSize <= len(data); off += entSize {
			entry := data[off : off+entSize]

			r_offset := binary.LittleEndian.Uint32(entry[0:4])
			r_info := binary.LittleEndian.Uint32(entry[4:8])
			symIndex := r_info >> 8
			relType := RelType(r_info & 0xff)

			if !relType.known() {
				return fmt.Errorf("%w %d in section %s", ErrUnsupportedRelocation, uint32(relType), sec.Name)
			}

			if _, ok := img.SymbolByIndex(symtab, symIndex); !ok {
				return invalid("section %s: symbol index %d exceeds %s", sec.Name, symIndex, symtab)
			}

			var addend int32

			if rela {
				addend = int32(binary.LittleEndian.Uint32(entry[8:12]))
			} else if w, ok := img.fileBytesAt(r_offset); ok {
				addend = int32(w)
			}

			img.Relocs = append(img.Relocs, RelocEntry{
				Offset:      r_offset,
				Type:        relType,
				SymbolIndex: symIndex,
				SymbolTable: symtab,
				Addend:      addend,
			})
		}
	}

	return nil
}
