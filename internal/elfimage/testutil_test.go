package elfimage_test

import (
	"bytes"
	"encoding/binary"
)

// buildELF32 assembles a minimal, valid ELF32 little-endian x86 image with a
// single PT_LOAD segment containing code. It exists only to give this
// package's tests a real image to parse without checking in binary fixtures.
func buildELF32(t uint16, entry uint32, code []byte) []byte {
	const (
		ehSize = 52
		phSize = 32
	)

	codeOff := uint32(ehSize + phSize)

	var b bytes.Buffer

	// e_ident
	b.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	b.Write(make([]byte, 8)) // padding

	le := binary.LittleEndian

	write16 := func(v uint16) { var buf [2]byte; le.PutUint16(buf[:], v); b.Write(buf[:]) }
	write32 := func(v uint32) { var buf [4]byte; le.PutUint32(buf[:], v); b.Write(buf[:]) }

	write16(t)          // e_type
	write16(3)           // e_machine = EM_386
	write32(1)           // e_version
	write32(entry)        // e_entry
	write32(ehSize)       // e_phoff
	write32(0)            // e_shoff
	write32(0)            // e_flags
	write16(ehSize)       // e_ehsize
	write16(phSize)       // e_phentsize
	write16(1)            // e_phnum
	write16(0)            // e_shentsize
	write16(0)            // e_shnum
	write16(0)            // e_shstrndx

	// program header: PT_LOAD, R+X
	write32(1)                    // p_type = PT_LOAD
	write32(codeOff)              // p_offset
	write32(entry)                // p_vaddr
	write32(entry)                // p_paddr
	write32(uint32(len(code)))    // p_filesz
	write32(uint32(len(code)))    // p_memsz
	write32(1 | 4)                // p_flags = PF_X | PF_R
	write32(0x1000)               // p_align

	b.Write(code)

	return b.Bytes()
}
