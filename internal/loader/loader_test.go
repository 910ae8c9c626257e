package loader_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/smoynes/uvm32/internal/loader"
	"github.com/smoynes/uvm32/internal/memory"
)

// buildDynWithRelative assembles a minimal ET_DYN ELF32 image with one
// PT_LOAD data segment holding a single 4-byte word, and one SHT_REL
// section carrying a single R_386_RELATIVE relocation targeting that word.
func buildDynWithRelative(t *testing.T, vaddr, initial uint32) []byte {
	t.Helper()

	const (
		ehSize = 52
		phSize = 32
		shSize = 40
	)

	le := binary.LittleEndian

	var b bytes.Buffer

	write16 := func(v uint16) { var buf [2]byte; le.PutUint16(buf[:], v); b.Write(buf[:]) }
	write32 := func(v uint32) { var buf [4]byte; le.PutUint32(buf[:], v); b.Write(buf[:]) }

	dataOff := uint32(ehSize + phSize)
	relOff := dataOff + 4
	strOff := relOff + 8
	shOff := strOff + 1

	// e_ident
	b.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	b.Write(make([]byte, 8))

	write16(3) // e_type = ET_DYN
	write16(3) // e_machine = EM_386
	write32(1) // e_version
	write32(0x1000)
	write32(ehSize)  // e_phoff
	write32(shOff)   // e_shoff
	write32(0)       // e_flags
	write16(ehSize)  // e_ehsize
	write16(phSize)  // e_phentsize
	write16(1)       // e_phnum
	write16(shSize)  // e_shentsize
	write16(3)       // e_shnum
	write16(2)       // e_shstrndx

	// program header: PT_LOAD, RW, data segment
	write32(1)        // p_type = PT_LOAD
	write32(dataOff)  // p_offset
	write32(vaddr)    // p_vaddr
	write32(vaddr)    // p_paddr
	write32(4)        // p_filesz
	write32(4)        // p_memsz
	write32(6)        // p_flags = PF_W | PF_R
	write32(0x1000)   // p_align

	write32(initial) // the word the relocation targets

	// REL entry: r_offset, r_info = (sym<<8)|type
	write32(vaddr)
	write32(8) // R_386_RELATIVE

	b.WriteByte(0) // shstrtab: single NUL byte

	// section 0: NULL
	b.Write(make([]byte, shSize))

	// section 1: SHT_REL
	write32(0)      // sh_name
	write32(9)      // sh_type = SHT_REL
	write32(0)      // sh_flags
	write32(0)      // sh_addr
	write32(relOff) // sh_offset
	write32(8)      // sh_size
	write32(0)      // sh_link
	write32(0)      // sh_info
	write32(4)      // sh_addralign
	write32(8)      // sh_entsize

	// section 2: SHT_STRTAB
	write32(0)      // sh_name
	write32(3)      // sh_type = SHT_STRTAB
	write32(0)      // sh_flags
	write32(0)      // sh_addr
	write32(strOff) // sh_offset
	write32(1)      // sh_size
	write32(0)      // sh_link
	write32(0)      // sh_info
	write32(1)      // sh_addralign
	write32(0)      // sh_entsize

	return b.Bytes()
}

func TestLoad_ETDyn_RelativeRelocation(t *testing.T) {
	t.Parallel()

	image := buildDynWithRelative(t, 0x2000, 0x00001234)

	space := memory.New(0x10000000)

	result, err := loader.Load(space, image, loader.Options{
		ETDynLoadBase:    0x08000000,
		EnableRelocation: true,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if result.LoadBase != 0x08000000 {
		t.Fatalf("want load base 0x08000000, got %#x", result.LoadBase)
	}

	if result.Applied != 1 || result.Failed != 0 {
		t.Fatalf("want applied=1 failed=0, got %+v", result)
	}

	var buf [4]byte
	if err := space.Read(0x08002000, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}

	got := le32(buf)
	if want := uint32(0x08001234); got != want {
		t.Fatalf("want %#x, got %#x", want, got)
	}
}

func TestLoad_ETExec_DisabledRelocation_SkipsRelocator(t *testing.T) {
	t.Parallel()

	// Same image, but as an ET_EXEC with relocation disabled: the target
	// word must be left exactly as the file stored it.
	image := buildDynWithRelative(t, 0x2000, 0x00001234)
	image[16] = 2 // patch e_type to ET_EXEC in place

	space := memory.New(0x10000000)

	result, err := loader.Load(space, image, loader.Options{EnableRelocation: false})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if result.LoadBase != 0 {
		t.Fatalf("want load base 0 for ET_EXEC, got %#x", result.LoadBase)
	}

	var buf [4]byte
	if err := space.Read(0x2000, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}

	if got := le32(buf); got != 0x00001234 {
		t.Fatalf("want untouched 0x1234, got %#x", got)
	}
}

func TestLoad_SegmentConflict_TearsDownRegisteredRegions(t *testing.T) {
	t.Parallel()

	image := buildDynWithRelative(t, 0x2000, 0x00001234)

	space := memory.New(0x10000000)

	// Occupy the interval the segment would land in, so mapping fails.
	if err := space.RegisterRegion(0x08002000, 0x10, memory.KindData, memory.ProtRead, "squatter"); err != nil {
		t.Fatalf("register squatter: %v", err)
	}

	_, err := loader.Load(space, image, loader.Options{
		ETDynLoadBase:    0x08000000,
		EnableRelocation: true,
	})
	if err == nil {
		t.Fatalf("want load failure from the overlapping region")
	}

	if got := len(space.Regions()); got != 1 {
		t.Fatalf("want only the squatter region left after teardown, got %d regions", got)
	}
}

func le32(buf [4]byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
