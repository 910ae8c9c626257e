// Package loader orchestrates internal/elfimage and internal/reloc to turn
// an ELF32 byte slice into a runnable image inside a memory.Space, following
// the six-step procedure: parse, choose a load base, map PT_LOAD segments,
// install GOT/PLT regions, apply relocations, and report the result.
package loader

import (
	"debug/elf"
	"fmt"

	"github.com/smoynes/uvm32/internal/elfimage"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/reloc"
)

const (
	defaultGOTSlots   = 1024
	gotSlotSize       = 4
	defaultPLTEntries = 512
	pltEntrySize      = 16
	pageSize          = 0x1000
)

// Options parameterizes one Load call. The zero value is usable: it
// disables relocation and uses the default GOT/PLT sizing.
type Options struct {
	// ETDynLoadBase is the load bias used for ET_DYN images. ET_EXEC images
	// are always loaded at bias zero, regardless of this field.
	ETDynLoadBase uint32

	// EnableRelocation gates whether the relocator runs at all, for ET_EXEC
	// and ET_DYN images alike (internal/config enables it by default).
	EnableRelocation bool

	// GOTSlots and PLTEntries override the default region sizes when
	// nonzero.
	GOTSlots   int
	PLTEntries int

	Resolver   reloc.Resolver
	CopySource reloc.CopySource
}

func (o Options) gotSlots() int {
	if o.GOTSlots > 0 {
		return o.GOTSlots
	}

	return defaultGOTSlots
}

func (o Options) pltEntries() int {
	if o.PLTEntries > 0 {
		return o.PLTEntries
	}

	return defaultPLTEntries
}

// Result is what the loader hands back to the VM controller: the values it
// needs to set up the initial register file and to diagnose relocation
// trouble.
type Result struct {
	LoadBase   uint32
	EntryPoint memory.Addr
	Applied    int
	Failed     int
	Failures   []reloc.Failure
}

// Load parses data as an ELF32 image, maps it into space, and relocates it
// per opts. It returns a non-nil error only when the image itself is
// invalid, a segment or the GOT/PLT cannot be mapped into space, or a hard
// relocation failure occurred (undefined non-weak symbol); soft relocation
// failures are reported in Result, not as an error.
func Load(space *memory.Space, data []byte, opts Options) (*Result, error) {
	img, err := elfimage.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	var loadBase uint32
	if img.Type == elfimage.TypeDyn {
		loadBase = opts.ETDynLoadBase
	}

	// Every region this load registers, so a failed load can tear them all
	// down and leave the address space exactly as it found it.
	var registered []memory.Addr

	teardown := func() {
		for _, start := range registered {
			_ = space.RemoveRegion(start)
		}
	}

	highWater := loadBase

	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		start := memory.Addr(loadBase + p.Vaddr)

		kind := memory.KindData
		if p.Executable() {
			kind = memory.KindCode
		}

		prot := memory.Prot(0)
		if p.Flags&elf.PF_R != 0 {
			prot |= memory.ProtRead
		}

		if p.Writable() {
			prot |= memory.ProtWrite
		}

		if p.Executable() {
			prot |= memory.ProtExec
		}

		name := fmt.Sprintf("load@%#x", start)

		if err := space.RegisterRegion(start, p.Memsz, kind, prot, name); err != nil {
			teardown()
			return nil, fmt.Errorf("loader: mapping segment at %s: %w", start, err)
		}

		registered = append(registered, start)

		// Segment bytes are copied through Translate rather than Write:
		// the region's final protection may exclude writes (a text
		// segment is r-x), and nothing has executed yet.
		if filesz := p.Filesz; filesz > 0 {
			dst, err := space.Translate(start, filesz)
			if err != nil {
				teardown()
				return nil, fmt.Errorf("loader: copying segment at %s: %w", start, err)
			}

			copy(dst, img.SegmentData(p))
		}

		if end := loadBase + p.Vaddr + p.Memsz; end > highWater {
			highWater = end
		}
	}

	gotBase := memory.Addr(align(highWater, pageSize))
	gotSize := uint32(opts.gotSlots() * gotSlotSize)

	pltBase := memory.Addr(align(uint32(gotBase)+gotSize, pageSize))
	pltSize := uint32(opts.pltEntries() * pltEntrySize)

	if needsGOTOrPLT(img) {
		if err := space.RegisterRegion(gotBase, gotSize, memory.KindData, memory.ProtRead|memory.ProtWrite, "got"); err != nil {
			teardown()
			return nil, fmt.Errorf("loader: installing GOT: %w", err)
		}

		registered = append(registered, gotBase)

		if err := space.RegisterRegion(pltBase, pltSize, memory.KindCode, memory.ProtRead|memory.ProtExec, "plt"); err != nil {
			teardown()
			return nil, fmt.Errorf("loader: installing PLT: %w", err)
		}

		registered = append(registered, pltBase)
	}

	slots := assignSlots(img, gotBase, pltBase, opts.gotSlots(), opts.pltEntries())

	result := &Result{
		LoadBase:   loadBase,
		EntryPoint: memory.Addr(loadBase + img.Entry),
	}

	if !opts.EnableRelocation {
		return result, nil
	}

	relRes, err := reloc.Apply(space, img, reloc.Config{
		LoadBase:   loadBase,
		Slots:      slots,
		Resolver:   opts.Resolver,
		CopySource: opts.CopySource,
	})

	result.Applied = relRes.Applied
	result.Failed = len(relRes.Failures)
	result.Failures = relRes.Failures

	if err != nil {
		teardown()
		return result, fmt.Errorf("loader: %w", err)
	}

	return result, nil
}

func needsGOTOrPLT(img *elfimage.Image) bool {
	for _, r := range img.Relocs {
		switch r.Type {
		case elfimage.R_386_GOT32, elfimage.R_386_GOTOFF, elfimage.R_386_GOTPC,
			elfimage.R_386_PLT32, elfimage.R_386_GLOB_DAT, elfimage.R_386_JMP_SLOT:
			return true
		}
	}

	return false
}

// assignSlots walks the relocation set once, handing each distinct symbol
// name its own GOT slot and/or PLT entry the first time it's referenced by
// a relocation that needs one. Slot order follows relocation order, which
// is deterministic given a fixed input image.
func assignSlots(img *elfimage.Image, gotBase, pltBase memory.Addr, gotCap, pltCap int) reloc.Slots {
	slots := reloc.Slots{
		GOTBase: gotBase,
		PLTBase: pltBase,
		GOT:     map[string]memory.Addr{},
		PLT:     map[string]memory.Addr{},
	}

	nextGOT, nextPLT := 0, 0

	for _, r := range img.Relocs {
		sym, ok := img.SymbolByIndex(r.SymbolTable, r.SymbolIndex)
		if !ok || sym.Name == "" {
			continue
		}

		switch r.Type {
		case elfimage.R_386_GOT32, elfimage.R_386_GOTOFF, elfimage.R_386_GLOB_DAT:
			if _, ok := slots.GOT[sym.Name]; !ok && nextGOT < gotCap {
				slots.GOT[sym.Name] = gotBase + memory.Addr(nextGOT*gotSlotSize)
				nextGOT++
			}

		case elfimage.R_386_PLT32, elfimage.R_386_JMP_SLOT:
			if _, ok := slots.PLT[sym.Name]; !ok && nextPLT < pltCap {
				slots.PLT[sym.Name] = pltBase + memory.Addr(nextPLT*pltEntrySize)
				nextPLT++
			}
		}
	}

	return slots
}

func align(v uint32, to uint32) uint32 {
	return (v + to - 1) &^ (to - 1)
}
