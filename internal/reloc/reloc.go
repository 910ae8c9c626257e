// Package reloc applies x86 ELF relocations against an already-mapped
// image. It sits directly above internal/memory: it takes a *memory.Space
// per call and has no back-reference to the loader that drives it.
package reloc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/smoynes/uvm32/internal/elfimage"
	"github.com/smoynes/uvm32/internal/memory"
)

// Resolver looks up the guest address of an externally-defined symbol. It
// is the relocator's view of the syscall handler's symbol-resolution hook;
// the concrete implementation lives outside this package.
type Resolver interface {
	Resolve(name string) (memory.Addr, bool)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(name string) (memory.Addr, bool)

func (f ResolverFunc) Resolve(name string) (memory.Addr, bool) { return f(name) }

// CopySource optionally supplies the bytes backing an R_386_COPY relocation.
// Since this VM never loads dependent shared objects, a CopySource will
// rarely have an answer; when it doesn't, the relocation is simply recorded
// as failed, same as any other unsatisfiable non-hard relocation.
type CopySource interface {
	CopyBytes(symbolName string, size uint32) ([]byte, bool)
}

// Slots assigns GOT and PLT addresses to symbol names. The loader builds
// this (it owns GOT/PLT region placement); the relocator only consults it.
type Slots struct {
	GOTBase memory.Addr
	PLTBase memory.Addr
	GOT     map[string]memory.Addr // symbol name -> GOT slot address
	PLT     map[string]memory.Addr // symbol name -> PLT entry address
}

// Config parameterizes one relocation pass.
type Config struct {
	LoadBase   uint32
	Slots      Slots
	Resolver   Resolver
	CopySource CopySource
}

// Failure records one relocation that could not be applied.
type Failure struct {
	Entry elfimage.RelocEntry
	Err   error
}

// Result aggregates the outcome of a relocation pass, so a caller can
// diagnose every failure at once rather than one at a time.
type Result struct {
	Applied  int
	Failures []Failure
}

var (
	// ErrUndefinedSymbol is a hard failure: a relocation needs a symbol
	// that is undefined in the image, has no external resolution, and is
	// not weak.
	ErrUndefinedSymbol = errors.New("undefined symbol")

	// ErrUnsupportedRelocation means the type code is not one this VM
	// implements.
	ErrUnsupportedRelocation = elfimage.ErrUnsupportedRelocation
)

// Apply applies every relocation in img against space, in-place. Each entry
// is attempted independently: a failure is recorded in the Result and does
// not abort the pass. If at least one failure is "symbol required but
// undefined and not weak", Apply returns a non-nil error (wrapping
// ErrUndefinedSymbol) in addition to the populated Result.
func Apply(space *memory.Space, img *elfimage.Image, cfg Config) (*Result, error) {
	res := &Result{}

	var hardErr error

	for _, entry := range img.Relocs {
		if err := applyOne(space, img, cfg, entry); err != nil {
			res.Failures = append(res.Failures, Failure{Entry: entry, Err: err})

			if errors.Is(err, ErrUndefinedSymbol) && hardErr == nil {
				hardErr = err
			}

			continue
		}

		res.Applied++
	}

	return res, hardErr
}

// resolvedSymbol computes S, the resolved value of a relocation's target
// symbol: its in-image value plus the load bias when defined, the
// resolver's answer when not, and zero for undefined weak symbols.
func resolvedSymbol(img *elfimage.Image, cfg Config, entry elfimage.RelocEntry) (uint32, string, error) {
	sym, ok := img.SymbolByIndex(entry.SymbolTable, entry.SymbolIndex)
	if !ok {
		return 0, "", fmt.Errorf("symbol index %d not found in %s", entry.SymbolIndex, entry.SymbolTable)
	}

	if sym.Defined {
		return cfg.LoadBase + sym.Value, sym.Name, nil
	}

	if cfg.Resolver != nil {
		if addr, ok := cfg.Resolver.Resolve(sym.Name); ok {
			return uint32(addr), sym.Name, nil
		}
	}

	if sym.Bind == elfimage.BindWeak {
		return 0, sym.Name, nil
	}

	return 0, sym.Name, fmt.Errorf("%w: %q", ErrUndefinedSymbol, sym.Name)
}

// writeWord patches a relocated value in place. It goes through Translate
// rather than Write because relocations legitimately target read-only and
// executable segments (text relocations); the pass runs strictly before
// execution begins, so region protection has nothing to defend yet.
func writeWord(space *memory.Space, addr memory.Addr, value uint32, width int) error {
	dst, err := space.Translate(addr, uint32(width/8))
	if err != nil {
		return err
	}

	switch width {
	case 32:
		binary.LittleEndian.PutUint32(dst, value)
	case 16:
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case 8:
		dst[0] = byte(value)
	default:
		return fmt.Errorf("unsupported write width %d", width)
	}

	return nil
}

func applyOne(space *memory.Space, img *elfimage.Image, cfg Config, entry elfimage.RelocEntry) error {
	P := memory.Addr(cfg.LoadBase + entry.Offset)
	A := entry.Addend
	B := cfg.LoadBase

	switch entry.Type {
	case elfimage.R_386_NONE:
		return nil

	case elfimage.R_386_32:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A), 32)

	case elfimage.R_386_PC32:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A)-uint32(P), 32)

	case elfimage.R_386_16:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A), 16)

	case elfimage.R_386_PC16:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A)-uint32(P), 16)

	case elfimage.R_386_8:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A), 8)

	case elfimage.R_386_PC8:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A)-uint32(P), 8)

	case elfimage.R_386_GOT32:
		_, name, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		slot, ok := cfg.Slots.GOT[name]
		if !ok {
			return fmt.Errorf("no GOT slot assigned for %q", name)
		}

		return writeWord(space, P, uint32(slot-cfg.Slots.GOTBase)+uint32(A), 32)

	case elfimage.R_386_PLT32:
		_, name, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		slot, ok := cfg.Slots.PLT[name]
		if !ok {
			return fmt.Errorf("no PLT slot assigned for %q", name)
		}

		return writeWord(space, P, uint32(slot)+uint32(A)-uint32(P), 32)

	case elfimage.R_386_COPY:
		sym, ok := img.SymbolByIndex(entry.SymbolTable, entry.SymbolIndex)
		if !ok {
			return fmt.Errorf("symbol index %d not found", entry.SymbolIndex)
		}

		if cfg.CopySource == nil {
			return fmt.Errorf("R_386_COPY: no copy source for %q", sym.Name)
		}

		data, ok := cfg.CopySource.CopyBytes(sym.Name, sym.Size)
		if !ok {
			return fmt.Errorf("R_386_COPY: %q not available", sym.Name)
		}

		dst, err := space.Translate(P, uint32(len(data)))
		if err != nil {
			return err
		}

		copy(dst, data)

		return nil

	case elfimage.R_386_GLOB_DAT, elfimage.R_386_JMP_SLOT:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S, 32)

	case elfimage.R_386_RELATIVE:
		return writeWord(space, P, B+uint32(A), 32)

	case elfimage.R_386_GOTOFF:
		S, _, err := resolvedSymbol(img, cfg, entry)
		if err != nil {
			return err
		}

		return writeWord(space, P, S+uint32(A)-uint32(cfg.Slots.GOTBase), 32)

	case elfimage.R_386_GOTPC:
		return writeWord(space, P, uint32(cfg.Slots.GOTBase)+uint32(A)-uint32(P), 32)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRelocation, entry.Type)
	}
}
