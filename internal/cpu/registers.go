// Package cpu holds the architectural state of one guest thread: the eight
// 32-bit general-purpose registers, the instruction pointer, the condition
// flags, and the segment selectors. Nothing in this package touches guest
// memory or decodes instructions; it is the leaf of the core.
package cpu

import (
	"fmt"
	"strings"
)

// GPR identifies a general-purpose register using the 3-bit encoding x86
// instructions embed in ModR/M and opcode bytes.
type GPR uint8

// General-purpose register indices, in x86 encoding order.
const (
	EAX GPR = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI

	NumGPR
)

func (r GPR) String() string {
	names := [NumGPR]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	if int(r) < len(names) {
		return names[r]
	}

	return fmt.Sprintf("r%d", uint8(r))
}

// SubReg8 identifies an 8-bit sub-register view (AL, AH, CL, CH, ...).
type SubReg8 uint8

const (
	AL SubReg8 = iota
	CL
	DL
	BL
	AH
	CH
	DH
	BH
)

func (r SubReg8) String() string {
	names := [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}
	return names[r&0x7]
}

// Segment identifies one of the six segment selector registers. The core
// stores these but only honors their default flat-model values; full
// descriptor-table lookups are out of scope.
type Segment uint8

const (
	SegES Segment = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS

	NumSegments
)

func (s Segment) String() string {
	names := [NumSegments]string{"es", "cs", "ss", "ds", "fs", "gs"}
	if int(s) < len(names) {
		return names[s]
	}

	return fmt.Sprintf("seg%d", uint8(s))
}

// Flag identifies one bit of EFLAGS that the interpreter maintains. Every
// other EFLAGS bit is preserved unchanged across instructions.
type Flag uint32

// The subset of EFLAGS bits the interpreter is required to maintain.
const (
	FlagCF Flag = 1 << 0 // Carry
	FlagPF Flag = 1 << 2 // Parity
	FlagAF Flag = 1 << 4 // Auxiliary carry
	FlagZF Flag = 1 << 6 // Zero
	FlagSF Flag = 1 << 7 // Sign
	FlagDF Flag = 1 << 10 // Direction
	FlagOF Flag = 1 << 11 // Overflow

	// flagsReserved1 is the reserved EFLAGS bit that is always 1 on real
	// hardware; the register file sets it at construction and never lets
	// the engine clear it.
	flagsReserved1 Flag = 1 << 1
)

func (f Flag) String() string {
	switch f {
	case FlagCF:
		return "CF"
	case FlagPF:
		return "PF"
	case FlagAF:
		return "AF"
	case FlagZF:
		return "ZF"
	case FlagSF:
		return "SF"
	case FlagDF:
		return "DF"
	case FlagOF:
		return "OF"
	default:
		return fmt.Sprintf("flag(%#x)", uint32(f))
	}
}

// File is the complete architectural register state of one guest thread.
// Created zeroed except for EFLAGS.reserved_bit=1; the loader sets EIP and
// ESP after an image is mapped. Mutated only by the execution engine and
// by the installed syscall handler.
type File struct {
	GPR [NumGPR]uint32
	EIP uint32
	EFLAGS uint32
	Seg [NumSegments]uint16
}

// New returns a register file in its post-construction, pre-load state.
func New() *File {
	return &File{EFLAGS: uint32(flagsReserved1)}
}

// Get reads a 32-bit general-purpose register.
func (f *File) Get(r GPR) uint32 { return f.GPR[r&0x7] }

// Set writes a 32-bit general-purpose register.
func (f *File) Set(r GPR, v uint32) { f.GPR[r&0x7] = v }

// GetR16 reads the low 16 bits of a general-purpose register.
func (f *File) GetR16(r GPR) uint16 { return uint16(f.GPR[r&0x7]) }

// SetR16 writes the low 16 bits of a general-purpose register, leaving the
// upper 16 bits unmodified (x86 semantics: no zero-extension on a 16-bit
// write).
func (f *File) SetR16(r GPR, v uint16) {
	f.GPR[r&0x7] = (f.GPR[r&0x7] &^ 0xffff) | uint32(v)
}

// subReg8Info maps an 8-bit sub-register to the GPR it composes and whether
// it addresses the high byte (AH, CH, DH, BH) or the low byte.
func subReg8Info(r SubReg8) (gpr GPR, high bool) {
	switch r {
	case AL:
		return EAX, false
	case CL:
		return ECX, false
	case DL:
		return EDX, false
	case BL:
		return EBX, false
	case AH:
		return EAX, true
	case CH:
		return ECX, true
	case DH:
		return EDX, true
	case BH:
		return EBX, true
	default:
		return EAX, false
	}
}

// GetR8 reads an 8-bit sub-register view of a GPR.
func (f *File) GetR8(r SubReg8) uint8 {
	gpr, high := subReg8Info(r)
	v := f.GPR[gpr]

	if high {
		return uint8(v >> 8)
	}

	return uint8(v)
}

// SetR8 writes an 8-bit sub-register view of a GPR, leaving every other bit
// of the containing register unmodified.
func (f *File) SetR8(r SubReg8, v uint8) {
	gpr, high := subReg8Info(r)

	if high {
		f.GPR[gpr] = (f.GPR[gpr] &^ 0xff00) | uint32(v)<<8
	} else {
		f.GPR[gpr] = (f.GPR[gpr] &^ 0xff) | uint32(v)
	}
}

// GetFlag reads one EFLAGS bit.
func (f *File) GetFlag(flag Flag) bool { return f.EFLAGS&uint32(flag) != 0 }

// SetFlag writes one EFLAGS bit, leaving every other bit (including
// reserved and unmodeled ones) unchanged.
func (f *File) SetFlag(flag Flag, v bool) {
	if v {
		f.EFLAGS |= uint32(flag)
	} else {
		f.EFLAGS &^= uint32(flag)
	}
}

// GetSeg reads a segment selector.
func (f *File) GetSeg(s Segment) uint16 { return f.Seg[s&0x7] }

// SetSeg writes a segment selector.
func (f *File) SetSeg(s Segment, v uint16) { f.Seg[s&0x7] = v }

func (f *File) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "EIP:%08x EFLAGS:%08x", f.EIP, f.EFLAGS)

	for i := GPR(0); i < NumGPR; i++ {
		fmt.Fprintf(&b, " %s:%08x", i, f.GPR[i])
	}

	return b.String()
}

// LogValue renders the register file as structured log attributes for the
// trace and fault records the machine emits.
func (f *File) LogValue() []any {
	attrs := make([]any, 0, 2+NumGPR)
	attrs = append(attrs, "eip", fmt.Sprintf("%#08x", f.EIP))
	attrs = append(attrs, "eflags", f.FlagsString())

	for i := GPR(0); i < NumGPR; i++ {
		attrs = append(attrs, i.String(), fmt.Sprintf("%#08x", f.GPR[i]))
	}

	return attrs
}

// FlagsString renders the maintained EFLAGS bits as a compact mnemonic
// string, e.g. "CF ZF".
func (f *File) FlagsString() string {
	var b strings.Builder

	for _, flag := range []Flag{FlagOF, FlagDF, FlagSF, FlagZF, FlagAF, FlagPF, FlagCF} {
		if f.GetFlag(flag) {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}

			b.WriteString(flag.String())
		}
	}

	return b.String()
}
