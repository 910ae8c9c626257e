// Package decoder reads bytes at the current EIP and produces a structured
// description of one x86-32 instruction: prefixes, opcode, ModR/M and SIB
// bytes, displacement, immediate, a resolved operand list, and an
// instruction-class tag, plus the number of bytes consumed. It never
// mutates architectural state; effective addresses are computed against a
// read-only snapshot of the register file passed in by the caller, since
// nothing else observes or changes registers between fetch and decode in
// this VM's single-threaded model.
package decoder

import (
	"fmt"

	"github.com/smoynes/uvm32/internal/cpu"
)

// Op names every mnemonic this decoder recognizes.
type Op uint8

const (
	OpInvalid Op = iota
	OpAdd
	OpAdc
	OpSub
	OpSbb
	OpInc
	OpDec
	OpNeg
	OpCmp
	OpMul
	OpImul
	OpDiv
	OpIdiv
	OpAnd
	OpOr
	OpXor
	OpNot
	OpTest
	OpShl
	OpShr
	OpSar
	OpRol
	OpRor
	OpRcl
	OpRcr
	OpShld
	OpShrd
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpXchg
	OpPush
	OpPop
	OpPushad
	OpPopad
	OpPushf
	OpPopf
	OpCwd
	OpCwde
	OpCdq
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpLoop
	OpLoope
	OpLoopne
	OpJecxz
	OpCmovcc
	OpSetcc
	OpBt
	OpBts
	OpBtr
	OpBtc
	OpBsf
	OpBsr
	OpMovs
	OpCmps
	OpScas
	OpLods
	OpStos
	OpIn
	OpOut
	OpIns
	OpOuts
	OpInt
	OpHlt
	OpClc
	OpStc
	OpCmc
	OpCld
	OpStd
)

var opNames = map[Op]string{
	OpAdd: "ADD", OpAdc: "ADC", OpSub: "SUB", OpSbb: "SBB", OpInc: "INC", OpDec: "DEC",
	OpNeg: "NEG", OpCmp: "CMP", OpMul: "MUL", OpImul: "IMUL", OpDiv: "DIV", OpIdiv: "IDIV",
	OpAnd: "AND", OpOr: "OR", OpXor: "XOR", OpNot: "NOT", OpTest: "TEST",
	OpShl: "SHL", OpShr: "SHR", OpSar: "SAR", OpRol: "ROL", OpRor: "ROR", OpRcl: "RCL", OpRcr: "RCR",
	OpShld: "SHLD", OpShrd: "SHRD",
	OpMov: "MOV", OpMovzx: "MOVZX", OpMovsx: "MOVSX", OpLea: "LEA", OpXchg: "XCHG",
	OpPush: "PUSH", OpPop: "POP", OpPushad: "PUSHAD", OpPopad: "POPAD", OpPushf: "PUSHF", OpPopf: "POPF",
	OpCwd: "CWD", OpCwde: "CWDE", OpCdq: "CDQ",
	OpJmp: "JMP", OpJcc: "Jcc", OpCall: "CALL", OpRet: "RET",
	OpLoop: "LOOP", OpLoope: "LOOPE", OpLoopne: "LOOPNE", OpJecxz: "JECXZ",
	OpCmovcc: "CMOVcc", OpSetcc: "SETcc",
	OpBt: "BT", OpBts: "BTS", OpBtr: "BTR", OpBtc: "BTC", OpBsf: "BSF", OpBsr: "BSR",
	OpMovs: "MOVS", OpCmps: "CMPS", OpScas: "SCAS", OpLods: "LODS", OpStos: "STOS",
	OpIn: "IN", OpOut: "OUT", OpIns: "INS", OpOuts: "OUTS",
	OpInt: "INT", OpHlt: "HLT",
	OpClc: "CLC", OpStc: "STC", OpCmc: "CMC", OpCld: "CLD", OpStd: "STD",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}

	return "INVALID"
}

// Cond is one of the 16 x86 condition codes, shared by Jcc, SETcc and CMOVcc.
type Cond uint8

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

var condNames = [16]string{
	"O", "NO", "B", "AE", "E", "NE", "BE", "A",
	"S", "NS", "P", "NP", "L", "GE", "LE", "G",
}

func (c Cond) String() string { return condNames[c&0xf] }

// Evaluate reports whether the condition holds against the given flags.
func (c Cond) Evaluate(f *cpu.File) bool {
	cf := f.GetFlag(cpu.FlagCF)
	zf := f.GetFlag(cpu.FlagZF)
	sf := f.GetFlag(cpu.FlagSF)
	of := f.GetFlag(cpu.FlagOF)
	pf := f.GetFlag(cpu.FlagPF)

	switch c {
	case CondO:
		return of
	case CondNO:
		return !of
	case CondB:
		return cf
	case CondAE:
		return !cf
	case CondE:
		return zf
	case CondNE:
		return !zf
	case CondBE:
		return cf || zf
	case CondA:
		return !cf && !zf
	case CondS:
		return sf
	case CondNS:
		return !sf
	case CondP:
		return pf
	case CondNP:
		return !pf
	case CondL:
		return sf != of
	case CondGE:
		return sf == of
	case CondLE:
		return zf || sf != of
	case CondG:
		return !zf && sf == of
	}

	return false
}

// Class tags an instruction with its broad category.
type Class uint8

const (
	ClassArithmetic Class = iota
	ClassLogical
	ClassShift
	ClassMove
	ClassStack
	ClassControl
	ClassStringOp
	ClassIO
	ClassSystem
)

func (c Class) String() string {
	names := [...]string{"arithmetic", "logical", "shift", "move", "stack", "control", "string", "io", "system"}
	if int(c) < len(names) {
		return names[c]
	}

	return "unknown"
}

// OperandKind distinguishes the four operand shapes an instruction can carry.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandMemory
	OperandImmediate
	OperandRelative
)

// Operand is one decoded operand. Width is in bits (8/16/32). For
// OperandMemory, Addr is the fully resolved effective address (base, index,
// scale and displacement already combined against the register snapshot
// passed to Decode). For OperandRelative, Addr is the already-computed
// absolute target EIP.
type Operand struct {
	Kind   OperandKind
	Width  int
	Reg    cpu.GPR
	Sub8   cpu.SubReg8
	Is8    bool
	Addr   uint32
	Imm    uint32
	Signed bool
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		if o.Is8 {
			return o.Sub8.String()
		}

		return o.Reg.String()
	case OperandMemory:
		return fmt.Sprintf("[%#x]", o.Addr)
	case OperandImmediate:
		return fmt.Sprintf("%#x", o.Imm)
	case OperandRelative:
		return fmt.Sprintf("-> %#x", o.Addr)
	default:
		return "-"
	}
}

// Prefixes records which legacy prefix bytes preceded the opcode.
type Prefixes struct {
	Lock        bool
	Rep         bool // 0xF3
	Repne       bool // 0xF2
	OperandSize bool // 0x66
	AddressSize bool // 0x67
	Segment     cpu.Segment
	HasSegment  bool
}

// Instruction is the fully decoded result for one instruction.
type Instruction struct {
	EIP      uint32
	Prefixes Prefixes
	Opcode   []byte // primary opcode byte, plus 0x0F escape byte(s)
	HasModRM bool
	Mod      uint8
	RegOp    uint8 // reg field, or opcode-extension for group encodings
	RM       uint8
	HasSIB   bool
	Scale    uint8
	Index    uint8
	Base     uint8
	Op       Op
	Class    Class
	Cond     Cond
	Width    int // operand width in bits: 8, 16 or 32
	Operands []Operand
	Length   int
}

func (ins Instruction) String() string {
	s := ins.Op.String()
	if ins.Op == OpJcc || ins.Op == OpSetcc || ins.Op == OpCmovcc {
		s += ins.Cond.String()
	}

	for i, op := range ins.Operands {
		if i == 0 {
			s += " "
		} else {
			s += ", "
		}

		s += op.String()
	}

	return s
}

// Error is returned when a byte stream does not decode to a valid
// instruction. It keeps the EIP and the offending bytes so the engine can
// surface an exact invalid-instruction fault.
type Error struct {
	EIP   uint32
	Bytes []byte
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid instruction at %#x: %s", e.EIP, e.Msg)
}

func invalid(eip uint32, code []byte, msg string, args ...any) error {
	return &Error{EIP: eip, Bytes: append([]byte(nil), code...), Msg: fmt.Sprintf(msg, args...)}
}

const maxPrefixes = 15

// Decode reads one instruction from code (bytes starting at eip) using regs
// to resolve memory operands' effective addresses. code must contain at
// least enough bytes for the longest instruction starting at its first
// byte; Decode never reads past len(code).
func Decode(code []byte, eip uint32, regs *cpu.File) (*Instruction, error) {
	d := &decodeState{code: code, eip: eip, regs: regs}

	ins, err := d.decode()
	if err != nil {
		return nil, err
	}

	ins.Length = d.pos

	return ins, nil
}

type decodeState struct {
	code []byte
	pos  int
	eip  uint32
	regs *cpu.File
}

func (d *decodeState) byte() (byte, bool) {
	if d.pos >= len(d.code) {
		return 0, false
	}

	b := d.code[d.pos]
	d.pos++

	return b, true
}

func (d *decodeState) peek() (byte, bool) {
	if d.pos >= len(d.code) {
		return 0, false
	}

	return d.code[d.pos], true
}

func (d *decodeState) u8() (uint8, error) {
	b, ok := d.byte()
	if !ok {
		return 0, invalid(d.eip, d.code, "truncated stream")
	}

	return b, nil
}

func (d *decodeState) u16() (uint16, error) {
	if d.pos+2 > len(d.code) {
		return 0, invalid(d.eip, d.code, "truncated stream")
	}

	v := uint16(d.code[d.pos]) | uint16(d.code[d.pos+1])<<8
	d.pos += 2

	return v, nil
}

func (d *decodeState) u32() (uint32, error) {
	if d.pos+4 > len(d.code) {
		return 0, invalid(d.eip, d.code, "truncated stream")
	}

	v := uint32(d.code[d.pos]) | uint32(d.code[d.pos+1])<<8 | uint32(d.code[d.pos+2])<<16 | uint32(d.code[d.pos+3])<<24
	d.pos += 4

	return v, nil
}

func (d *decodeState) decode() (*Instruction, error) {
	ins := &Instruction{EIP: d.eip}

	if err := d.prefixes(ins); err != nil {
		return nil, err
	}

	op, err := d.u8()
	if err != nil {
		return nil, err
	}

	ins.Opcode = append(ins.Opcode, op)
	ins.Width = 32

	if ins.Prefixes.OperandSize {
		ins.Width = 16
	}

	if op == 0x0f {
		return d.decodeTwoByte(ins)
	}

	return d.decodeOneByte(ins, op)
}

func (d *decodeState) prefixes(ins *Instruction) error {
	count := 0

	for {
		b, ok := d.peek()
		if !ok {
			return nil
		}

		switch b {
		case 0xf0:
			ins.Prefixes.Lock = true
		case 0xf2:
			ins.Prefixes.Repne = true
		case 0xf3:
			ins.Prefixes.Rep = true
		case 0x66:
			ins.Prefixes.OperandSize = true
		case 0x67:
			ins.Prefixes.AddressSize = true
		case 0x2e:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegCS
		case 0x36:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegSS
		case 0x3e:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegDS
		case 0x26:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegES
		case 0x64:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegFS
		case 0x65:
			ins.Prefixes.HasSegment, ins.Prefixes.Segment = true, cpu.SegGS
		default:
			return nil
		}

		d.pos++
		count++

		if count > maxPrefixes {
			return invalid(d.eip, d.code, "too many prefix bytes")
		}
	}
}

// modrm parses the ModR/M byte and, when present, the SIB and displacement
// bytes, then resolves the effective address for memory operands.
func (d *decodeState) modrm(ins *Instruction) (mem Operand, isReg bool, err error) {
	b, err := d.u8()
	if err != nil {
		return Operand{}, false, err
	}

	ins.HasModRM = true
	ins.Mod = b >> 6
	ins.RegOp = (b >> 3) & 0x7
	ins.RM = b & 0x7

	if ins.Mod == 3 {
		return Operand{}, true, nil
	}

	var (
		base, index       uint32
		baseValid         bool
		indexValid        bool
		scale             uint8 = 1
		disp              int32
	)

	if ins.RM == 4 {
		sib, err := d.u8()
		if err != nil {
			return Operand{}, false, err
		}

		ins.HasSIB = true
		ins.Scale = sib >> 6
		ins.Index = (sib >> 3) & 0x7
		ins.Base = sib & 0x7

		scale = 1 << ins.Scale

		if ins.Index != 4 {
			index = d.regs.Get(cpu.GPR(ins.Index))
			indexValid = true
		}

		if ins.Mod == 0 && ins.Base == 5 {
			v, err := d.u32()
			if err != nil {
				return Operand{}, false, err
			}

			disp = int32(v)
		} else {
			base = d.regs.Get(cpu.GPR(ins.Base))
			baseValid = true
		}
	} else if ins.Mod == 0 && ins.RM == 5 {
		v, err := d.u32()
		if err != nil {
			return Operand{}, false, err
		}

		disp = int32(v)
	} else {
		base = d.regs.Get(cpu.GPR(ins.RM))
		baseValid = true
	}

	switch ins.Mod {
	case 1:
		v, err := d.u8()
		if err != nil {
			return Operand{}, false, err
		}

		disp = int32(int8(v))
	case 2:
		v, err := d.u32()
		if err != nil {
			return Operand{}, false, err
		}

		disp = int32(v)
	}

	addr := uint32(disp)
	if baseValid {
		addr += base
	}

	if indexValid {
		addr += index * uint32(scale)
	}

	return Operand{Kind: OperandMemory, Width: ins.Width, Addr: addr}, false, nil
}

// rmOperand produces the register-or-memory operand named by a decoded
// ModR/M, given whether it resolved to a register (mod==3) or memory.
func rmOperand(ins *Instruction, mem Operand, isReg bool, width int, is8 bool) Operand {
	if !isReg {
		mem.Width = width
		return mem
	}

	if is8 {
		return Operand{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.SubReg8(ins.RM)}
	}

	return Operand{Kind: OperandRegister, Width: width, Reg: cpu.GPR(ins.RM)}
}

func regOperand(ins *Instruction, width int, is8 bool) Operand {
	if is8 {
		return Operand{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.SubReg8(ins.RegOp)}
	}

	return Operand{Kind: OperandRegister, Width: width, Reg: cpu.GPR(ins.RegOp)}
}

func immOperand(value uint32, width int, signed bool) Operand {
	return Operand{Kind: OperandImmediate, Width: width, Imm: value, Signed: signed}
}
