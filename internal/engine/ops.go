package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/syscall"
)

func classifyMemFault(err error) FaultKind {
	if errors.Is(err, memory.ErrProtection) {
		return FaultProtection
	}

	return FaultBadAddress
}

// execute updates architectural state for one decoded instruction. The
// caller (Step) has already advanced regs.EIP past the instruction; control
// transfer ops overwrite it again here.
func (e *Engine) execute(ctx context.Context, ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	// Segmentation is flat: DS/ES/SS/CS overrides change nothing. FS/GS
	// would need TLS emulation, which this VM does not implement; the
	// override is recorded on the instruction and flagged here.
	if ins.Prefixes.HasSegment && e.log != nil {
		if s := ins.Prefixes.Segment; s == cpu.SegFS || s == cpu.SegGS {
			e.log.Warn("unsupported segment override", "segment", s.String(), "eip", fmt.Sprintf("%#x", ins.EIP))
		}
	}

	switch ins.Op {
	case decoder.OpAdd, decoder.OpAdc:
		return e.binArith(ins, regs, space, ins.Op == decoder.OpAdc)

	case decoder.OpSub, decoder.OpSbb, decoder.OpCmp:
		return e.binSub(ins, regs, space, ins.Op)

	case decoder.OpInc, decoder.OpDec:
		return e.incDec(ins, regs, space)

	case decoder.OpNeg:
		return e.neg(ins, regs, space)

	case decoder.OpMul, decoder.OpImul:
		return e.mulGroup(ins, regs, space)

	case decoder.OpDiv, decoder.OpIdiv:
		return e.divGroup(ins, regs, space)

	case decoder.OpAnd, decoder.OpOr, decoder.OpXor:
		return e.logical(ins, regs, space)

	case decoder.OpNot:
		return e.not(ins, regs, space)

	case decoder.OpTest:
		return e.test(ins, regs, space)

	case decoder.OpShl, decoder.OpShr, decoder.OpSar, decoder.OpRol, decoder.OpRor, decoder.OpRcl, decoder.OpRcr:
		return e.shiftRotate(ins, regs, space)

	case decoder.OpShld, decoder.OpShrd:
		return e.shiftDouble(ins, regs, space)

	case decoder.OpMov:
		return e.mov(ins, regs, space)

	case decoder.OpMovzx, decoder.OpMovsx:
		return e.movExtend(ins, regs, space)

	case decoder.OpLea:
		if err := writeOperand(ins.Operands[0], ins.Operands[1].Addr, regs, space); err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		return OutcomeContinue

	case decoder.OpXchg:
		return e.xchg(ins, regs, space)

	case decoder.OpPush:
		return e.push(ins, regs, space)

	case decoder.OpPop:
		return e.pop(ins, regs, space)

	case decoder.OpPushad:
		return e.pushad(ins, regs, space)

	case decoder.OpPopad:
		return e.popad(ins, regs, space)

	case decoder.OpPushf:
		if err := push32(regs, space, regs.EFLAGS); err != nil {
			return e.fault(FaultStackFault, ins.EIP, err.Error())
		}

		return OutcomeContinue

	case decoder.OpPopf:
		v, err := pop32(regs, space)
		if err != nil {
			return e.fault(FaultStackFault, ins.EIP, err.Error())
		}

		regs.EFLAGS = v | 0x2 // bit 1 is architecturally always set.

		return OutcomeContinue

	case decoder.OpCwde:
		regs.Set(cpu.EAX, uint32(int32(int16(regs.GetR16(cpu.EAX)))))
		return OutcomeContinue

	case decoder.OpCwd:
		ax := int16(regs.GetR16(cpu.EAX))
		if ax < 0 {
			regs.SetR16(cpu.EDX, 0xffff)
		} else {
			regs.SetR16(cpu.EDX, 0)
		}

		return OutcomeContinue

	case decoder.OpCdq:
		eax := int32(regs.Get(cpu.EAX))
		if eax < 0 {
			regs.Set(cpu.EDX, 0xffffffff)
		} else {
			regs.Set(cpu.EDX, 0)
		}

		return OutcomeContinue

	case decoder.OpJmp:
		return e.jmp(ins, regs, space)

	case decoder.OpJcc:
		if ins.Cond.Evaluate(regs) {
			regs.EIP = ins.Operands[0].Addr
		}

		return OutcomeContinue

	case decoder.OpCall:
		return e.call(ins, regs, space)

	case decoder.OpRet:
		return e.ret(ins, regs, space)

	case decoder.OpLoop, decoder.OpLoope, decoder.OpLoopne:
		return e.loop(ins, regs)

	case decoder.OpJecxz:
		if regs.Get(cpu.ECX) == 0 {
			regs.EIP = ins.Operands[0].Addr
		}

		return OutcomeContinue

	case decoder.OpCmovcc:
		if ins.Cond.Evaluate(regs) {
			v, err := readOperand(ins.Operands[1], regs, space)
			if err != nil {
				return e.fault(classifyMemFault(err), ins.EIP, err.Error())
			}

			if err := writeOperand(ins.Operands[0], v, regs, space); err != nil {
				return e.fault(classifyMemFault(err), ins.EIP, err.Error())
			}
		}

		return OutcomeContinue

	case decoder.OpSetcc:
		v := uint32(0)
		if ins.Cond.Evaluate(regs) {
			v = 1
		}

		if err := writeOperand(ins.Operands[0], v, regs, space); err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		return OutcomeContinue

	case decoder.OpBt, decoder.OpBts, decoder.OpBtr, decoder.OpBtc:
		return e.bitTest(ins, regs, space)

	case decoder.OpBsf, decoder.OpBsr:
		return e.bitScan(ins, regs, space)

	case decoder.OpMovs, decoder.OpCmps, decoder.OpScas, decoder.OpLods, decoder.OpStos:
		return e.stringOp(ctx, ins, regs, space)

	case decoder.OpIn, decoder.OpOut, decoder.OpIns, decoder.OpOuts:
		return e.portIO(ins, regs, space)

	case decoder.OpInt:
		return e.interrupt(ins, regs, space)

	case decoder.OpHlt:
		return e.halt(0)

	case decoder.OpClc:
		regs.SetFlag(cpu.FlagCF, false)
		return OutcomeContinue

	case decoder.OpStc:
		regs.SetFlag(cpu.FlagCF, true)
		return OutcomeContinue

	case decoder.OpCmc:
		regs.SetFlag(cpu.FlagCF, !regs.GetFlag(cpu.FlagCF))
		return OutcomeContinue

	case decoder.OpCld:
		regs.SetFlag(cpu.FlagDF, false)
		return OutcomeContinue

	case decoder.OpStd:
		regs.SetFlag(cpu.FlagDF, true)
		return OutcomeContinue

	default:
		return e.fault(FaultInvalidInstruction, ins.EIP, "unimplemented opcode "+ins.Op.String())
	}
}

func (e *Engine) binArith(ins *decoder.Instruction, regs *cpu.File, space *memory.Space, withCarry bool) Outcome {
	dst, src := ins.Operands[0], ins.Operands[1]

	a, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	b, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	var carry uint32
	if withCarry && regs.GetFlag(cpu.FlagCF) {
		carry = 1
	}

	result := setAddFlags(regs, a, b, carry, dst.Width)

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) binSub(ins *decoder.Instruction, regs *cpu.File, space *memory.Space, op decoder.Op) Outcome {
	dst, src := ins.Operands[0], ins.Operands[1]

	a, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	b, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	var borrow uint32
	if op == decoder.OpSbb && regs.GetFlag(cpu.FlagCF) {
		borrow = 1
	}

	result := setSubFlags(regs, a, b, borrow, dst.Width)

	if op == decoder.OpCmp {
		return OutcomeContinue
	}

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) incDec(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst := ins.Operands[0]

	before, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	isInc := ins.Op == decoder.OpInc

	var after uint32
	if isInc {
		after = (before + 1) & mask(dst.Width)
	} else {
		after = (before - 1) & mask(dst.Width)
	}

	setIncDecFlags(regs, before, after, isInc, dst.Width)

	if err := writeOperand(dst, after, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) neg(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst := ins.Operands[0]

	v, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	result := setSubFlags(regs, 0, v, 0, dst.Width)
	regs.SetFlag(cpu.FlagCF, v&mask(dst.Width) != 0)

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) mulGroup(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	// IMUL's two- and three-operand forms (0x0F AF, 0x69, 0x6B) truncate
	// into a destination register instead of the DX:AX pair.
	if ins.Op == decoder.OpImul && len(ins.Operands) >= 2 {
		return e.imulTruncating(ins, regs, space)
	}

	src := ins.Operands[0]

	v, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	width := src.Width

	if ins.Op == decoder.OpMul {
		a := regs.Get(cpu.EAX) & mask(width)
		full := uint64(a) * uint64(v&mask(width))

		overflow := e.writeWideResult(regs, full, width)
		regs.SetFlag(cpu.FlagCF, overflow)
		regs.SetFlag(cpu.FlagOF, overflow)

		return OutcomeContinue
	}

	a := signExtend(regs.Get(cpu.EAX)&mask(width), width)
	full := int64(a) * int64(signExtend(v, width))

	_ = e.writeWideResult(regs, uint64(full), width)

	var overflow bool

	switch width {
	case 8:
		overflow = full != int64(int8(full))
	case 16:
		overflow = full != int64(int16(full))
	default:
		overflow = full != int64(int32(full))
	}

	regs.SetFlag(cpu.FlagCF, overflow)
	regs.SetFlag(cpu.FlagOF, overflow)

	return OutcomeContinue
}

// writeWideResult stores a double-width product: AX for 8-bit sources,
// DX:AX for 16-bit, EDX:EAX for 32-bit. It reports whether the upper half
// is significant, which is MUL's CF/OF rule.
func (e *Engine) writeWideResult(regs *cpu.File, full uint64, width int) bool {
	switch width {
	case 8:
		regs.SetR16(cpu.EAX, uint16(full))
		return uint8(full>>8) != 0
	case 16:
		regs.SetR16(cpu.EAX, uint16(full))
		regs.SetR16(cpu.EDX, uint16(full>>16))

		return uint16(full>>16) != 0
	default:
		regs.Set(cpu.EAX, uint32(full))
		regs.Set(cpu.EDX, uint32(full>>32))

		return uint32(full>>32) != 0
	}
}

func (e *Engine) imulTruncating(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst := ins.Operands[0]

	// Two-operand form multiplies dst by src; three-operand multiplies src
	// by the immediate.
	aOp, bOp := dst, ins.Operands[1]
	if len(ins.Operands) == 3 {
		aOp, bOp = ins.Operands[1], ins.Operands[2]
	}

	a, err := readOperand(aOp, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	b, err := readOperand(bOp, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	width := dst.Width
	full := int64(signExtend(a, width)) * int64(signExtend(b, width))
	result := uint32(full) & mask(width)

	var overflow bool

	switch width {
	case 16:
		overflow = full != int64(int16(full))
	default:
		overflow = full != int64(int32(full))
	}

	regs.SetFlag(cpu.FlagCF, overflow)
	regs.SetFlag(cpu.FlagOF, overflow)

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) divGroup(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	src := ins.Operands[0]

	v, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	width := src.Width

	v &= mask(width)
	if v == 0 {
		return e.fault(FaultDivideByZero, ins.EIP, "division by zero")
	}

	// The dividend is the double-width accumulator pair: AX for 8-bit
	// divisors, DX:AX for 16-bit, EDX:EAX for 32-bit.
	var dividend uint64

	switch width {
	case 8:
		dividend = uint64(regs.GetR16(cpu.EAX))
	case 16:
		dividend = uint64(regs.GetR16(cpu.EDX))<<16 | uint64(regs.GetR16(cpu.EAX))
	default:
		dividend = uint64(regs.Get(cpu.EDX))<<32 | uint64(regs.Get(cpu.EAX))
	}

	if ins.Op == decoder.OpDiv {
		q := dividend / uint64(v)
		r := dividend % uint64(v)

		if q > uint64(mask(width)) {
			return e.fault(FaultDivideByZero, ins.EIP, "quotient overflow")
		}

		e.writeDivResult(regs, uint32(q), uint32(r), width)

		return OutcomeContinue
	}

	var sdividend int64

	switch width {
	case 8:
		sdividend = int64(int16(dividend))
	case 16:
		sdividend = int64(int32(uint32(dividend)))
	default:
		sdividend = int64(dividend)
	}

	sv := int64(signExtend(v, width))

	// -2^63 / -1 would trap the host; it is a quotient overflow regardless.
	if sdividend == math.MinInt64 && sv == -1 {
		return e.fault(FaultDivideByZero, ins.EIP, "quotient overflow")
	}

	q := sdividend / sv
	r := sdividend % sv

	var overflow bool

	switch width {
	case 8:
		overflow = q > int64(int8(0x7f)) || q < int64(int8(-0x80))
	case 16:
		overflow = q > int64(int16(0x7fff)) || q < int64(int16(-0x8000))
	default:
		overflow = q > int64(int32(0x7fffffff)) || q < int64(int32(-0x80000000))
	}

	if overflow {
		return e.fault(FaultDivideByZero, ins.EIP, "quotient overflow")
	}

	e.writeDivResult(regs, uint32(q)&mask(width), uint32(r)&mask(width), width)

	return OutcomeContinue
}

// writeDivResult stores a quotient/remainder pair into the accumulator pair
// appropriate for the divisor width (AL/AH, AX/DX, or EAX/EDX).
func (e *Engine) writeDivResult(regs *cpu.File, q, r uint32, width int) {
	switch width {
	case 8:
		regs.SetR8(cpu.AL, uint8(q))
		regs.SetR8(cpu.AH, uint8(r))
	case 16:
		regs.SetR16(cpu.EAX, uint16(q))
		regs.SetR16(cpu.EDX, uint16(r))
	default:
		regs.Set(cpu.EAX, q)
		regs.Set(cpu.EDX, r)
	}
}

func (e *Engine) logical(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, src := ins.Operands[0], ins.Operands[1]

	a, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	b, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	var result uint32

	switch ins.Op {
	case decoder.OpAnd:
		result = a & b
	case decoder.OpOr:
		result = a | b
	case decoder.OpXor:
		result = a ^ b
	}

	result &= mask(dst.Width)
	setLogicalFlags(regs, result, dst.Width)

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) not(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst := ins.Operands[0]

	v, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	result := (^v) & mask(dst.Width)

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) test(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, src := ins.Operands[0], ins.Operands[1]

	a, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	b, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	setLogicalFlags(regs, (a&b)&mask(dst.Width), dst.Width)

	return OutcomeContinue
}

func (e *Engine) mov(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	v, err := readOperand(ins.Operands[1], regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	if err := writeOperand(ins.Operands[0], v, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) movExtend(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	src := ins.Operands[1]

	v, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	var ext uint32

	if ins.Op == decoder.OpMovzx {
		ext = v & mask(src.Width)
	} else {
		if src.Width == 8 {
			ext = uint32(int32(int8(v)))
		} else {
			ext = uint32(int32(int16(v)))
		}
	}

	if err := writeOperand(ins.Operands[0], ext, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) xchg(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	a, b := ins.Operands[0], ins.Operands[1]

	av, err := readOperand(a, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	bv, err := readOperand(b, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	if err := writeOperand(a, bv, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	if err := writeOperand(b, av, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) push(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	v, err := readOperand(ins.Operands[0], regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	if err := push32(regs, space, v); err != nil {
		return e.fault(FaultStackFault, ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) pop(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	v, err := pop32(regs, space)
	if err != nil {
		return e.fault(FaultStackFault, ins.EIP, err.Error())
	}

	if err := writeOperand(ins.Operands[0], v, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

// pushOrder is EAX,ECX,EDX,EBX,(original ESP),EBP,ESI,EDI, per PUSHAD.
var pushOrder = [...]cpu.GPR{cpu.EAX, cpu.ECX, cpu.EDX, cpu.EBX, cpu.ESP, cpu.EBP, cpu.ESI, cpu.EDI}

func (e *Engine) pushad(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	original := regs.Get(cpu.ESP)

	for _, r := range pushOrder {
		v := original
		if r != cpu.ESP {
			v = regs.Get(r)
		}

		if err := push32(regs, space, v); err != nil {
			return e.fault(FaultStackFault, ins.EIP, err.Error())
		}
	}

	return OutcomeContinue
}

func (e *Engine) popad(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	for i := len(pushOrder) - 1; i >= 0; i-- {
		v, err := pop32(regs, space)
		if err != nil {
			return e.fault(FaultStackFault, ins.EIP, err.Error())
		}

		if pushOrder[i] != cpu.ESP {
			regs.Set(pushOrder[i], v)
		}
	}

	return OutcomeContinue
}

func (e *Engine) jmp(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	op := ins.Operands[0]

	target, err := readOperand(op, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	regs.EIP = target

	return OutcomeContinue
}

func (e *Engine) call(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	target, err := readOperand(ins.Operands[0], regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	if err := push32(regs, space, regs.EIP); err != nil {
		return e.fault(FaultStackFault, ins.EIP, err.Error())
	}

	regs.EIP = target

	return OutcomeContinue
}

func (e *Engine) ret(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	target, err := pop32(regs, space)
	if err != nil {
		return e.fault(FaultStackFault, ins.EIP, err.Error())
	}

	regs.EIP = target

	if len(ins.Operands) == 1 {
		regs.Set(cpu.ESP, regs.Get(cpu.ESP)+ins.Operands[0].Imm)
	}

	return OutcomeContinue
}

func (e *Engine) loop(ins *decoder.Instruction, regs *cpu.File) Outcome {
	ecx := regs.Get(cpu.ECX) - 1
	regs.Set(cpu.ECX, ecx)

	take := ecx != 0

	switch ins.Op {
	case decoder.OpLoope:
		take = take && regs.GetFlag(cpu.FlagZF)
	case decoder.OpLoopne:
		take = take && !regs.GetFlag(cpu.FlagZF)
	}

	if take {
		regs.EIP = ins.Operands[0].Addr
	}

	return OutcomeContinue
}

func (e *Engine) bitTest(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, idxOp := ins.Operands[0], ins.Operands[1]

	idx, err := readOperand(idxOp, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	bit := idx % uint32(dst.Width)

	v, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	regs.SetFlag(cpu.FlagCF, v&(1<<bit) != 0)

	var result uint32

	switch ins.Op {
	case decoder.OpBt:
		return OutcomeContinue
	case decoder.OpBts:
		result = v | (1 << bit)
	case decoder.OpBtr:
		result = v &^ (1 << bit)
	case decoder.OpBtc:
		result = v ^ (1 << bit)
	}

	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) bitScan(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, src := ins.Operands[0], ins.Operands[1]

	v, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	v &= mask(src.Width)

	if v == 0 {
		regs.SetFlag(cpu.FlagZF, true)
		return OutcomeContinue
	}

	regs.SetFlag(cpu.FlagZF, false)

	var idx uint32

	if ins.Op == decoder.OpBsf {
		for idx = 0; v&(1<<idx) == 0; idx++ {
		}
	} else {
		for idx = uint32(src.Width - 1); v&(1<<idx) == 0; idx-- {
		}
	}

	if err := writeOperand(dst, idx, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func (e *Engine) portIO(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	if e.handler == nil {
		return e.fault(FaultSyscall, ins.EIP, "no syscall handler installed")
	}

	var port uint16

	if len(ins.Operands) == 1 && ins.Operands[0].Kind == decoder.OperandImmediate {
		port = uint16(ins.Operands[0].Imm)
	} else {
		port = uint16(regs.Get(cpu.EDX))
	}

	vec := syscall.Vector{PortIO: true, Port: port}

	return e.dispatch(vec, ins, regs, space)
}

func (e *Engine) interrupt(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	if e.handler == nil {
		return e.fault(FaultSyscall, ins.EIP, "no syscall handler installed")
	}

	vec := syscall.Vector{Interrupt: uint8(ins.Operands[0].Imm)}

	return e.dispatch(vec, ins, regs, space)
}

func (e *Engine) dispatch(vec syscall.Vector, ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	result := e.handler.Dispatch(vec, regs, space)

	switch result.Kind {
	case syscall.Continue:
		return OutcomeContinue
	case syscall.Exit:
		return e.halt(result.Code)
	default:
		e.State = StateFaulted
		e.Fault = &Fault{Kind: FaultKind(result.Fault), EIP: ins.EIP, Detail: "syscall handler fault"}

		return OutcomeFaulted
	}
}
