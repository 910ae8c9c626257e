package engine

import (
	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
	"github.com/smoynes/uvm32/internal/memory"
)

// shiftRotate implements SHL/SHR/SAR/ROL/ROR/RCL/RCR. For a shift count
// of 1, CF is the bit shifted out and OF follows the top-bit rules. For
// counts greater than 1,
// OF is left at its prior value for rotates and cleared for shifts, a
// fixed choice where the architecture itself leaves OF undefined.
func (e *Engine) shiftRotate(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, countOp := ins.Operands[0], ins.Operands[1]

	v, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	count, err := readOperand(countOp, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	width := dst.Width
	v &= mask(width)

	switch ins.Op {
	case decoder.OpShl:
		count %= 32
		if count == 0 {
			return OutcomeContinue
		}

		result := (v << count) & mask(width)

		if count <= uint32(width) {
			regs.SetFlag(cpu.FlagCF, v&(1<<(uint32(width)-count))!= 0)
		}

		if count == 1 {
			regs.SetFlag(cpu.FlagOF, signBit(v, width) != signBit(result, width))
		} else {
			regs.SetFlag(cpu.FlagOF, false)
		}

		setZSP(regs, result, width)

		return e.writeShiftResult(ins, dst, result, regs, space)

	case decoder.OpShr:
		count %= 32
		if count == 0 {
			return OutcomeContinue
		}

		result := (v >> count) & mask(width)

		if count >= 1 && count <= uint32(width) {
			regs.SetFlag(cpu.FlagCF, v&(1<<(count-1)) != 0)
		}

		if count == 1 {
			regs.SetFlag(cpu.FlagOF, signBit(v, width))
		} else {
			regs.SetFlag(cpu.FlagOF, false)
		}

		setZSP(regs, result, width)

		return e.writeShiftResult(ins, dst, result, regs, space)

	case decoder.OpSar:
		count %= 32
		if count == 0 {
			return OutcomeContinue
		}

		signed := signExtend(v, width)
		result := uint32(signed>>count) & mask(width)

		if count <= uint32(width) {
			regs.SetFlag(cpu.FlagCF, v&(1<<(count-1)) != 0)
		}

		regs.SetFlag(cpu.FlagOF, false)
		setZSP(regs, result, width)

		return e.writeShiftResult(ins, dst, result, regs, space)

	case decoder.OpRol:
		cnt := count % uint32(width)
		result := (v<<cnt | v>>(uint32(width)-cnt)) & mask(width)

		if cnt == 0 {
			result = v
		}

		regs.SetFlag(cpu.FlagCF, result&1 != 0)

		if count == 1 {
			regs.SetFlag(cpu.FlagOF, signBit(result, width) != (result&1 != 0))
		}

		return e.writeShiftResult(ins, dst, result, regs, space)

	case decoder.OpRor:
		cnt := count % uint32(width)
		result := v

		if cnt != 0 {
			result = (v>>cnt | v<<(uint32(width)-cnt)) & mask(width)
		}

		regs.SetFlag(cpu.FlagCF, signBit(result, width))

		if count == 1 {
			top := (result >> (uint32(width) - 1)) & 1
			second := (result >> (uint32(width) - 2)) & 1
			regs.SetFlag(cpu.FlagOF, top != second)
		}

		return e.writeShiftResult(ins, dst, result, regs, space)

	case decoder.OpRcl:
		return e.rotateCarry(ins, dst, v, count, width, regs, space, true)

	case decoder.OpRcr:
		return e.rotateCarry(ins, dst, v, count, width, regs, space, false)
	}

	return OutcomeContinue
}

func (e *Engine) writeShiftResult(ins *decoder.Instruction, dst decoder.Operand, result uint32, regs *cpu.File, space *memory.Space) Outcome {
	if err := writeOperand(dst, result, regs, space); err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	return OutcomeContinue
}

func signExtend(v uint32, width int) int32 {
	switch width {
	case 8:
		return int32(int8(v))
	case 16:
		return int32(int16(v))
	default:
		return int32(v)
	}
}

// rotateCarry implements RCL/RCR: rotation through CF, an extra bit of
// state beyond the register's own width.
func (e *Engine) rotateCarry(ins *decoder.Instruction, dst decoder.Operand, v, count uint32, width int, regs *cpu.File, space *memory.Space, left bool) Outcome {
	bits := width + 1
	cnt := count % uint32(bits)

	cf := uint32(0)
	if regs.GetFlag(cpu.FlagCF) {
		cf = 1
	}

	extended := v | (cf << width)

	for i := uint32(0); i < cnt; i++ {
		if left {
			top := (extended >> width) & 1
			extended = ((extended << 1) | top) & ((1 << bits) - 1)
		} else {
			bottom := extended & 1
			extended = (extended >> 1) | (bottom << width)
		}
	}

	result := extended & mask(width)
	newCF := (extended >> width) & 1

	regs.SetFlag(cpu.FlagCF, newCF != 0)

	if count == 1 {
		if left {
			regs.SetFlag(cpu.FlagOF, signBit(result, width) != (newCF != 0))
		} else {
			regs.SetFlag(cpu.FlagOF, signBit(v, width) != signBit(result, width))
		}
	}

	return e.writeShiftResult(ins, dst, result, regs, space)
}

// shiftDouble implements SHLD/SHRD: shift dst, filling vacated bits from
// src, by a count taken from an immediate.
func (e *Engine) shiftDouble(ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	dst, src, countOp := ins.Operands[0], ins.Operands[1], ins.Operands[2]

	count, err := readOperand(countOp, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	width := dst.Width
	cnt := count % uint32(width)

	if cnt == 0 {
		return OutcomeContinue
	}

	d, err := readOperand(dst, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	s, err := readOperand(src, regs, space)
	if err != nil {
		return e.fault(classifyMemFault(err), ins.EIP, err.Error())
	}

	var result uint32

	if ins.Op == decoder.OpShld {
		combined := (uint64(d) << uint64(width)) | uint64(s)
		combined <<= cnt
		result = uint32(combined>>uint64(width)) & mask(width)
		regs.SetFlag(cpu.FlagCF, d&(1<<(uint32(width)-cnt)) != 0)
	} else {
		combined := (uint64(s) << uint64(width)) | uint64(d)
		combined >>= cnt
		result = uint32(combined) & mask(width)
		regs.SetFlag(cpu.FlagCF, d&(1<<(cnt-1)) != 0)
	}

	setZSP(regs, result, width)

	return e.writeShiftResult(ins, dst, result, regs, space)
}
