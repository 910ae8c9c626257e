package decoder

import "github.com/smoynes/uvm32/internal/cpu"

// decodeOneByte dispatches on the primary opcode byte (no 0x0F escape).
func (d *decodeState) decodeOneByte(ins *Instruction, op byte) (*Instruction, error) {
	is8 := op&1 == 0

	switch {
	case op <= 0x3d && (op&0xc0) == 0x00 && (op&0x7) <= 5:
		return d.decodeArithGroup(ins, op)

	case op >= 0x40 && op <= 0x47:
		ins.Op, ins.Class = OpInc, ClassArithmetic
		ins.Operands = []Operand{{Kind: OperandRegister, Width: ins.Width, Reg: cpu.GPR(op - 0x40)}}

		return ins, nil

	case op >= 0x48 && op <= 0x4f:
		ins.Op, ins.Class = OpDec, ClassArithmetic
		ins.Operands = []Operand{{Kind: OperandRegister, Width: ins.Width, Reg: cpu.GPR(op - 0x48)}}

		return ins, nil

	case op >= 0x50 && op <= 0x57:
		ins.Op, ins.Class = OpPush, ClassStack
		ins.Operands = []Operand{{Kind: OperandRegister, Width: 32, Reg: cpu.GPR(op - 0x50)}}

		return ins, nil

	case op >= 0x58 && op <= 0x5f:
		ins.Op, ins.Class = OpPop, ClassStack
		ins.Operands = []Operand{{Kind: OperandRegister, Width: 32, Reg: cpu.GPR(op - 0x58)}}

		return ins, nil

	case op == 0x60:
		ins.Op, ins.Class = OpPushad, ClassStack
		return ins, nil

	case op == 0x61:
		ins.Op, ins.Class = OpPopad, ClassStack
		return ins, nil

	case op == 0x68:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpPush, ClassStack
		ins.Operands = []Operand{immOperand(v, 32, true)}

		return ins, nil

	case op == 0x6a:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpPush, ClassStack
		ins.Operands = []Operand{immOperand(uint32(int32(int8(v))), 32, true)}

		return ins, nil

	case op == 0x69 || op == 0x6b:
		return d.decodeImulImm(ins, op)

	case op >= 0x70 && op <= 0x7f:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class, ins.Cond = OpJcc, ClassControl, Cond(op-0x70)
		target := d.eip + uint32(d.pos) + uint32(int32(int8(v)))
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: target}}

		return ins, nil

	case op == 0x80 || op == 0x81 || op == 0x83:
		return d.decodeImmGroup(ins, op)

	case op == 0x84 || op == 0x85:
		return d.decodeModRMArith(ins, OpTest, ClassLogical, op == 0x84)

	case op == 0x86 || op == 0x87:
		return d.decodeModRMArith(ins, OpXchg, ClassMove, op == 0x86)

	case op == 0x88 || op == 0x89:
		return d.decodeModRMArith(ins, OpMov, ClassMove, op == 0x88)

	case op == 0x8a || op == 0x8b:
		return d.decodeModRMArithReverse(ins, OpMov, ClassMove, op == 0x8a)

	case op == 0x8f:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		if ins.RegOp != 0 {
			return nil, invalid(d.eip, d.code, "reserved /%d in group 8F", ins.RegOp)
		}

		ins.Op, ins.Class = OpPop, ClassStack
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, 32, false)}

		return ins, nil

	case op == 0x8d:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		if isReg {
			return nil, invalid(d.eip, d.code, "LEA requires memory operand")
		}

		ins.Op, ins.Class = OpLea, ClassMove
		ins.Operands = []Operand{regOperand(ins, ins.Width, false), mem}

		return ins, nil

	case op >= 0x90 && op <= 0x97:
		// 0x90, XCHG EAX,EAX, is the canonical NOP.
		ins.Op, ins.Class = OpXchg, ClassMove
		ins.Operands = []Operand{
			{Kind: OperandRegister, Width: 32, Reg: cpu.EAX},
			{Kind: OperandRegister, Width: 32, Reg: cpu.GPR(op - 0x90)},
		}

		return ins, nil

	case op == 0x98:
		ins.Op, ins.Class = OpCwde, ClassArithmetic
		return ins, nil

	case op == 0x99:
		ins.Class = ClassArithmetic
		if ins.Width == 16 {
			ins.Op = OpCwd
		} else {
			ins.Op = OpCdq
		}

		return ins, nil

	case op == 0x9c:
		ins.Op, ins.Class = OpPushf, ClassStack
		return ins, nil

	case op == 0x9d:
		ins.Op, ins.Class = OpPopf, ClassStack
		return ins, nil

	case op >= 0xa0 && op <= 0xa3:
		// MOV between the accumulator and an absolute 32-bit offset.
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		is8 := op == 0xa0 || op == 0xa2
		width := ins.Width

		if is8 {
			width = 8
		}

		acc := Operand{Kind: OperandRegister, Width: width, Reg: cpu.EAX}
		if is8 {
			acc = Operand{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.AL}
		}

		mem := Operand{Kind: OperandMemory, Width: width, Addr: v}

		ins.Op, ins.Class = OpMov, ClassMove

		if op <= 0xa1 {
			ins.Operands = []Operand{acc, mem}
		} else {
			ins.Operands = []Operand{mem, acc}
		}

		return ins, nil

	case op == 0xa8:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpTest, ClassLogical
		ins.Operands = []Operand{{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.AL}, immOperand(uint32(v), 8, false)}

		return ins, nil

	case op == 0xa9:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpTest, ClassLogical
		ins.Operands = []Operand{{Kind: OperandRegister, Width: ins.Width, Reg: cpu.EAX}, immOperand(v, ins.Width, false)}

		return ins, nil

	case op >= 0xb0 && op <= 0xb7:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpMov, ClassMove
		ins.Operands = []Operand{
			{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.SubReg8(op - 0xb0)},
			immOperand(uint32(v), 8, false),
		}

		return ins, nil

	case op >= 0xb8 && op <= 0xbf:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpMov, ClassMove
		ins.Operands = []Operand{{Kind: OperandRegister, Width: 32, Reg: cpu.GPR(op - 0xb8)}, immOperand(v, 32, false)}

		return ins, nil

	case op == 0xc0 || op == 0xc1 || op == 0xd0 || op == 0xd1 || op == 0xd2 || op == 0xd3:
		return d.decodeShiftGroup(ins, op)

	case op == 0xc6 || op == 0xc7:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		if ins.RegOp != 0 {
			return nil, invalid(d.eip, d.code, "reserved /%d in group C6/C7", ins.RegOp)
		}

		is8 := op == 0xc6
		width := ins.Width

		if is8 {
			width = 8
		}

		var imm uint32

		switch {
		case is8:
			v, err := d.u8()
			if err != nil {
				return nil, err
			}

			imm = uint32(v)
		case width == 16:
			v, err := d.u16()
			if err != nil {
				return nil, err
			}

			imm = uint32(v)
		default:
			v, err := d.u32()
			if err != nil {
				return nil, err
			}

			imm = v
		}

		ins.Op, ins.Class = OpMov, ClassMove
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, width, is8), immOperand(imm, width, false)}

		return ins, nil

	case op == 0xc2:
		v, err := d.u16()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpRet, ClassControl
		ins.Operands = []Operand{immOperand(uint32(v), 16, false)}

		return ins, nil

	case op == 0xc3:
		ins.Op, ins.Class = OpRet, ClassControl
		return ins, nil

	case op == 0xe0 || op == 0xe1 || op == 0xe2:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		target := d.eip + uint32(d.pos) + uint32(int32(int8(v)))
		ins.Class = ClassControl

		switch op {
		case 0xe0:
			ins.Op = OpLoopne
		case 0xe1:
			ins.Op = OpLoope
		case 0xe2:
			ins.Op = OpLoop
		}

		ins.Operands = []Operand{{Kind: OperandRelative, Addr: target}}

		return ins, nil

	case op == 0xe3:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpJecxz, ClassControl
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: d.eip + uint32(d.pos) + uint32(int32(int8(v)))}}

		return ins, nil

	case op == 0xe8:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpCall, ClassControl
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: d.eip + uint32(d.pos) + v}}

		return ins, nil

	case op == 0xe9:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpJmp, ClassControl
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: d.eip + uint32(d.pos) + v}}

		return ins, nil

	case op == 0xeb:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpJmp, ClassControl
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: d.eip + uint32(d.pos) + uint32(int32(int8(v)))}}

		return ins, nil

	case op >= 0xe4 && op <= 0xe7:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Class = ClassIO
		if op < 0xe6 {
			ins.Op = OpIn
		} else {
			ins.Op = OpOut
		}

		ins.Operands = []Operand{immOperand(uint32(v), 8, false)}

		return ins, nil

	case op == 0xec || op == 0xed:
		ins.Op, ins.Class = OpIn, ClassIO
		return ins, nil

	case op == 0xee || op == 0xef:
		ins.Op, ins.Class = OpOut, ClassIO
		return ins, nil

	case op == 0x6c || op == 0x6d:
		ins.Op, ins.Class = OpIns, ClassStringOp
		return ins, nil

	case op == 0x6e || op == 0x6f:
		ins.Op, ins.Class = OpOuts, ClassStringOp
		return ins, nil

	case op == 0xf4:
		ins.Op, ins.Class = OpHlt, ClassSystem
		return ins, nil

	case op == 0xf5:
		ins.Op, ins.Class = OpCmc, ClassArithmetic
		return ins, nil

	case op == 0xf8:
		ins.Op, ins.Class = OpClc, ClassArithmetic
		return ins, nil

	case op == 0xf9:
		ins.Op, ins.Class = OpStc, ClassArithmetic
		return ins, nil

	case op == 0xfc:
		ins.Op, ins.Class = OpCld, ClassStringOp
		return ins, nil

	case op == 0xfd:
		ins.Op, ins.Class = OpStd, ClassStringOp
		return ins, nil

	case op == 0xf6 || op == 0xf7:
		return d.decodeUnaryGroup(ins, op)

	case op == 0xfe || op == 0xff:
		return d.decodeIncDecGroup(ins, op)

	case op == 0xcd:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpInt, ClassSystem
		ins.Operands = []Operand{immOperand(uint32(v), 8, false)}

		return ins, nil

	case op == 0xa4 || op == 0xa5:
		ins.Op, ins.Class = OpMovs, ClassStringOp
		ins.Width = widthFor(op, ins)

		return ins, nil

	case op == 0xa6 || op == 0xa7:
		ins.Op, ins.Class = OpCmps, ClassStringOp
		ins.Width = widthFor(op, ins)

		return ins, nil

	case op == 0xaa || op == 0xab:
		ins.Op, ins.Class = OpStos, ClassStringOp
		ins.Width = widthFor(op, ins)

		return ins, nil

	case op == 0xac || op == 0xad:
		ins.Op, ins.Class = OpLods, ClassStringOp
		ins.Width = widthFor(op, ins)

		return ins, nil

	case op == 0xae || op == 0xaf:
		ins.Op, ins.Class = OpScas, ClassStringOp
		ins.Width = widthFor(op, ins)

		return ins, nil

	default:
		_ = is8

		return nil, invalid(d.eip, d.code, "unsupported opcode %#02x", op)
	}
}

func widthFor(op byte, ins *Instruction) int {
	if op&1 == 0 {
		return 8
	}

	return ins.Width
}

// decodeArithGroup handles the classic two-operand arithmetic/logical forms
// 0x00-0x3D: ADD/OR/ADC/SBB/AND/SUB/XOR/CMP across their Eb,Gb / Ev,Gv /
// Gb,Eb / Gv,Ev / AL,Ib / eAX,Iz encodings.
func (d *decodeState) decodeArithGroup(ins *Instruction, op byte) (*Instruction, error) {
	ops := []Op{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}
	classes := map[Op]Class{
		OpAdd: ClassArithmetic, OpAdc: ClassArithmetic, OpSub: ClassArithmetic, OpSbb: ClassArithmetic, OpCmp: ClassArithmetic,
		OpOr: ClassLogical, OpAnd: ClassLogical, OpXor: ClassLogical,
	}

	group := op >> 3
	variant := op & 0x7
	mnemonic := ops[group]
	ins.Class = classes[mnemonic]
	ins.Op = mnemonic

	is8 := variant&1 == 0

	switch variant {
	case 0, 1:
		return d.decodeModRMArith(ins, mnemonic, ins.Class, is8)
	case 2, 3:
		return d.decodeModRMArithReverse(ins, mnemonic, ins.Class, is8)
	case 4:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Operands = []Operand{{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.AL}, immOperand(uint32(v), 8, false)}

		return ins, nil
	case 5:
		var v uint32

		if ins.Width == 16 {
			w, err := d.u16()
			if err != nil {
				return nil, err
			}

			v = uint32(w)
		} else {
			w, err := d.u32()
			if err != nil {
				return nil, err
			}

			v = w
		}

		ins.Operands = []Operand{{Kind: OperandRegister, Width: ins.Width, Reg: cpu.EAX}, immOperand(v, ins.Width, false)}

		return ins, nil
	}

	return nil, invalid(d.eip, d.code, "unreachable arith variant")
}

// decodeModRMArith decodes "op Eb/Ev, Gb/Gv": destination is r/m, source is reg.
func (d *decodeState) decodeModRMArith(ins *Instruction, mnemonic Op, class Class, is8 bool) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	width := ins.Width
	if is8 {
		width = 8
	}

	ins.Op, ins.Class = mnemonic, class
	ins.Operands = []Operand{rmOperand(ins, mem, isReg, width, is8), regOperand(ins, width, is8)}

	return ins, nil
}

// decodeModRMArithReverse decodes "op Gb/Gv, Eb/Ev": destination is reg, source is r/m.
func (d *decodeState) decodeModRMArithReverse(ins *Instruction, mnemonic Op, class Class, is8 bool) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	width := ins.Width
	if is8 {
		width = 8
	}

	ins.Op, ins.Class = mnemonic, class
	ins.Operands = []Operand{regOperand(ins, width, is8), rmOperand(ins, mem, isReg, width, is8)}

	return ins, nil
}

// decodeImmGroup handles 0x80/0x81/0x83: r/m OP imm8/imm16/imm32,
// dispatched by the ModR/M reg field.
func (d *decodeState) decodeImmGroup(ins *Instruction, op byte) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	ops := []Op{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}
	classes := map[Op]Class{
		OpAdd: ClassArithmetic, OpAdc: ClassArithmetic, OpSub: ClassArithmetic, OpSbb: ClassArithmetic, OpCmp: ClassArithmetic,
		OpOr: ClassLogical, OpAnd: ClassLogical, OpXor: ClassLogical,
	}

	mnemonic := ops[ins.RegOp]

	is8 := op == 0x80
	width := ins.Width

	if is8 {
		width = 8
	}

	var imm uint32

	switch op {
	case 0x80:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		imm = uint32(v)
	case 0x83:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		imm = uint32(int32(int8(v)))
	default: // 0x81
		if width == 16 {
			v, err := d.u16()
			if err != nil {
				return nil, err
			}

			imm = uint32(v)
		} else {
			v, err := d.u32()
			if err != nil {
				return nil, err
			}

			imm = v
		}
	}

	ins.Op, ins.Class = mnemonic, classes[mnemonic]
	ins.Operands = []Operand{rmOperand(ins, mem, isReg, width, is8), immOperand(imm, width, op == 0x83)}

	return ins, nil
}

// decodeShiftGroup handles 0xC0/0xC1 (imm8 count), 0xD0/0xD1 (count=1) and
// 0xD2/0xD3 (count=CL), dispatched by ModR/M reg field.
func (d *decodeState) decodeShiftGroup(ins *Instruction, op byte) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	ops := []Op{OpRol, OpRor, OpRcl, OpRcr, OpShl, OpShr, OpShl, OpSar}
	mnemonic := ops[ins.RegOp]

	is8 := op == 0xc0 || op == 0xd0 || op == 0xd2
	width := ins.Width

	if is8 {
		width = 8
	}

	rm := rmOperand(ins, mem, isReg, width, is8)

	var count Operand

	switch op {
	case 0xc0, 0xc1:
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		count = immOperand(uint32(v), 8, false)
	case 0xd0, 0xd1:
		count = immOperand(1, 8, false)
	default: // 0xd2, 0xd3
		count = Operand{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.CL}
	}

	ins.Op, ins.Class = mnemonic, ClassShift
	ins.Operands = []Operand{rm, count}

	return ins, nil
}

// decodeUnaryGroup handles 0xF6/0xF7: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV,
// dispatched by ModR/M reg field.
func (d *decodeState) decodeUnaryGroup(ins *Instruction, op byte) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	is8 := op == 0xf6
	width := ins.Width

	if is8 {
		width = 8
	}

	rm := rmOperand(ins, mem, isReg, width, is8)

	switch ins.RegOp {
	case 0, 1:
		var imm uint32

		if is8 {
			v, err := d.u8()
			if err != nil {
				return nil, err
			}

			imm = uint32(v)
		} else if width == 16 {
			v, err := d.u16()
			if err != nil {
				return nil, err
			}

			imm = uint32(v)
		} else {
			v, err := d.u32()
			if err != nil {
				return nil, err
			}

			imm = v
		}

		ins.Op, ins.Class = OpTest, ClassLogical
		ins.Operands = []Operand{rm, immOperand(imm, width, false)}

	case 2:
		ins.Op, ins.Class = OpNot, ClassLogical
		ins.Operands = []Operand{rm}

	case 3:
		ins.Op, ins.Class = OpNeg, ClassArithmetic
		ins.Operands = []Operand{rm}

	case 4:
		ins.Op, ins.Class = OpMul, ClassArithmetic
		ins.Operands = []Operand{rm}

	case 5:
		ins.Op, ins.Class = OpImul, ClassArithmetic
		ins.Operands = []Operand{rm}

	case 6:
		ins.Op, ins.Class = OpDiv, ClassArithmetic
		ins.Operands = []Operand{rm}

	case 7:
		ins.Op, ins.Class = OpIdiv, ClassArithmetic
		ins.Operands = []Operand{rm}
	}

	return ins, nil
}

// decodeImulImm handles the two/three-operand IMUL forms 0x69 (imm32) and
// 0x6B (sign-extended imm8): dst register, r/m source, immediate multiplier.
func (d *decodeState) decodeImulImm(ins *Instruction, op byte) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	var imm uint32

	if op == 0x6b {
		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		imm = uint32(int32(int8(v)))
	} else if ins.Width == 16 {
		v, err := d.u16()
		if err != nil {
			return nil, err
		}

		imm = uint32(int32(int16(v)))
	} else {
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		imm = v
	}

	ins.Op, ins.Class = OpImul, ClassArithmetic
	ins.Operands = []Operand{
		regOperand(ins, ins.Width, false),
		rmOperand(ins, mem, isReg, ins.Width, false),
		immOperand(imm, ins.Width, true),
	}

	return ins, nil
}

// decodeIncDecGroup handles 0xFE (INC/DEC, 8-bit) and 0xFF (INC/DEC/CALL/
// JMP/PUSH, 32-bit), dispatched by ModR/M reg field.
func (d *decodeState) decodeIncDecGroup(ins *Instruction, op byte) (*Instruction, error) {
	mem, isReg, err := d.modrm(ins)
	if err != nil {
		return nil, err
	}

	is8 := op == 0xfe
	width := ins.Width

	if is8 {
		width = 8
	}

	rm := rmOperand(ins, mem, isReg, width, is8)

	switch ins.RegOp {
	case 0:
		ins.Op, ins.Class = OpInc, ClassArithmetic
		ins.Operands = []Operand{rm}
	case 1:
		ins.Op, ins.Class = OpDec, ClassArithmetic
		ins.Operands = []Operand{rm}
	case 2:
		ins.Op, ins.Class = OpCall, ClassControl
		ins.Operands = []Operand{rm}
	case 3:
		ins.Op, ins.Class = OpCall, ClassControl
		ins.Operands = []Operand{rm}
	case 4:
		ins.Op, ins.Class = OpJmp, ClassControl
		ins.Operands = []Operand{rm}
	case 5:
		ins.Op, ins.Class = OpJmp, ClassControl
		ins.Operands = []Operand{rm}
	case 6:
		ins.Op, ins.Class = OpPush, ClassStack
		ins.Operands = []Operand{rm}
	default:
		return nil, invalid(d.eip, d.code, "reserved /7 in group FF")
	}

	return ins, nil
}

// decodeTwoByte dispatches the 0x0F escape map: Jcc near, SETcc, CMOVcc,
// MOVZX/MOVSX, and the bit-test group.
func (d *decodeState) decodeTwoByte(ins *Instruction) (*Instruction, error) {
	op, err := d.u8()
	if err != nil {
		return nil, err
	}

	ins.Opcode = append(ins.Opcode, op)

	switch {
	case op >= 0x80 && op <= 0x8f:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class, ins.Cond = OpJcc, ClassControl, Cond(op-0x80)
		ins.Operands = []Operand{{Kind: OperandRelative, Addr: d.eip + uint32(d.pos) + v}}

		return ins, nil

	case op >= 0x90 && op <= 0x9f:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class, ins.Cond = OpSetcc, ClassControl, Cond(op-0x90)
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, 8, true)}

		return ins, nil

	case op >= 0x40 && op <= 0x4f:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class, ins.Cond = OpCmovcc, ClassMove, Cond(op-0x40)
		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, ins.Width, false)}

		return ins, nil

	case op == 0xb6 || op == 0xb7:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpMovzx, ClassMove
		srcWidth := 8

		if op == 0xb7 {
			srcWidth = 16
		}

		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, srcWidth, srcWidth == 8)}

		return ins, nil

	case op == 0xbe || op == 0xbf:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpMovsx, ClassMove
		srcWidth := 8

		if op == 0xbf {
			srcWidth = 16
		}

		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, srcWidth, srcWidth == 8)}

		return ins, nil

	case op == 0xa3 || op == 0xab || op == 0xb3 || op == 0xbb:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ops := map[byte]Op{0xa3: OpBt, 0xab: OpBts, 0xb3: OpBtr, 0xbb: OpBtc}
		ins.Op, ins.Class = ops[op], ClassLogical
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, ins.Width, false), regOperand(ins, ins.Width, false)}

		return ins, nil

	case op == 0xba:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ops := map[uint8]Op{4: OpBt, 5: OpBts, 6: OpBtr, 7: OpBtc}

		mnemonic, ok := ops[ins.RegOp]
		if !ok {
			return nil, invalid(d.eip, d.code, "reserved /%d in group 0F BA", ins.RegOp)
		}

		ins.Op, ins.Class = mnemonic, ClassLogical
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, ins.Width, false), immOperand(uint32(v), 8, false)}

		return ins, nil

	case op == 0xbc:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpBsf, ClassLogical
		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, ins.Width, false)}

		return ins, nil

	case op == 0xbd:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpBsr, ClassLogical
		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, ins.Width, false)}

		return ins, nil

	case op == 0xa4 || op == 0xac:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		v, err := d.u8()
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpShld, ClassShift
		if op == 0xac {
			ins.Op = OpShrd
		}

		ins.Operands = []Operand{rmOperand(ins, mem, isReg, ins.Width, false), regOperand(ins, ins.Width, false), immOperand(uint32(v), 8, false)}

		return ins, nil

	case op == 0xa5 || op == 0xad:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpShld, ClassShift
		if op == 0xad {
			ins.Op = OpShrd
		}

		cl := Operand{Kind: OperandRegister, Width: 8, Is8: true, Sub8: cpu.CL}
		ins.Operands = []Operand{rmOperand(ins, mem, isReg, ins.Width, false), regOperand(ins, ins.Width, false), cl}

		return ins, nil

	case op == 0xaf:
		mem, isReg, err := d.modrm(ins)
		if err != nil {
			return nil, err
		}

		ins.Op, ins.Class = OpImul, ClassArithmetic
		ins.Operands = []Operand{regOperand(ins, ins.Width, false), rmOperand(ins, mem, isReg, ins.Width, false)}

		return ins, nil

	default:
		return nil, invalid(d.eip, d.code, "unsupported two-byte opcode 0f %#02x", op)
	}
}
