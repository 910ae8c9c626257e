package decoder_test

import (
	"testing"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
)

func TestDecode_MovEaxImm32(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	ins, err := decoder.Decode([]byte{0xB8, 0x05, 0x00, 0x00, 0x00}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpMov {
		t.Fatalf("want MOV, got %s", ins.Op)
	}

	if ins.Length != 5 {
		t.Fatalf("want length 5, got %d", ins.Length)
	}

	if len(ins.Operands) != 2 || ins.Operands[1].Imm != 5 {
		t.Fatalf("want immediate 5, got %+v", ins.Operands)
	}
}

func TestDecode_AddEaxEbx(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	ins, err := decoder.Decode([]byte{0x01, 0xD8}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpAdd {
		t.Fatalf("want ADD, got %s", ins.Op)
	}

	if ins.Length != 2 {
		t.Fatalf("want length 2, got %d", ins.Length)
	}
}

func TestDecode_IntImm8(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	ins, err := decoder.Decode([]byte{0xCD, 0x80}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpInt {
		t.Fatalf("want INT, got %s", ins.Op)
	}

	if ins.Operands[0].Imm != 0x80 {
		t.Fatalf("want imm 0x80, got %#x", ins.Operands[0].Imm)
	}
}

func TestDecode_ModRM_MemoryOperand_UsesSIB(t *testing.T) {
	t.Parallel()

	regs := cpu.New()
	regs.Set(cpu.EAX, 0x1000) // base
	regs.Set(cpu.ECX, 4)      // index

	// mov edx, [eax + ecx*2 + 0x10]  => 8B 54 48 10
	ins, err := decoder.Decode([]byte{0x8B, 0x54, 0x48, 0x10}, 0x2000, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpMov {
		t.Fatalf("want MOV, got %s", ins.Op)
	}

	mem := ins.Operands[1]
	if mem.Kind != decoder.OperandMemory {
		t.Fatalf("want memory operand, got %+v", mem)
	}

	want := uint32(0x1000 + 4*2 + 0x10)
	if mem.Addr != want {
		t.Fatalf("want effective address %#x, got %#x", want, mem.Addr)
	}
}

func TestDecode_Jcc_ComputesAbsoluteTarget(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	// JE +5, at eip 0x1000, 2-byte instruction -> target = 0x1000+2+5
	ins, err := decoder.Decode([]byte{0x74, 0x05}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpJcc || ins.Cond != decoder.CondE {
		t.Fatalf("want JE, got %s%s", ins.Op, ins.Cond)
	}

	if want := uint32(0x1000 + 2 + 5); ins.Operands[0].Addr != want {
		t.Fatalf("want target %#x, got %#x", want, ins.Operands[0].Addr)
	}
}

func TestDecode_IncDecShortForms(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	ins, err := decoder.Decode([]byte{0x43}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode 0x43: %v", err)
	}

	if ins.Op != decoder.OpInc || ins.Operands[0].Reg != cpu.EBX {
		t.Fatalf("want INC ebx, got %s %v", ins.Op, ins.Operands)
	}

	ins, err = decoder.Decode([]byte{0x4F}, 0x1000, regs)
	if err != nil {
		t.Fatalf("decode 0x4F: %v", err)
	}

	if ins.Op != decoder.OpDec || ins.Operands[0].Reg != cpu.EDI {
		t.Fatalf("want DEC edi, got %s %v", ins.Op, ins.Operands)
	}
}

func TestDecode_FlagInstructions(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	cases := []struct {
		b    byte
		want decoder.Op
	}{
		{0xF5, decoder.OpCmc},
		{0xF8, decoder.OpClc},
		{0xF9, decoder.OpStc},
		{0xFC, decoder.OpCld},
		{0xFD, decoder.OpStd},
	}

	for _, tc := range cases {
		ins, err := decoder.Decode([]byte{tc.b}, 0, regs)
		if err != nil {
			t.Fatalf("decode %#02x: %v", tc.b, err)
		}

		if ins.Op != tc.want || ins.Length != 1 {
			t.Fatalf("decode %#02x: want %s length 1, got %s length %d", tc.b, tc.want, ins.Op, ins.Length)
		}
	}
}

func TestDecode_ImulImmediateForms(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	// imul eax, ebx, 5 (imm8 form)
	ins, err := decoder.Decode([]byte{0x6B, 0xC3, 0x05}, 0, regs)
	if err != nil {
		t.Fatalf("decode 6B: %v", err)
	}

	if ins.Op != decoder.OpImul || len(ins.Operands) != 3 {
		t.Fatalf("want 3-operand IMUL, got %s %v", ins.Op, ins.Operands)
	}

	if ins.Operands[2].Imm != 5 {
		t.Fatalf("want imm 5, got %#x", ins.Operands[2].Imm)
	}

	// imul ecx, edx (0F AF two-operand form)
	ins, err = decoder.Decode([]byte{0x0F, 0xAF, 0xCA}, 0, regs)
	if err != nil {
		t.Fatalf("decode 0F AF: %v", err)
	}

	if ins.Op != decoder.OpImul || len(ins.Operands) != 2 {
		t.Fatalf("want 2-operand IMUL, got %s %v", ins.Op, ins.Operands)
	}

	if ins.Operands[0].Reg != cpu.ECX || ins.Operands[1].Reg != cpu.EDX {
		t.Fatalf("want IMUL ecx, edx, got %v", ins.Operands)
	}
}

func TestDecode_MovRMImmediate(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	// mov dword [0x300], 0x11223344
	ins, err := decoder.Decode([]byte{0xC7, 0x05, 0x00, 0x03, 0x00, 0x00, 0x44, 0x33, 0x22, 0x11}, 0, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpMov || ins.Length != 10 {
		t.Fatalf("want MOV length 10, got %s length %d", ins.Op, ins.Length)
	}

	if ins.Operands[0].Kind != decoder.OperandMemory || ins.Operands[0].Addr != 0x300 {
		t.Fatalf("want memory destination 0x300, got %+v", ins.Operands[0])
	}

	if ins.Operands[1].Imm != 0x11223344 {
		t.Fatalf("want imm 0x11223344, got %#x", ins.Operands[1].Imm)
	}
}

func TestDecode_ShldByCL(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	// shld eax, ebx, cl
	ins, err := decoder.Decode([]byte{0x0F, 0xA5, 0xD8}, 0, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ins.Op != decoder.OpShld || len(ins.Operands) != 3 {
		t.Fatalf("want SHLD with 3 operands, got %s %v", ins.Op, ins.Operands)
	}

	last := ins.Operands[2]
	if last.Kind != decoder.OperandRegister || !last.Is8 || last.Sub8 != cpu.CL {
		t.Fatalf("want CL count operand, got %+v", last)
	}
}

func TestDecode_UnknownOpcode_ReturnsInvalidInstruction(t *testing.T) {
	t.Parallel()

	regs := cpu.New()

	_, err := decoder.Decode([]byte{0x0f, 0xff}, 0x1000, regs)
	if err == nil {
		t.Fatalf("want error for unsupported two-byte opcode")
	}

	var decErr *decoder.Error
	if !asDecoderError(err, &decErr) {
		t.Fatalf("want *decoder.Error, got %T", err)
	}

	if decErr.EIP != 0x1000 {
		t.Fatalf("want EIP 0x1000, got %#x", decErr.EIP)
	}
}

func asDecoderError(err error, target **decoder.Error) bool {
	if e, ok := err.(*decoder.Error); ok {
		*target = e
		return true
	}

	return false
}
