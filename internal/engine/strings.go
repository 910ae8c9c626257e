package engine

import (
	"context"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
	"github.com/smoynes/uvm32/internal/memory"
)

// stringOp executes one element of MOVS/CMPS/SCAS/LODS/STOS. Without a REP
// family prefix it runs exactly once, honoring only DF. With one, Step's
// caller already advanced regs.EIP past the instruction on entry; this
// function undoes that (leaving EIP at the instruction's own address) when
// the loop must continue, so the next Step call re-fetches the same bytes
// and performs the next iteration. That is what lets a REP loop survive
// cancellation and resume cleanly: ECX, the pointers, and ZF are all
// architecturally current after every iteration.
func (e *Engine) stringOp(ctx context.Context, ins *decoder.Instruction, regs *cpu.File, space *memory.Space) Outcome {
	n := ins.Width / 8

	step := int32(n)
	if regs.GetFlag(cpu.FlagDF) {
		step = -step
	}

	repeated := ins.Prefixes.Rep || ins.Prefixes.Repne

	if repeated && regs.Get(cpu.ECX) == 0 {
		return OutcomeContinue // already at the fall-through EIP; no-op.
	}

	select {
	case <-ctx.Done():
		if repeated {
			regs.EIP = ins.EIP
		}

		return OutcomeCancelled
	default:
	}

	outcome := e.stringOpOnce(ins, regs, space, n)
	if outcome != OutcomeContinue {
		return outcome
	}

	// Source/destination pointers advance whether or not a REP prefix is
	// present; only the ECX countdown and re-entry are prefix-specific.
	esi := int32(regs.Get(cpu.ESI)) + step
	edi := int32(regs.Get(cpu.EDI)) + step

	switch ins.Op {
	case decoder.OpMovs, decoder.OpCmps:
		regs.Set(cpu.ESI, uint32(esi))
		regs.Set(cpu.EDI, uint32(edi))
	case decoder.OpLods:
		regs.Set(cpu.ESI, uint32(esi))
	case decoder.OpStos, decoder.OpScas:
		regs.Set(cpu.EDI, uint32(edi))
	}

	if !repeated {
		return OutcomeContinue
	}

	ecx := regs.Get(cpu.ECX) - 1
	regs.Set(cpu.ECX, ecx)

	done := ecx == 0

	if !done && (ins.Op == decoder.OpCmps || ins.Op == decoder.OpScas) {
		zf := regs.GetFlag(cpu.FlagZF)

		if ins.Prefixes.Rep && !zf { // REPE: stop once unequal.
			done = true
		}

		if ins.Prefixes.Repne && zf { // REPNE: stop once equal.
			done = true
		}
	}

	if !done {
		regs.EIP = ins.EIP
	}

	return OutcomeContinue
}

// stringOpOnce performs the data movement or comparison for one element.
// The caller advances ESI/EDI/ECX and decides whether to repeat.
func (e *Engine) stringOpOnce(ins *decoder.Instruction, regs *cpu.File, space *memory.Space, n int) Outcome {
	switch ins.Op {
	case decoder.OpMovs:
		v, err := readMemory(space, regs.Get(cpu.ESI), n*8)
		if err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		if err := writeMemory(space, regs.Get(cpu.EDI), v, n*8); err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

	case decoder.OpStos:
		v := regs.Get(cpu.EAX) & mask(n * 8)
		if err := writeMemory(space, regs.Get(cpu.EDI), v, n*8); err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

	case decoder.OpLods:
		v, err := readMemory(space, regs.Get(cpu.ESI), n*8)
		if err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		writeAccumulator(regs, v, n*8)

	case decoder.OpCmps:
		a, err := readMemory(space, regs.Get(cpu.ESI), n*8)
		if err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		b, err := readMemory(space, regs.Get(cpu.EDI), n*8)
		if err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		setSubFlags(regs, a, b, 0, n*8)

	case decoder.OpScas:
		a := regs.Get(cpu.EAX) & mask(n*8)

		b, err := readMemory(space, regs.Get(cpu.EDI), n*8)
		if err != nil {
			return e.fault(classifyMemFault(err), ins.EIP, err.Error())
		}

		setSubFlags(regs, a, b, 0, n*8)
	}

	return OutcomeContinue
}

func writeAccumulator(regs *cpu.File, v uint32, width int) {
	switch width {
	case 8:
		regs.SetR8(cpu.AL, uint8(v))
	case 16:
		regs.SetR16(cpu.EAX, uint16(v))
	default:
		regs.Set(cpu.EAX, v)
	}
}
