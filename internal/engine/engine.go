// Package engine drives the fetch-decode-execute loop: given bytes at the
// current EIP, it decodes one instruction (internal/decoder) and updates
// the register file, flags and memory, then advances EIP. One Step call
// executes exactly one instruction, or one iteration of a REP-prefixed
// string instruction; suspension points do not exist inside that call.
package engine

import (
	"context"
	"fmt"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
	"github.com/smoynes/uvm32/internal/log"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/syscall"
)

// State is the engine's run state. Halted and faulted are terminal: a
// Step in either returns immediately without touching guest state.
type State uint8

const (
	StateRunning State = iota
	StateHaltedNormal
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHaltedNormal:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// FaultKind enumerates the typed runtime faults the engine can produce.
type FaultKind string

const (
	FaultInvalidInstruction FaultKind = "invalid-instruction"
	FaultBadAddress         FaultKind = "bad-address"
	FaultProtection         FaultKind = "protection"
	FaultDivideByZero       FaultKind = "divide-by-zero"
	FaultStackFault         FaultKind = "stack-fault"
	FaultSyscall            FaultKind = "syscall"
)

// Fault describes why the engine stopped running, with the EIP captured at
// the start of the faulting instruction so a caller can introspect without
// retrying.
type Fault struct {
	Kind   FaultKind
	EIP    uint32
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at %#x: %s", f.Kind, f.EIP, f.Detail)
}

// Outcome is what one Step call reports.
type Outcome uint8

const (
	OutcomeContinue Outcome = iota
	OutcomeHalted
	OutcomeFaulted
	OutcomeCancelled
)

// Engine executes decoded instructions against a register file and address
// space. It holds no reference to either; every call takes them as
// arguments, so the VM controller remains the sole owner of guest state.
type Engine struct {
	State    State
	Fault    *Fault
	ExitCode int

	handler syscall.Handler
	log     *log.Logger
}

// New returns an Engine in the Running state, wired to the given syscall
// handler for INT and port-I/O instructions.
func New(handler syscall.Handler) *Engine {
	return &Engine{State: StateRunning, handler: handler}
}

// WithLogger installs a logger for the engine's diagnostics (currently only
// the unsupported-FS/GS-override warning). A nil logger silences them.
func (e *Engine) WithLogger(l *log.Logger) *Engine {
	e.log = l
	return e
}

const maxInstructionLength = 16

// Step executes exactly one instruction (or, for a REP-prefixed string
// instruction, one iteration of it) at regs.EIP. If the Engine is not
// in StateRunning, Step returns immediately reporting the current state.
func (e *Engine) Step(ctx context.Context, space *memory.Space, regs *cpu.File) Outcome {
	if e.State != StateRunning {
		if e.State == StateHaltedNormal {
			return OutcomeHalted
		}

		return OutcomeFaulted
	}

	select {
	case <-ctx.Done():
		return OutcomeCancelled
	default:
	}

	eip := regs.EIP

	// Fetch up to the longest encodable instruction, shrinking the window
	// when EIP sits near the end of its region.
	var window []byte

	for n := uint32(maxInstructionLength); n > 0; n-- {
		w, err := space.Translate(memory.Addr(eip), n)
		if err == nil {
			window = w
			break
		}
	}

	if window == nil {
		return e.fault(FaultBadAddress, eip, (&memory.BadAddressError{Addr: memory.Addr(eip), Len: 1}).Error())
	}

	if err := space.CheckAccess(memory.Addr(eip), 1, memory.ProtExec); err != nil {
		return e.fault(FaultProtection, eip, err.Error())
	}

	ins, err := decoder.Decode(window, eip, regs)
	if err != nil {
		return e.fault(FaultInvalidInstruction, eip, err.Error())
	}

	regs.EIP = eip + uint32(ins.Length)

	out := e.execute(ctx, ins, regs, space)

	// A faulting instruction is observable as a whole or not at all: EIP is
	// wound back to the instruction's own address so the register file
	// matches the EIP recorded in the fault.
	if out == OutcomeFaulted && e.Fault != nil {
		regs.EIP = e.Fault.EIP
	}

	return out
}

func (e *Engine) fault(kind FaultKind, eip uint32, detail string) Outcome {
	e.State = StateFaulted
	e.Fault = &Fault{Kind: kind, EIP: eip, Detail: detail}

	return OutcomeFaulted
}

func (e *Engine) halt(code int) Outcome {
	e.State = StateHaltedNormal
	e.ExitCode = code

	return OutcomeHalted
}

// readOperand reads an operand's value, width-masked.
func readOperand(op decoder.Operand, regs *cpu.File, space *memory.Space) (uint32, error) {
	switch op.Kind {
	case decoder.OperandRegister:
		if op.Is8 {
			return uint32(regs.GetR8(op.Sub8)), nil
		}

		if op.Width == 16 {
			return uint32(regs.GetR16(op.Reg)), nil
		}

		return regs.Get(op.Reg), nil

	case decoder.OperandMemory:
		return readMemory(space, op.Addr, op.Width)

	case decoder.OperandImmediate:
		return op.Imm, nil

	case decoder.OperandRelative:
		return op.Addr, nil

	default:
		return 0, fmt.Errorf("unreadable operand kind %d", op.Kind)
	}
}

func readMemory(space *memory.Space, addr uint32, width int) (uint32, error) {
	n := width / 8
	buf := make([]byte, n)

	if err := space.Read(memory.Addr(addr), buf); err != nil {
		return 0, err
	}

	var v uint32

	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint32(buf[i])
	}

	return v, nil
}

func writeOperand(op decoder.Operand, value uint32, regs *cpu.File, space *memory.Space) error {
	switch op.Kind {
	case decoder.OperandRegister:
		if op.Is8 {
			regs.SetR8(op.Sub8, uint8(value))
			return nil
		}

		if op.Width == 16 {
			regs.SetR16(op.Reg, uint16(value))
			return nil
		}

		regs.Set(op.Reg, value)

		return nil

	case decoder.OperandMemory:
		return writeMemory(space, op.Addr, value, op.Width)

	default:
		return fmt.Errorf("unwritable operand kind %d", op.Kind)
	}
}

func writeMemory(space *memory.Space, addr uint32, value uint32, width int) error {
	n := width / 8
	buf := make([]byte, n)

	for i := 0; i < n; i++ {
		buf[i] = byte(value >> (8 * i))
	}

	return space.Write(memory.Addr(addr), buf)
}

func push32(regs *cpu.File, space *memory.Space, value uint32) error {
	esp := regs.Get(cpu.ESP) - 4
	if err := writeMemory(space, esp, value, 32); err != nil {
		return err
	}

	regs.Set(cpu.ESP, esp)

	return nil
}

func pop32(regs *cpu.File, space *memory.Space) (uint32, error) {
	esp := regs.Get(cpu.ESP)

	v, err := readMemory(space, esp, 32)
	if err != nil {
		return 0, err
	}

	regs.Set(cpu.ESP, esp+4)

	return v, nil
}
