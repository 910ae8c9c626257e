// Package syscall defines the dispatch seam the execution engine calls
// through on INT (and, for the port-I/O instructions, a synthesized call
// number). It owns no policy of its own: the ABI-specific argument
// conventions and handler bodies live outside the core, this package only
// names the contract between engine and handler.
package syscall

import (
	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/memory"
)

// ControlFlowKind names what the engine should do after a handler returns.
type ControlFlowKind uint8

const (
	Continue ControlFlowKind = iota
	Exit
	Fault
)

// ControlFlow is a handler's verdict for one trap.
type ControlFlow struct {
	Kind ControlFlowKind
	Code int    // valid when Kind == Exit: the guest's exit code.
	Fault string // valid when Kind == Fault: a fault kind name.
}

// Vector identifies what triggered the trap: a software interrupt number,
// or one of the synthesized port-I/O call numbers the engine uses for
// IN/OUT/INS/OUTS.
type Vector struct {
	Interrupt uint8
	PortIO    bool
	Port      uint16
}

// Handler is the single polymorphic seam every trap in the guest routes
// through. It is given mutable access to the register file and address
// space; the core makes no further assumption about argument conventions.
type Handler interface {
	Dispatch(vec Vector, regs *cpu.File, space *memory.Space) ControlFlow

	// Resolve looks up the guest address of an externally-defined symbol,
	// for relocations the image itself leaves undefined. Implementations
	// may synthesize a thunk-region stub address that, when executed,
	// falls back through Dispatch.
	Resolve(name string) (memory.Addr, bool)
}
