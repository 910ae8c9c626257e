// Package machine assembles the guest address space, register file, loader,
// decoder, execution engine, and syscall seam into one virtual machine and
// drives it: Load maps an ELF image, Run steps the engine to completion
// honoring an instruction budget and breakpoints, and the introspection
// methods (ReadMemory/WriteMemory/Registers/SetRegisters/breakpoints) let a
// monitor or debugger front-end observe and control execution between
// instructions.
package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/engine"
	"github.com/smoynes/uvm32/internal/loader"
	"github.com/smoynes/uvm32/internal/log"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/reloc"
	"github.com/smoynes/uvm32/internal/syscall"
)

// Config describes how a VM's address space is laid out. Zero-valued fields
// fall back to defaults chosen to match a typical Haiku x86 process image.
type Config struct {
	MemorySize uint64 // Total logical capacity of the guest address space.

	ETDynLoadBase uint32 // Base address for position-independent images.

	StackTop  uint32
	StackSize uint32

	HeapBase        uint32
	HeapInitialSize uint32

	EnableRelocation bool
}

const (
	defaultMemorySize    = 256 * 1024 * 1024
	defaultETDynLoadBase = 0x08000000
	defaultStackSize     = 1024 * 1024
	defaultHeapInitial   = 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.MemorySize == 0 {
		c.MemorySize = defaultMemorySize
	}

	if c.ETDynLoadBase == 0 {
		c.ETDynLoadBase = defaultETDynLoadBase
	}

	if c.StackSize == 0 {
		c.StackSize = defaultStackSize
	}

	if c.StackTop == 0 {
		if c.MemorySize >= 1<<32 {
			c.StackTop = 0xC0000000
		} else {
			c.StackTop = uint32(c.MemorySize) - 0x10000
		}
	}

	if c.HeapInitialSize == 0 {
		c.HeapInitialSize = defaultHeapInitial
	}

	if c.HeapBase == 0 {
		c.HeapBase = c.ETDynLoadBase + 0x04000000
	}

	return c
}

// Machine is the assembled virtual machine: the address space, the register
// file, and an execution engine wired to a syscall handler.
type Machine struct {
	Space *memory.Space
	Regs  *cpu.File

	engine  *engine.Engine
	handler syscall.Handler
	config  Config
	log     *log.Logger
	heap    *memory.Heap

	breakpoints map[memory.Addr]bool
}

// New assembles an idle machine from a Config and a syscall handler. Call
// Load before Run.
func New(cfg Config, handler syscall.Handler) *Machine {
	cfg = cfg.withDefaults()

	space := memory.New(cfg.MemorySize)

	logger := log.DefaultLogger()

	m := &Machine{
		Space:       space,
		Regs:        cpu.New(),
		engine:      engine.New(handler).WithLogger(logger),
		handler:     handler,
		config:      cfg,
		log:         logger,
		breakpoints: make(map[memory.Addr]bool),
	}

	return m
}

// LoadResult reports where an image ended up and how its relocations fared.
type LoadResult struct {
	EntryPoint memory.Addr
	LoadBase   uint32
	Applied    int
	Failed     int
}

// Load maps an ELF image into the machine's address space, installs a stack
// and heap region, applies relocations when configured to, and positions
// EIP/ESP for execution.
func (m *Machine) Load(data []byte) (*LoadResult, error) {
	opts := loader.Options{
		ETDynLoadBase:    m.config.ETDynLoadBase,
		EnableRelocation: m.config.EnableRelocation,
		Resolver:         resolverFunc(m.handler),
	}

	res, err := loader.Load(m.Space, data, opts)
	if err != nil {
		return nil, fmt.Errorf("machine: load: %w", err)
	}

	top, err := m.Space.AllocateStack(memory.Addr(m.config.StackTop), m.config.StackSize)
	if err != nil {
		return nil, fmt.Errorf("machine: stack region: %w", err)
	}

	// The heap grows upward until it would reach the bottom of the stack.
	stackStart := memory.Addr(m.config.StackTop - m.config.StackSize)

	heap, err := m.Space.AllocateHeap(memory.Addr(m.config.HeapBase), m.config.HeapInitialSize, stackStart)
	if err != nil {
		return nil, fmt.Errorf("machine: heap region: %w", err)
	}

	m.heap = heap

	m.Regs.EIP = uint32(res.EntryPoint)
	m.Regs.Set(cpu.ESP, uint32(top)-16)

	m.log.Info("loaded image", "entry", res.EntryPoint, "load_base", res.LoadBase,
		"relocations_applied", res.Applied, "relocations_failed", res.Failed)

	return &LoadResult{
		EntryPoint: res.EntryPoint,
		LoadBase:   res.LoadBase,
		Applied:    res.Applied,
		Failed:     res.Failed,
	}, nil
}

// resolverFunc adapts a syscall.Handler's Resolve method to reloc.Resolver
// without internal/loader or internal/reloc needing to know about
// internal/syscall.
func resolverFunc(h syscall.Handler) reloc.Resolver {
	if h == nil {
		return reloc.ResolverFunc(func(string) (memory.Addr, bool) { return 0, false })
	}

	return reloc.ResolverFunc(h.Resolve)
}

// RunOutcomeKind classifies why Run returned.
type RunOutcomeKind uint8

const (
	RunHalted RunOutcomeKind = iota
	RunFaulted
	RunCancelled
	RunBudgetExhausted
	RunBreakpointHit
)

func (k RunOutcomeKind) String() string {
	switch k {
	case RunHalted:
		return "halted"
	case RunFaulted:
		return "faulted"
	case RunCancelled:
		return "cancelled"
	case RunBudgetExhausted:
		return "budget-exhausted"
	case RunBreakpointHit:
		return "breakpoint"
	default:
		return "unknown"
	}
}

// RunOutcome is the terminal reason Run stopped stepping the engine.
type RunOutcome struct {
	Kind     RunOutcomeKind
	ExitCode int
	Fault    *engine.Fault
	Addr     memory.Addr // Valid for RunBreakpointHit.
}

// ErrNoBudget is returned by Run if called with a non-positive instruction
// budget; callers that want an unbounded run should pass a very large one
// explicitly rather than rely on a zero value meaning "unlimited".
var ErrNoBudget = errors.New("machine: instruction budget must be positive")

// Run steps the engine until it halts, faults, a breakpoint is hit, the
// instruction budget is exhausted, or ctx is cancelled.
func (m *Machine) Run(ctx context.Context, budget int) (*RunOutcome, error) {
	if budget <= 0 {
		return nil, ErrNoBudget
	}

	for i := 0; i < budget; i++ {
		if m.breakpoints[memory.Addr(m.Regs.EIP)] {
			return &RunOutcome{Kind: RunBreakpointHit, Addr: memory.Addr(m.Regs.EIP)}, nil
		}

		outcome := m.engine.Step(ctx, m.Space, m.Regs)

		switch outcome {
		case engine.OutcomeHalted:
			return &RunOutcome{Kind: RunHalted, ExitCode: m.engine.ExitCode}, nil
		case engine.OutcomeFaulted:
			return &RunOutcome{Kind: RunFaulted, Fault: m.engine.Fault}, nil
		case engine.OutcomeCancelled:
			return &RunOutcome{Kind: RunCancelled}, nil
		}
	}

	return &RunOutcome{Kind: RunBudgetExhausted}, nil
}

// Step executes exactly one engine step (one instruction, or one iteration
// of a REP-prefixed string instruction) and reports the engine's resulting
// state.
func (m *Machine) Step(ctx context.Context) engine.Outcome {
	return m.engine.Step(ctx, m.Space, m.Regs)
}

// State returns the engine's current run state.
func (m *Machine) State() engine.State { return m.engine.State }

// ExpandHeap grows the heap region by delta bytes. A syscall handler
// implementing brk/sbrk-style calls goes through this rather than touching
// the region table directly.
func (m *Machine) ExpandHeap(delta uint32) error {
	if m.heap == nil {
		return errors.New("machine: no heap; image not loaded")
	}

	return m.heap.Expand(delta)
}

// HeapBreak returns the current end of the heap region.
func (m *Machine) HeapBreak() (memory.Addr, error) {
	if m.heap == nil {
		return 0, errors.New("machine: no heap; image not loaded")
	}

	return m.heap.Break(), nil
}

// ReadMemory copies len(buf) bytes from the guest address space.
func (m *Machine) ReadMemory(addr memory.Addr, buf []byte) error {
	return m.Space.Read(addr, buf)
}

// WriteMemory copies buf into the guest address space.
func (m *Machine) WriteMemory(addr memory.Addr, buf []byte) error {
	return m.Space.Write(addr, buf)
}

// Registers returns a copy of the current register file.
func (m *Machine) Registers() cpu.File { return *m.Regs }

// SetRegisters overwrites the register file.
func (m *Machine) SetRegisters(regs cpu.File) { *m.Regs = regs }

// SetBreakpoint arms a breakpoint at addr; Run stops before executing the
// instruction there.
func (m *Machine) SetBreakpoint(addr memory.Addr) { m.breakpoints[addr] = true }

// ClearBreakpoint disarms a previously set breakpoint. Clearing an unset
// address is a no-op.
func (m *Machine) ClearBreakpoint(addr memory.Addr) { delete(m.breakpoints, addr) }

// Breakpoints returns the set of currently armed breakpoint addresses.
func (m *Machine) Breakpoints() []memory.Addr {
	out := make([]memory.Addr, 0, len(m.breakpoints))
	for addr := range m.breakpoints {
		out = append(out, addr)
	}

	return out
}
