// Package refsyscall is a reference implementation of the syscall
// dispatch seam's handler contract: enough Linux-style and Haiku-style
// syscall numbers to run small guest programs, and a resolver for
// unresolved dynamic symbols. The core (internal/engine, internal/reloc)
// never imports this package, only its syscall.Handler interface; a
// caller is free to supply a different handler entirely.
package refsyscall

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/log"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/syscall"
)

// Interrupt vectors this handler recognizes. 0x80 is the Linux-compatible
// primary convention; 0x63 ("int 99") is Haiku's historical direct syscall
// gate, carried as the secondary convention. 0xF0 is reserved by this VM
// (never generated by real guest code) for the lazy-resolution thunks
// Install stamps out.
const (
	LinuxInterrupt = 0x80
	HaikuInterrupt = 0x63
	ThunkInterrupt = 0xF0
)

// call is one syscall number's implementation: read arguments from regs,
// perform the (emulated) effect against space/streams, and set the return
// value register(s).
type call func(h *Handler, regs *cpu.File, space *memory.Space) syscall.ControlFlow

// Handler implements syscall.Handler for a Linux-like ABI layered with a
// handful of Haiku libroot entry points: syscall number in EAX, up to six
// arguments in the other GPRs (EBX, ECX, EDX, ESI, EDI, EBP, in that
// order).
type Handler struct {
	log *log.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	linux map[uint32]call
	haiku map[uint32]call

	stubs     []stub
	stubIndex map[string]int
	thunkBase memory.Addr

	rootOnce sync.Once
	rootLib  uintptr
	rootErr  error
}

// stub is one statically-known libroot entry point this handler can stand
// in for when the loader hands it an unresolved symbol name.
type stub struct {
	name string
	fn   call
}

// New returns a Handler wired to the given streams (nil defaults to the
// corresponding os.Std* stream being unavailable -- callers typically pass
// os.Stdin/os.Stdout/os.Stderr).
func New(stdin io.Reader, stdout, stderr io.Writer) *Handler {
	h := &Handler{
		log:       log.DefaultLogger(),
		Stdin:     stdin,
		Stdout:    stdout,
		Stderr:    stderr,
		stubIndex: make(map[string]int),
	}

	h.linux = map[uint32]call{
		1:   exitCall,
		3:   readCall,
		4:   writeCall,
		252: exitCall, // exit_group: this single-threaded VM treats it like exit.
	}

	h.haiku = map[uint32]call{
		1: exitCall,
		2: writeCall,
		3: readCall,
	}

	h.registerStub("_kern_write", writeCall)
	h.registerStub("_kern_read", readCall)
	h.registerStub("_kern_exit_thread", exitCall)
	h.registerStub("_kern_close", closeCall)

	return h
}

func (h *Handler) registerStub(name string, fn call) {
	h.stubIndex[name] = len(h.stubs)
	h.stubs = append(h.stubs, stub{name: name, fn: fn})
}

// thunkEntrySize is the byte length of one installed thunk: CD F0 (INT
// 0xF0), an index byte identifying the stub, and C3 (RET), which keeps
// entries 4-aligned.
const thunkEntrySize = 4

// Install registers a region at base holding one thunk per known stub and
// remembers it so Resolve can hand out addresses into it. The exec and
// debug commands call this on a new machine's address space before
// Machine.Load, so relocations resolved through the handler get thunk
// addresses.
func (h *Handler) Install(space *memory.Space, base memory.Addr) error {
	size := uint32(len(h.stubs)) * thunkEntrySize
	if size == 0 {
		return nil
	}

	// Registered writable so the entries can be stamped in, then sealed to
	// read+execute once they are.
	if err := space.RegisterRegion(base, size, memory.KindCode,
		memory.ProtRead|memory.ProtWrite|memory.ProtExec, "syscall-thunks"); err != nil {
		return fmt.Errorf("refsyscall: install thunks: %w", err)
	}

	h.thunkBase = base

	for i := range h.stubs {
		entry := []byte{0xCD, ThunkInterrupt, byte(i), 0xC3}
		if err := space.Write(base+memory.Addr(i*thunkEntrySize), entry); err != nil {
			return fmt.Errorf("refsyscall: write thunk %d: %w", i, err)
		}
	}

	if err := space.SetProtection(base, size, memory.ProtRead|memory.ProtExec); err != nil {
		return fmt.Errorf("refsyscall: seal thunks: %w", err)
	}

	return nil
}

// Dispatch implements syscall.Handler.
func (h *Handler) Dispatch(vec syscall.Vector, regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	if vec.PortIO {
		h.log.Debug("port I/O ignored", "port", vec.Port)
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	switch vec.Interrupt {
	case ThunkInterrupt:
		return h.dispatchThunk(regs, space)
	case LinuxInterrupt:
		return h.dispatchTable(h.linux, regs, space)
	case HaikuInterrupt:
		return h.dispatchTable(h.haiku, regs, space)
	default:
		h.log.Debug("unhandled interrupt", "vector", vec.Interrupt)
		return syscall.ControlFlow{Kind: syscall.Continue}
	}
}

func (h *Handler) dispatchTable(table map[uint32]call, regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	num := regs.Get(cpu.EAX)

	fn, ok := table[num]
	if !ok {
		return syscall.ControlFlow{Kind: syscall.Fault, Fault: "unsupported-syscall"}
	}

	return fn(h, regs, space)
}

// dispatchThunk is invoked when the guest executes a lazy-resolution stub
// installed by Install. EIP (already advanced past the two-byte INT 0xF0)
// points at the stub's index byte; after running the stub's effect, EIP is
// advanced past that byte so execution falls through to the stub's RET.
func (h *Handler) dispatchThunk(regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	var idxByte [1]byte
	if err := space.Read(memory.Addr(regs.EIP), idxByte[:]); err != nil {
		return syscall.ControlFlow{Kind: syscall.Fault, Fault: "bad-address"}
	}

	idx := int(idxByte[0])
	if idx < 0 || idx >= len(h.stubs) {
		return syscall.ControlFlow{Kind: syscall.Fault, Fault: "unresolved-symbol"}
	}

	regs.EIP++

	return h.stubs[idx].fn(h, regs, space)
}

// Resolve implements syscall.Handler. It first checks the built-in stub
// table, then -- on a host where a Haiku-compatible libroot.so is present
// -- probes for the symbol there via purego.
func (h *Handler) Resolve(name string) (memory.Addr, bool) {
	if idx, ok := h.stubIndex[name]; ok {
		return h.thunkBase + memory.Addr(idx*thunkEntrySize), true
	}

	h.rootOnce.Do(func() {
		h.rootLib, h.rootErr = purego.Dlopen("libroot.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	})

	if h.rootErr != nil || h.rootLib == 0 {
		return 0, false
	}

	// A real libroot.so is present (i.e. we are running on Haiku). purego
	// can locate the symbol, but calling an arbitrary libroot export with
	// an unknown C signature from inside the guest's register convention
	// isn't something this reference handler can do safely, so a located
	// symbol is merely logged; resolution still falls back to the stub
	// table, which is the only source of guest-callable addresses here.
	if sym, err := purego.Dlsym(h.rootLib, name); err == nil && sym != 0 {
		h.log.Warn("resolved symbol has no generic host thunk", "name", name)
	}

	return 0, false
}

func exitCall(h *Handler, regs *cpu.File, _ *memory.Space) syscall.ControlFlow {
	return syscall.ControlFlow{Kind: syscall.Exit, Code: int(int32(regs.Get(cpu.EBX)))}
}

func writeCall(h *Handler, regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	fd := regs.Get(cpu.EBX)
	addr := memory.Addr(regs.Get(cpu.ECX))
	length := regs.Get(cpu.EDX)

	buf := make([]byte, length)
	if err := space.Read(addr, buf); err != nil {
		regs.Set(cpu.EAX, ^uint32(0))
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	w := h.streamFor(fd)
	if w == nil {
		regs.Set(cpu.EAX, ^uint32(0))
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	n, err := w.Write(buf)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		regs.Set(cpu.EAX, ^uint32(0))
	} else {
		regs.Set(cpu.EAX, uint32(n))
	}

	return syscall.ControlFlow{Kind: syscall.Continue}
}

func readCall(h *Handler, regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	fd := regs.Get(cpu.EBX)
	addr := memory.Addr(regs.Get(cpu.ECX))
	length := regs.Get(cpu.EDX)

	if fd != 0 || h.Stdin == nil {
		regs.Set(cpu.EAX, 0)
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	buf := make([]byte, length)

	n, err := h.Stdin.Read(buf)
	if err != nil && err != io.EOF {
		regs.Set(cpu.EAX, ^uint32(0))
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	if werr := space.Write(addr, buf[:n]); werr != nil {
		regs.Set(cpu.EAX, ^uint32(0))
		return syscall.ControlFlow{Kind: syscall.Continue}
	}

	regs.Set(cpu.EAX, uint32(n))

	return syscall.ControlFlow{Kind: syscall.Continue}
}

func closeCall(_ *Handler, regs *cpu.File, _ *memory.Space) syscall.ControlFlow {
	regs.Set(cpu.EAX, 0)
	return syscall.ControlFlow{Kind: syscall.Continue}
}

func (h *Handler) streamFor(fd uint32) io.Writer {
	switch fd {
	case 1:
		return h.Stdout
	case 2:
		return h.Stderr
	default:
		return nil
	}
}
