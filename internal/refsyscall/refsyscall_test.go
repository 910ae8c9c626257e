package refsyscall_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/refsyscall"
	"github.com/smoynes/uvm32/internal/syscall"
)

func newSpace(t *testing.T) *memory.Space {
	t.Helper()

	space := memory.New(1 << 20)
	if err := space.RegisterRegion(0x1000, 0x1000, memory.KindData, memory.ProtRead|memory.ProtWrite, "data"); err != nil {
		t.Fatal(err)
	}

	return space
}

func TestLinuxExit(t *testing.T) {
	h := refsyscall.New(nil, nil, nil)
	regs := cpu.New()
	regs.Set(cpu.EAX, 1)
	regs.Set(cpu.EBX, 42)

	cf := h.Dispatch(syscall.Vector{Interrupt: refsyscall.LinuxInterrupt}, regs, newSpace(t))

	if cf.Kind != syscall.Exit || cf.Code != 42 {
		t.Fatalf("Dispatch(exit) = %+v, want Exit(42)", cf)
	}
}

func TestLinuxWrite(t *testing.T) {
	var out bytes.Buffer

	h := refsyscall.New(nil, &out, nil)
	space := newSpace(t)

	msg := []byte("hello")
	if err := space.Write(0x1000, msg); err != nil {
		t.Fatal(err)
	}

	regs := cpu.New()
	regs.Set(cpu.EAX, 4)
	regs.Set(cpu.EBX, 1)
	regs.Set(cpu.ECX, 0x1000)
	regs.Set(cpu.EDX, uint32(len(msg)))

	cf := h.Dispatch(syscall.Vector{Interrupt: refsyscall.LinuxInterrupt}, regs, space)

	if cf.Kind != syscall.Continue {
		t.Fatalf("Dispatch(write) = %+v, want Continue", cf)
	}

	if regs.Get(cpu.EAX) != uint32(len(msg)) {
		t.Errorf("EAX = %d, want %d", regs.Get(cpu.EAX), len(msg))
	}

	if out.String() != "hello" {
		t.Errorf("wrote %q, want %q", out.String(), "hello")
	}
}

func TestUnsupportedSyscallFaults(t *testing.T) {
	h := refsyscall.New(nil, nil, nil)
	regs := cpu.New()
	regs.Set(cpu.EAX, 0xdead)

	cf := h.Dispatch(syscall.Vector{Interrupt: refsyscall.LinuxInterrupt}, regs, newSpace(t))

	if cf.Kind != syscall.Fault {
		t.Errorf("Dispatch(unknown) = %+v, want Fault", cf)
	}
}

func TestResolveAndThunk(t *testing.T) {
	var out bytes.Buffer

	h := refsyscall.New(nil, &out, nil)
	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x2000, 0x1000, memory.KindData, memory.ProtRead|memory.ProtWrite, "data"); err != nil {
		t.Fatal(err)
	}

	if err := h.Install(space, 0x9000); err != nil {
		t.Fatalf("Install: %v", err)
	}

	addr, ok := h.Resolve("_kern_write")
	if !ok {
		t.Fatal("Resolve(_kern_write) = false, want true")
	}

	msg := []byte("hi")
	if err := space.Write(0x2000, msg); err != nil {
		t.Fatal(err)
	}

	regs := cpu.New()
	regs.Set(cpu.EBX, 1)
	regs.Set(cpu.ECX, 0x2000)
	regs.Set(cpu.EDX, uint32(len(msg)))

	// Simulate the engine having decoded the thunk's INT 0xF0 and advanced
	// EIP past it, landing on the index byte.
	regs.EIP = uint32(addr) + 2

	cf := h.Dispatch(syscall.Vector{Interrupt: refsyscall.ThunkInterrupt}, regs, space)
	if cf.Kind != syscall.Continue {
		t.Fatalf("Dispatch(thunk) = %+v, want Continue", cf)
	}

	if !strings.Contains(out.String(), "hi") {
		t.Errorf("thunked write did not reach stdout: %q", out.String())
	}
}
