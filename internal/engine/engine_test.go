package engine_test

import (
	"context"
	"testing"

	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/engine"
	"github.com/smoynes/uvm32/internal/memory"
	"github.com/smoynes/uvm32/internal/syscall"
)

type exitHandler struct {
	code int
}

func (h *exitHandler) Dispatch(vec syscall.Vector, regs *cpu.File, space *memory.Space) syscall.ControlFlow {
	if vec.Interrupt == 0x80 {
		return syscall.ControlFlow{Kind: syscall.Exit, Code: int(regs.Get(cpu.EBX))}
	}

	return syscall.ControlFlow{Kind: syscall.Continue}
}

func (h *exitHandler) Resolve(name string) (memory.Addr, bool) { return 0, false }

func newTestSpace(t *testing.T, size uint32) *memory.Space {
	t.Helper()

	space := memory.New(uint64(size))

	if err := space.RegisterRegion(0, size, memory.KindCode, memory.ProtRead|memory.ProtWrite|memory.ProtExec, "test"); err != nil {
		t.Fatalf("register region: %v", err)
	}

	return space
}

func TestEngine_Scenario1_ArithmeticThenExit(t *testing.T) {
	t.Parallel()

	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0xBB, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
		0x01, 0xD8, // add eax, ebx
		0x89, 0xC3, // mov ebx, eax
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xCD, 0x80, // int 0x80
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()

	handler := &exitHandler{}
	e := engine.New(handler)
	ctx := context.Background()

	for i := 0; i < 10 && e.State == engine.StateRunning; i++ {
		e.Step(ctx, space, regs)
	}

	if e.State != engine.StateHaltedNormal {
		t.Fatalf("want halted, got %s (fault=%v)", e.State, e.Fault)
	}

	if e.ExitCode != 12 {
		t.Fatalf("want exit code 12 (5+7), got %d", e.ExitCode)
	}
}

func TestEngine_CallThenRet_RestoresEIPAndESP(t *testing.T) {
	t.Parallel()

	code := []byte{
		0xE8, 0x01, 0x00, 0x00, 0x00, // call +1 (to the RET below; offset measured from next EIP)
		0x90,       // nop-ish landing pad (not executed directly; see target calc)
		0xC3,       // ret
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.ESP, 0x800)

	e := engine.New(nil)
	ctx := context.Background()

	preESP := regs.Get(cpu.ESP)

	e.Step(ctx, space, regs) // CALL
	if e.State != engine.StateRunning {
		t.Fatalf("want running after CALL, got %s (%v)", e.State, e.Fault)
	}

	e.Step(ctx, space, regs) // RET
	if e.State != engine.StateRunning {
		t.Fatalf("want running after RET, got %s (%v)", e.State, e.Fault)
	}

	if regs.EIP != 5 {
		t.Fatalf("want EIP 5 (after original CALL), got %#x", regs.EIP)
	}

	if regs.Get(cpu.ESP) != preESP {
		t.Fatalf("want ESP restored to %#x, got %#x", preESP, regs.Get(cpu.ESP))
	}
}

func TestEngine_RepMovs_CopiesNBytesAndZeroesECX(t *testing.T) {
	t.Parallel()

	code := []byte{0xF3, 0xA4} // REP MOVSB

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	src := []byte{1, 2, 3, 4}
	if err := space.Write(0x100, src); err != nil {
		t.Fatalf("write src: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.ESI, 0x100)
	regs.Set(cpu.EDI, 0x200)
	regs.Set(cpu.ECX, uint32(len(src)))

	e := engine.New(nil)
	ctx := context.Background()

	for i := 0; i < len(src)+1 && regs.EIP == 0; i++ {
		e.Step(ctx, space, regs)
	}

	if e.State != engine.StateRunning {
		t.Fatalf("want running, got %s (%v)", e.State, e.Fault)
	}

	if regs.Get(cpu.ECX) != 0 {
		t.Fatalf("want ECX 0, got %d", regs.Get(cpu.ECX))
	}

	got := make([]byte, len(src))
	if err := space.Read(0x200, got); err != nil {
		t.Fatalf("read dst: %v", err)
	}

	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("byte %d: want %d, got %d", i, src[i], got[i])
		}
	}

	if regs.EIP != 2 {
		t.Fatalf("want EIP advanced past REP MOVSB (2), got %#x", regs.EIP)
	}
}

func TestEngine_DivideByZero_Faults(t *testing.T) {
	t.Parallel()

	// div ecx, with ecx = 0: F7 F1
	code := []byte{0xF7, 0xF1}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.ECX, 0)

	e := engine.New(nil)
	e.Step(context.Background(), space, regs)

	if e.State != engine.StateFaulted {
		t.Fatalf("want faulted, got %s", e.State)
	}

	if e.Fault.Kind != engine.FaultDivideByZero {
		t.Fatalf("want divide-by-zero fault, got %s", e.Fault.Kind)
	}
}

func TestEngine_PushPop_RoundTripsValueAndESP(t *testing.T) {
	t.Parallel()

	code := []byte{
		0x68, 0xEF, 0xBE, 0xAD, 0xDE, // push 0xDEADBEEF
		0x58, // pop eax
		0xF4, // hlt
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.ESP, 0x800)

	e := engine.New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Step(ctx, space, regs)
	}

	if e.State != engine.StateHaltedNormal {
		t.Fatalf("want halted, got %s (%v)", e.State, e.Fault)
	}

	if regs.Get(cpu.EAX) != 0xDEADBEEF {
		t.Fatalf("want eax 0xDEADBEEF, got %#x", regs.Get(cpu.EAX))
	}

	if regs.Get(cpu.ESP) != 0x800 {
		t.Fatalf("want ESP restored to 0x800, got %#x", regs.Get(cpu.ESP))
	}
}

func TestEngine_ConditionalJump_TakenSkipsMov(t *testing.T) {
	t.Parallel()

	code := []byte{
		0x83, 0xF8, 0x00, // cmp eax, 0
		0x74, 0x05, // je +5 (over the mov)
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xF4, // hlt
	}

	run := func(initialEAX uint32) (*cpu.File, *engine.Engine) {
		space := newTestSpace(t, 0x1000)
		if err := space.Write(0, code); err != nil {
			t.Fatalf("write code: %v", err)
		}

		regs := cpu.New()
		regs.Set(cpu.EAX, initialEAX)

		e := engine.New(nil)
		ctx := context.Background()

		for i := 0; i < 10 && e.State == engine.StateRunning; i++ {
			e.Step(ctx, space, regs)
		}

		return regs, e
	}

	regs, e := run(0)
	if e.State != engine.StateHaltedNormal {
		t.Fatalf("taken: want halted, got %s (%v)", e.State, e.Fault)
	}

	if regs.Get(cpu.EAX) != 0 {
		t.Fatalf("taken: want eax 0 (mov skipped), got %#x", regs.Get(cpu.EAX))
	}

	regs, e = run(1)
	if e.State != engine.StateHaltedNormal {
		t.Fatalf("not taken: want halted, got %s (%v)", e.State, e.Fault)
	}

	if regs.Get(cpu.EAX) != 1 {
		t.Fatalf("not taken: want eax 1 (mov executed), got %#x", regs.Get(cpu.EAX))
	}
}

func TestEngine_Fault_RestoresEIPToFaultingInstruction(t *testing.T) {
	t.Parallel()

	code := []byte{
		0x90,       // xchg eax, eax
		0xF7, 0xF1, // div ecx (ecx = 0)
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.EAX, 100)

	e := engine.New(nil)
	ctx := context.Background()

	e.Step(ctx, space, regs) // nop
	e.Step(ctx, space, regs) // div, faults

	if e.State != engine.StateFaulted || e.Fault.Kind != engine.FaultDivideByZero {
		t.Fatalf("want divide-by-zero fault, got %s (%v)", e.State, e.Fault)
	}

	if e.Fault.EIP != 1 {
		t.Fatalf("want fault EIP 1, got %#x", e.Fault.EIP)
	}

	if regs.EIP != 1 {
		t.Fatalf("want register EIP wound back to 1, got %#x", regs.EIP)
	}

	if regs.Get(cpu.EAX) != 100 {
		t.Fatalf("want eax unchanged at 100, got %d", regs.Get(cpu.EAX))
	}
}

func TestEngine_StdMovs_DecrementsPointers(t *testing.T) {
	t.Parallel()

	code := []byte{
		0xFD, // std
		0xA4, // movsb
		0xFC, // cld
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	if err := space.Write(0x100, []byte{0xAB}); err != nil {
		t.Fatalf("write src: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.ESI, 0x100)
	regs.Set(cpu.EDI, 0x200)

	e := engine.New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Step(ctx, space, regs)
	}

	if e.State != engine.StateRunning {
		t.Fatalf("want running, got %s (%v)", e.State, e.Fault)
	}

	var b [1]byte
	if err := space.Read(0x200, b[:]); err != nil || b[0] != 0xAB {
		t.Fatalf("want 0xAB copied to 0x200, got %#x (%v)", b[0], err)
	}

	if regs.Get(cpu.ESI) != 0xFF || regs.Get(cpu.EDI) != 0x1FF {
		t.Fatalf("want pointers decremented to 0xFF/0x1FF, got %#x/%#x",
			regs.Get(cpu.ESI), regs.Get(cpu.EDI))
	}

	if regs.GetFlag(cpu.FlagDF) {
		t.Fatalf("want DF cleared by the trailing CLD")
	}
}

func TestEngine_IncDecShortForms(t *testing.T) {
	t.Parallel()

	code := []byte{
		0x43, // inc ebx
		0x48, // dec eax
	}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.EAX, 5)
	regs.Set(cpu.EBX, 9)

	e := engine.New(nil)
	ctx := context.Background()

	e.Step(ctx, space, regs)
	e.Step(ctx, space, regs)

	if regs.Get(cpu.EBX) != 10 {
		t.Fatalf("want ebx 10, got %d", regs.Get(cpu.EBX))
	}

	if regs.Get(cpu.EAX) != 4 {
		t.Fatalf("want eax 4, got %d", regs.Get(cpu.EAX))
	}
}

func TestEngine_ImulThreeOperand_TruncatesIntoDestination(t *testing.T) {
	t.Parallel()

	code := []byte{0x6B, 0xC3, 0x05} // imul eax, ebx, 5

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.EBX, 7)

	e := engine.New(nil)
	e.Step(context.Background(), space, regs)

	if e.State != engine.StateRunning {
		t.Fatalf("want running, got %s (%v)", e.State, e.Fault)
	}

	if regs.Get(cpu.EAX) != 35 {
		t.Fatalf("want eax 35, got %d", regs.Get(cpu.EAX))
	}

	if regs.GetFlag(cpu.FlagCF) || regs.GetFlag(cpu.FlagOF) {
		t.Fatalf("want CF/OF clear for a non-overflowing product")
	}
}

func TestEngine_MovMemoryImmediate(t *testing.T) {
	t.Parallel()

	// mov dword [0x300], 0x11223344
	code := []byte{0xC7, 0x05, 0x00, 0x03, 0x00, 0x00, 0x44, 0x33, 0x22, 0x11}

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()

	e := engine.New(nil)
	e.Step(context.Background(), space, regs)

	if e.State != engine.StateRunning {
		t.Fatalf("want running, got %s (%v)", e.State, e.Fault)
	}

	var buf [4]byte
	if err := space.Read(0x300, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}

	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if got != 0x11223344 {
		t.Fatalf("want 0x11223344 at 0x300, got %#x", got)
	}
}

func TestEngine_XorSelf_ClearsRegisterAndSetsZF(t *testing.T) {
	t.Parallel()

	code := []byte{0x31, 0xC0} // xor eax, eax

	space := newTestSpace(t, 0x1000)
	if err := space.Write(0, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	regs := cpu.New()
	regs.Set(cpu.EAX, 0x1234)

	e := engine.New(nil)
	e.Step(context.Background(), space, regs)

	if regs.Get(cpu.EAX) != 0 {
		t.Fatalf("want eax 0, got %#x", regs.Get(cpu.EAX))
	}

	if !regs.GetFlag(cpu.FlagZF) {
		t.Fatalf("want ZF set")
	}

	if regs.GetFlag(cpu.FlagCF) || regs.GetFlag(cpu.FlagOF) {
		t.Fatalf("want CF and OF clear")
	}
}
