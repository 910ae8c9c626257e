package memory_test

import (
	"errors"
	"testing"

	"github.com/smoynes/uvm32/internal/memory"
)

func TestSpace_RegisterRegion_Overlap(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x1000, 0x1000, memory.KindData, memory.ProtRead|memory.ProtWrite, "a"); err != nil {
		t.Fatalf("register a: %v", err)
	}

	err := space.RegisterRegion(0x1800, 0x1000, memory.KindData, memory.ProtRead, "b")
	if !errors.Is(err, memory.ErrOverlap) {
		t.Fatalf("want ErrOverlap, got %v", err)
	}
}

func TestSpace_WriteThenRead_RoundTrips(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x2000, 0x100, memory.KindData, memory.ProtRead|memory.ProtWrite, "d"); err != nil {
		t.Fatalf("register: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5}

	if err := space.Write(0x2010, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(want))

	if err := space.Read(0x2010, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestSpace_Read_OnePastEnd_Fails(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x3000, 0x10, memory.KindData, memory.ProtRead, "d"); err != nil {
		t.Fatalf("register: %v", err)
	}

	buf := make([]byte, 1)
	if err := space.Read(0x3010, buf); !errors.Is(err, memory.ErrBadAddress) {
		t.Fatalf("want ErrBadAddress, got %v", err)
	}
}

func TestSpace_Write_ReadOnly_Fails_AndLeavesBytesUnchanged(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x4000, 0x10, memory.KindData, memory.ProtRead, "ro"); err != nil {
		t.Fatalf("register: %v", err)
	}

	before := make([]byte, 4)
	if err := space.Read(0x4000, before); err != nil {
		t.Fatalf("read: %v", err)
	}

	err := space.Write(0x4000, []byte{0xff, 0xff, 0xff, 0xff})
	if !errors.Is(err, memory.ErrProtection) {
		t.Fatalf("want ErrProtection, got %v", err)
	}

	after := make([]byte, 4)
	if err := space.Read(0x4000, after); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("byte %d changed from %d to %d after failed write", i, before[i], after[i])
		}
	}
}

func TestSpace_ReadString_StopsAtNUL(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x5000, 0x10, memory.KindData, memory.ProtRead|memory.ProtWrite, "s"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := space.Write(0x5000, []byte("hi\x00garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := space.ReadString(0x5000, 16)
	if err != nil {
		t.Fatalf("read string: %v", err)
	}

	if string(got) != "hi" {
		t.Fatalf("want %q, got %q", "hi", got)
	}
}

func TestSpace_RemoveRegion_FreesTheInterval(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	if err := space.RegisterRegion(0x6000, 0x100, memory.KindData, memory.ProtRead|memory.ProtWrite, "tmp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := space.RemoveRegion(0x6000); err != nil {
		t.Fatalf("remove: %v", err)
	}

	buf := make([]byte, 1)
	if err := space.Read(0x6000, buf); !errors.Is(err, memory.ErrBadAddress) {
		t.Fatalf("want ErrBadAddress after removal, got %v", err)
	}

	// The interval is registerable again once removed.
	if err := space.RegisterRegion(0x6000, 0x200, memory.KindData, memory.ProtRead, "again"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestHeap_ExpandCollidesWithLimit(t *testing.T) {
	t.Parallel()

	space := memory.New(1 << 20)

	heap, err := space.AllocateHeap(0x1000, 0x100, 0x1200)
	if err != nil {
		t.Fatalf("allocate heap: %v", err)
	}

	if err := heap.Expand(0x50); err != nil {
		t.Fatalf("expand within limit: %v", err)
	}

	if err := heap.Expand(0x100); err == nil {
		t.Fatalf("expand past limit: want error, got nil")
	}
}
