// Package monitor provides the VM's introspection surface: a region-table
// dump, per-opcode execution counts, a decoded-instruction trace stream,
// and a versioned crash/debug snapshot of config, registers and region
// bytes. Monitor owns none of the VM's state; it observes between
// instructions, the only coarse suspension point the machine has, decoding
// the next instruction itself (the same public internal/decoder API the
// engine uses) purely to label its own counters and trace lines.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/smoynes/uvm32/internal/config"
	"github.com/smoynes/uvm32/internal/cpu"
	"github.com/smoynes/uvm32/internal/decoder"
	"github.com/smoynes/uvm32/internal/machine"
	"github.com/smoynes/uvm32/internal/memory"
)

// Monitor wraps a Machine with optional opcode counters and an
// instruction-trace sink, toggled independently of the core, which has no
// global logger or always-on tracing of its own.
type Monitor struct {
	m *machine.Machine

	enableCounters bool
	enableTrace    bool
	trace          io.Writer

	counts map[decoder.Op]uint64
}

// New wraps m. trace may be nil even when enableTrace is true, in which
// case trace lines are discarded (useful for counting without the I/O
// cost of formatting them).
func New(m *machine.Machine, enableCounters, enableTrace bool, trace io.Writer) *Monitor {
	return &Monitor{
		m:              m,
		enableCounters: enableCounters,
		enableTrace:    enableTrace,
		trace:          trace,
		counts:         make(map[decoder.Op]uint64),
	}
}

// Step observes the next instruction (best-effort; a decode failure here
// is not reported, since Machine.Step will fault on the same bytes and
// report it properly) for counters/trace, then steps the machine exactly
// once.
func (mon *Monitor) Step(ctx context.Context) (*machine.RunOutcome, error) {
	mon.observe()

	return mon.m.Run(ctx, 1)
}

// Run steps the machine to completion like Machine.Run, observing each
// instruction for counters/trace along the way. When neither counters nor
// trace are enabled, it delegates straight to Machine.Run so observation
// costs nothing.
func (mon *Monitor) Run(ctx context.Context, budget int) (*machine.RunOutcome, error) {
	if !mon.enableCounters && !mon.enableTrace {
		return mon.m.Run(ctx, budget)
	}

	for i := 0; i < budget; i++ {
		out, err := mon.Step(ctx)
		if err != nil {
			return nil, err
		}

		if out.Kind != machine.RunBudgetExhausted {
			return out, nil
		}
	}

	return &machine.RunOutcome{Kind: machine.RunBudgetExhausted}, nil
}

func (mon *Monitor) observe() {
	if !mon.enableCounters && !mon.enableTrace {
		return
	}

	regs := mon.m.Registers()

	window := make([]byte, 16)
	n := mon.readBestEffort(memory.Addr(regs.EIP), window)

	if n == 0 {
		return
	}

	ins, err := decoder.Decode(window[:n], regs.EIP, &regs)
	if err != nil {
		return
	}

	if mon.enableCounters {
		mon.counts[ins.Op]++
	}

	if mon.enableTrace && mon.trace != nil {
		fmt.Fprintf(mon.trace, "%#08x  %s\n", regs.EIP, ins.String())
	}
}

// readBestEffort reads as many of len(buf) bytes as are mapped starting at
// addr, shrinking the window until it fits inside one region, and returns
// how many bytes it managed to read.
func (mon *Monitor) readBestEffort(addr memory.Addr, buf []byte) int {
	for n := len(buf); n > 0; n-- {
		if mon.m.ReadMemory(addr, buf[:n]) == nil {
			return n
		}
	}

	return 0
}

// OpCounts returns the per-opcode execution counts gathered since New, or
// since the last Reset. Empty unless enableCounters was set.
func (mon *Monitor) OpCounts() map[string]uint64 {
	out := make(map[string]uint64, len(mon.counts))
	for op, n := range mon.counts {
		out[op.String()] = n
	}

	return out
}

// Reset clears the opcode counters.
func (mon *Monitor) Reset() { mon.counts = make(map[decoder.Op]uint64) }

// RegionDump renders the address space's region table as aligned columns,
// using ansi.StringWidth (rather than len) so the columns would still line
// up if a caller fed styled text through the same formatter.
func (mon *Monitor) RegionDump() string {
	var b strings.Builder

	regions := mon.m.Space.Regions()

	header := fmt.Sprintf("%-10s %-10s %-10s %-4s %-8s %s", "START", "END", "SIZE", "PROT", "KIND", "NAME")
	b.WriteString(header)
	b.WriteByte('\n')

	pad := func(s string, width int) string {
		if w := ansi.StringWidth(s); w < width {
			s += strings.Repeat(" ", width-w)
		}

		return s
	}

	for _, r := range regions {
		line := fmt.Sprintf("%s %s %-10d %s %s %s",
			pad(r.Start.String(), 10),
			pad(r.End().String(), 10),
			r.Size,
			pad(r.Prot.String(), 4),
			pad(r.Kind.String(), 8),
			r.Name,
		)
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return b.String()
}

// Snapshot is a versioned crash/debug dump: config, register file, and
// the region list with each region's raw bytes. The format is for human
// and tooling inspection, not a stable interchange contract; JSON keeps it
// readable without a decoder.
type Snapshot struct {
	Version int              `json:"version"`
	Config  config.Config    `json:"config"`
	Regs    cpu.File         `json:"registers"`
	Regions []RegionSnapshot `json:"regions"`
}

// RegionSnapshot is one region's metadata plus its current bytes.
type RegionSnapshot struct {
	Start memory.Addr `json:"start"`
	Size  uint32      `json:"size"`
	Kind  string      `json:"kind"`
	Prot  string      `json:"prot"`
	Name  string      `json:"name"`
	Bytes []byte      `json:"bytes"`
}

const snapshotVersion = 1

// Snapshot captures the machine's current state as a crash/debug dump.
func (mon *Monitor) Snapshot(cfg config.Config) (Snapshot, error) {
	snap := Snapshot{
		Version: snapshotVersion,
		Config:  cfg,
		Regs:    mon.m.Registers(),
	}

	for _, r := range mon.m.Space.Regions() {
		buf := make([]byte, r.Size)
		if err := mon.m.ReadMemory(r.Start, buf); err != nil {
			return Snapshot{}, fmt.Errorf("monitor: snapshot region %q: %w", r.Name, err)
		}

		snap.Regions = append(snap.Regions, RegionSnapshot{
			Start: r.Start,
			Size:  r.Size,
			Kind:  r.Kind.String(),
			Prot:  r.Prot.String(),
			Name:  r.Name,
			Bytes: buf,
		})
	}

	return snap, nil
}

// MarshalSnapshot encodes a Snapshot as indented JSON.
func MarshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}
