package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/smoynes/uvm32/internal/cli"
	"github.com/smoynes/uvm32/internal/config"
	"github.com/smoynes/uvm32/internal/log"
	"github.com/smoynes/uvm32/internal/machine"
	"github.com/smoynes/uvm32/internal/monitor"
	"github.com/smoynes/uvm32/internal/refsyscall"
)

// Debugger loads an image like exec but stops immediately, printing the
// region table and entry point instead of running it, and optionally
// writes a full state snapshot. It is the introspection front-end, kept
// separate from exec's run-to-completion path.
func Debugger() cli.Command {
	return &debugger{log: log.DefaultLogger()}
}

type debugger struct {
	log *log.Logger

	configPath string
	snapshot   string
}

var _ cli.Command = (*debugger)(nil)

func (debugger) Description() string {
	return "load a program and report its region layout"
}

func (debugger) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `debug [option]... program.elf

Loads program.elf and prints its region table without running it.`)

	return err
}

func (d *debugger) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	fs.StringVar(&d.configPath, "config", "", "path to a YAML config `file`")
	fs.StringVar(&d.snapshot, "snapshot", "", "write a JSON state snapshot to `file`")

	return fs
}

func (d *debugger) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("debug: no program given")
		return 1
	}

	cfg, err := config.Load(d.configPath)
	if err != nil {
		logger.Error("debug: loading config", "err", err)
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("debug: reading program", "file", args[0], "err", err)
		return 1
	}

	handler := refsyscall.New(os.Stdin, os.Stdout, os.Stderr)

	m := machine.New(machine.Config{
		MemorySize:       cfg.MemorySize,
		ETDynLoadBase:    cfg.ETDynLoadBase,
		StackTop:         cfg.StackTop,
		StackSize:        cfg.StackSize,
		HeapBase:         cfg.HeapBase,
		HeapInitialSize:  cfg.HeapInitialSize,
		EnableRelocation: cfg.EnableRelocation,
	}, handler)

	if err := handler.Install(m.Space, thunkBase); err != nil {
		logger.Error("debug: installing syscall thunks", "err", err)
		return 1
	}

	result, err := m.Load(data)
	if err != nil {
		logger.Error("debug: loading image", "err", err)
		return 1
	}

	mon := monitor.New(m, false, false, nil)

	fmt.Fprintf(out, "entry point: %s\nload base:   %#08x\nrelocations: %d applied, %d failed\n\n",
		result.EntryPoint, result.LoadBase, result.Applied, result.Failed)
	fmt.Fprint(out, mon.RegionDump())

	if d.snapshot != "" {
		snap, err := mon.Snapshot(cfg)
		if err != nil {
			logger.Error("debug: snapshot", "err", err)
			return 1
		}

		data, err := monitor.MarshalSnapshot(snap)
		if err != nil {
			logger.Error("debug: marshal snapshot", "err", err)
			return 1
		}

		if err := os.WriteFile(d.snapshot, data, 0o644); err != nil {
			logger.Error("debug: write snapshot", "file", d.snapshot, "err", err)
			return 1
		}
	}

	return 0
}
