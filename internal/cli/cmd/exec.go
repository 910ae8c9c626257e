package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/smoynes/uvm32/internal/cli"
	"github.com/smoynes/uvm32/internal/config"
	"github.com/smoynes/uvm32/internal/console"
	"github.com/smoynes/uvm32/internal/log"
	"github.com/smoynes/uvm32/internal/machine"
	"github.com/smoynes/uvm32/internal/monitor"
	"github.com/smoynes/uvm32/internal/refsyscall"
)

// thunkBase is where the syscall handler's lazy-resolution thunks are
// installed, fixed and well below the default ET_DYN load base so it never
// collides with a loaded image's segments, GOT, or PLT.
const thunkBase = 0x07000000

func Executor() cli.Command {
	return &executor{log: log.DefaultLogger()}
}

type executor struct {
	logLevel slog.Level
	log      *log.Logger

	configPath    string
	etDynLoadBase string
	maxInstrs     int
	trace         bool
	perfCounters  bool
	progress      bool
	interactive   bool
}

var _ cli.Command = (*executor)(nil)

func (executor) Description() string {
	return "run an x86-32 Haiku ELF binary"
}

func (executor) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `exec [option]... program.elf

Loads program.elf into a fresh machine and runs it to completion.`)

	return err
}

func (ex *executor) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return ex.logLevel.UnmarshalText([]byte(s))
	})
	fs.StringVar(&ex.configPath, "config", "", "path to a YAML config `file`")
	fs.StringVar(&ex.etDynLoadBase, "et-dyn-base", "", "override the ET_DYN load base (e.g. 0x10000000)")
	fs.IntVar(&ex.maxInstrs, "max-instructions", 50_000_000, "instruction budget before the run is abandoned")
	fs.BoolVar(&ex.trace, "trace", false, "log a decoded trace of every instruction executed")
	fs.BoolVar(&ex.perfCounters, "perf-counters", false, "count executed instructions by opcode")
	fs.BoolVar(&ex.progress, "progress", false, "show an instruction-budget progress bar on stderr")
	fs.BoolVar(&ex.interactive, "interactive", false, "put the host terminal in raw mode and shuttle stdin/stdout through it")

	return fs
}

// Run loads and executes args[0] as a raw ELF32 image, returning the guest's
// exit code on a normal halt, a distinct nonzero code on a fault or an
// exhausted instruction budget, and zero on a cancelled run.
func (ex *executor) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(ex.logLevel)

	if len(args) == 0 {
		logger.Error("exec: no program given")
		return 1
	}

	cfg, err := config.Load(ex.configPath)
	if err != nil {
		logger.Error("exec: loading config", "err", err)
		return 1
	}

	if ex.etDynLoadBase != "" {
		base, perr := parseUint32(ex.etDynLoadBase)
		if perr != nil {
			logger.Error("exec: parsing -et-dyn-base", "err", perr)
			return 1
		}

		cfg.ETDynLoadBase = base
	}

	if ex.trace {
		cfg.EnableTrace = true
	}

	if ex.perfCounters {
		cfg.EnablePerformanceCounters = true
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("exec: reading program", "file", args[0], "err", err)
		return 1
	}

	var (
		stdin       io.Reader = os.Stdin
		guestStdout io.Writer = stdout
	)

	if ex.interactive {
		c, cerr := console.New(os.Stdin, os.Stdout)
		if cerr != nil {
			logger.Error("exec: interactive console", "err", cerr)
			return 1
		}

		defer c.Restore()

		c.Run(ctx)

		stdin = &channelReader{ch: c.Input}
		guestStdout = &channelWriter{ch: c.Output}
	}

	handler := refsyscall.New(stdin, guestStdout, os.Stderr)

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
		logger.Error("exec: installing syscall thunks", "err", err)
		return 1
	}

	if _, err := m.Load(data); err != nil {
		logger.Error("exec: loading image", "err", err)
		return 1
	}

	var traceOut io.Writer
	if cfg.EnableTrace {
		traceOut = os.Stderr
	}

	mon := monitor.New(m, cfg.EnablePerformanceCounters, cfg.EnableTrace, traceOut)

	outcome, err := ex.run(ctx, mon)
	if err != nil {
		logger.Error("exec: run failed", "err", err)
		return 1
	}

	if cfg.EnablePerformanceCounters {
		logger.Info("opcode counts", "counts", mon.OpCounts())
	}

	switch outcome.Kind {
	case machine.RunHalted:
		logger.Info("program halted", "exit_code", outcome.ExitCode)
		return outcome.ExitCode
	case machine.RunFaulted:
		logger.Error("program faulted", "fault", outcome.Fault)
		return 2
	case machine.RunCancelled:
		logger.Warn("run cancelled")
		return 0
	default:
		logger.Error("instruction budget exhausted", "budget", ex.maxInstrs)
		return 3
	}
}

// run drives the machine to completion, optionally rendering a progress bar
// against the instruction budget by stepping in chunks.
func (ex *executor) run(ctx context.Context, mon *monitor.Monitor) (*machine.RunOutcome, error) {
	if !ex.progress {
		return mon.Run(ctx, ex.maxInstrs)
	}

	const chunk = 10_000

	bar := progressbar.Default(int64(ex.maxInstrs))
	defer bar.Close()

	remaining := ex.maxInstrs

	for remaining > 0 {
		step := chunk
		if step > remaining {
			step = remaining
		}

		outcome, err := mon.Run(ctx, step)
		if err != nil {
			return nil, err
		}

		bar.Add(step)

		if outcome.Kind != machine.RunBudgetExhausted {
			return outcome, nil
		}

		remaining -= step
	}

	return &machine.RunOutcome{Kind: machine.RunBudgetExhausted}, nil
}

// channelReader adapts a console's Input channel to an io.Reader, one byte
// per channel receive, so the syscall handler's read call can pull guest
// terminal input without knowing about channels.
type channelReader struct{ ch <-chan byte }

func (r *channelReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b, ok := <-r.ch
	if !ok {
		return 0, io.EOF
	}

	p[0] = b

	return 1, nil
}

// channelWriter adapts a console's Output channel to an io.Writer.
type channelWriter struct{ ch chan<- byte }

func (w *channelWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.ch <- b
	}

	return len(p), nil
}

func parseUint32(s string) (uint32, error) {
	var v uint32

	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}

	_, err = fmt.Sscanf(s, "%d", &v)

	return v, err
}
