// Command uvm is a userland virtual machine that executes unmodified
// x86-32 ELF binaries built for Haiku, without kernel privileges or
// hardware virtualization assistance.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/smoynes/uvm32/internal/cli"
	"github.com/smoynes/uvm32/internal/cli/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	commands := []cli.Command{
		cmd.Executor(),
		cmd.Debugger(),
	}

	app := cli.New(ctx).
		WithLogger(os.Stderr).
		WithCommands(commands).
		WithHelp(cmd.Help(commands))

	os.Exit(app.Execute(os.Args[1:]))
}
