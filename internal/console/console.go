// Package console adapts the guest's standard input/output, as exposed
// through a syscall handler's read/write calls, to the host terminal: it
// puts the terminal into raw mode and shuttles bytes between it and
// channels a Haiku-style syscall handler reads from and writes to. The
// guest has no dedicated device registers; all of its I/O arrives through
// the syscall dispatch seam.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned by New if standard input is not a terminal. In that
// case a caller should fall back to plain os.Stdin/os.Stdout plumbing
// instead of raw-mode console I/O.
var ErrNoTTY = errors.New("console: not a TTY")

// Console adapts a host terminal to the guest's standard streams. Bytes
// typed at the terminal are delivered on Input; bytes the guest writes are
// sent to Output for the caller to forward to the terminal.
type Console struct {
	in  *os.File
	out io.Writer
	fd  int

	state *term.State

	Input  chan byte
	Output chan byte
}

// New puts fd's terminal into raw mode and returns a Console adapting it.
// Callers must call Restore to return the terminal to its original state.
func New(in, out *os.File) (*Console, error) {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		in:     in,
		out:    out,
		fd:     fd,
		state:  saved,
		Input:  make(chan byte, 1),
		Output: make(chan byte, 256),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to its state before New and unblocks any
// pending read.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

// Run reads from the terminal and writes to it until ctx is cancelled. It
// drives two loops: terminal-to-Input and Output-to-terminal.
func (c *Console) Run(ctx context.Context) {
	go c.readTerminal(ctx)
	go c.writeTerminal(ctx)
}

func (c *Console) readTerminal(ctx context.Context) {
	_ = syscall.SetNonblock(c.fd, false)

	r := bufio.NewReader(c.in)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := r.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.Input <- b:
		}
	}
}

func (c *Console) writeTerminal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.Output:
			if _, err := c.out.Write([]byte{b}); err != nil {
				return
			}
		}
	}
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	return c.in.SetReadDeadline(time.Time{})
}
