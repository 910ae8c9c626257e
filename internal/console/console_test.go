// The console tests are skipped when stdin is not a terminal (ErrNoTTY).
// Notably, this includes when run with "go test", since it redirects the
// test binary's standard streams. Build a test binary and run it directly
// to exercise raw-mode I/O:
//
//	$ go test -c && ./console.test
package console_test

import (
	"errors"
	"os"
	"testing"

	"github.com/smoynes/uvm32/internal/console"
)

func TestNewRequiresTTY(t *testing.T) {
	c, err := console.New(os.Stdin, os.Stdout)
	if err == nil {
		c.Restore()
		t.Skip("stdin is a terminal; raw-mode setup exercised manually")
	}

	if !errors.Is(err, console.ErrNoTTY) {
		t.Errorf("New: err = %v, want ErrNoTTY", err)
	}
}
