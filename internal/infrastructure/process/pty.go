package process

import (
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// ptyDrain bounds how long output is read after the child exits.
const ptyDrain = time.Second

// startPTY starts cmd on a new pseudo terminal. pty starts the child as a
// session leader, which also makes it the leader of its process group.
func startPTY(cmd *exec.Cmd, stdin io.Reader, out io.Writer) (func() error, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return nil, err
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Reads fail with EIO once every holder of the tty has exited.
		_, _ = io.Copy(out, ptmx)
	}()
	if stdin != nil {
		go func() { _, _ = io.Copy(ptmx, stdin) }()
	}

	return func() error {
		err := cmd.Wait()
		select {
		case <-copied:
		case <-time.After(ptyDrain):
		}
		_ = ptmx.Close()
		return err
	}, nil
}
