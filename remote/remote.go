// Package remote runs btrbck subcommands on other machines.
package remote

import (
	"context"
	"io"

	"github.com/bobg/btrbck"
)

// Session is a running remote command.
// Reads come from its standard output and writes go to its standard input.
type Session interface {
	io.ReadWriter

	// CloseWrite closes the command's standard input.
	CloseWrite() error

	// Wait waits for the command to exit
	// and reports a failed exit as an error.
	Wait() error

	// Close releases the session's resources,
	// terminating the command if it is still running.
	Close() error
}

// Execer starts commands on remote hosts.
type Execer interface {
	Exec(ctx context.Context, target *btrbck.Target, argv []string) (Session, error)
}
