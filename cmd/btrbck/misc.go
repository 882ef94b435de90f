package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/bobg/btrbck/journal"
)

// lock holds the repository lock until Enter is pressed,
// or until standard input reaches end of file when it is not a terminal.
func (c maincmd) lock(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 0, "lock"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	in := bufio.NewReader(c.stdin)
	if interactive(c.stdin) {
		c.printf("locked %s, press Enter to unlock", r.Root)
		_, err = in.ReadString('\n')
	} else {
		c.log.Printf("locked %s until end of input", r.Root)
		_, err = io.Copy(io.Discard, in)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "reading input")
	}
	return nil
}

func interactive(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c maincmd) version(ctx context.Context, args []string) error {

	v := "(unknown)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		v = info.Main.Version
	}
	c.printf("btrbck version %s", v)
	return nil
}

// history lists the transfers recorded in the repository's journal.
func (c maincmd) history(ctx context.Context, failed bool, args []string) error {
	if err := checkArgs(args, 0, 1, "history [-failed] [stream]"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	j, err := journal.Open(ctx, r.JournalFile())
	if err != nil {
		return err
	}
	defer c.closeJournal(j)

	return j.List(ctx, optional(args), func(e journal.Entry) error {
		if failed && e.Err == "" {
			return nil
		}
		c.printf("%s", formatEntry(e))
		return nil
	})
}

func formatEntry(e journal.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s %s", e.At.Local().Format(time.RFC3339), e.RunID, e.Op, e.Stream)
	if e.Peer != "" {
		fmt.Fprintf(&b, " %s %s:%s", direction(e.Op), e.Peer, e.PeerStream)
	}
	switch {
	case len(e.Numbers) == 0:
		b.WriteString(": nothing transferred")
	case e.Parent == 0:
		fmt.Fprintf(&b, ": %v (full), %d bytes", e.Numbers, e.Bytes)
	default:
		fmt.Fprintf(&b, ": %v (from %d), %d bytes", e.Numbers, e.Parent, e.Bytes)
	}
	if e.Err != "" {
		fmt.Fprintf(&b, ", FAILED: %s", e.Err)
	}
	return b.String()
}

func direction(op string) string {
	switch op {
	case "push", "send":
		return "to"
	}
	return "from"
}
