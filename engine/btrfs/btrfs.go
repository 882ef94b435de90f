// Package btrfs implements a snapshot engine that drives the btrfs command-line tool.
package btrfs

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
)

var _ btrbck.Engine = &Engine{}

func init() {
	btrbck.RegisterEngine("btrfs", func(opts btrbck.EngineOptions) (btrbck.Engine, error) {
		return New(opts.Sudo, opts.Log), nil
	})
}

// Engine runs btrfs subcommands, optionally through sudo.
type Engine struct {
	// Command is the btrfs binary. Default "btrfs".
	Command string

	// Sudo runs each command as "sudo -n btrfs ...".
	Sudo bool

	Log *btrbck.Logger
}

// New produces a new Engine.
func New(sudo bool, log *btrbck.Logger) *Engine {
	return &Engine{Command: "btrfs", Sudo: sudo, Log: log}
}

func (e *Engine) argv(args ...string) []string {
	cmd := e.Command
	if cmd == "" {
		cmd = "btrfs"
	}
	var result []string
	if e.Sudo {
		result = append(result, "sudo", "-n")
	}
	result = append(result, cmd)
	return append(result, args...)
}

func (e *Engine) run(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	argv := e.argv(args...)
	e.Log.Debugf("running %s", strings.Join(argv, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return errors.Wrapf(err, "running %s", strings.Join(argv, " "))
		}
		return errors.Wrapf(err, "running %s: %s", strings.Join(argv, " "), msg)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		e.Log.Debugf("%s: %s", args[0], msg)
	}
	return nil
}

// CreateSubvolume implements btrbck.Engine.
func (e *Engine) CreateSubvolume(ctx context.Context, path string) error {
	return e.run(ctx, nil, nil, "subvolume", "create", path)
}

// Snapshot implements btrbck.Engine.
func (e *Engine) Snapshot(ctx context.Context, src, dst string, readOnly bool) error {
	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	return e.run(ctx, nil, nil, append(args, src, dst)...)
}

// Delete implements btrbck.Engine.
func (e *Engine) Delete(ctx context.Context, path string) error {
	return e.run(ctx, nil, nil, "subvolume", "delete", path)
}

// Send implements btrbck.Engine.
func (e *Engine) Send(ctx context.Context, parent, target string, w io.Writer) error {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	return e.run(ctx, nil, w, append(args, target)...)
}

// Receive implements btrbck.Engine.
func (e *Engine) Receive(ctx context.Context, dir string, r io.Reader) error {
	return e.run(ctx, r, nil, "receive", dir)
}
