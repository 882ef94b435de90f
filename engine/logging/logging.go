// Package logging implements an engine that delegates everything to a nested engine,
// logging operations as they happen.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/bobg/btrbck"
)

var _ btrbck.Engine = &Engine{}

type Engine struct {
	e   btrbck.Engine
	log *btrbck.Logger
}

func New(e btrbck.Engine, log *btrbck.Logger) *Engine {
	return &Engine{e: e, log: log}
}

func (e *Engine) done(start time.Time, err error, format string, args ...interface{}) {
	args = append(args, time.Since(start).Round(time.Millisecond))
	if err != nil {
		e.log.Printf("ERROR "+format+" after %s: %s", append(args, err)...)
	} else {
		e.log.Printf(format+" took %s", args...)
	}
}

func (e *Engine) CreateSubvolume(ctx context.Context, path string) error {
	start := time.Now()
	err := e.e.CreateSubvolume(ctx, path)
	e.done(start, err, "CreateSubvolume %s", path)
	return err
}

func (e *Engine) Snapshot(ctx context.Context, src, dst string, readOnly bool) error {
	start := time.Now()
	err := e.e.Snapshot(ctx, src, dst, readOnly)
	e.done(start, err, "Snapshot %s -> %s, readOnly=%v", src, dst, readOnly)
	return err
}

func (e *Engine) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := e.e.Delete(ctx, path)
	e.done(start, err, "Delete %s", path)
	return err
}

func (e *Engine) Send(ctx context.Context, parent, target string, w io.Writer) error {
	var (
		start = time.Now()
		cw    = &countingWriter{w: w}
		err   = e.e.Send(ctx, parent, target, cw)
	)
	if parent == "" {
		e.done(start, err, "Send %s (full), %d bytes,", target, cw.n)
	} else {
		e.done(start, err, "Send %s (parent %s), %d bytes,", target, parent, cw.n)
	}
	return err
}

func (e *Engine) Receive(ctx context.Context, dir string, r io.Reader) error {
	var (
		start = time.Now()
		cr    = &countingReader{r: r}
		err   = e.e.Receive(ctx, dir, cr)
	)
	e.done(start, err, "Receive into %s, %d bytes,", dir, cr.n)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
