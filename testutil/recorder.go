package testutil

import (
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/bobg/btrbck"
)

var _ btrbck.Engine = &Recorder{}

// Call is one recorded engine operation.
// Paths are reduced to base names.
type Call struct {
	Op     string // "create", "snapshot", "delete", "send", "receive"
	Parent string // send only; empty for a full send
	Target string
}

// Recorder is an implementation of btrbck.Engine that relays operations to a nested engine,
// recording each one.
// It is safe for concurrent use.
type Recorder struct {
	E btrbck.Engine

	// If non-nil, FailReceive is consulted before each Receive,
	// and its error (if any) is returned after reading limit bytes of the stream into the nested engine.
	FailReceive func(dir string) (limit int64, err error)

	mu    sync.Mutex
	calls []Call
}

// NewRecorder produces a Recorder wrapping e.
func NewRecorder(e btrbck.Engine) *Recorder {
	return &Recorder{E: e}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns the operations recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded operations of the given kind.
func (r *Recorder) Ops(op string) []Call {
	var result []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			result = append(result, c)
		}
	}
	return result
}

// Reset forgets all recorded operations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func base(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

func (r *Recorder) CreateSubvolume(ctx context.Context, path string) error {
	r.record(Call{Op: "create", Target: base(path)})
	return r.E.CreateSubvolume(ctx, path)
}

func (r *Recorder) Snapshot(ctx context.Context, src, dst string, readOnly bool) error {
	r.record(Call{Op: "snapshot", Target: base(dst)})
	return r.E.Snapshot(ctx, src, dst, readOnly)
}

func (r *Recorder) Delete(ctx context.Context, path string) error {
	r.record(Call{Op: "delete", Target: base(path)})
	return r.E.Delete(ctx, path)
}

func (r *Recorder) Send(ctx context.Context, parent, target string, w io.Writer) error {
	r.record(Call{Op: "send", Parent: base(parent), Target: base(target)})
	return r.E.Send(ctx, parent, target, w)
}

func (r *Recorder) Receive(ctx context.Context, dir string, rd io.Reader) error {
	r.record(Call{Op: "receive", Target: base(dir)})
	if r.FailReceive != nil {
		limit, err := r.FailReceive(dir)
		if err != nil {
			if recvErr := r.E.Receive(ctx, dir, io.LimitReader(rd, limit)); recvErr != nil {
				return recvErr
			}
			return err
		}
	}
	return r.E.Receive(ctx, dir, rd)
}
