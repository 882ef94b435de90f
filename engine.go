package btrbck

import (
	"context"
	"fmt"
	"io"
)

// Engine is the set of subvolume-snapshot operations that repositories are built on.
// Paths are absolute.
//
// Snapshots produced by Snapshot with readOnly set,
// and snapshots materialized by Receive,
// are never modified afterwards.
type Engine interface {
	// CreateSubvolume creates a new, empty, writable subvolume at path.
	CreateSubvolume(ctx context.Context, path string) error

	// Snapshot creates a snapshot of src at dst.
	Snapshot(ctx context.Context, src, dst string, readOnly bool) error

	// Delete removes the subvolume or snapshot at path.
	Delete(ctx context.Context, path string) error

	// Send writes a send-stream for the read-only snapshot target to w.
	// If parent is non-empty,
	// the stream is incremental relative to that snapshot,
	// which the receiving side must already hold.
	Send(ctx context.Context, parent, target string, w io.Writer) error

	// Receive consumes a send-stream from r,
	// materializing a snapshot inside dir
	// under the base name of the sent target.
	// On failure a partial snapshot may be left behind;
	// it is the caller's job to remove it.
	Receive(ctx context.Context, dir string, r io.Reader) error
}

// EngineOptions configures engines created by name.
type EngineOptions struct {
	// Sudo asks for privileged operations to go through sudo,
	// for engines where that means something.
	Sudo bool

	Log *Logger
}

// EngineFactory produces an Engine.
type EngineFactory func(EngineOptions) (Engine, error)

var engines = make(map[string]EngineFactory)

// RegisterEngine makes an engine available to NewEngine under the given name.
// It is normally called from the init function of the engine's package.
func RegisterEngine(name string, f EngineFactory) {
	engines[name] = f
}

// NewEngine produces the engine registered under name.
func NewEngine(name string, opts EngineOptions) (Engine, error) {
	f, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %s not found in registry", name)
	}
	return f(opts)
}
