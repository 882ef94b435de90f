package btrbck

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

// Kind is the kind of a stream repository.
type Kind string

const (
	// Backup repositories hold streams that are filled by replication only.
	// Their streams have no working subvolume.
	Backup Kind = "backup"

	// Application repositories hold a writable working subvolume for each stream,
	// which is what gets snapshotted.
	Application Kind = "application"
)

func (k Kind) Valid() bool {
	return k == Backup || k == Application
}

// Direction is the direction of a sync configuration.
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// UnmarshalText accepts the directions case-insensitively.
func (d *Direction) UnmarshalText(text []byte) error {
	switch Direction(strings.ToLower(string(text))) {
	case Push:
		*d = Push
	case Pull:
		*d = Pull
	default:
		return fmt.Errorf("unknown direction %q", string(text))
	}
	return nil
}

var (
	// ErrNotARepository is the error produced when no stream repository is found at or above a path.
	ErrNotARepository = errors.New("not a stream repository")

	// ErrNoSuchStream is the error produced when a named stream is absent.
	ErrNoSuchStream = errors.New("no such stream")

	// ErrNoSuchSnapshot is the error produced when a snapshot number is absent from a stream.
	ErrNoSuchSnapshot = errors.New("no such snapshot")

	// ErrAlreadyExists is the error produced when creating a repository or stream that is already there.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotEmpty is the error produced when deleting a repository that still contains streams.
	ErrNotEmpty = errors.New("repository not empty")

	// ErrNoDataSource is the error produced when snapshotting a stream whose working subvolume is missing.
	ErrNoDataSource = errors.New("no data source")

	// ErrInvalidName is the error produced for stream names outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("invalid stream name")
)

// Logger is what the packages in this module log through.
// A nil *Logger discards everything.
type Logger struct {
	L       *log.Logger
	Verbose bool
}

func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil || l.L == nil {
		return
	}
	l.L.Printf(format, args...)
}

// Debugf logs only when l.Verbose is set.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || !l.Verbose {
		return
	}
	l.Printf(format, args...)
}
