// Package repo implements stream repositories:
// directories holding streams of numbered, read-only snapshots.
//
// The layout of a repository rooted at ROOT is:
//
//   ROOT/.btrbck/repository.json            configuration
//   ROOT/.btrbck/lock                       lock file
//   ROOT/.btrbck/journal.db                 transfer journal
//   ROOT/.btrbck/streams/NAME/stream.json   per-stream configuration
//   ROOT/.btrbck/streams/NAME/snapshots/    one snapshot per retained number
//   ROOT/NAME                               working subvolume (application repositories only)
package repo

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
)

const (
	// MetaDir is the name of the metadata directory in a repository root.
	MetaDir = ".btrbck"

	configFileName  = "repository.json"
	lockFileName    = "lock"
	journalFileName = "journal.db"
	streamsDirName  = "streams"

	// DefaultEngine is the engine recorded for new repositories when none is named.
	DefaultEngine = "btrfs"
)

// Env holds the collaborators that repositories need.
// The same Env is normally shared by every repository opened in one process.
type Env struct {
	// NewEngine produces the snapshot engine named in a repository's configuration.
	NewEngine func(name string) (btrbck.Engine, error)

	Log *btrbck.Logger

	// Now is the clock. If nil, time.Now is used.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Repository is a stream repository.
type Repository struct {
	// Root is the absolute path of the repository's root directory.
	Root   string
	Config Config
	Engine btrbck.Engine

	env *Env
}

// Create creates a new repository of the given kind at path,
// creating the directory if necessary.
// It is an error if there is already a repository there.
// Application repositories must be created in a directory
// with nothing in it besides dot-files.
func Create(ctx context.Context, env *Env, kind btrbck.Kind, path, engine string) (*Repository, error) {
	if !kind.Valid() {
		return nil, errors.Errorf("unknown repository kind %q", kind)
	}
	if engine == "" {
		engine = DefaultEngine
	}

	root, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "making %s absolute", path)
	}

	if _, err = os.Stat(filepath.Join(root, MetaDir, configFileName)); err == nil {
		return nil, errors.Wrapf(btrbck.ErrAlreadyExists, "repository at %s", root)
	}

	if kind == btrbck.Application {
		entries, err := os.ReadDir(root)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "reading %s", root)
		}
		for _, e := range entries {
			if e.Name()[0] != '.' {
				return nil, errors.Errorf("application repository directory %s is not empty", root)
			}
		}
	}

	r := &Repository{
		Root:   root,
		Config: Config{Kind: kind, Engine: engine},
		env:    env,
	}
	if err = r.init(); err != nil {
		return nil, err
	}

	if err = os.MkdirAll(r.streamsDir(), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", r.streamsDir())
	}

	f, err := os.OpenFile(r.LockFile(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s", r.LockFile())
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing lock file %s", r.LockFile())
	}

	if err = r.WriteConfig(); err != nil {
		return nil, err
	}

	env.Log.Printf("created %s repository in %s", kind, root)

	return r, nil
}

// Read opens the repository containing path,
// which is either path itself or the nearest ancestor of it
// that has repository metadata.
func Read(ctx context.Context, env *Env, path string) (*Repository, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "making %s absolute", path)
	}
	for {
		_, err := os.Stat(filepath.Join(dir, MetaDir, configFileName))
		if err == nil {
			return open(env, dir)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "looking for repository in %s", dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, errors.Wrapf(btrbck.ErrNotARepository, "%s or any parent", path)
		}
		dir = parent
	}
}

// ReadExact opens the repository rooted at exactly path.
func ReadExact(ctx context.Context, env *Env, path string) (*Repository, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "making %s absolute", path)
	}
	_, err = os.Stat(filepath.Join(root, MetaDir, configFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(btrbck.ErrNotARepository, root)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "checking for repository in %s", root)
	}
	return open(env, root)
}

func open(env *Env, root string) (*Repository, error) {
	r := &Repository{Root: root, env: env}
	if err := readJSON(r.configFile(), &r.Config); err != nil {
		return nil, errors.Wrap(err, "reading repository configuration")
	}
	if r.Config.Engine == "" {
		r.Config.Engine = DefaultEngine
	}
	if err := r.Config.validate(); err != nil {
		return nil, errors.Wrapf(err, "in %s", r.configFile())
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) init() error {
	if r.env.NewEngine == nil {
		return errors.New("no snapshot engines configured")
	}
	eng, err := r.env.NewEngine(r.Config.Engine)
	if err != nil {
		return errors.Wrapf(err, "creating %s engine", r.Config.Engine)
	}
	r.Engine = eng
	return nil
}

// Env is the environment the repository was opened with.
func (r *Repository) Env() *Env {
	return r.env
}

// Now is the current time by the repository's clock.
func (r *Repository) Now() time.Time {
	if r.env == nil {
		return time.Now()
	}
	return r.env.now()
}

// Kind is the repository's kind.
func (r *Repository) Kind() btrbck.Kind {
	return r.Config.Kind
}

func (r *Repository) metaDir() string {
	return filepath.Join(r.Root, MetaDir)
}

func (r *Repository) configFile() string {
	return filepath.Join(r.metaDir(), configFileName)
}

// LockFile is the path of the repository's lock file.
func (r *Repository) LockFile() string {
	return filepath.Join(r.metaDir(), lockFileName)
}

// JournalFile is the path of the repository's transfer journal.
func (r *Repository) JournalFile() string {
	return filepath.Join(r.metaDir(), journalFileName)
}

func (r *Repository) streamsDir() string {
	return filepath.Join(r.metaDir(), streamsDirName)
}

// WriteConfig saves r.Config to the repository's configuration file.
func (r *Repository) WriteConfig() error {
	if err := r.Config.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.metaDir(), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", r.metaDir())
	}
	return writeJSON(r.configFile(), r.Config)
}

// DeleteEmpty deletes the repository's metadata,
// including its lock file.
// The repository must contain no streams.
// The root directory itself is left in place.
func (r *Repository) DeleteEmpty(ctx context.Context) error {
	names, err := r.StreamNames()
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return errors.Wrapf(btrbck.ErrNotEmpty, "%s has %d stream(s)", r.Root, len(names))
	}
	if err = os.RemoveAll(r.metaDir()); err != nil {
		return errors.Wrapf(err, "removing %s", r.metaDir())
	}
	r.env.Log.Printf("deleted repository %s", r.Root)
	return nil
}
