// Package testutil contains helpers for testing repositories and transfers
// without btrfs.
package testutil

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/repo"
)

// TempDir is t.TempDir,
// but first restores write permission on everything in it when the test ends,
// so that read-only snapshots can be removed.
func TempDir(t testing.TB) string {
	dir := t.TempDir()
	t.Cleanup(func() {
		filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if info, err := d.Info(); err == nil {
				os.Chmod(p, info.Mode().Perm()|0700)
			}
			return nil
		})
	})
	return dir
}

// Clock is a settable clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock produces a Clock reading t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type logWriter struct {
	t testing.TB
}

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// Env produces a repository environment for tests.
// Every repository gets eng as its engine, whatever its configuration says.
func Env(t testing.TB, eng btrbck.Engine, clock *Clock) *repo.Env {
	env := &repo.Env{
		NewEngine: func(string) (btrbck.Engine, error) {
			return eng, nil
		},
		Log: &btrbck.Logger{L: log.New(logWriter{t: t}, "", 0), Verbose: testing.Verbose()},
	}
	if clock != nil {
		env.Now = clock.Now
	}
	return env
}

// NewRepository creates a repository of the given kind in a new temporary directory.
func NewRepository(t testing.TB, env *repo.Env, kind btrbck.Kind) *repo.Repository {
	t.Helper()
	r, err := repo.Create(context.Background(), env, kind, TempDir(t), "dir")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// WriteFiles writes the given files, keyed by slash-separated relative path, beneath dir.
func WriteFiles(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ReadFiles reads all regular files beneath dir, keyed by slash-separated relative path.
func ReadFiles(t testing.TB, dir string) map[string]string {
	t.Helper()
	result := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		result[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}
