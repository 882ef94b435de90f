package repo

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock is a held repository lock:
// an exclusive flock(2) on the repository's lock file.
// The kernel drops it when the holding process exits,
// so a crash never leaves a stale lock behind.
type Lock struct {
	f *os.File
}

// Lock obtains the repository's exclusive lock,
// blocking until any other holder releases it.
// Locks are per open file,
// so two Lock calls exclude each other even within one process.
// Callers must Release the lock on every path out.
func (r *Repository) Lock() (*Lock, error) {
	path := r.LockFile()
	r.env.Log.Debugf("locking %s", path)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}
	if err = flock(f, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	r.env.Log.Debugf("locked %s", path)
	return &Lock{f: f}, nil
}

// Release releases the lock.
// Releasing a nil or already-released lock does nothing.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil

	err := flock(f, unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "unlocking %s", f.Name())
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
