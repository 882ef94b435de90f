package repo_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/engine/dir"
	. "github.com/bobg/btrbck/repo"
	"github.com/bobg/btrbck/testutil"
)

func TestCreateRead(t *testing.T) {
	ctx := context.Background()
	env := testutil.Env(t, dir.New(), nil)
	r := testutil.NewRepository(t, env, btrbck.Backup)

	if _, err := os.Stat(r.LockFile()); err != nil {
		t.Fatalf("lock file: %s", err)
	}

	sub := filepath.Join(r.Root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	r2, err := Read(ctx, env, sub)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Root != r.Root {
		t.Errorf("got root %s, want %s", r2.Root, r.Root)
	}
	if r2.Kind() != btrbck.Backup {
		t.Errorf("got kind %s, want backup", r2.Kind())
	}
	if r2.Config.Engine != "dir" {
		t.Errorf("got engine %s, want dir", r2.Config.Engine)
	}

	if _, err = ReadExact(ctx, env, sub); !errors.Is(err, btrbck.ErrNotARepository) {
		t.Errorf("got %v from ReadExact on a subdirectory, want ErrNotARepository", err)
	}
	if _, err = ReadExact(ctx, env, r.Root); err != nil {
		t.Error(err)
	}

	if _, err = Create(ctx, env, btrbck.Backup, r.Root, "dir"); !errors.Is(err, btrbck.ErrAlreadyExists) {
		t.Errorf("got %v creating a repository twice, want ErrAlreadyExists", err)
	}

	if _, err = Read(ctx, env, testutil.TempDir(t)); !errors.Is(err, btrbck.ErrNotARepository) {
		t.Errorf("got %v reading a plain directory, want ErrNotARepository", err)
	}
}

func TestCreateApplicationNotEmpty(t *testing.T) {
	var (
		ctx  = context.Background()
		env  = testutil.Env(t, dir.New(), nil)
		root = testutil.TempDir(t)
	)
	testutil.WriteFiles(t, root, map[string]string{".hidden": "ok"})
	if _, err := Create(ctx, env, btrbck.Application, filepath.Join(root), "dir"); err != nil {
		t.Fatalf("dot-files only: %s", err)
	}

	root = testutil.TempDir(t)
	testutil.WriteFiles(t, root, map[string]string{"data": "not ok"})
	if _, err := Create(ctx, env, btrbck.Application, root, "dir"); err == nil {
		t.Error("created an application repository in a non-empty directory")
	}
	if _, err := Create(ctx, env, btrbck.Backup, root, "dir"); err != nil {
		t.Errorf("backup repository in a non-empty directory: %s", err)
	}
}

func TestConfig(t *testing.T) {
	ctx := context.Background()
	env := testutil.Env(t, dir.New(), nil)
	r := testutil.NewRepository(t, env, btrbck.Backup)

	interval := Duration(6 * time.Hour)
	tiers := 3
	r.Config.SnapshotInterval = &interval
	r.Config.Retention = &RetentionConfig{Tiers: &tiers}
	r.Config.Sync = []SyncConfig{{
		RemoteRepoLocation:      "/backups",
		SSHTarget:               "bob@example.com:2222",
		Direction:               btrbck.Push,
		CreateRemoteIfNecessary: true,
		Streams:                 []string{"db-*", "home"},
	}}
	if err := r.WriteConfig(); err != nil {
		t.Fatal(err)
	}

	r2, err := ReadExact(ctx, env, r.Root)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r.Config, r2.Config); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	sc := r2.Config.Sync[0]
	for name, want := range map[string]bool{"db-main": true, "home": true, "homer": false, "db": false} {
		if got := sc.IsSynced(name); got != want {
			t.Errorf("IsSynced(%s) = %v, want %v", name, got, want)
		}
	}
	if got := sc.RemoteStream("home"); got != "home" {
		t.Errorf("got remote stream %s, want home", got)
	}
	remote, err := sc.Remote()
	if err != nil {
		t.Fatal(err)
	}
	if remote.Location != "/backups" || remote.Target == nil || remote.Target.Port != 2222 {
		t.Errorf("got remote %+v", remote)
	}

	s, err := r2.CreateStream(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.SnapshotInterval(); got != 6*time.Hour {
		t.Errorf("got interval %s, want 6h", got)
	}
	if got := s.RetentionPolicy(); got.Tiers != 3 || got.Base != 24*time.Hour {
		t.Errorf("got policy %+v", got)
	}

	base := Duration(time.Hour)
	s.Config.Retention = &RetentionConfig{Base: &base}
	if err = s.WriteConfig(); err != nil {
		t.Fatal(err)
	}
	s, err = r2.ReadStream(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.RetentionPolicy(); got.Tiers != 3 || got.Base != time.Hour {
		t.Errorf("got policy %+v after stream override", got)
	}
}

func TestBadConfig(t *testing.T) {
	ctx := context.Background()
	env := testutil.Env(t, dir.New(), nil)

	cases := map[string]string{
		"kind":      `{"kind": "archive"}`,
		"direction": `{"kind": "backup", "sync": [{"remoteRepoLocation": "/x", "direction": "sideways"}]}`,
		"location":  `{"kind": "backup", "sync": [{"direction": "push"}]}`,
		"target":    `{"kind": "backup", "sync": [{"remoteRepoLocation": "/x", "direction": "pull", "sshTarget": "host:99999"}]}`,
		"duration":  `{"kind": "backup", "snapshotInterval": "soon"}`,
		"unknown":   `{"kind": "backup", "color": "blue"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			r := testutil.NewRepository(t, env, btrbck.Backup)
			if err := os.WriteFile(filepath.Join(r.Root, MetaDir, "repository.json"), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadExact(ctx, env, r.Root); err == nil {
				t.Error("no error")
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	d := Duration(90 * time.Minute)
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"1h30m0s"` {
		t.Errorf("got %s", b)
	}
}

func TestDeleteEmpty(t *testing.T) {
	ctx := context.Background()
	env := testutil.Env(t, dir.New(), nil)
	r := testutil.NewRepository(t, env, btrbck.Application)

	s, err := r.CreateStream(ctx, "data")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.TakeSnapshot(ctx); err != nil {
		t.Fatal(err)
	}

	if err = r.DeleteEmpty(ctx); !errors.Is(err, btrbck.ErrNotEmpty) {
		t.Fatalf("got %v, want ErrNotEmpty", err)
	}

	if err = r.DeleteStreams(ctx); err != nil {
		t.Fatal(err)
	}
	if err = r.DeleteEmpty(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err = ReadExact(ctx, env, r.Root); !errors.Is(err, btrbck.ErrNotARepository) {
		t.Errorf("got %v reading a deleted repository, want ErrNotARepository", err)
	}
	if _, err = os.Stat(r.LockFile()); !os.IsNotExist(err) {
		t.Errorf("lock file still present (err %v)", err)
	}
	if _, err = os.Stat(filepath.Join(r.Root, "data")); err != nil {
		t.Errorf("working subvolume removed: %s", err)
	}
}

func TestLock(t *testing.T) {
	ctx := context.Background()

	// Separate environments, as with two processes.
	env1 := testutil.Env(t, dir.New(), nil)
	env2 := testutil.Env(t, dir.New(), nil)

	r1 := testutil.NewRepository(t, env1, btrbck.Backup)
	r2, err := ReadExact(ctx, env2, r1.Root)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		events []string
		record = func(s string) {
			mu.Lock()
			events = append(events, s)
			mu.Unlock()
		}
	)

	lock1, err := r1.Lock()
	if err != nil {
		t.Fatal(err)
	}

	// The lock is on the lock file itself.
	if err = tryLock(r1.LockFile()); err != unix.EWOULDBLOCK {
		t.Fatalf("got %v trying to lock %s while held, want EWOULDBLOCK", err, r1.LockFile())
	}

	// A lock file that looks old does not release the lock.
	old := time.Now().Add(-time.Hour)
	if err = os.Chtimes(r1.LockFile(), old, old); err != nil {
		t.Fatal(err)
	}

	done := make(chan error)
	go func() {
		lock2, err := r2.Lock()
		if err != nil {
			done <- err
			return
		}
		record("second acquired")
		done <- lock2.Release()
	}()

	// Give the second locker a chance to (wrongly) get in.
	time.Sleep(100 * time.Millisecond)
	record("first releasing")
	if err = lock1.Release(); err != nil {
		t.Fatal(err)
	}
	if err = <-done; err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"first releasing", "second acquired"}, events); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Releasing twice is harmless.
	if err = lock1.Release(); err != nil {
		t.Error(err)
	}

	if err = tryLock(r1.LockFile()); err != nil {
		t.Errorf("lock file still locked after release: %s", err)
	}
}

// tryLock takes and drops a non-blocking exclusive lock on path.
func tryLock(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func TestLockAfterDelete(t *testing.T) {
	ctx := context.Background()
	env := testutil.Env(t, dir.New(), nil)
	r := testutil.NewRepository(t, env, btrbck.Backup)

	lock, err := r.Lock()
	if err != nil {
		t.Fatal(err)
	}
	if err = r.DeleteEmpty(ctx); err != nil {
		t.Fatal(err)
	}
	if err = lock.Release(); err != nil {
		t.Errorf("releasing the lock of a deleted repository: %s", err)
	}
	if _, err = r.Lock(); err == nil {
		t.Error("locked a deleted repository")
	}
}
