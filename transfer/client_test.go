package transfer_test

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/engine/dir"
	"github.com/bobg/btrbck/journal"
	"github.com/bobg/btrbck/remote"
	"github.com/bobg/btrbck/repo"
	"github.com/bobg/btrbck/testutil"
	. "github.com/bobg/btrbck/transfer"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	rec   *testutil.Recorder
	clock *testutil.Clock
	env   *repo.Env
	src   *repo.Repository
	dst   *repo.Repository
	data  *repo.Stream // in src
}

// newFixture makes an application repository with stream "data" holding snapshots 1 through n,
// and an empty backup repository.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		rec:   testutil.NewRecorder(dir.New()),
		clock: testutil.NewClock(start),
	}
	f.env = testutil.Env(t, f.rec, f.clock)
	f.src = testutil.NewRepository(t, f.env, btrbck.Application)
	f.dst = testutil.NewRepository(t, f.env, btrbck.Backup)

	s, err := f.src.CreateStream(ctx, "data")
	if err != nil {
		t.Fatal(err)
	}
	f.data = s
	for i := 1; i <= n; i++ {
		f.snapshot(t, map[string]string{"common": "same", "version": strings.Repeat("v", i)})
	}
	f.rec.Reset()
	return f
}

func (f *fixture) snapshot(t *testing.T, files map[string]string) repo.Snapshot {
	t.Helper()
	testutil.WriteFiles(t, f.data.WorkingPath(), files)
	snap, err := f.data.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	return snap
}

func (f *fixture) client() *Client {
	return &Client{Log: f.env.Log}
}

func (f *fixture) sends() []testutil.Call {
	return f.rec.Ops("send")
}

func (f *fixture) sendCall(parent, n int) testutil.Call {
	c := testutil.Call{Op: "send"}
	if parent != 0 {
		p, _ := f.data.Snapshot(parent)
		c.Parent = p.Name()
	}
	s, _ := f.data.Snapshot(n)
	c.Target = s.Name()
	return c
}

func readStream(t *testing.T, r *repo.Repository, name string) *repo.Stream {
	t.Helper()
	s, err := r.ReadStream(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPushFullThenIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	res, err := f.client().Push(ctx, f.src, "data", peer, "data", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Parent != 0 {
		t.Errorf("got parent %d, want none", res.Parent)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}

	// Snapshot 1 went in full, then each one relative to the one before.
	want := []testutil.Call{f.sendCall(0, 1), f.sendCall(1, 2), f.sendCall(2, 3)}
	if diff := cmp.Diff(want, f.sends()); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}

	backup := readStream(t, f.dst, "data")
	if diff := cmp.Diff(f.data.Numbers(), backup.Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	for _, n := range backup.Numbers() {
		orig, _ := f.data.Snapshot(n)
		got, _ := backup.Snapshot(n)
		if !got.CreatedAt.Equal(orig.CreatedAt) {
			t.Errorf("snapshot %d: got creation time %s, want %s", n, got.CreatedAt, orig.CreatedAt)
		}
		if diff := cmp.Diff(testutil.ReadFiles(t, orig.Path()), testutil.ReadFiles(t, got.Path())); diff != "" {
			t.Errorf("snapshot %d content mismatch (-want +got):\n%s", n, diff)
		}
	}

	// Nothing new: nothing to send.
	f.rec.Reset()
	res, err = f.client().Push(ctx, f.src, "data", peer, "data", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Transferred) != 0 || res.Parent != 3 {
		t.Errorf("second push: parent %d, transferred %v", res.Parent, res.Transferred)
	}
	if got := f.sends(); len(got) != 0 {
		t.Errorf("second push sent %v", got)
	}

	// One new snapshot goes relative to the last common one.
	f.snapshot(t, map[string]string{"version": "new"})
	f.rec.Reset()
	res, err = f.client().Push(ctx, f.src, "data", peer, "data", false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]testutil.Call{f.sendCall(3, 4)}, f.sends()); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
}

func TestPushAfterPrune(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	if _, err := f.client().Push(ctx, f.src, "data", peer, "data", true); err != nil {
		t.Fatal(err)
	}
	f.snapshot(t, map[string]string{"version": "4"})
	f.snapshot(t, map[string]string{"version": "5"})
	for _, n := range []int{1, 2, 3} {
		if err := f.data.DeleteSnapshot(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	// No common snapshot remains, so 4 goes in full.
	f.rec.Reset()
	res, err := f.client().Push(ctx, f.src, "data", peer, "data", false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]testutil.Call{f.sendCall(0, 4), f.sendCall(4, 5)}, f.sends()); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, readStream(t, f.dst, "data").Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	if res.Parent != 0 {
		t.Errorf("got parent %d, want none", res.Parent)
	}
}

func TestPushNoSuchStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	_, err := f.client().Push(ctx, f.src, "data", peer, "elsewhere", false)
	if !errors.Is(err, btrbck.ErrNoSuchStream) {
		t.Fatalf("got %v, want ErrNoSuchStream", err)
	}
	if got := f.sends(); len(got) != 0 {
		t.Errorf("sent %v", got)
	}
	if got := f.rec.Ops("receive"); len(got) != 0 {
		t.Errorf("received %v", got)
	}
	if ok, _ := f.dst.HasStream("elsewhere"); ok {
		t.Error("destination stream was created")
	}
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	peer := btrbck.RemoteRepository{Location: f.src.Root}

	res, err := f.client().Pull(ctx, f.dst, "copy", peer, "data", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, readStream(t, f.dst, "copy").Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}

	// The source stream does not exist: the local stream is not created either.
	_, err = f.client().Pull(ctx, f.dst, "other", peer, "nope", true)
	if !errors.Is(err, btrbck.ErrNoSuchStream) {
		t.Errorf("got %v, want ErrNoSuchStream", err)
	}
	if ok, _ := f.dst.HasStream("other"); ok {
		t.Error("local stream was created")
	}

	// Without -c the local stream must already exist.
	_, err = f.client().Pull(ctx, f.dst, "missing", peer, "data", false)
	if !errors.Is(err, btrbck.ErrNoSuchStream) {
		t.Errorf("got %v, want ErrNoSuchStream", err)
	}
}

func TestReceiveFailureCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	var (
		mu       sync.Mutex
		receives int
	)
	f.rec.FailReceive = func(string) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		receives++
		if receives == 3 {
			// Enough for the snapshot's root directory to appear.
			return 1600, errors.New("disk full")
		}
		return 0, nil
	}

	res, err := f.client().Push(ctx, f.src, "data", peer, "data", true)
	var perr *PeerError
	if !errors.As(err, &perr) || perr.Code != CodeFailed {
		t.Fatalf("got %v, want a failure reported by the receiver", err)
	}
	if diff := cmp.Diff([]int{1, 2}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}

	backup := readStream(t, f.dst, "data")
	if diff := cmp.Diff([]int{1, 2}, backup.Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(backup.SnapshotsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries in %s, want 2", len(entries), backup.SnapshotsDir())
	}
}

// swallowing is an engine whose Receive creates the snapshot directory
// and then reports success however the send-stream ends.
type swallowing struct {
	btrbck.Engine
}

func (swallowing) Receive(ctx context.Context, dir string, r io.Reader) error {
	hdr, err := tar.NewReader(r).Next()
	if err != nil {
		return err
	}
	if err = os.Mkdir(filepath.Join(dir, path.Clean(hdr.Name)), 0755); err != nil {
		return err
	}
	io.Copy(io.Discard, r)
	return nil
}

func TestBrokenChannelCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.snapshot(t, map[string]string{"big": strings.Repeat("x", 3<<20)})
	f.rec.E = swallowing{Engine: dir.New()}
	f.rec.Reset()

	c := f.client()
	c.Execer = &fakeExecer{env: f.env, cut: 1536 << 10}

	target := &btrbck.Target{Host: "backup.example.com"}
	_, err := c.Push(ctx, f.src, "data", btrbck.RemoteRepository{Location: f.dst.Root, Target: target}, "data", true)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want a TransportError", err)
	}

	backup := readStream(t, f.dst, "data")
	if n := backup.Numbers(); len(n) != 0 {
		t.Errorf("destination holds snapshots %v, want none", n)
	}
	entries, err := os.ReadDir(backup.SnapshotsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries in %s, want 0", len(entries), backup.SnapshotsDir())
	}
}

func TestSameRepository(t *testing.T) {
	f := newFixture(t, 1)
	peer := btrbck.RemoteRepository{Location: f.src.Root}
	if _, err := f.client().Push(context.Background(), f.src, "data", peer, "other", true); err == nil {
		t.Error("pushed a repository to itself")
	}
}

func TestPushWaitsForPeerLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	lock, err := f.dst.Lock()
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		events []string
		done   = make(chan error, 1)
	)
	event := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	go func() {
		_, err := f.client().Push(ctx, f.src, "data", peer, "data", true)
		event("pushed")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	event("releasing")
	if err = lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err = <-done; err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"releasing", "pushed"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, readStream(t, f.dst, "data").Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	peer := btrbck.RemoteRepository{Location: f.dst.Root}

	j, err := journal.Open(ctx, f.src.JournalFile())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	c := f.client()
	c.Journal = j
	c.Flags.ID = "run-1"

	if _, err = c.Push(ctx, f.src, "data", peer, "data", false); err == nil {
		t.Fatal("push to a missing stream succeeded")
	}
	if _, err = c.Push(ctx, f.src, "data", peer, "data", true); err != nil {
		t.Fatal(err)
	}

	var got []journal.Entry
	err = j.List(ctx, "data", func(e journal.Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d journal entries, want 2", len(got))
	}
	if got[0].Err == "" || len(got[0].Numbers) != 0 {
		t.Errorf("first entry %+v, want a failure with no snapshots", got[0])
	}
	if got[1].Err != "" || got[1].RunID != "run-1" || got[1].Op != "push" {
		t.Errorf("second entry %+v", got[1])
	}
	for i, e := range got {
		if !e.At.Equal(f.clock.Now()) {
			t.Errorf("entry %d: got time %s, want %s", i, e.At, f.clock.Now())
		}
	}
	if diff := cmp.Diff([]int{1, 2}, got[1].Numbers); diff != "" {
		t.Errorf("numbers mismatch (-want +got):\n%s", diff)
	}
}

// fakeExecer "runs" btrbck on another host
// by playing the peer role in-process against a local repository.
type fakeExecer struct {
	env *repo.Env

	// If positive, the channel to the peer breaks after this many bytes.
	cut int64

	mu   sync.Mutex
	argv [][]string
}

var errBroken = errors.New("connection reset")

func (x *fakeExecer) Exec(ctx context.Context, target *btrbck.Target, argv []string) (remote.Session, error) {
	x.mu.Lock()
	x.argv = append(x.argv, argv)
	x.mu.Unlock()

	var (
		location string
		create   bool
	)
	for i := 0; i < len(argv)-2; i++ {
		switch argv[i] {
		case "-r":
			location = argv[i+1]
		case "-c":
			create = true
		}
	}
	subcommand, stream := argv[len(argv)-2], argv[len(argv)-1]
	role := Receiver
	if subcommand == "sendSnapshots" {
		role = Sender
	}

	pr, err := repo.ReadExact(ctx, x.env, location)
	if err != nil {
		return nil, err
	}

	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()
	sess := &fakeSession{r: fromPeerR, w: toPeerW, cut: x.cut, done: make(chan struct{})}

	go func() {
		ep := Endpoint{Repo: pr, Stream: stream, Create: create, Log: x.env.Log}
		_, err := Run(ctx, role, ep, Duplex{Reader: toPeerR, Writer: fromPeerW})
		if err == nil {
			var s *repo.Stream
			if s, err = pr.ReadStream(ctx, stream); err == nil {
				_, err = s.Prune(ctx)
			}
		}
		fromPeerW.CloseWithError(err)
		toPeerR.CloseWithError(io.ErrClosedPipe)
		sess.err = err
		close(sess.done)
	}()

	return sess, nil
}

type fakeSession struct {
	r *io.PipeReader
	w *io.PipeWriter

	cut, n int64

	done chan struct{}
	err  error
}

func (s *fakeSession) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *fakeSession) Write(p []byte) (int, error) {
	if s.cut > 0 && s.n+int64(len(p)) > s.cut {
		n, _ := s.w.Write(p[:s.cut-s.n])
		s.n += int64(n)
		s.w.CloseWithError(errBroken)
		return n, errBroken
	}
	n, err := s.w.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *fakeSession) CloseWrite() error {
	return s.w.Close()
}

func (s *fakeSession) Wait() error {
	<-s.done
	return s.err
}

func (s *fakeSession) Close() error {
	s.r.Close()
	return s.w.Close()
}

func TestRemotePushPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	x := &fakeExecer{env: f.env}
	c := f.client()
	c.Execer = x
	c.Flags = remote.Flags{ID: "run-2", Verbose: true}

	target := &btrbck.Target{Host: "backup.example.com"}
	res, err := c.Push(ctx, f.src, "data", btrbck.RemoteRepository{Location: f.dst.Root, Target: target}, "data", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}

	res, err = c.Pull(ctx, f.dst, "back", btrbck.RemoteRepository{Location: f.src.Root, Target: target}, "data", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, readStream(t, f.dst, "back").Numbers()); diff != "" {
		t.Errorf("pulled mismatch (-want +got):\n%s", diff)
	}

	want := [][]string{
		{"btrbck", "-r", f.dst.Root, "-c", "-v", "-id", "run-2", "receiveSnapshots", "data"},
		{"btrbck", "-r", f.src.Root, "-v", "-id", "run-2", "sendSnapshots", "data"},
	}
	if diff := cmp.Diff(want, x.argv); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoteTransportFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	// Snapshot 3 is much bigger than the others,
	// so the channel breaks partway through it.
	f.snapshot(t, map[string]string{"big": strings.Repeat("x", 1<<20)})
	f.rec.Reset()

	c := f.client()
	c.Execer = &fakeExecer{env: f.env, cut: 512 << 10}

	target := &btrbck.Target{Host: "backup.example.com"}
	res, err := c.Push(ctx, f.src, "data", btrbck.RemoteRepository{Location: f.dst.Root, Target: target}, "data", true)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want a TransportError", err)
	}
	if diff := cmp.Diff([]int{1, 2}, res.Transferred); diff != "" {
		t.Errorf("transferred mismatch (-want +got):\n%s", diff)
	}

	backup := readStream(t, f.dst, "data")
	if diff := cmp.Diff([]int{1, 2}, backup.Numbers()); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(backup.SnapshotsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries in %s, want 2", len(entries), backup.SnapshotsDir())
	}
}
