package repo

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/retention"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName tells whether name is a valid stream name.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Stream is a named sequence of snapshots in a repository.
type Stream struct {
	Name   string
	Repo   *Repository
	Config StreamConfig

	// Snapshots is sorted by number.
	Snapshots []Snapshot
}

func (r *Repository) streamDir(name string) string {
	return filepath.Join(r.streamsDir(), name)
}

// WorkingPath is where the stream's working subvolume lives.
// Only application repositories normally have one.
func (r *Repository) WorkingPath(name string) string {
	return filepath.Join(r.Root, name)
}

// StreamNames lists the names of the streams in the repository, sorted.
// It reflects the repository's contents at the time of the call.
func (r *Repository) StreamNames() ([]string, error) {
	entries, err := os.ReadDir(r.streamsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", r.streamsDir())
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CreateStream creates a new, empty stream.
// In an application repository it also creates the stream's working subvolume,
// unless one is already there.
func (r *Repository) CreateStream(ctx context.Context, name string) (*Stream, error) {
	if !ValidName(name) {
		return nil, errors.Wrapf(btrbck.ErrInvalidName, "%q", name)
	}

	dir := r.streamDir(name)
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Wrapf(btrbck.ErrAlreadyExists, "stream %s", name)
	}

	s := &Stream{Name: name, Repo: r}
	if err := os.MkdirAll(s.SnapshotsDir(), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", s.SnapshotsDir())
	}
	if err := writeJSON(s.configFile(), s.Config); err != nil {
		return nil, err
	}

	if r.Kind() == btrbck.Application {
		working := s.WorkingPath()
		_, err := os.Stat(working)
		if errors.Is(err, fs.ErrNotExist) {
			if err = r.Engine.CreateSubvolume(ctx, working); err != nil {
				return nil, errors.Wrapf(err, "creating working subvolume %s", working)
			}
		} else if err != nil {
			return nil, errors.Wrapf(err, "checking %s", working)
		}
	}

	r.env.Log.Printf("created stream %s in %s", name, r.Root)
	return s, nil
}

// ReadStream reads the named stream and its list of snapshots.
func (r *Repository) ReadStream(ctx context.Context, name string) (*Stream, error) {
	if !ValidName(name) {
		return nil, errors.Wrapf(btrbck.ErrInvalidName, "%q", name)
	}

	dir := r.streamDir(name)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, errors.Wrapf(btrbck.ErrNoSuchStream, "%s in %s", name, r.Root)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", dir)
	}

	s := &Stream{Name: name, Repo: r}
	err = readJSON(s.configFile(), &s.Config)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "reading configuration of stream %s", name)
	}
	if err = s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// HasStream tells whether the named stream exists.
func (r *Repository) HasStream(name string) (bool, error) {
	info, err := os.Stat(r.streamDir(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking for stream %s", name)
	}
	return info.IsDir(), nil
}

// DeleteStream deletes all of a stream's snapshots and then the stream itself.
// A working subvolume is left alone.
func (r *Repository) DeleteStream(ctx context.Context, name string) error {
	s, err := r.ReadStream(ctx, name)
	if err != nil {
		return err
	}
	return s.delete(ctx)
}

// DeleteStreams deletes every stream in the repository.
func (r *Repository) DeleteStreams(ctx context.Context) error {
	names, err := r.StreamNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err = r.DeleteStream(ctx, name); err != nil {
			return errors.Wrapf(err, "deleting stream %s", name)
		}
	}
	return nil
}

func (s *Stream) delete(ctx context.Context) error {
	for len(s.Snapshots) > 0 {
		last := s.Snapshots[len(s.Snapshots)-1]
		if err := s.DeleteSnapshot(ctx, last.Number); err != nil {
			return err
		}
	}
	dir := s.Repo.streamDir(s.Name)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing %s", dir)
	}
	s.Repo.env.Log.Printf("deleted stream %s from %s", s.Name, s.Repo.Root)
	if _, err := os.Stat(s.WorkingPath()); err == nil {
		s.Repo.env.Log.Printf("working subvolume %s left in place", s.WorkingPath())
	}
	return nil
}

func (s *Stream) configFile() string {
	return filepath.Join(s.Repo.streamDir(s.Name), "stream.json")
}

// SnapshotsDir is the directory holding the stream's snapshots.
func (s *Stream) SnapshotsDir() string {
	return filepath.Join(s.Repo.streamDir(s.Name), "snapshots")
}

// WorkingPath is the path of the stream's working subvolume.
func (s *Stream) WorkingPath() string {
	return s.Repo.WorkingPath(s.Name)
}

// WriteConfig saves s.Config.
func (s *Stream) WriteConfig() error {
	return writeJSON(s.configFile(), s.Config)
}

// Reload rereads the stream's list of snapshots from disk.
func (s *Stream) Reload() error {
	entries, err := os.ReadDir(s.SnapshotsDir())
	if errors.Is(err, fs.ErrNotExist) {
		s.Snapshots = nil
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", s.SnapshotsDir())
	}

	var snaps []Snapshot
	seen := make(map[int]string)
	for _, e := range entries {
		n, t, err := parseSnapshotName(e.Name())
		if err != nil {
			s.Repo.env.Log.Printf("ignoring %s in %s: %s", e.Name(), s.SnapshotsDir(), err)
			continue
		}
		if other, ok := seen[n]; ok {
			return errors.Errorf("stream %s has two snapshots numbered %d: %s and %s", s.Name, n, other, e.Name())
		}
		seen[n] = e.Name()
		snaps = append(snaps, s.snapshot(n, t))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Number < snaps[j].Number })
	s.Snapshots = snaps
	return nil
}

func (s *Stream) snapshot(n int, createdAt time.Time) Snapshot {
	return Snapshot{
		Stream:    s.Name,
		Number:    n,
		CreatedAt: createdAt.UTC(),
		dir:       s.SnapshotsDir(),
	}
}

// Numbers lists the stream's snapshot numbers in ascending order.
func (s *Stream) Numbers() []int {
	result := make([]int, 0, len(s.Snapshots))
	for _, snap := range s.Snapshots {
		result = append(result, snap.Number)
	}
	return result
}

// Latest is the highest-numbered snapshot.
func (s *Stream) Latest() (Snapshot, bool) {
	if len(s.Snapshots) == 0 {
		return Snapshot{}, false
	}
	return s.Snapshots[len(s.Snapshots)-1], true
}

// Snapshot finds a snapshot by number.
func (s *Stream) Snapshot(n int) (Snapshot, bool) {
	i := sort.Search(len(s.Snapshots), func(i int) bool { return s.Snapshots[i].Number >= n })
	if i < len(s.Snapshots) && s.Snapshots[i].Number == n {
		return s.Snapshots[i], true
	}
	return Snapshot{}, false
}

// NextNumber is the number the next snapshot will get:
// one more than the highest existing number,
// or 1 if there are none.
func (s *Stream) NextNumber() int {
	if latest, ok := s.Latest(); ok {
		return latest.Number + 1
	}
	return 1
}

func (s *Stream) insert(snap Snapshot) {
	i := sort.Search(len(s.Snapshots), func(i int) bool { return s.Snapshots[i].Number >= snap.Number })
	s.Snapshots = append(s.Snapshots, Snapshot{})
	copy(s.Snapshots[i+1:], s.Snapshots[i:])
	s.Snapshots[i] = snap
}

func (s *Stream) remove(n int) {
	for i, snap := range s.Snapshots {
		if snap.Number == n {
			s.Snapshots = append(s.Snapshots[:i], s.Snapshots[i+1:]...)
			return
		}
	}
}

// SnapshotInterval is the minimum time between automatic snapshots of this stream.
// Zero means no automatic snapshots.
func (s *Stream) SnapshotInterval() time.Duration {
	switch {
	case s.Config.SnapshotInterval != nil:
		return time.Duration(*s.Config.SnapshotInterval)
	case s.Repo.Config.SnapshotInterval != nil:
		return time.Duration(*s.Repo.Config.SnapshotInterval)
	default:
		return defaultInterval[s.Repo.Kind()]
	}
}

// RetentionPolicy is the retention policy in effect for this stream.
func (s *Stream) RetentionPolicy() retention.Policy {
	p := defaultRetention[s.Repo.Kind()]
	s.Repo.Config.Retention.apply(&p)
	s.Config.Retention.apply(&p)
	return p
}

// TakeSnapshot snapshots the stream's working subvolume.
func (s *Stream) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	return s.takeSnapshot(ctx, s.Repo.env.now())
}

// TakeSnapshotIfRequired takes a snapshot
// if the stream has none,
// or if at least the stream's snapshot interval has passed
// between the creation of the latest one and now.
// The boolean result tells whether a snapshot was taken.
func (s *Stream) TakeSnapshotIfRequired(ctx context.Context, now time.Time) (Snapshot, bool, error) {
	interval := s.SnapshotInterval()
	if interval <= 0 {
		return Snapshot{}, false, nil
	}
	if latest, ok := s.Latest(); ok && now.Sub(latest.CreatedAt) < interval {
		s.Repo.env.Log.Debugf("stream %s: latest snapshot %d is recent enough", s.Name, latest.Number)
		return Snapshot{}, false, nil
	}
	snap, err := s.takeSnapshot(ctx, now)
	return snap, err == nil, err
}

func (s *Stream) takeSnapshot(ctx context.Context, at time.Time) (Snapshot, error) {
	working := s.WorkingPath()
	info, err := os.Stat(working)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, errors.Wrapf(btrbck.ErrNoDataSource, "stream %s has no working subvolume at %s", s.Name, working)
	}
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "checking %s", working)
	}
	if !info.IsDir() {
		return Snapshot{}, errors.Wrapf(btrbck.ErrNoDataSource, "%s is not a directory", working)
	}

	snap := s.snapshot(s.NextNumber(), at.UTC().Truncate(time.Second))
	if err = s.Repo.Engine.Snapshot(ctx, working, snap.Path(), true); err != nil {
		return Snapshot{}, errors.Wrapf(err, "snapshotting %s to %s", working, snap.Path())
	}
	s.insert(snap)
	s.Repo.env.Log.Printf("took snapshot %d of %s", snap.Number, s.Name)
	return snap, nil
}

// DeleteSnapshot deletes the numbered snapshot.
func (s *Stream) DeleteSnapshot(ctx context.Context, n int) error {
	snap, ok := s.Snapshot(n)
	if !ok {
		return errors.Wrapf(btrbck.ErrNoSuchSnapshot, "%s#%d", s.Name, n)
	}
	if err := s.Repo.Engine.Delete(ctx, snap.Path()); err != nil {
		return errors.Wrapf(err, "deleting snapshot %s", snap)
	}
	s.remove(n)
	s.Repo.env.Log.Debugf("deleted snapshot %s", snap)
	return nil
}

// Prune deletes snapshots according to the stream's retention policy.
// The newest snapshot is never deleted.
func (s *Stream) Prune(ctx context.Context) (retention.Plan, error) {
	policy := s.RetentionPolicy()
	if err := policy.Validate(); err != nil {
		return retention.Plan{}, errors.Wrapf(err, "stream %s", s.Name)
	}

	entries := make([]retention.Entry, 0, len(s.Snapshots))
	for _, snap := range s.Snapshots {
		entries = append(entries, retention.Entry{Number: snap.Number, CreatedAt: snap.CreatedAt})
	}

	plan := retention.Compute(s.Repo.env.now(), entries, policy)
	for _, n := range plan.Delete {
		if err := s.DeleteSnapshot(ctx, n); err != nil {
			return plan, errors.Wrap(err, "pruning")
		}
	}
	if len(plan.Delete) > 0 {
		s.Repo.env.Log.Printf("pruned %d snapshot(s) of %s, %d remain", len(plan.Delete), s.Name, len(plan.Keep))
	}
	return plan, nil
}

// Send writes a send-stream for snapshot n to w,
// incremental relative to snapshot parent,
// or full if parent is zero.
func (s *Stream) Send(ctx context.Context, parent, n int, w io.Writer) error {
	snap, ok := s.Snapshot(n)
	if !ok {
		return errors.Wrapf(btrbck.ErrNoSuchSnapshot, "%s#%d", s.Name, n)
	}
	var parentPath string
	if parent != 0 {
		p, ok := s.Snapshot(parent)
		if !ok {
			return errors.Wrapf(btrbck.ErrNoSuchSnapshot, "parent %s#%d", s.Name, parent)
		}
		parentPath = p.Path()
	}
	return s.Repo.Engine.Send(ctx, parentPath, snap.Path(), w)
}

// Receive materializes snapshot n, created at createdAt,
// from the send-stream in r.
// If the engine fails,
// any partial snapshot is removed before the error is returned.
func (s *Stream) Receive(ctx context.Context, n int, createdAt time.Time, r io.Reader) (Snapshot, error) {
	if _, ok := s.Snapshot(n); ok {
		return Snapshot{}, errors.Wrapf(btrbck.ErrAlreadyExists, "snapshot %s#%d", s.Name, n)
	}
	snap := s.snapshot(n, createdAt)

	err := s.Repo.Engine.Receive(ctx, s.SnapshotsDir(), r)
	if err == nil {
		if _, err = os.Stat(snap.Path()); err != nil {
			err = errors.Wrapf(err, "received stream did not produce %s", snap.Path())
		}
	}
	if err != nil {
		if _, statErr := os.Lstat(snap.Path()); statErr == nil {
			if delErr := s.Repo.Engine.Delete(ctx, snap.Path()); delErr != nil {
				s.Repo.env.Log.Printf("ERROR removing partial snapshot %s: %s", snap.Path(), delErr)
			} else {
				s.Repo.env.Log.Printf("removed partial snapshot %s", snap.Path())
			}
		}
		return Snapshot{}, errors.Wrapf(err, "receiving snapshot %s", snap)
	}

	s.insert(snap)
	return snap, nil
}

// Restore replaces the stream's working subvolume
// with a writable snapshot of snapshot n.
// An existing working subvolume is moved aside, not deleted;
// its new path is logged.
func (s *Stream) Restore(ctx context.Context, n int) error {
	snap, ok := s.Snapshot(n)
	if !ok {
		return errors.Wrapf(btrbck.ErrNoSuchSnapshot, "%s#%d", s.Name, n)
	}

	working := s.WorkingPath()
	if _, err := os.Lstat(working); err == nil {
		aside := working + ".replaced-" + s.Repo.env.now().UTC().Format(TimeLayout)
		if err = os.Rename(working, aside); err != nil {
			return errors.Wrapf(err, "moving %s aside", working)
		}
		s.Repo.env.Log.Printf("moved previous working subvolume to %s", aside)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "checking %s", working)
	}

	if err := s.Repo.Engine.Snapshot(ctx, snap.Path(), working, false); err != nil {
		return errors.Wrapf(err, "restoring %s to %s", snap, working)
	}
	s.Repo.env.Log.Printf("restored snapshot %d of %s", n, s.Name)
	return nil
}

// RestoreLatest restores the stream's highest-numbered snapshot.
func (s *Stream) RestoreLatest(ctx context.Context) (int, error) {
	latest, ok := s.Latest()
	if !ok {
		return 0, errors.Wrapf(btrbck.ErrNoSuchSnapshot, "stream %s has no snapshots", s.Name)
	}
	return latest.Number, s.Restore(ctx, latest.Number)
}
