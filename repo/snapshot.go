package repo

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// TimeLayout is how a snapshot's creation time appears in its name.
const TimeLayout = "20060102T150405Z"

var snapshotNameRE = regexp.MustCompile(`^([0-9]+)_([0-9]{8}T[0-9]{6}Z)$`)

// Snapshot is one numbered, read-only snapshot of a stream.
type Snapshot struct {
	Stream    string
	Number    int
	CreatedAt time.Time

	dir string
}

// Name is the snapshot's directory name: NUMBER_CREATEDAT.
// The same snapshot has the same name in every repository.
func (s Snapshot) Name() string {
	return fmt.Sprintf("%d_%s", s.Number, s.CreatedAt.UTC().Format(TimeLayout))
}

// Path is the absolute path of the snapshot.
func (s Snapshot) Path() string {
	return filepath.Join(s.dir, s.Name())
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s#%d", s.Stream, s.Number)
}

func parseSnapshotName(name string) (int, time.Time, error) {
	m := snapshotNameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, time.Time{}, errors.Errorf("malformed snapshot name %q", name)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, time.Time{}, errors.Errorf("malformed snapshot number in %q", name)
	}
	t, err := time.Parse(TimeLayout, m[2])
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "parsing time in %q", name)
	}
	return n, t, nil
}
