// Package journal keeps a history of the transfers a repository has taken part in.
// The journal is a SQLite database in the repository's metadata directory.
// It is informational only:
// nothing in a transfer depends on what the journal says.
package journal

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"
)

// Entry is one transfer, as seen from one side.
type Entry struct {
	// RunID is the correlation id of the command that did the transfer.
	RunID string

	At     time.Time
	Stream string

	// Op is "push" or "pull" on the initiating side,
	// "send" or "receive" on the other.
	Op string

	// Peer describes the other repository.
	Peer       string
	PeerStream string

	Parent  int
	Numbers []int
	Bytes   int64

	// Err is the error the transfer ended with, if any.
	Err string
}

// Journal is a transfer journal.
type Journal struct {
	db    *sql.DB
	owned bool
}

// Schema is the SQL that New executes.
// It creates the `transfers` table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS transfers (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  at TEXT NOT NULL,
  stream TEXT NOT NULL,
  op TEXT NOT NULL,
  peer TEXT NOT NULL,
  peer_stream TEXT NOT NULL,
  parent INTEGER NOT NULL,
  numbers TEXT NOT NULL,
  bytes INTEGER NOT NULL,
  error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS transfers_stream_idx ON transfers (stream, seq);
`

// New produces a Journal using db for storage.
func New(ctx context.Context, db *sql.DB) (*Journal, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Journal{db: db}, errors.Wrap(err, "creating schema")
}

// Open opens (creating if necessary) the journal in the given file.
func Open(ctx context.Context, filename string) (*Journal, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filename)
	}
	j, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "in %s", filename)
	}
	j.owned = true
	return j, nil
}

// Close closes the journal's database if Open opened it.
func (j *Journal) Close() error {
	if !j.owned {
		return nil
	}
	return j.db.Close()
}

// Record adds an entry to the journal.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	const q = `INSERT INTO transfers (run_id, at, stream, op, peer, peer_stream, parent, numbers, bytes, error) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := j.db.ExecContext(ctx, q, e.RunID, e.At.UTC().Format(time.RFC3339Nano), e.Stream, e.Op, e.Peer, e.PeerStream, e.Parent, formatNumbers(e.Numbers), e.Bytes, e.Err)
	return errors.Wrap(err, "recording transfer")
}

// List calls f on each entry for the given stream, oldest first.
// An empty stream name means every stream.
func (j *Journal) List(ctx context.Context, stream string, f func(Entry) error) error {
	const q = `SELECT run_id, at, stream, op, peer, peer_stream, parent, numbers, bytes, error FROM transfers WHERE $1 = '' OR stream = $2 ORDER BY seq`

	return sqlutil.ForQueryRows(ctx, j.db, q, stream, stream, func(runID, atstr, stream, op, peer, peerStream string, parent int, numbers string, nbytes int64, errstr string) error {
		at, err := time.Parse(time.RFC3339Nano, atstr)
		if err != nil {
			return errors.Wrapf(err, "parsing time %s", atstr)
		}
		nums, err := parseNumbers(numbers)
		if err != nil {
			return err
		}
		return f(Entry{
			RunID:      runID,
			At:         at,
			Stream:     stream,
			Op:         op,
			Peer:       peer,
			PeerStream: peerStream,
			Parent:     parent,
			Numbers:    nums,
			Bytes:      nbytes,
			Err:        errstr,
		})
	})
}

func formatNumbers(nums []int) string {
	strs := make([]string, len(nums))
	for i, n := range nums {
		strs[i] = strconv.Itoa(n)
	}
	return strings.Join(strs, " ")
}

func parseNumbers(s string) ([]int, error) {
	var result []int
	for _, f := range strings.Fields(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing snapshot number %q", f)
		}
		result = append(result, n)
	}
	return result, nil
}
