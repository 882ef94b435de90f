package repo

import (
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/retention"
)

// Duration is a time.Duration that appears in JSON as a string like "36h".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = Duration(dur)
	return nil
}

// RetentionConfig overrides parts of a retention policy.
// Nil fields inherit.
type RetentionConfig struct {
	Base  *Duration `json:"base,omitempty"`
	Tiers *int      `json:"tiers,omitempty"`
}

func (rc *RetentionConfig) apply(p *retention.Policy) {
	if rc == nil {
		return
	}
	if rc.Base != nil {
		p.Base = time.Duration(*rc.Base)
	}
	if rc.Tiers != nil {
		p.Tiers = *rc.Tiers
	}
}

// Config is the content of a repository's repository.json.
type Config struct {
	Kind btrbck.Kind `json:"kind"`

	// Engine names the snapshot engine: "btrfs" or "dir".
	Engine string `json:"engine,omitempty"`

	// SnapshotInterval is the minimum time between automatic snapshots.
	// Zero disables automatic snapshots.
	SnapshotInterval *Duration       `json:"snapshotInterval,omitempty"`
	Retention        *RetentionConfig `json:"retention,omitempty"`

	Sync []SyncConfig `json:"sync,omitempty"`
}

// StreamConfig is the content of a stream's stream.json.
type StreamConfig struct {
	SnapshotInterval *Duration       `json:"snapshotInterval,omitempty"`
	Retention        *RetentionConfig `json:"retention,omitempty"`
}

// SyncConfig causes matching streams to be pushed or pulled by the process command.
type SyncConfig struct {
	RemoteRepoLocation string `json:"remoteRepoLocation"`

	// SSHTarget is [user@]host[:port].
	// Empty means the remote repository is on this machine.
	SSHTarget string `json:"sshTarget,omitempty"`

	Direction btrbck.Direction `json:"direction"`

	// RemoteStreamName is the stream name on the remote side.
	// Empty means the same as the local name.
	RemoteStreamName string `json:"remoteStreamName,omitempty"`

	CreateRemoteIfNecessary bool `json:"createRemoteIfNecessary,omitempty"`

	// Streams are path.Match patterns selecting local streams.
	// An empty list selects every stream.
	Streams []string `json:"streams,omitempty"`
}

// IsSynced tells whether this configuration applies to the named local stream.
func (c SyncConfig) IsSynced(name string) bool {
	if len(c.Streams) == 0 {
		return true
	}
	for _, pattern := range c.Streams {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Remote produces the remote repository this configuration refers to.
func (c SyncConfig) Remote() (btrbck.RemoteRepository, error) {
	target, err := btrbck.ParseTarget(c.SSHTarget)
	if err != nil {
		return btrbck.RemoteRepository{}, errors.Wrapf(err, "parsing ssh target %q", c.SSHTarget)
	}
	return btrbck.RemoteRepository{Location: c.RemoteRepoLocation, Target: target}, nil
}

// RemoteStream is the remote stream name to use for the given local stream.
func (c SyncConfig) RemoteStream(local string) string {
	if c.RemoteStreamName != "" {
		return c.RemoteStreamName
	}
	return local
}

func (c *Config) validate() error {
	if !c.Kind.Valid() {
		return errors.Errorf("unknown repository kind %q", c.Kind)
	}
	for i, sc := range c.Sync {
		if sc.RemoteRepoLocation == "" {
			return errors.Errorf("sync configuration %d: missing remoteRepoLocation", i)
		}
		if sc.Direction != btrbck.Push && sc.Direction != btrbck.Pull {
			return errors.Errorf("sync configuration %d: missing direction", i)
		}
		if sc.RemoteStreamName != "" && !ValidName(sc.RemoteStreamName) {
			return errors.Wrapf(btrbck.ErrInvalidName, "sync configuration %d: remote stream %q", i, sc.RemoteStreamName)
		}
		for _, pattern := range sc.Streams {
			if _, err := path.Match(pattern, ""); err != nil {
				return errors.Wrapf(err, "sync configuration %d: pattern %q", i, pattern)
			}
		}
		if _, err := btrbck.ParseTarget(sc.SSHTarget); err != nil {
			return errors.Wrapf(err, "sync configuration %d", i)
		}
	}
	return nil
}

// Defaults for each kind of repository.
// Backup repositories are filled by replication and never snapshot on their own;
// they keep a deeper history than application repositories.
var (
	defaultInterval = map[btrbck.Kind]time.Duration{
		btrbck.Backup:      0,
		btrbck.Application: time.Hour,
	}
	defaultRetention = map[btrbck.Kind]retention.Policy{
		btrbck.Backup:      {Base: 24 * time.Hour, Tiers: 10},
		btrbck.Application: {Base: 24 * time.Hour, Tiers: 8},
	}
)

func readJSON(filename string, v interface{}) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	return errors.Wrapf(dec.Decode(v), "decoding %s", filename)
}

func writeJSON(filename string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filename)
	}
	b = append(b, '\n')

	tmp := filename + ".tmp"
	if err = os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, filename), "renaming %s", tmp)
}
