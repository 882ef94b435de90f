// Package process performs the periodic maintenance of a repository:
// snapshotting, pruning and synchronizing each stream in turn.
package process

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/repo"
	"github.com/bobg/btrbck/transfer"
)

// Transferrer pushes and pulls streams.
// It is satisfied by *transfer.Client.
type Transferrer interface {
	Push(ctx context.Context, r *repo.Repository, stream string, peer btrbck.RemoteRepository, peerStream string, create bool) (*transfer.Result, error)
	Pull(ctx context.Context, r *repo.Repository, stream string, peer btrbck.RemoteRepository, peerStream string, create bool) (*transfer.Result, error)
}

var _ Transferrer = &transfer.Client{}

// Run processes every stream of r, in order:
// it takes a snapshot if one is due as of now,
// prunes the stream,
// then runs every sync configuration that applies to the stream,
// in configuration order.
// It stops at the first error.
// The caller must hold r's lock.
func Run(ctx context.Context, r *repo.Repository, now time.Time, t Transferrer) error {
	names, err := r.StreamNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err = stream(ctx, r, name, now, t); err != nil {
			return errors.Wrapf(err, "processing stream %s", name)
		}
	}
	return nil
}

func stream(ctx context.Context, r *repo.Repository, name string, now time.Time, t Transferrer) error {
	s, err := r.ReadStream(ctx, name)
	if err != nil {
		return err
	}
	if _, _, err = s.TakeSnapshotIfRequired(ctx, now); err != nil {
		return err
	}
	if _, err = s.Prune(ctx); err != nil {
		return err
	}

	for i, sc := range r.Config.Sync {
		if !sc.IsSynced(name) {
			continue
		}
		peer, err := sc.Remote()
		if err != nil {
			return errors.Wrapf(err, "sync configuration %d", i)
		}
		peerStream := sc.RemoteStream(name)

		var res *transfer.Result
		switch sc.Direction {
		case btrbck.Push:
			res, err = t.Push(ctx, r, name, peer, peerStream, sc.CreateRemoteIfNecessary)
		case btrbck.Pull:
			res, err = t.Pull(ctx, r, name, peer, peerStream, sc.CreateRemoteIfNecessary)
		default:
			err = errors.Errorf("unknown direction %q", sc.Direction)
		}
		if err != nil {
			return err
		}
		r.Env().Log.Printf("%s %s: %d snapshot(s) with %s", sc.Direction, name, len(res.Transferred), peer)
	}
	return nil
}
