package main

import (
	"context"
	"strconv"
	"time"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/repo"
)

// streams reads the named stream,
// or every stream in the repository if name is empty.
func streams(ctx context.Context, r *repo.Repository, name string) ([]*repo.Stream, error) {
	names := []string{name}
	if name == "" {
		var err error
		if names, err = r.StreamNames(); err != nil {
			return nil, err
		}
	}
	result := make([]*repo.Stream, 0, len(names))
	for _, n := range names {
		s, err := r.ReadStream(ctx, n)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

func optional(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (c maincmd) snapshot(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 1, "snapshot [stream]"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	ss, err := streams(ctx, r, optional(args))
	if err != nil {
		return err
	}
	for _, s := range ss {
		snap, err := s.TakeSnapshot(ctx)
		if err != nil {
			return err
		}
		c.printf("took snapshot %d of %s", snap.Number, s.Name)
	}
	return nil
}

func (c maincmd) list(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 1, "list [stream]"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	if len(args) == 0 {
		names, err := r.StreamNames()
		if err != nil {
			return err
		}
		c.printf("Streams in %s repository %s:", r.Kind(), r.Root)
		for _, name := range names {
			c.printf("%s", name)
		}
		return nil
	}

	s, err := r.ReadStream(ctx, args[0])
	if err != nil {
		return err
	}
	c.printf("Snapshots of stream %s in repository %s:", s.Name, r.Root)
	for _, snap := range s.Snapshots {
		c.printf("%d\t%s", snap.Number, snap.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func (c maincmd) prune(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 1, "prune [stream]"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	ss, err := streams(ctx, r, optional(args))
	if err != nil {
		return err
	}
	for _, s := range ss {
		plan, err := s.Prune(ctx)
		if err != nil {
			return err
		}
		c.printf("pruned %d snapshot(s) of %s, %d remain", len(plan.Delete), s.Name, len(plan.Keep))
	}
	return nil
}

// createCmd creates a repository,
// or with an argument a stream in an existing one.
func (c maincmd) createCmd(ctx context.Context, engine string, args []string) error {
	if err := checkArgs(args, 0, 1, "create [-engine NAME] [stream]"); err != nil {
		return err
	}

	if len(args) == 0 {
		kind := btrbck.Backup
		if c.application {
			kind = btrbck.Application
		}
		r, err := repo.Create(ctx, c.env, kind, c.path(), engine)
		if err != nil {
			return err
		}
		c.printf("created %s repository in %s", kind, r.Root)
		return nil
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	s, err := r.CreateStream(ctx, args[0])
	if err != nil {
		return err
	}
	c.printf("created stream %s in %s", s.Name, r.Root)
	return nil
}

// deleteCmd deletes a stream,
// or with no argument every stream and then the repository itself.
func (c maincmd) deleteCmd(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 1, "delete [stream]"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	if len(args) == 1 {
		if err = r.DeleteStream(ctx, args[0]); err != nil {
			return err
		}
		c.printf("deleted stream %s", args[0])
		return nil
	}

	if err = r.DeleteStreams(ctx); err != nil {
		return err
	}
	if err = r.DeleteEmpty(ctx); err != nil {
		return err
	}
	c.printf("deleted repository %s", r.Root)
	return nil
}

func (c maincmd) restore(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 2, "restore [stream [number]]"); err != nil {
		return err
	}

	var n int
	if len(args) == 2 {
		var err error
		if n, err = strconv.Atoi(args[1]); err != nil || n < 1 {
			return usageErrorf("bad snapshot number %q", args[1])
		}
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	ss, err := streams(ctx, r, optional(args))
	if err != nil {
		return err
	}
	for _, s := range ss {
		restored := n
		if n > 0 {
			err = s.Restore(ctx, n)
		} else {
			restored, err = s.RestoreLatest(ctx)
		}
		if err != nil {
			return err
		}
		c.printf("restored snapshot %d of %s", restored, s.Name)
	}
	return nil
}
