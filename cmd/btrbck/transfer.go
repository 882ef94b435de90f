package main

import (
	"context"
	"os"
	"strings"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/journal"
	"github.com/bobg/btrbck/process"
	"github.com/bobg/btrbck/repo"
	"github.com/bobg/btrbck/transfer"
)

// peer parses a [user@]host[:port] target ("-" for this machine)
// and a repository location on it.
func peer(target, location string) (btrbck.RemoteRepository, error) {
	t, err := btrbck.ParseTarget(target)
	if err != nil {
		return btrbck.RemoteRepository{}, usageErrorf("%s", err)
	}
	return btrbck.RemoteRepository{Location: location, Target: t}, nil
}

func (c maincmd) push(ctx context.Context, args []string) error {
	if err := checkArgs(args, 3, 4, "push <stream> <target> <remote location> [remote stream]"); err != nil {
		return err
	}

	stream := args[0]
	p, err := peer(args[1], args[2])
	if err != nil {
		return err
	}
	peerStream := stream
	if len(args) == 4 {
		peerStream = args[3]
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	j := c.openJournal(ctx, r)
	defer c.closeJournal(j)

	res, err := c.client(j).Push(ctx, r, stream, p, peerStream, c.create)
	if err != nil {
		return err
	}
	c.printf("pushed %d snapshot(s) of %s to %s", len(res.Transferred), stream, p)
	return nil
}

func (c maincmd) pull(ctx context.Context, args []string) error {
	if err := checkArgs(args, 3, 4, "pull <target> <remote location> <remote stream> [stream]"); err != nil {
		return err
	}

	p, err := peer(args[0], args[1])
	if err != nil {
		return err
	}
	peerStream := args[2]
	stream := peerStream
	if len(args) == 4 {
		stream = args[3]
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	j := c.openJournal(ctx, r)
	defer c.closeJournal(j)

	res, err := c.client(j).Pull(ctx, r, stream, p, peerStream, c.create)
	if err != nil {
		return err
	}
	c.printf("pulled %d snapshot(s) of %s from %s", len(res.Transferred), stream, p)
	return nil
}

func (c maincmd) process(ctx context.Context, args []string) error {
	if err := checkArgs(args, 0, 0, "process"); err != nil {
		return err
	}

	r, lock, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer c.release(lock)

	j := c.openJournal(ctx, r)
	defer c.closeJournal(j)

	return process.Run(ctx, r, r.Now(), c.client(j))
}

// sendSnapshots and receiveSnapshots are run by a peer's push or pull,
// normally over SSH.
// Standard output carries protocol frames and nothing else.
func (c maincmd) sendSnapshots(ctx context.Context, args []string) error {
	return c.serve(ctx, args, transfer.Sender)
}

func (c maincmd) receiveSnapshots(ctx context.Context, args []string) error {
	return c.serve(ctx, args, transfer.Receiver)
}

func (c maincmd) serve(ctx context.Context, args []string, role transfer.Role) error {
	if len(args) != 1 {
		return usageErrorf("exactly one stream name required")
	}
	stream := args[0]

	r, lock, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer c.release(lock)

	j := c.openJournal(ctx, r)
	defer c.closeJournal(j)

	ep := transfer.Endpoint{
		Repo:   r,
		Stream: stream,
		Create: role == transfer.Receiver && c.create,
		Log:    c.log,
	}
	res, err := transfer.Run(ctx, role, ep, transfer.Duplex{Reader: c.stdin, Writer: c.stdout})
	c.record(ctx, j, r, role, stream, res, err)
	if err != nil {
		return err
	}

	s, err := r.ReadStream(ctx, stream)
	if err != nil {
		return err
	}
	_, err = s.Prune(ctx)
	return err
}

func (c maincmd) record(ctx context.Context, j *journal.Journal, r *repo.Repository, role transfer.Role, stream string, res *transfer.Result, err error) {
	if j == nil {
		return
	}
	e := journal.Entry{
		RunID:  c.id,
		At:     r.Now(),
		Stream: stream,
		Op:     "send",
		Peer:   peerHost(),
	}
	if role == transfer.Receiver {
		e.Op = "receive"
	}
	if res != nil {
		e.Parent = res.Parent
		e.Numbers = res.Transferred
		e.Bytes = res.Bytes
	}
	if err != nil {
		e.Err = err.Error()
	}
	if jerr := j.Record(ctx, e); jerr != nil {
		c.log.Printf("ERROR recording transfer in journal of %s: %s", r.Root, jerr)
	}
}

// peerHost names the other end of the channel for the journal.
func peerHost() string {
	if addr, _, _ := strings.Cut(os.Getenv("SSH_CLIENT"), " "); addr != "" {
		return addr
	}
	return "stdio"
}
