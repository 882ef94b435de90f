package transfer

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/journal"
	"github.com/bobg/btrbck/remote"
	"github.com/bobg/btrbck/repo"
)

// Duplex joins a Reader and a Writer into a protocol channel,
// e.g. a process's standard input and output.
type Duplex struct {
	io.Reader
	io.Writer
}

// Client initiates pushes and pulls.
//
// When the peer repository is on this machine,
// the client opens and locks it
// and plays both roles in-process.
// Otherwise it runs the matching subcommand on the peer's host through Execer
// and speaks to it over the command's standard input and output.
type Client struct {
	// Execer is needed only for peers on other hosts.
	Execer remote.Execer

	// Flags are passed to remote peers.
	// The Create field is set per transfer.
	Flags remote.Flags

	// Journal, if not nil, gets an entry for every transfer.
	Journal *journal.Journal

	Log *btrbck.Logger
}

// Push sends the snapshots of the local stream
// to peerStream in the peer repository,
// creating it there if it does not exist and create is true.
func (c *Client) Push(ctx context.Context, r *repo.Repository, stream string, peer btrbck.RemoteRepository, peerStream string, create bool) (*Result, error) {
	local := Endpoint{Repo: r, Stream: stream, Log: c.Log}
	res, err := c.transfer(ctx, Sender, local, peer, peerStream, create)
	c.record(ctx, r, "push", stream, peer, peerStream, res, err)
	return res, errors.Wrapf(err, "pushing %s to %s", stream, peer)
}

// Pull fetches the snapshots of peerStream in the peer repository
// into the local stream,
// creating the local stream if it does not exist and create is true.
func (c *Client) Pull(ctx context.Context, r *repo.Repository, stream string, peer btrbck.RemoteRepository, peerStream string, create bool) (*Result, error) {
	local := Endpoint{Repo: r, Stream: stream, Create: create, Log: c.Log}
	res, err := c.transfer(ctx, Receiver, local, peer, peerStream, false)
	c.record(ctx, r, "pull", stream, peer, peerStream, res, err)
	return res, errors.Wrapf(err, "pulling %s from %s", stream, peer)
}

func (c *Client) transfer(ctx context.Context, role Role, local Endpoint, peer btrbck.RemoteRepository, peerStream string, create bool) (*Result, error) {
	if peer.IsLocal() {
		return c.transferLocal(ctx, role, local, peer.Location, peerStream, create)
	}
	return c.transferRemote(ctx, role, local, peer, peerStream, create)
}

func (c *Client) transferLocal(ctx context.Context, role Role, local Endpoint, location, peerStream string, create bool) (*Result, error) {
	pr, err := repo.ReadExact(ctx, local.Repo.Env(), location)
	if err != nil {
		return nil, errors.Wrap(err, "opening peer repository")
	}
	if pr.Root == local.Repo.Root {
		return nil, errors.Errorf("%s is both source and destination", pr.Root)
	}
	lock, err := pr.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	peerRole := Receiver
	if role == Receiver {
		peerRole = Sender
	}
	peerEP := Endpoint{Repo: pr, Stream: peerStream, Create: create && peerRole == Receiver, Log: c.Log}

	var (
		toPeerR, toPeerW     = io.Pipe()
		fromPeerR, fromPeerW = io.Pipe()
		localCh              = &pipeDuplex{r: fromPeerR, w: toPeerW}
		peerCh               = &pipeDuplex{r: toPeerR, w: fromPeerW}

		res               *Result
		localErr, peerErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, localErr = Run(gctx, role, local, localCh)
		localCh.close(localErr)
		return localErr
	})
	g.Go(func() error {
		_, peerErr = Run(gctx, peerRole, peerEP, peerCh)
		peerCh.close(peerErr)
		return peerErr
	})
	g.Wait()

	if localErr != nil {
		return res, localErr
	}
	if peerErr != nil {
		return res, errors.Wrap(peerErr, "in peer")
	}

	// Do what the sendSnapshots and receiveSnapshots commands do after a transfer.
	ps, err := pr.ReadStream(ctx, peerStream)
	if err != nil {
		return res, errors.Wrap(err, "rereading peer stream")
	}
	if _, err = ps.Prune(ctx); err != nil {
		return res, errors.Wrap(err, "pruning peer stream")
	}
	return res, nil
}

func (c *Client) transferRemote(ctx context.Context, role Role, local Endpoint, peer btrbck.RemoteRepository, peerStream string, create bool) (*Result, error) {
	if c.Execer == nil {
		return nil, errors.Errorf("no way to reach %s", peer.Target)
	}

	subcommand := "receiveSnapshots"
	if role == Receiver {
		subcommand = "sendSnapshots"
	}
	flags := c.Flags
	flags.Create = create
	argv := remote.Command(flags, peer.Location, subcommand, peerStream)

	sess, err := c.Execer.Exec(ctx, peer.Target, argv)
	if err != nil {
		return nil, errors.Wrapf(err, "starting peer on %s", peer.Target)
	}
	defer sess.Close()

	res, err := Run(ctx, role, local, sess)
	if err != nil {
		sess.CloseWrite()
		if waitErr := sess.Wait(); waitErr != nil {
			c.Log.Printf("ERROR peer on %s: %s", peer.Target, waitErr)
		}
		return res, err
	}
	if err = sess.CloseWrite(); err != nil {
		return res, err
	}
	return res, errors.Wrapf(sess.Wait(), "peer on %s", peer.Target)
}

func (c *Client) record(ctx context.Context, r *repo.Repository, op, stream string, peer btrbck.RemoteRepository, peerStream string, res *Result, err error) {
	if c.Journal == nil {
		return
	}
	e := journal.Entry{
		RunID:      c.Flags.ID,
		At:         r.Now(),
		Stream:     stream,
		Op:         op,
		Peer:       peer.String(),
		PeerStream: peerStream,
	}
	if res != nil {
		e.Parent = res.Parent
		e.Numbers = res.Transferred
		e.Bytes = res.Bytes
	}
	if err != nil {
		e.Err = err.Error()
	}
	if jerr := c.Journal.Record(ctx, e); jerr != nil {
		c.Log.Printf("ERROR recording transfer in journal: %s", jerr)
	}
}

// pipeDuplex is one end of an in-process channel.
type pipeDuplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeDuplex) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p *pipeDuplex) Write(buf []byte) (int, error) { return p.w.Write(buf) }

// close ends this side's participation,
// so that the other side sees end-of-file or a closed pipe instead of blocking.
func (p *pipeDuplex) close(err error) {
	p.w.CloseWithError(err)
	if err == nil {
		err = io.ErrClosedPipe
	}
	p.r.CloseWithError(err)
}
