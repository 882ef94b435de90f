// Package transfer implements the snapshot transfer protocol
// and the push and pull operations built on it.
//
// One side of a transfer is the sender, holding the source stream,
// and the other is the receiver, holding (or about to create) the destination stream.
// The two sides exchange frames over a single duplex byte channel:
// the standard input and output of a remote process,
// or a pair of pipes when both repositories are on this machine.
// Each side speaks in turn,
// starting with the receiver,
// so the channel never needs buffering to avoid deadlock.
//
// The receiver announces the snapshot numbers it holds
// and the sender answers with its own.
// The greatest number in both lists is the common parent.
// The sender then transmits, in ascending order,
// every snapshot numbered above the parent that the receiver lacks,
// each as an incremental send-stream relative to the previously transmitted one,
// and the receiver acknowledges each as it is materialized.
package transfer

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	"github.com/bobg/btrbck/repo"
)

// Version is the protocol version exchanged in HELLO frames.
const Version = 1

// Role is the part one side plays in a transfer.
type Role string

const (
	Sender   Role = "sender"
	Receiver Role = "receiver"
)

// Endpoint is one side's view of a transfer.
type Endpoint struct {
	Repo   *repo.Repository
	Stream string

	// Create tells a receiver to create the stream if it does not exist.
	Create bool

	Log *btrbck.Logger
}

// Result describes a completed (or partially completed) transfer.
type Result struct {
	Stream string

	// Parent is the common snapshot the transfer started from,
	// or zero if there was none.
	Parent int

	// Transferred lists the snapshots transmitted, in order.
	Transferred []int

	// Bytes is the total size of the send-streams transmitted.
	Bytes int64
}

// Run plays the given role in a transfer over rw.
// On failure the returned Result still lists the snapshots
// that were fully transferred before the failure.
func Run(ctx context.Context, role Role, ep Endpoint, rw io.ReadWriter) (*Result, error) {
	c := newConn(rw)
	switch role {
	case Sender:
		return runSender(ctx, ep, c)
	case Receiver:
		return runReceiver(ctx, ep, c)
	}
	return nil, errors.Errorf("unknown role %q", role)
}

func checkHello(got helloMsg, want Role) error {
	if got.Version != Version {
		return protocolErrorf("peer speaks protocol version %d, want %d", got.Version, Version)
	}
	if got.Role != want {
		return protocolErrorf("peer is a %s, want a %s", got.Role, want)
	}
	return nil
}

// checkDecision checks the receiver's decision against the list it then sent.
// A stream is either there already or about to be created,
// and a stream about to be created holds no snapshots.
func checkDecision(d decisionMsg, numbers []int) error {
	if d.Exists == d.Create {
		return protocolErrorf("receiver decision exists=%v create=%v", d.Exists, d.Create)
	}
	if d.Create && len(numbers) > 0 {
		return protocolErrorf("receiver will create the stream but lists snapshots %v", numbers)
	}
	return nil
}

func checkList(numbers []int) error {
	for i, n := range numbers {
		if n < 1 {
			return protocolErrorf("invalid snapshot number %d", n)
		}
		if i > 0 && n <= numbers[i-1] {
			return protocolErrorf("snapshot list not strictly ascending at %d", n)
		}
	}
	return nil
}

// plan chooses the common parent of the two lists
// and the sender snapshots to transmit.
func plan(receiver, sender []int) (parent int, queue []int) {
	held := make(map[int]bool, len(receiver))
	for _, n := range receiver {
		held[n] = true
	}
	for _, n := range sender {
		if held[n] && n > parent {
			parent = n
		}
	}
	for _, n := range sender {
		if n > parent && !held[n] {
			queue = append(queue, n)
		}
	}
	sort.Ints(queue)
	return parent, queue
}

// fail reports err to the peer, if it is the kind of error the peer needs to hear about,
// and returns it.
func fail(c *conn, log *btrbck.Logger, err error) error {
	if reportable(err) {
		if sendErr := c.sendError(codeFor(err), err.Error()); sendErr != nil {
			log.Printf("ERROR reporting failure to peer: %s", sendErr)
		}
	}
	return err
}

func runSender(ctx context.Context, ep Endpoint, c *conn) (*Result, error) {
	res := &Result{Stream: ep.Stream}

	var hello helloMsg
	if err := c.expect(Hello, &hello); err != nil {
		return res, err
	}
	if err := checkHello(hello, Receiver); err != nil {
		return res, fail(c, ep.Log, err)
	}
	if err := c.sendJSON(Hello, helloMsg{Version: Version, Role: Sender}); err != nil {
		return res, err
	}

	var decision decisionMsg
	if err := c.expect(CreateDecision, &decision); err != nil {
		return res, errors.Wrap(err, "awaiting receiver's decision")
	}

	var theirs listMsg
	if err := c.expect(SnapshotList, &theirs); err != nil {
		return res, err
	}
	if err := checkList(theirs.Numbers); err != nil {
		return res, fail(c, ep.Log, err)
	}
	if err := checkDecision(decision, theirs.Numbers); err != nil {
		return res, fail(c, ep.Log, err)
	}
	if decision.Create {
		ep.Log.Printf("receiver will create stream for %s", ep.Stream)
	}

	s, err := ep.Repo.ReadStream(ctx, ep.Stream)
	if err != nil {
		return res, fail(c, ep.Log, err)
	}
	if err = c.sendJSON(SnapshotList, listMsg{Numbers: s.Numbers()}); err != nil {
		return res, err
	}

	parent, queue := plan(theirs.Numbers, s.Numbers())
	res.Parent = parent
	ep.Log.Debugf("sending %s: parent %d, queue %v", ep.Stream, parent, queue)

	for _, n := range queue {
		snap, _ := s.Snapshot(n)
		hdr := snapshotMsg{
			Number:    n,
			CreatedAt: snap.CreatedAt.UTC().Format(time.RFC3339),
			Parent:    parent,
		}
		if err = c.sendJSON(SnapshotHeader, hdr); err != nil {
			return res, err
		}

		dw := &dataWriter{c: c}
		if err = s.Send(ctx, parent, n, dw); err != nil {
			return res, fail(c, ep.Log, errors.Wrapf(err, "sending snapshot %s", snap))
		}
		if err = dw.Close(); err != nil {
			return res, err
		}

		var ack ackMsg
		if err = c.expect(Ack, &ack); err != nil {
			return res, errors.Wrapf(err, "awaiting acknowledgement of %s", snap)
		}
		if ack.Number != n {
			return res, fail(c, ep.Log, protocolErrorf("got acknowledgement for snapshot %d, want %d", ack.Number, n))
		}

		res.Transferred = append(res.Transferred, n)
		res.Bytes += dw.n
		ep.Log.Printf("sent snapshot %s (parent %d, %d bytes)", snap, parent, dw.n)
		parent = n
	}

	if err = c.send(Done, nil); err != nil {
		return res, err
	}
	if err = c.expect(Done, nil); err != nil {
		return res, errors.Wrap(err, "awaiting receiver's completion")
	}
	return res, nil
}

func runReceiver(ctx context.Context, ep Endpoint, c *conn) (*Result, error) {
	res := &Result{Stream: ep.Stream}

	if err := c.sendJSON(Hello, helloMsg{Version: Version, Role: Receiver}); err != nil {
		return res, err
	}
	var hello helloMsg
	if err := c.expect(Hello, &hello); err != nil {
		return res, err
	}
	if err := checkHello(hello, Sender); err != nil {
		return res, fail(c, ep.Log, err)
	}

	s, err := ep.Repo.ReadStream(ctx, ep.Stream)
	exists := err == nil
	if err != nil && !errors.Is(err, btrbck.ErrNoSuchStream) {
		return res, fail(c, ep.Log, err)
	}
	if !exists && !ep.Create {
		return res, fail(c, ep.Log, errors.Wrapf(btrbck.ErrNoSuchStream, "%s in %s", ep.Stream, ep.Repo.Root))
	}
	if err = c.sendJSON(CreateDecision, decisionMsg{Exists: exists, Create: !exists && ep.Create}); err != nil {
		return res, err
	}

	var mine []int
	if exists {
		mine = s.Numbers()
	}
	if err = c.sendJSON(SnapshotList, listMsg{Numbers: mine}); err != nil {
		return res, err
	}
	var theirs listMsg
	if err = c.expect(SnapshotList, &theirs); err != nil {
		return res, errors.Wrap(err, "awaiting sender's snapshot list")
	}

	// From here on the sender may be mid-turn,
	// so failures must wait for it to finish before being reported.

	if err = checkList(theirs.Numbers); err != nil {
		return res, abort(c, ep.Log, err)
	}
	if !exists {
		if s, err = ep.Repo.CreateStream(ctx, ep.Stream); err != nil {
			return res, abort(c, ep.Log, err)
		}
	}

	parent, queue := plan(mine, theirs.Numbers)
	res.Parent = parent
	ep.Log.Debugf("receiving %s: parent %d, queue %v", ep.Stream, parent, queue)

	for {
		f, err := c.recv()
		if err != nil {
			return res, err
		}

		switch f.Type {
		case Done:
			if len(queue) > 0 {
				return res, fail(c, ep.Log, protocolErrorf("sender finished with snapshots %v outstanding", queue))
			}
			return res, c.send(Done, nil)

		case SnapshotHeader:
			var hdr snapshotMsg
			if err = decode(f, SnapshotHeader, &hdr); err != nil {
				return res, abortData(c, ep.Log, err)
			}
			if len(queue) == 0 || hdr.Number != queue[0] || hdr.Parent != parent {
				return res, abortData(c, ep.Log, protocolErrorf("unexpected snapshot %d with parent %d", hdr.Number, hdr.Parent))
			}
			createdAt, err := time.Parse(time.RFC3339, hdr.CreatedAt)
			if err != nil {
				return res, abortData(c, ep.Log, protocolErrorf("bad creation time %q for snapshot %d", hdr.CreatedAt, hdr.Number))
			}

			dr := &dataReader{c: c}
			snap, err := s.Receive(ctx, hdr.Number, createdAt, dr)
			dataErr := dr.err
			if dataErr == nil {
				dataErr = dr.drain()
			}
			if dataErr != nil {
				// The channel broke or the sender gave up.
				// An engine that failed has removed its partial snapshot,
				// but one that swallowed the read error has not.
				if err == nil {
					if delErr := s.DeleteSnapshot(ctx, hdr.Number); delErr != nil {
						ep.Log.Printf("ERROR removing incomplete snapshot %d of %s: %s", hdr.Number, ep.Stream, delErr)
					}
				}
				return res, errors.Wrapf(dataErr, "receiving snapshot %d of %s", hdr.Number, ep.Stream)
			}
			if err != nil {
				return res, fail(c, ep.Log, err)
			}

			if err = c.sendJSON(Ack, ackMsg{Number: snap.Number}); err != nil {
				return res, err
			}
			res.Transferred = append(res.Transferred, snap.Number)
			res.Bytes += dr.n
			ep.Log.Printf("received snapshot %s (parent %d, %d bytes)", snap, parent, dr.n)
			parent = snap.Number
			queue = queue[1:]

		case Error:
			return res, peerError(f.Payload)

		default:
			return res, fail(c, ep.Log, protocolErrorf("unexpected %s", f.Type))
		}
	}
}

// abort waits out the sender's current turn,
// which is either a snapshot (header plus data) or DONE,
// then reports err.
func abort(c *conn, log *btrbck.Logger, err error) error {
	f, rerr := c.recv()
	if rerr != nil {
		log.Printf("ERROR waiting for sender: %s", rerr)
		return err
	}
	switch f.Type {
	case SnapshotHeader:
		return abortData(c, log, err)
	case Error:
		log.Printf("ERROR from sender: %s", peerError(f.Payload))
		return err
	}
	return fail(c, log, err)
}

// abortData discards the data stream following a snapshot header,
// then reports err.
func abortData(c *conn, log *btrbck.Logger, err error) error {
	dr := &dataReader{c: c}
	if derr := dr.drain(); derr != nil {
		log.Printf("ERROR discarding snapshot data: %s", derr)
		return err
	}
	return fail(c, log, err)
}
