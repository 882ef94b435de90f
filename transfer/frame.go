package transfer

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// FrameType is the first byte of every frame.
type FrameType byte

const (
	Hello FrameType = iota + 1
	SnapshotList
	CreateDecision
	SnapshotHeader
	Data
	Ack
	Error
	Done
)

func (t FrameType) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case SnapshotList:
		return "SNAPSHOT_LIST"
	case CreateDecision:
		return "CREATE_DECISION"
	case SnapshotHeader:
		return "SNAPSHOT"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Error:
		return "ERROR"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("frame type %d", byte(t))
}

func (t FrameType) valid() bool {
	return t >= Hello && t <= Done
}

const (
	// MaxPayload is the largest payload a frame may carry.
	MaxPayload = 16 << 20

	// DataChunk is the largest payload of the DATA frames this package writes.
	DataChunk = 1 << 20

	headerLen = 5
)

// Frame is one protocol message.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	if !typ.valid() {
		return protocolErrorf("cannot write %s", typ)
	}
	if len(payload) > MaxPayload {
		return protocolErrorf("%s payload of %d bytes exceeds the maximum of %d", typ, len(payload), MaxPayload)
	}
	var hdr [headerLen]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return &TransportError{Op: "writing " + typ.String(), Err: err}
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return &TransportError{Op: "writing " + typ.String(), Err: err}
	}
	return nil
}

// ReadFrame reads one frame from r.
// A channel that ends between frames produces a TransportError wrapping io.EOF;
// one that ends inside a frame wraps io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, &TransportError{Op: "reading frame header", Err: err}
	}
	typ := FrameType(hdr[0])
	if !typ.valid() {
		return Frame{}, protocolErrorf("unknown frame type %d", hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return Frame{}, protocolErrorf("%s payload of %d bytes exceeds the maximum of %d", typ, n, MaxPayload)
	}
	f := Frame{Type: typ}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, &TransportError{Op: "reading " + typ.String() + " payload", Err: err}
		}
	}
	return f, nil
}

// Control payloads.
type (
	helloMsg struct {
		Version int  `json:"version"`
		Role    Role `json:"role"`
	}

	listMsg struct {
		Numbers []int `json:"numbers"`
	}

	decisionMsg struct {
		Exists bool `json:"exists"`
		Create bool `json:"create"`
	}

	snapshotMsg struct {
		Number    int    `json:"number"`
		CreatedAt string `json:"createdAt"`
		Parent    int    `json:"parent,omitempty"`
	}

	ackMsg struct {
		Number int `json:"number"`
	}

	errorMsg struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// conn is one end of a protocol session.
type conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newConn(rw io.ReadWriter) *conn {
	return &conn{
		r: bufio.NewReaderSize(rw, headerLen+DataChunk),
		w: bufio.NewWriterSize(rw, headerLen+DataChunk),
	}
}

// send writes a frame and flushes it.
func (c *conn) send(typ FrameType, payload []byte) error {
	if err := WriteFrame(c.w, typ, payload); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return &TransportError{Op: "writing " + typ.String(), Err: err}
	}
	return nil
}

func (c *conn) sendJSON(typ FrameType, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", typ)
	}
	return c.send(typ, b)
}

func (c *conn) sendError(code, msg string) error {
	return c.sendJSON(Error, errorMsg{Code: code, Message: msg})
}

func (c *conn) recv() (Frame, error) {
	return ReadFrame(c.r)
}

// expect reads the next frame, which must have type typ,
// and decodes its payload into v (unless v is nil).
// An ERROR frame becomes a *PeerError.
func (c *conn) expect(typ FrameType, v interface{}) error {
	f, err := c.recv()
	if err != nil {
		return err
	}
	return decode(f, typ, v)
}

func decode(f Frame, typ FrameType, v interface{}) error {
	if f.Type == Error {
		return peerError(f.Payload)
	}
	if f.Type != typ {
		return protocolErrorf("got %s, want %s", f.Type, typ)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return protocolErrorf("malformed %s payload: %s", typ, err)
	}
	return nil
}

// dataWriter frames everything written to it as DATA frames of at most DataChunk bytes.
// Close writes the empty DATA frame that ends the stream.
type dataWriter struct {
	c *conn
	n int64
}

func (w *dataWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > DataChunk {
			chunk = chunk[:DataChunk]
		}
		if err := WriteFrame(w.c.w, Data, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		w.n += int64(len(chunk))
		p = p[len(chunk):]
	}
	return written, nil
}

func (w *dataWriter) Close() error {
	return w.c.send(Data, nil)
}

// dataReader yields the payloads of consecutive DATA frames
// until the empty one.
type dataReader struct {
	c    *conn
	buf  []byte
	done bool
	err  error
	n    int64
}

func (r *dataReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		f, err := r.c.recv()
		if err != nil {
			r.err = err
			return 0, err
		}
		if f.Type != Data {
			if f.Type == Error {
				r.err = peerError(f.Payload)
			} else {
				r.err = protocolErrorf("got %s inside snapshot data", f.Type)
			}
			return 0, r.err
		}
		if len(f.Payload) == 0 {
			r.done = true
			continue
		}
		r.buf = f.Payload
		r.n += int64(len(f.Payload))
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// drain discards the rest of the data stream.
func (r *dataReader) drain() error {
	_, err := io.Copy(io.Discard, r)
	return err
}
