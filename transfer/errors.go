package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
)

// Codes carried in ERROR frames.
const (
	CodeNoSuchStream  = "no-such-stream"
	CodeAlreadyExists = "already-exists"
	CodeProtocol      = "protocol"
	CodeFailed        = "failed"
)

// ProtocolError is a malformed or unexpected frame.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError is a failure of the channel itself:
// the peer went away or the connection broke.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PeerError is a failure reported by the other end in an ERROR frame.
type PeerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer reported %s: %s", e.Code, e.Message)
}

// Is maps error codes back to the sentinel errors they stand for,
// so that errors.Is(err, btrbck.ErrNoSuchStream) works across the channel.
func (e *PeerError) Is(target error) bool {
	switch target {
	case btrbck.ErrNoSuchStream:
		return e.Code == CodeNoSuchStream
	case btrbck.ErrAlreadyExists:
		return e.Code == CodeAlreadyExists
	}
	return false
}

func peerError(payload []byte) error {
	var msg errorMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return protocolErrorf("malformed ERROR payload: %s", err)
	}
	return &PeerError{Code: msg.Code, Message: msg.Message}
}

// codeFor classifies a local error for an ERROR frame.
func codeFor(err error) string {
	var perr *ProtocolError
	switch {
	case errors.Is(err, btrbck.ErrNoSuchStream):
		return CodeNoSuchStream
	case errors.Is(err, btrbck.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.As(err, &perr):
		return CodeProtocol
	}
	return CodeFailed
}

// reportable tells whether err should be sent to the peer.
// Errors that came from the peer, or from the channel, are not.
func reportable(err error) bool {
	var (
		terr *TransportError
		perr *PeerError
	)
	return !errors.As(err, &terr) && !errors.As(err, &perr)
}
