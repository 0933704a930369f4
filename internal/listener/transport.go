package listener

import (
	"context"

	"github.com/mtingers/fbmd/internal/fbm"
)

// FrameType classifies a transport frame.
type FrameType uint8

const (
	FrameBinary FrameType = iota
	FrameText
	FrameClose
)

func (f FrameType) String() string {
	switch f {
	case FrameBinary:
		return "binary"
	case FrameText:
		return "text"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// CloseStatus is the status code sent when the listener closes a transport.
// Values follow the WebSocket close codes.
type CloseStatus uint16

const (
	CloseNormal        CloseStatus = 1000
	CloseGoingAway     CloseStatus = 1001
	CloseProtocolError CloseStatus = 1002
	CloseMessageTooBig CloseStatus = 1009
	CloseInternalError CloseStatus = 1011
)

// Transport is a duplex, message-framed channel.
//
// Receive reads the next fragment of the current message into buf and
// reports whether it completes the message. A close frame from the peer is
// reported as FrameClose with n == 0. Receive is only ever called from one
// goroutine.
//
// Send writes one fragment of an outbound message; final marks the last
// fragment. The listener never interleaves fragments of two messages.
//
// Close sends a close frame with status and releases the transport. It must
// unblock a pending Receive.
type Transport interface {
	Receive(ctx context.Context, buf []byte) (n int, final bool, ft FrameType, err error)
	Send(ctx context.Context, data []byte, ft FrameType, final bool) error
	Close(status CloseStatus, reason string) error
}

// Handler processes the messages of one connection. HandleMessage runs
// concurrently for messages of the same connection; whatever it writes to
// c.Response is sent after it returns nil.
//
// OnInvalidMessage is called for messages that did not parse cleanly, with
// a *fbm.ParseError. Returning false closes the connection.
//
// OnProcessError receives every error that ended the processing of a
// message: handler errors, recovered panics and send failures.
type Handler interface {
	HandleMessage(ctx context.Context, c *fbm.Context) error
	OnInvalidMessage(c *fbm.Context, err error) bool
	OnProcessError(err error)
}

// ControlHandler is implemented by handlers that answer out-of-band control
// frames. Control frames are dropped for handlers that do not implement it.
type ControlHandler interface {
	HandleControl(ctx context.Context, c *fbm.Context) error
}
