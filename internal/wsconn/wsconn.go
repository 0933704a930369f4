// Package wsconn adapts a gorilla/websocket connection to the framed
// transport the listener and the client speak.
package wsconn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtingers/fbmd/internal/listener"
)

const (
	DefaultWriteWait = 10 * time.Second
	// Close reasons are limited by the 125-byte control frame payload.
	maxCloseReason = 123
)

// Options tunes keep-alive behaviour. A zero PingInterval disables pings.
type Options struct {
	WriteWait    time.Duration
	PingInterval time.Duration
	// PongWait is the read deadline extended by every pong. It should be
	// longer than PingInterval.
	PongWait time.Duration
}

// Conn is a listener.Transport over a websocket connection. Receive must be
// called from a single goroutine and so must Send; Close may be called from
// any goroutine.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	r  io.Reader
	rt listener.FrameType
	w  io.WriteCloser

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ listener.Transport = (*Conn)(nil)

// New wraps ws. The peer's close frame is surfaced from Receive as
// listener.FrameClose instead of being answered automatically, so the
// owner decides when and how to acknowledge it.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	c := &Conn{ws: ws, opts: opts, done: make(chan struct{})}
	ws.SetCloseHandler(func(int, string) error { return nil })

	if opts.PingInterval > 0 {
		if opts.PongWait <= opts.PingInterval {
			opts.PongWait = opts.PingInterval * 2
			c.opts.PongWait = opts.PongWait
		}
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
		go c.pingLoop()
	}
	return c
}

// Underlying returns the wrapped websocket connection.
func (c *Conn) Underlying() *websocket.Conn { return c.ws }

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Receive reads the next fragment of the current message. ctx is not
// observed directly; cancelling a receive is done by closing the Conn.
func (c *Conn) Receive(_ context.Context, buf []byte) (int, bool, listener.FrameType, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return c.readError(err)
			}
			c.r = r
			c.rt = frameType(mt)
		}
		n, err := c.r.Read(buf)
		if err == io.EOF {
			c.r = nil
			return n, true, c.rt, nil
		}
		if err != nil {
			c.r = nil
			return c.readError(err)
		}
		if n > 0 {
			return n, false, c.rt, nil
		}
	}
}

func (c *Conn) readError(err error) (int, bool, listener.FrameType, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return 0, true, listener.FrameClose, nil
	}
	return 0, false, 0, err
}

func frameType(mt int) listener.FrameType {
	if mt == websocket.TextMessage {
		return listener.FrameText
	}
	return listener.FrameBinary
}

func messageType(ft listener.FrameType) int {
	if ft == listener.FrameText {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// Send writes one fragment of an outbound message. The ctx deadline, if
// any, becomes the write deadline.
func (c *Conn) Send(ctx context.Context, data []byte, ft listener.FrameType, final bool) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.WriteWait)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if c.w == nil {
		w, err := c.ws.NextWriter(messageType(ft))
		if err != nil {
			return err
		}
		c.w = w
	}
	if _, err := c.w.Write(data); err != nil {
		c.w = nil
		return err
	}
	if final {
		w := c.w
		c.w = nil
		return w.Close()
	}
	return nil
}

// Close sends a close frame with status and closes the connection. Only
// the first call has any effect.
func (c *Conn) Close(status listener.CloseStatus, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(int(status), reason)
		err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		c.closeErr = errors.Join(err, c.ws.Close())
	})
	return c.closeErr
}
