// Package listener runs the FBM protocol over one framed duplex connection:
// it reassembles inbound messages, hands each to a Handler on its own
// goroutine and writes the responses back without interleaving them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"

	"github.com/mtingers/fbmd/internal/fbm"
)

var (
	ErrMessageTooBig = errors.New("listener: message exceeds the maximum size")
	ErrSendTimeout   = errors.New("listener: timed out waiting to send")
	ErrClosed        = errors.New("listener: connection closed")
	ErrAborted       = errors.New("listener: connection aborted by invalid message")
)

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener: handler panic: %v", e.Value)
}

// Listener holds the shared configuration for serving connections. One
// Listener serves any number of connections concurrently.
type Listener struct {
	opts Options
	enc  encoding.Encoding
	log  *slog.Logger
}

// New validates opts and creates a Listener.
func New(opts Options, log *slog.Logger) (*Listener, error) {
	opts = opts.withDefaults()
	enc, err := fbm.ResolveEncoding(opts.HeaderEncoding)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{opts: opts, enc: enc, log: log}, nil
}

// Options returns the effective options.
func (l *Listener) Options() Options { return l.opts }

func (l *Listener) contextOptions() fbm.Options {
	return fbm.Options{
		Memory:              l.opts.Memory,
		MaxHeaderBufferSize: l.opts.MaxHeaderBufferSize,
		ResponseBufferSize:  l.opts.ResponseBufferSize,
		Encoding:            l.enc,
	}
}

// ListenAndWait serves t until the peer closes it, a connection-fatal error
// occurs or ctx is cancelled. It returns only after every message it
// dispatched has finished. A clean close by the peer returns nil.
func (l *Listener) ListenAndWait(ctx context.Context, t Transport, connID string, h Handler) error {
	s := newSession(ctx, l, t, connID, h)
	defer s.cancel(ErrClosed)

	stop := context.AfterFunc(s.ctx, func() {
		s.closeTransport(CloseGoingAway, "")
	})
	defer stop()

	l.log.Debug("session started", "conn_id", connID)

	var g errgroup.Group
	g.Go(func() error {
		err := s.readLoop()
		s.cancel(err)
		return err
	})
	g.Go(func() error {
		s.dispatch()
		return nil
	})
	_ = g.Wait()
	s.inflight.Wait()

	status := CloseNormal
	if ctx.Err() != nil {
		status = CloseGoingAway
	}
	s.closeTransport(status, "")

	err := context.Cause(s.ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	l.log.Debug("session closed", "conn_id", connID, "err", err)
	return err
}
