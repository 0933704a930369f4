package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sync/semaphore"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/memory"
)

// session is the state of one connection.
type session struct {
	l      *Listener
	t      Transport
	connID string
	h      Handler
	ctrl   ControlHandler
	mem    memory.Manager
	obs    Observer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	queue     *queue
	sendLock  *semaphore.Weighted
	pool      *contextPool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func newSession(parent context.Context, l *Listener, t Transport, connID string, h Handler) *session {
	ctx, cancel := context.WithCancelCause(parent)
	s := &session{
		l:        l,
		t:        t,
		connID:   connID,
		h:        h,
		mem:      l.opts.Memory,
		obs:      l.opts.Observer,
		log:      l.log.With("conn_id", connID),
		ctx:      ctx,
		cancel:   cancel,
		queue:    newQueue(),
		sendLock: semaphore.NewWeighted(1),
		pool:     newContextPool(l.opts.ContextPoolSize),
	}
	if ch, ok := h.(ControlHandler); ok {
		s.ctrl = ch
	}
	return s
}

func (s *session) closeTransport(status CloseStatus, reason string) {
	s.closeOnce.Do(func() {
		if err := s.t.Close(status, reason); err != nil {
			s.log.Debug("transport close", "status", int(status), "err", err)
		}
	})
}

// fail tears the connection down after a connection-fatal error.
func (s *session) fail(status CloseStatus, err error) {
	s.cancel(err)
	s.closeTransport(status, err.Error())
}

// ---------------------------------------------------------------------------
// Read loop
// ---------------------------------------------------------------------------

func (s *session) readLoop() error {
	limit := s.l.opts.MaxMessageSize
	buf := s.mem.AllocBuffer(s.l.opts.RecvBufferSize)
	defer s.mem.FreeBuffer(buf)

	var acc []byte
	for {
		n, final, ft, err := s.t.Receive(s.ctx, buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			return fmt.Errorf("listener: receive: %w", err)
		}
		if ft == FrameClose {
			s.log.Debug("peer closed")
			s.closeTransport(CloseNormal, "")
			return ErrClosed
		}
		if len(acc)+n > limit {
			s.obs.MessageRejected(RejectTooBig)
			s.log.Warn("message too big", "size", len(acc)+n, "max", limit)
			s.closeTransport(CloseMessageTooBig, "message too big")
			return ErrMessageTooBig
		}
		acc = append(acc, buf[:n]...)
		if !final {
			continue
		}
		if len(acc) == 0 {
			s.obs.MessageRejected(RejectEmpty)
			continue
		}

		msg := s.mem.AllocBuffer(len(acc))
		copy(msg, acc)
		acc = acc[:0]
		s.obs.MessageReceived(len(msg))
		if !s.queue.push(msg) {
			s.mem.FreeBuffer(msg)
			return context.Cause(s.ctx)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch starts one goroutine per queued message until the session ends,
// then frees whatever was left undispatched.
func (s *session) dispatch() {
	for {
		msg, err := s.queue.pop(s.ctx)
		if err != nil {
			rest := s.queue.drain()
			for _, m := range rest {
				s.mem.FreeBuffer(m)
			}
			if len(rest) > 0 {
				s.log.Debug("dropped queued messages", "count", len(rest))
			}
			return
		}
		s.inflight.Add(1)
		go s.process(msg)
	}
}

func (s *session) process(data []byte) {
	defer s.inflight.Done()
	defer s.mem.FreeBuffer(data)

	start := time.Now()
	c := s.rent()
	defer s.giveBack(c)

	err := s.handle(c, data)
	s.obs.MessageHandled(time.Since(start), err)
	if err != nil {
		s.h.OnProcessError(err)
	}
}

func (s *session) rent() *fbm.Context {
	c, err := s.pool.get()
	if err != nil {
		if !iox.IsWouldBlock(err) {
			s.log.Debug("context pool", "err", err)
		}
		c = fbm.NewContext(s.l.contextOptions())
	}
	c.Prepare()
	return c
}

func (s *session) giveBack(c *fbm.Context) {
	if !c.Release() {
		return
	}
	if err := s.pool.put(c); err != nil && !iox.IsWouldBlock(err) {
		s.log.Debug("context pool", "err", err)
	}
}

// handle runs one message through parsing, the handler and the send path.
// Panics are converted to *PanicError.
func (s *session) handle(c *fbm.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if err := c.Bind(data, s.connID); err != nil {
		return err
	}
	req := c.Request
	if req.ParseStatus != 0 {
		s.obs.MessageRejected(RejectInvalid)
		keep := s.h.OnInvalidMessage(c, req.Err())
		if !keep {
			s.log.Debug("closing after invalid message", "status", req.ParseStatus.String())
			s.fail(CloseProtocolError, ErrAborted)
			return nil
		}
		// Without a usable id no response can be correlated.
		if req.ParseStatus&fbm.InvalidID != 0 {
			return nil
		}
	}

	if req.IsControl() {
		if s.ctrl == nil {
			s.obs.MessageRejected(RejectNoControl)
			return nil
		}
		if err := s.ctrl.HandleControl(s.ctx, c); err != nil {
			return err
		}
	} else if err := s.h.HandleMessage(s.ctx, c); err != nil {
		return err
	}
	return s.send(c.Response)
}

// send writes resp as a sequence of frames while holding the session send
// lock. Failures after the first frame went out are connection-fatal since
// the peer is left with a partial message.
func (s *session) send(resp *fbm.Response) error {
	id := resp.MessageID()
	segs, err := resp.Segments()
	if err != nil {
		return fmt.Errorf("listener: message %d: %w", id, err)
	}

	lockCtx, cancel := context.WithTimeout(s.ctx, s.l.opts.SendTimeout)
	err = s.sendLock.Acquire(lockCtx, 1)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("listener: message %d not sent: %w", id, context.Cause(s.ctx))
		}
		s.fail(CloseInternalError, ErrSendTimeout)
		return fmt.Errorf("listener: message %d: %w", id, ErrSendTimeout)
	}
	defer s.sendLock.Release(1)

	if s.ctx.Err() != nil {
		return fmt.Errorf("listener: message %d not sent: %w", id, context.Cause(s.ctx))
	}

	sent := false
	for {
		seg, err := segs.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("listener: message %d body: %w", id, err)
			if sent {
				s.fail(CloseInternalError, err)
			}
			return err
		}
		if err := s.write(seg, !segs.More()); err != nil {
			err = fmt.Errorf("listener: send message %d: %w", id, err)
			s.fail(CloseInternalError, err)
			return err
		}
		sent = true
	}
}

func (s *session) write(seg []byte, final bool) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.l.opts.SendTimeout)
	defer cancel()
	err := s.t.Send(ctx, seg, FrameBinary, final)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrSendTimeout
	}
	return err
}
