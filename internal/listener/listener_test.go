package listener

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

var errTransportClosed = errors.New("fake transport closed")

type frame struct {
	data  []byte
	final bool
	ft    FrameType
}

type fakeTransport struct {
	in     chan frame
	out    chan frame
	closed chan struct{}

	closeOnce   sync.Once
	closeStatus atomic.Uint32

	sending   atomic.Int32
	overlap   atomic.Bool
	sendDelay time.Duration
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan frame, 64),
		out:    make(chan frame, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Receive(ctx context.Context, buf []byte) (int, bool, FrameType, error) {
	select {
	case fr := <-f.in:
		if len(fr.data) > len(buf) {
			panic("fake transport: frame larger than receive buffer")
		}
		return copy(buf, fr.data), fr.final, fr.ft, nil
	case <-f.closed:
		return 0, false, 0, errTransportClosed
	case <-ctx.Done():
		return 0, false, 0, ctx.Err()
	}
}

func (f *fakeTransport) Send(ctx context.Context, data []byte, ft FrameType, final bool) error {
	if f.sending.Add(1) != 1 {
		f.overlap.Store(true)
	}
	defer f.sending.Add(-1)
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.out <- frame{data: bytes.Clone(data), final: final, ft: ft}
	return nil
}

func (f *fakeTransport) Close(status CloseStatus, reason string) error {
	f.closeOnce.Do(func() {
		f.closeStatus.Store(uint32(status))
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) status() CloseStatus { return CloseStatus(f.closeStatus.Load()) }

func (f *fakeTransport) deliver(msg string) {
	f.in <- frame{data: []byte(msg), final: true, ft: FrameBinary}
}

func (f *fakeTransport) deliverFragment(msg string, final bool) {
	f.in <- frame{data: []byte(msg), final: final, ft: FrameBinary}
}

func (f *fakeTransport) peerClose() {
	f.in <- frame{ft: FrameClose, final: true}
}

// readMessage collects outbound frames up to the next final one.
func (f *fakeTransport) readMessage(t *testing.T) []byte {
	t.Helper()
	var msg []byte
	for {
		select {
		case fr := <-f.out:
			msg = append(msg, fr.data...)
			if fr.final {
				return msg
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}
}

func (f *fakeTransport) assertNoMessage(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case fr := <-f.out:
		t.Fatalf("unexpected frame %q", fr.data)
	case <-time.After(wait):
	}
}

// ---------------------------------------------------------------------------
// Test handler
// ---------------------------------------------------------------------------

type testHandler struct {
	handle  func(ctx context.Context, c *fbm.Context) error
	invalid func(c *fbm.Context, err error) bool

	calls atomic.Int32

	mu          sync.Mutex
	procErrs    []error
	invalidErrs []error
}

func (h *testHandler) HandleMessage(ctx context.Context, c *fbm.Context) error {
	h.calls.Add(1)
	if h.handle != nil {
		return h.handle(ctx, c)
	}
	return nil
}

func (h *testHandler) OnInvalidMessage(c *fbm.Context, err error) bool {
	h.mu.Lock()
	h.invalidErrs = append(h.invalidErrs, err)
	h.mu.Unlock()
	if h.invalid != nil {
		return h.invalid(c, err)
	}
	return true
}

func (h *testHandler) OnProcessError(err error) {
	h.mu.Lock()
	h.procErrs = append(h.procErrs, err)
	h.mu.Unlock()
}

func (h *testHandler) processErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.procErrs...)
}

func (h *testHandler) invalidErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.invalidErrs...)
}

type controlHandler struct {
	*testHandler
	control atomic.Int32
}

func (h *controlHandler) HandleControl(ctx context.Context, c *fbm.Context) error {
	h.control.Add(1)
	if err := c.Response.WriteHeader(fbm.HeaderStatus, "ok"); err != nil {
		return err
	}
	return c.Response.WriteBody([]byte("pong"), fbm.ContentText)
}

// echo answers with the action header as the body.
func echo(_ context.Context, c *fbm.Context) error {
	v, _ := c.Request.Header(fbm.HeaderAction)
	if err := c.Response.WriteHeader(fbm.HeaderStatus, "ok"); err != nil {
		return err
	}
	return c.Response.WriteBody([]byte(v), fbm.ContentText)
}

type countingObserver struct {
	received atomic.Int32
	handled  atomic.Int32
	mu       sync.Mutex
	rejected map[string]int
}

func (o *countingObserver) MessageReceived(int) { o.received.Add(1) }

func (o *countingObserver) MessageRejected(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rejected == nil {
		o.rejected = make(map[string]int)
	}
	o.rejected[reason]++
}

func (o *countingObserver) MessageHandled(time.Duration, error) { o.handled.Add(1) }

func (o *countingObserver) rejects(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected[reason]
}

// startSession runs ListenAndWait in the background. The returned function
// waits for it to return.
func startSession(t *testing.T, ctx context.Context, opts Options, tr Transport, h Handler) func() error {
	t.Helper()
	l, err := New(opts, testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- l.ListenAndWait(ctx, tr, "conn-test", h)
	}()
	return func() error {
		t.Helper()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("ListenAndWait did not return")
			return nil
		}
	}
}

func parseResponse(t *testing.T, wire []byte) *fbm.Request {
	t.Helper()
	r := fbm.NewRequest(memory.Heap{}, 1024, nil)
	r.Prepare()
	r.Bind(wire, "")
	require.Zero(t, r.ParseStatus, "response %q", wire)
	return r
}

// ---------------------------------------------------------------------------
// Basic flow
// ---------------------------------------------------------------------------

func TestListener_EchoAndPeerClose(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("5\n1Hello\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(5), resp.MessageID)
	status, _ := resp.Header(fbm.HeaderStatus)
	assert.Equal(t, "ok", status)
	assert.Equal(t, fbm.ContentText, resp.ContentType())
	assert.Equal(t, "Hello", string(resp.Body()))

	tr.peerClose()
	require.NoError(t, wait())
	assert.Equal(t, CloseNormal, tr.status())
	assert.Empty(t, h.processErrors())
}

func TestListener_ReassemblesFragments(t *testing.T) {
	tr := newFakeTransport()
	var body atomic.Value
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		body.Store(string(c.Request.Body()))
		return nil
	}}
	wait := startSession(t, context.Background(), Options{RecvBufferSize: 8}, tr, h)

	tr.deliverFragment("7\n1abc\n", false)
	tr.deliverFragment("\nbody-", false)
	tr.deliverFragment("tail", true)

	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(7), resp.MessageID)
	assert.Equal(t, "body-tail", body.Load())

	tr.peerClose()
	require.NoError(t, wait())
}

func TestListener_ConcurrentHandlers(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	var started atomic.Int32
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		if c.Request.MessageID == 1 {
			// The slow message must not hold up message 2.
			started.Add(1)
			<-release
		}
		return echo(ctx, c)
	}}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("1\n1slow\n\n")
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, time.Millisecond)
	tr.deliver("2\n1fast\n\n")

	first := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(2), first.MessageID)
	close(release)
	second := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(1), second.MessageID)

	tr.peerClose()
	require.NoError(t, wait())
}

// ---------------------------------------------------------------------------
// Size limits and empty messages
// ---------------------------------------------------------------------------

func TestListener_OversizeClosesConnection(t *testing.T) {
	tr := newFakeTransport()
	obs := &countingObserver{}
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{MaxMessageSize: 16, Observer: obs}, tr, h)

	tr.deliverFragment("1\n1aaaaaa", false)
	tr.deliverFragment("aaaaaaaaaa", true)

	err := wait()
	require.ErrorIs(t, err, ErrMessageTooBig)
	assert.Equal(t, CloseMessageTooBig, tr.status())
	assert.Zero(t, h.calls.Load())
	assert.Zero(t, obs.received.Load())
	assert.Equal(t, 1, obs.rejects(RejectTooBig))
	tr.assertNoMessage(t, 20*time.Millisecond)
}

func TestListener_MessageAtLimitAccepted(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{handle: echo}
	msg := "1\n1abcdefghijk\n\n"
	wait := startSession(t, context.Background(), Options{MaxMessageSize: len(msg)}, tr, h)

	tr.deliver(msg)
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, "abcdefghijk", string(resp.Body()))

	tr.peerClose()
	require.NoError(t, wait())
}

func TestListener_ZeroLengthIgnored(t *testing.T) {
	tr := newFakeTransport()
	obs := &countingObserver{}
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{Observer: obs}, tr, h)

	tr.deliver("")
	tr.deliver("3\n1after\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(3), resp.MessageID)

	tr.peerClose()
	require.NoError(t, wait())
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Empty(t, h.processErrors())
	assert.Empty(t, h.invalidErrors())
	assert.Equal(t, 1, obs.rejects(RejectEmpty))
}

// ---------------------------------------------------------------------------
// Control frames
// ---------------------------------------------------------------------------

func TestListener_ControlFrameRouting(t *testing.T) {
	tr := newFakeTransport()
	h := &controlHandler{testHandler: &testHandler{handle: echo}}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("-500\n1ping\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, fbm.ControlFrameID, resp.MessageID)
	assert.Equal(t, "pong", string(resp.Body()))

	tr.peerClose()
	require.NoError(t, wait())
	assert.Equal(t, int32(1), h.control.Load())
	assert.Zero(t, h.calls.Load())
}

func TestListener_ControlFrameDroppedWithoutControlHandler(t *testing.T) {
	tr := newFakeTransport()
	obs := &countingObserver{}
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{Observer: obs}, tr, h)

	tr.deliver("-500\n1ping\n\n")
	tr.deliver("4\n1x\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(4), resp.MessageID)
	tr.assertNoMessage(t, 20*time.Millisecond)

	tr.peerClose()
	require.NoError(t, wait())
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, obs.rejects(RejectNoControl))
}

// ---------------------------------------------------------------------------
// Send serialization
// ---------------------------------------------------------------------------

func TestListener_SendsNeverInterleave(t *testing.T) {
	const n = 8
	tr := newFakeTransport()
	tr.sendDelay = 200 * time.Microsecond

	var ready sync.WaitGroup
	ready.Add(n)
	gate := make(chan struct{})
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		ready.Done()
		<-gate
		fill := byte('a' + c.Request.MessageID)
		return c.Response.WriteBody(bytes.Repeat([]byte{fill}, 500), fbm.ContentBinary)
	}}
	wait := startSession(t, context.Background(), Options{ResponseBufferSize: fbm.MinBufferSize}, tr, h)

	for i := 1; i <= n; i++ {
		tr.deliver(strconv.Itoa(i) + "\n\n")
	}
	ready.Wait()
	close(gate)

	seen := make(map[int32]bool)
	for range n {
		resp := parseResponse(t, tr.readMessage(t))
		fill := byte('a' + resp.MessageID)
		body := resp.Body()
		require.Len(t, body, 500)
		assert.Equal(t, bytes.Repeat([]byte{fill}, 500), body, "message %d interleaved", resp.MessageID)
		seen[resp.MessageID] = true
	}
	assert.Len(t, seen, n)
	assert.False(t, tr.overlap.Load(), "concurrent Send calls observed")

	tr.peerClose()
	require.NoError(t, wait())
}

// ---------------------------------------------------------------------------
// Failure isolation
// ---------------------------------------------------------------------------

func TestListener_HandlerErrorsAreIsolated(t *testing.T) {
	tr := newFakeTransport()
	errBoom := errors.New("boom")
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		switch c.Request.MessageID {
		case 1:
			return errBoom
		case 2:
			panic("handler exploded")
		}
		return echo(ctx, c)
	}}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("1\n\n")
	tr.deliver("2\n\n")
	require.Eventually(t, func() bool { return len(h.processErrors()) == 2 }, 2*time.Second, time.Millisecond)

	tr.deliver("3\n1still-alive\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, "still-alive", string(resp.Body()))

	tr.peerClose()
	require.NoError(t, wait())

	errs := h.processErrors()
	require.Len(t, errs, 2)
	var sawBoom, sawPanic bool
	for _, err := range errs {
		if errors.Is(err, errBoom) {
			sawBoom = true
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			sawPanic = true
			assert.Equal(t, "handler exploded", pe.Value)
			assert.NotEmpty(t, pe.Stack)
		}
	}
	assert.True(t, sawBoom)
	assert.True(t, sawPanic)
}

func TestListener_InvalidIDContinues(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("0\n1x\n\n")
	tr.deliver("9\n1ok\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(9), resp.MessageID)

	tr.peerClose()
	require.NoError(t, wait())

	errs := h.invalidErrors()
	require.Len(t, errs, 1)
	var pe *fbm.ParseError
	require.ErrorAs(t, errs[0], &pe)
	assert.NotZero(t, pe.Status&fbm.InvalidID)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestListener_InvalidMessageAborts(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{
		handle:  echo,
		invalid: func(*fbm.Context, error) bool { return false },
	}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("nope\n\n")
	require.ErrorIs(t, wait(), ErrAborted)
	assert.Equal(t, CloseProtocolError, tr.status())
	assert.Zero(t, h.calls.Load())
}

func TestListener_HeaderOverflowReportedThenHandled(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		return c.Response.WriteHeader(fbm.HeaderStatus, "partial")
	}}
	wait := startSession(t, context.Background(), Options{MaxHeaderBufferSize: 4}, tr, h)

	tr.deliver("6\n1abcdefgh\n\n")
	resp := parseResponse(t, tr.readMessage(t))
	assert.Equal(t, int32(6), resp.MessageID)

	tr.peerClose()
	require.NoError(t, wait())

	errs := h.invalidErrors()
	require.Len(t, errs, 1)
	var pe *fbm.ParseError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, fbm.HeaderOutOfMem, pe.Status)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestListener_SendFailureTearsDown(t *testing.T) {
	tr := newFakeTransport()
	errWire := errors.New("wire cut")
	tr.sendErr = errWire
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{}, tr, h)

	tr.deliver("1\n1x\n\n")
	err := wait()
	require.ErrorIs(t, err, errWire)
	assert.Equal(t, CloseInternalError, tr.status())

	errs := h.processErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errWire)
}

func TestListener_ContextCancelWaitsForInflight(t *testing.T) {
	tr := newFakeTransport()
	var finished atomic.Bool
	entered := make(chan struct{})
	h := &testHandler{handle: func(ctx context.Context, c *fbm.Context) error {
		close(entered)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	wait := startSession(t, ctx, Options{}, tr, h)

	tr.deliver("1\n\n")
	<-entered
	cancel()

	require.ErrorIs(t, wait(), context.Canceled)
	assert.True(t, finished.Load(), "ListenAndWait returned before the handler finished")
	assert.Equal(t, CloseGoingAway, tr.status())
}

func TestListener_PooledMemory(t *testing.T) {
	tr := newFakeTransport()
	h := &testHandler{handle: echo}
	wait := startSession(t, context.Background(), Options{Memory: memory.NewPooledHeap(), ContextPoolSize: 2}, tr, h)

	for i := 1; i <= 20; i++ {
		tr.deliver(strconv.Itoa(i%10) + "\n1v\n\n")
		if i%10 == 0 {
			// id 0 is invalid; nothing comes back for it.
			continue
		}
		resp := parseResponse(t, tr.readMessage(t))
		assert.Equal(t, "v", string(resp.Body()))
	}

	tr.peerClose()
	require.NoError(t, wait())
}

func TestNew_UnknownEncoding(t *testing.T) {
	_, err := New(Options{HeaderEncoding: "no-such-charset"}, testLogger())
	require.ErrorIs(t, err, fbm.ErrUnknownEncoding)
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Options{}, nil)
	require.NoError(t, err)
	o := l.Options()
	assert.Equal(t, DefaultSendTimeout, o.SendTimeout)
	assert.Equal(t, DefaultMaxMessageSize, o.MaxMessageSize)
	assert.NotNil(t, o.Memory)
	assert.NotNil(t, o.Observer)
}
