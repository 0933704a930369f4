// Package client provides a Go client for the fbmd object server.
//
// A Client multiplexes any number of concurrent requests over one websocket
// connection. Responses are matched to requests by message id. Control
// requests all share the reserved control id, so they are serialized and
// tagged with a sequence number in HeaderObjectID that the server echoes.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/text/encoding"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/listener"
	"github.com/mtingers/fbmd/internal/memory"
	"github.com/mtingers/fbmd/internal/store"
	"github.com/mtingers/fbmd/internal/wsconn"
)

// Sentinel errors returned by client operations.
var (
	ErrClosed      = errors.New("fbmd: connection closed")
	ErrAuth        = errors.New("fbmd: authentication failed")
	ErrUnavailable = errors.New("fbmd: server unavailable")
	ErrNotFound    = errors.New("fbmd: not found")
	ErrInvalid     = errors.New("fbmd: invalid request")
	ErrServer      = errors.New("fbmd: server error")
	ErrTooLarge    = errors.New("fbmd: message too large")
	ErrSent        = errors.New("fbmd: request already sent")
)

// Wire types shared with the server.
type (
	HeaderCommand = fbm.HeaderCommand
	ContentType   = fbm.ContentType
	Header        = fbm.Header
)

const (
	HeaderAction      = fbm.HeaderAction
	HeaderLocation    = fbm.HeaderLocation
	HeaderContentType = fbm.HeaderContentType
	HeaderStatus      = fbm.HeaderStatus
	HeaderObjectID    = fbm.HeaderObjectID
	HeaderNewObjectID = fbm.HeaderNewObjectID

	ContentNone    = fbm.ContentNone
	ContentBinary  = fbm.ContentBinary
	ContentJSON    = fbm.ContentJSON
	ContentText    = fbm.ContentText
	ContentXML     = fbm.ContentXML
	ContentHTML    = fbm.ContentHTML
	ContentMsgPack = fbm.ContentMsgPack
	ContentCSV     = fbm.ContentCSV
)

const (
	// DefaultDialTimeout is the default websocket handshake timeout.
	DefaultDialTimeout    = 10 * time.Second
	DefaultBufferSize     = 16 * 1024
	DefaultMaxMessageSize = 1 << 20
	defaultHeaderBuffer   = 4096
)

// Option configures a Client.
type Option func(*options)

type options struct {
	token          string
	dialTimeout    time.Duration
	bufferSize     int
	maxMessageSize int
	headerEncoding string
	pingInterval   time.Duration
	tls            *tls.Config
}

// WithToken sends token as a bearer token during the websocket handshake.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithBufferSize sets the request window, which is also the largest frame
// the client sends. Larger bodies are streamed in several frames.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithMaxMessageSize caps a reassembled response.
func WithMaxMessageSize(n int) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithHeaderEncoding sets the IANA charset of header values. It must match
// the server's.
func WithHeaderEncoding(name string) Option {
	return func(o *options) { o.headerEncoding = name }
}

// WithTLSConfig sets the TLS configuration used for wss:// URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithPingInterval enables websocket keep-alive pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// Response is a parsed reply. Body is owned by the Response.
type Response struct {
	ID          int32
	Headers     []Header
	ContentType ContentType
	Body        []byte
}

// Header returns the first value of cmd.
func (r *Response) Header(cmd HeaderCommand) (string, bool) {
	for _, h := range r.Headers {
		if h.Cmd == cmd {
			return h.Value, true
		}
	}
	return "", false
}

// Status returns the HeaderStatus value, or "" if absent.
func (r *Response) Status() string {
	v, _ := r.Header(HeaderStatus)
	return v
}

// Err maps a non-ok status onto a sentinel error.
func (r *Response) Err() error {
	switch r.Status() {
	case store.StatusOK:
		return nil
	case store.StatusNotFound:
		return ErrNotFound
	case store.StatusInvalid:
		return fmt.Errorf("%w: %s", ErrInvalid, r.Body)
	default:
		return fmt.Errorf("%w: %s %s", ErrServer, r.Status(), r.Body)
	}
}

// Request is an outbound message under construction. It is consumed by
// Send; call Free only on requests that are never sent.
type Request struct {
	w       *fbm.Writer
	control bool
	tag     string
	sent    bool
}

// ID returns the message id assigned to the request.
func (r *Request) ID() int32 { return r.w.MessageID() }

// SetHeader appends a header. Headers cannot follow a body.
func (r *Request) SetHeader(cmd HeaderCommand, value string) error {
	return r.w.WriteHeader(cmd, value)
}

// SetBody sets the body from data. The slice must not change until Send
// returns.
func (r *Request) SetBody(data []byte, ct ContentType) error {
	return r.w.WriteBody(data, ct)
}

// SetBodyReader streams size bytes from rd as the body. If rd is an
// io.Closer it is closed once the request is sent or freed.
func (r *Request) SetBodyReader(rd io.Reader, size int64, ct ContentType) error {
	return r.w.AddMessageBody(fbm.NewBody(ct, rd, size))
}

// Free releases an unsent request.
func (r *Request) Free() {
	if !r.sent {
		r.sent = true
		r.w.Free()
	}
}

// Client is an FBM connection to an fbmd server. It is safe for concurrent
// use.
type Client struct {
	conn *wsconn.Conn
	opts options
	enc  encoding.Encoding
	mem  memory.Manager

	sendMu sync.Mutex
	ctrlMu sync.Mutex

	mu       sync.Mutex
	lastID   int32
	pending  map[int32]chan *Response
	ctrlWait chan *Response
	// ctrlTag is the tag ctrlWait expects. Control replies carrying any
	// other tag belong to abandoned requests.
	ctrlTag string
	ctrlSeq atomic.Uint64
	err     error

	done chan struct{}
}

// Dial connects to the FBM endpoint at url, e.g. "ws://127.0.0.1:6390/fbm".
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		dialTimeout:    DefaultDialTimeout,
		bufferSize:     DefaultBufferSize,
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.bufferSize < fbm.MinBufferSize {
		o.bufferSize = fbm.MinBufferSize
	}
	enc, err := fbm.ResolveEncoding(o.headerEncoding)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: o.dialTimeout,
		ReadBufferSize:   o.bufferSize,
		WriteBufferSize:  o.bufferSize,
		TLSClientConfig:  o.tls,
	}
	hdr := http.Header{}
	if o.token != "" {
		hdr.Set("Authorization", "Bearer "+o.token)
	}
	ws, resp, err := dialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, ErrAuth
			case http.StatusServiceUnavailable:
				return nil, ErrUnavailable
			}
		}
		return nil, fmt.Errorf("fbmd: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    wsconn.New(ws, wsconn.Options{PingInterval: o.pingInterval}),
		opts:    o,
		enc:     enc,
		mem:     memory.Heap{},
		pending: make(map[int32]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// nextID returns the next free positive message id, wrapping around before
// the int32 limit.
func (c *Client) nextID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.lastID++
		if c.lastID <= 0 {
			c.lastID = 1
		}
		if _, busy := c.pending[c.lastID]; !busy {
			return c.lastID
		}
	}
}

func (c *Client) newRequest(id int32, control bool) *Request {
	w := fbm.NewMessage(c.mem, c.opts.bufferSize, c.enc)
	_ = w.Reset(id)
	r := &Request{w: w, control: control}
	if control {
		r.tag = strconv.FormatUint(c.ctrlSeq.Add(1), 10)
		_ = w.WriteHeader(HeaderObjectID, r.tag)
	}
	return r
}

// NewRequest returns a request carrying a fresh message id.
func (c *Client) NewRequest() *Request {
	return c.newRequest(c.nextID(), false)
}

// NewControlRequest returns a request addressed to the control channel.
func (c *Client) NewControlRequest() *Request {
	return c.newRequest(fbm.ControlFrameID, true)
}

// Send writes req and waits for its response. req is consumed. If ctx ends
// first the response, when it arrives, is discarded.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.sent {
		return nil, ErrSent
	}
	defer req.Free()

	if req.control {
		c.ctrlMu.Lock()
		defer c.ctrlMu.Unlock()
	}

	id := req.ID()
	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if req.control {
		c.ctrlWait = ch
		c.ctrlTag = req.tag
	} else {
		c.pending[id] = ch
	}
	c.mu.Unlock()

	if err := c.write(ctx, req); err != nil {
		c.forget(id, req.control)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(id, req.control)
		return nil, ctx.Err()
	case <-c.done:
		// The response may have arrived just before the read loop
		// stopped.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, c.closeErr()
	}
}

// SendControl sends a control request with the given action header.
func (c *Client) SendControl(ctx context.Context, action string) (*Response, error) {
	req := c.NewControlRequest()
	if err := req.SetHeader(HeaderAction, action); err != nil {
		req.Free()
		return nil, err
	}
	return c.Send(ctx, req)
}

func (c *Client) forget(id int32, control bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if control {
		c.ctrlWait = nil
		c.ctrlTag = ""
	} else {
		delete(c.pending, id)
	}
}

// write streams the request segments as fragments of one message. A
// failure after the first fragment leaves the stream unusable, so it
// closes the client.
func (c *Client) write(ctx context.Context, req *Request) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	segs, err := req.w.Segments()
	if err != nil {
		return err
	}
	started := false
	for {
		seg, err := segs.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if started {
				c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return err
		}
		if err := c.conn.Send(ctx, seg, listener.FrameBinary, !segs.More()); err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return err
		}
		started = true
	}
}

func (c *Client) readLoop() {
	buf := make([]byte, c.opts.bufferSize)
	var msg []byte
	for {
		n, final, ft, err := c.conn.Receive(context.Background(), buf)
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		if ft == listener.FrameClose {
			c.fail(ErrClosed)
			return
		}
		if len(msg)+n > c.opts.maxMessageSize {
			c.conn.Close(listener.CloseMessageTooBig, "")
			c.fail(ErrTooLarge)
			return
		}
		msg = append(msg, buf[:n]...)
		if !final {
			continue
		}
		if len(msg) > 0 {
			c.deliver(msg)
		}
		msg = nil
	}
}

func (c *Client) deliver(data []byte) {
	r := fbm.NewRequest(c.mem, defaultHeaderBuffer, c.enc)
	r.Prepare()
	defer r.Release()
	r.Bind(data, "")
	if r.ParseStatus&fbm.InvalidID != 0 {
		return
	}
	resp := &Response{
		ID:          r.MessageID,
		Headers:     append([]Header(nil), r.Headers...),
		ContentType: r.ContentType(),
		Body:        r.Body(),
	}

	c.mu.Lock()
	var ch chan *Response
	if r.IsControl() {
		// Untagged replies come from servers that do not echo the tag
		// and go to whoever is waiting.
		tag, tagged := r.Header(HeaderObjectID)
		if c.ctrlWait != nil && (!tagged || tag == c.ctrlTag) {
			ch, c.ctrlWait = c.ctrlWait, nil
		}
	} else {
		ch = c.pending[r.MessageID]
		delete(c.pending, r.MessageID)
	}
	c.mu.Unlock()

	// Late responses to abandoned requests are dropped.
	if ch != nil {
		ch <- resp
	}
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	clear(c.pending)
	c.ctrlWait = nil
	close(c.done)
	c.conn.Close(listener.CloseNormal, "")
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close(listener.CloseNormal, "")
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// ---------------------------------------------------------------------------
// Store helpers
// ---------------------------------------------------------------------------

// Object is a stored object as returned by Get.
type Object struct {
	ID          string
	ContentType ContentType
	Data        []byte
}

func (c *Client) do(ctx context.Context, action, id string, build func(*Request) error) (*Response, error) {
	req := c.NewRequest()
	err := req.SetHeader(HeaderAction, action)
	if err == nil && id != "" {
		err = req.SetHeader(HeaderObjectID, id)
	}
	if err == nil && build != nil {
		err = build(req)
	}
	if err != nil {
		req.Free()
		return nil, err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Get fetches the object stored under id.
func (c *Client) Get(ctx context.Context, id string) (*Object, error) {
	resp, err := c.do(ctx, store.ActionGet, id, nil)
	if err != nil {
		return nil, err
	}
	return &Object{ID: id, ContentType: resp.ContentType, Data: resp.Body}, nil
}

// Upsert stores data under id, creating or replacing it.
func (c *Client) Upsert(ctx context.Context, id string, data []byte, ct ContentType) error {
	_, err := c.do(ctx, store.ActionUpsert, id, func(r *Request) error {
		return r.SetBody(data, ct)
	})
	return err
}

// Rename stores data under newID and removes id, atomically with respect to
// other requests on either id.
func (c *Client) Rename(ctx context.Context, id, newID string, data []byte, ct ContentType) error {
	_, err := c.do(ctx, store.ActionUpsert, id, func(r *Request) error {
		if err := r.SetHeader(HeaderNewObjectID, newID); err != nil {
			return err
		}
		return r.SetBody(data, ct)
	})
	return err
}

// Delete removes the object stored under id.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, store.ActionDelete, id, nil)
	return err
}

// Ping round-trips a control ping.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.SendControl(ctx, store.ControlPing)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Stats is the server's stats control response.
type Stats struct {
	Store       store.Stats       `json:"store"`
	Connections int64             `json:"connections"`
	Memory      *memory.PoolStats `json:"memory,omitempty"`
}

// Stats fetches server statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	resp, err := c.SendControl(ctx, store.ControlStats)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var st Stats
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return nil, fmt.Errorf("fbmd: decoding stats: %w", err)
	}
	return &st, nil
}
