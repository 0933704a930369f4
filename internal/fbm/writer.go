package fbm

import (
	"errors"
	"io"

	"golang.org/x/text/encoding"

	"github.com/mtingers/fbmd/internal/buffer"
	"github.com/mtingers/fbmd/internal/memory"
)

var (
	ErrBodyAlreadySet = errors.New("fbm: message body already set")
	ErrNotPrepared    = errors.New("fbm: message buffer not prepared")
)

// MinBufferSize is the smallest usable outbound buffer: enough for any id
// line, a short header and the terminator.
const MinBufferSize = 64

// Writer builds an outbound message in a fixed-size window and streams it
// out as a sequence of segments.
type Writer struct {
	mem     memory.Manager
	size    int
	enc     encoding.Encoding
	encoder *encoding.Encoder

	win         *buffer.Window
	messageID   int32
	body        MessageBody
	headersDone bool
	segs        Segments
}

func newWriter(mem memory.Manager, size int, enc encoding.Encoding) Writer {
	if size < MinBufferSize {
		size = MinBufferSize
	}
	return Writer{mem: mem, size: size, enc: enc}
}

func (w *Writer) prepare() {
	if w.win == nil {
		w.win = buffer.New(w.mem, w.size)
	}
	if w.enc != nil && w.encoder == nil {
		w.encoder = w.enc.NewEncoder()
	}
}

func (w *Writer) release() {
	w.closeBody()
	if w.win != nil {
		w.win.Free()
		w.win = nil
	}
	w.messageID = 0
	w.headersDone = false
	w.segs = Segments{}
}

func (w *Writer) closeBody() {
	if w.body != nil {
		w.body.Close()
		w.body = nil
	}
}

// Reset discards any buffered content and starts a new message with id.
func (w *Writer) Reset(id int32) error {
	if w.win == nil {
		return ErrNotPrepared
	}
	w.closeBody()
	w.win.Reset()
	w.headersDone = false
	w.segs = Segments{}
	w.messageID = id
	return WriteMessageID(w.win, id)
}

// MessageID returns the id the message was last reset with.
func (w *Writer) MessageID() int32 { return w.messageID }

// WriteHeader appends a header. Headers cannot follow a body.
func (w *Writer) WriteHeader(cmd HeaderCommand, value string) error {
	if w.win == nil {
		return ErrNotPrepared
	}
	if w.headersDone {
		return ErrBodyAlreadySet
	}
	return WriteHeader(w.win, w.encoder, cmd, value)
}

// WriteBody sets the body from data. Small bodies are written inline after
// the headers; a body that does not fit the remaining buffer is streamed.
func (w *Writer) WriteBody(data []byte, ct ContentType) error {
	if err := w.beginBody(ct); err != nil {
		return err
	}
	if len(data) <= len(w.win.Remaining()) {
		w.win.Write(data)
		return nil
	}
	w.body = NewBytesBody(ct, data)
	return nil
}

// AddMessageBody sets a streamed body. Only the Content-Type header and the
// header terminator are written now; the body bytes are read while the
// segments are consumed. The writer owns body from here on and closes it.
func (w *Writer) AddMessageBody(body MessageBody) error {
	if err := w.beginBody(body.ContentType()); err != nil {
		body.Close()
		return err
	}
	w.body = body
	return nil
}

func (w *Writer) beginBody(ct ContentType) error {
	if w.win == nil {
		return ErrNotPrepared
	}
	if w.headersDone {
		return ErrBodyAlreadySet
	}
	if err := WriteHeader(w.win, w.encoder, HeaderContentType, ct.MIME()); err != nil {
		return err
	}
	if err := WriteTermination(w.win); err != nil {
		return err
	}
	w.headersDone = true
	return nil
}

// Segments terminates the header section if needed and returns the segment
// stream for the message. The stream is valid until the next Reset.
func (w *Writer) Segments() (*Segments, error) {
	if w.win == nil {
		return nil, ErrNotPrepared
	}
	if !w.headersDone {
		if err := WriteTermination(w.win); err != nil {
			return nil, err
		}
		w.headersDone = true
	}
	w.segs = Segments{w: w}
	return &w.segs, nil
}

// Bytes drains the segment stream into a single slice. Convenient for tests
// and small messages; the listener streams segments instead.
func (w *Writer) Bytes() ([]byte, error) {
	segs, err := w.Segments()
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		seg, err := segs.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, seg...)
	}
}

// Response is a reusable outbound message bound to a request id.
type Response struct {
	Writer
}

// NewResponse creates an unprepared response with a bufferSize-byte
// window. A nil enc means UTF-8.
func NewResponse(mem memory.Manager, bufferSize int, enc encoding.Encoding) *Response {
	return &Response{Writer: newWriter(mem, bufferSize, enc)}
}

// Prepare allocates the response window.
func (r *Response) Prepare() { r.prepare() }

// Release closes any pending body and frees the window.
func (r *Response) Release() bool {
	r.release()
	return true
}

// NewMessage creates a prepared standalone writer, as used by clients to
// build requests.
func NewMessage(mem memory.Manager, bufferSize int, enc encoding.Encoding) *Writer {
	w := newWriter(mem, bufferSize, enc)
	w.prepare()
	return &w
}

// Free releases a writer created with NewMessage.
func (w *Writer) Free() { w.release() }
