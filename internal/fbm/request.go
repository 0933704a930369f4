package fbm

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/mtingers/fbmd/internal/memory"
)

// ParseError reports a message that did not parse cleanly. It is what the
// listener hands to its invalid-message hook.
type ParseError struct {
	MessageID int32
	Status    ParseStatus
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fbm: message %d parse error: %s", e.MessageID, e.Status)
}

// Request is a parsed inbound message. It is reusable: Prepare allocates the
// header character buffer, Bind parses one message, Release frees buffers.
//
// The raw message bytes passed to Bind stay owned by the caller and must
// remain valid until the next Bind or Release.
type Request struct {
	MessageID    int32
	ConnectionID string
	Headers      []Header
	ParseStatus  ParseStatus

	mem        memory.Manager
	enc        encoding.Encoding
	dec        *encoding.Decoder
	headerSize int
	charBuf    []byte
	data       []byte
	bodyOffset int
}

// NewRequest creates an unprepared request whose decoded header values may
// use at most headerBufferSize bytes. A nil enc means UTF-8.
func NewRequest(mem memory.Manager, headerBufferSize int, enc encoding.Encoding) *Request {
	return &Request{mem: mem, headerSize: headerBufferSize, enc: enc}
}

// Prepare readies a pooled request for use.
func (r *Request) Prepare() {
	if r.charBuf == nil {
		r.charBuf = r.mem.AllocBuffer(r.headerSize)
	}
	if r.enc != nil && r.dec == nil {
		r.dec = r.enc.NewDecoder()
	}
}

// Release drops references and frees the header buffer. It always reports
// the object as reusable.
func (r *Request) Release() bool {
	r.reset()
	if r.charBuf != nil {
		r.mem.FreeBuffer(r.charBuf)
		r.charBuf = nil
	}
	return true
}

func (r *Request) reset() {
	r.MessageID = 0
	r.ConnectionID = ""
	clear(r.Headers)
	r.Headers = r.Headers[:0]
	r.ParseStatus = 0
	r.data = nil
	r.bodyOffset = 0
}

// Bind parses data as one message. Problems are reported through
// ParseStatus rather than an error.
func (r *Request) Bind(data []byte, connID string) {
	r.reset()
	r.data = data
	r.ConnectionID = connID

	id, next, ok := ParseMessageID(data)
	r.MessageID = id
	if !ok {
		r.ParseStatus |= InvalidID
		r.bodyOffset = len(data)
		return
	}
	r.bodyOffset = r.parseHeaders(next)
}

// parseHeaders reads header lines starting at pos and returns the offset of
// the body.
func (r *Request) parseHeaders(pos int) int {
	data := r.data
	used := 0
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], lineTerm)
		if nl < 0 {
			break
		}
		line := data[pos : pos+nl]
		pos += nl + 1
		if len(line) == 0 {
			return pos
		}
		if r.ParseStatus&HeaderOutOfMem != 0 {
			// Keep scanning for the terminator so the body offset
			// is still correct.
			continue
		}
		n, err := decodeValue(r.dec, line[1:], r.charBuf[used:])
		if errors.Is(err, transform.ErrShortDst) {
			r.ParseStatus |= HeaderOutOfMem
			continue
		}
		if err != nil {
			r.ParseStatus |= InvalidHeaderRead
			continue
		}
		r.Headers = append(r.Headers, Header{
			Cmd:   HeaderCommand(line[0]),
			Value: string(r.charBuf[used : used+n]),
		})
		used += n
	}
	r.ParseStatus |= InvalidHeaderRead
	return len(data)
}

// IsControl reports whether the message is an out-of-band control frame.
func (r *Request) IsControl() bool { return r.MessageID == ControlFrameID }

// Err returns a *ParseError if the message did not parse cleanly.
func (r *Request) Err() error {
	if r.ParseStatus == 0 {
		return nil
	}
	return &ParseError{MessageID: r.MessageID, Status: r.ParseStatus}
}

// Header returns the value of the first header with command cmd.
func (r *Request) Header(cmd HeaderCommand) (string, bool) {
	for _, h := range r.Headers {
		if h.Cmd == cmd {
			return h.Value, true
		}
	}
	return "", false
}

// ContentType returns the parsed Content-Type header, or ContentNone.
func (r *Request) ContentType() ContentType {
	v, ok := r.Header(HeaderContentType)
	if !ok {
		return ContentNone
	}
	return ParseContentType(v)
}

// Body returns the message body. The slice aliases the bound message.
func (r *Request) Body() []byte { return r.data[r.bodyOffset:] }

// BodyReader returns a reader over Body.
func (r *Request) BodyReader() *bytes.Reader { return bytes.NewReader(r.Body()) }

// BodyOffset returns where header parsing stopped.
func (r *Request) BodyOffset() int { return r.bodyOffset }
