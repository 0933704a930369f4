package fbm

import (
	"bytes"
	"io"
)

// MessageBody is a streamed response body. Remaining must report the exact
// number of bytes still to be read; the segment stream relies on it to mark
// the final frame.
type MessageBody interface {
	io.Reader
	ContentType() ContentType
	Remaining() int64
	Close() error
}

type readerBody struct {
	r         io.Reader
	ct        ContentType
	remaining int64
}

// NewBody wraps r as a body of exactly size bytes. Reads stop at size even
// if r has more data. Close closes r when it is an io.Closer.
func NewBody(ct ContentType, r io.Reader, size int64) MessageBody {
	return &readerBody{r: io.LimitReader(r, size), ct: ct, remaining: size}
}

// NewBytesBody returns a body backed by data.
func NewBytesBody(ct ContentType, data []byte) MessageBody {
	return NewBody(ct, bytes.NewReader(data), int64(len(data)))
}

func (b *readerBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *readerBody) ContentType() ContentType { return b.ct }

func (b *readerBody) Remaining() int64 { return b.remaining }

func (b *readerBody) Close() error {
	b.remaining = 0
	if lr, ok := b.r.(*io.LimitedReader); ok {
		if c, ok := lr.R.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
