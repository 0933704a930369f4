package fbm

import (
	"golang.org/x/text/encoding"

	"github.com/mtingers/fbmd/internal/memory"
)

// Options sizes the buffers of a Context.
type Options struct {
	Memory              memory.Manager
	MaxHeaderBufferSize int
	ResponseBufferSize  int
	// Encoding of header values; nil means UTF-8.
	Encoding encoding.Encoding
}

// Context pairs a request with the response that answers it. A Context is
// either idle in a pool or owned by exactly one in-flight message.
type Context struct {
	Request  *Request
	Response *Response
}

// NewContext creates an unprepared context.
func NewContext(o Options) *Context {
	mem := o.Memory
	if mem == nil {
		mem = memory.Heap{}
	}
	return &Context{
		Request:  NewRequest(mem, o.MaxHeaderBufferSize, o.Encoding),
		Response: NewResponse(mem, o.ResponseBufferSize, o.Encoding),
	}
}

// Prepare allocates the buffers of both halves.
func (c *Context) Prepare() {
	c.Request.Prepare()
	c.Response.Prepare()
}

// Release frees both halves.
func (c *Context) Release() bool {
	reqOK := c.Request.Release()
	respOK := c.Response.Release()
	return reqOK && respOK
}

// Bind parses data as the request and starts the response under the same
// message id so the peer can correlate them.
func (c *Context) Bind(data []byte, connID string) error {
	c.Request.Bind(data, connID)
	return c.Response.Reset(c.Request.MessageID)
}
