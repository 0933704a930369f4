package listener

import (
	"time"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/memory"
)

const (
	DefaultRecvBufferSize      = 4096
	DefaultMaxHeaderBufferSize = 4096
	DefaultResponseBufferSize  = 16 * 1024
	DefaultMaxMessageSize      = 1 << 20
	DefaultSendTimeout         = 10 * time.Second
	DefaultContextPoolSize     = 64
)

// Options configures a Listener. Zero fields take the defaults above.
type Options struct {
	// RecvBufferSize is the size of the fixed buffer each transport read
	// lands in.
	RecvBufferSize int
	// MaxHeaderBufferSize bounds the decoded header values of one request.
	MaxHeaderBufferSize int
	// ResponseBufferSize is the response window, which is also the largest
	// outbound frame.
	ResponseBufferSize int
	// HeaderEncoding is an IANA charset name; empty means UTF-8.
	HeaderEncoding string
	// MaxMessageSize caps a reassembled inbound message. Exceeding it closes
	// the connection with CloseMessageTooBig.
	MaxMessageSize int
	// SendTimeout bounds the wait for the per-connection send lock and each
	// outbound frame write.
	SendTimeout time.Duration
	// ContextPoolSize is how many idle contexts a connection keeps.
	ContextPoolSize int
	Memory          memory.Manager
	Observer        Observer
}

func (o Options) withDefaults() Options {
	if o.RecvBufferSize <= 0 {
		o.RecvBufferSize = DefaultRecvBufferSize
	}
	if o.MaxHeaderBufferSize <= 0 {
		o.MaxHeaderBufferSize = DefaultMaxHeaderBufferSize
	}
	if o.ResponseBufferSize <= 0 {
		o.ResponseBufferSize = DefaultResponseBufferSize
	}
	if o.ResponseBufferSize < fbm.MinBufferSize {
		o.ResponseBufferSize = fbm.MinBufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ContextPoolSize <= 0 {
		o.ContextPoolSize = DefaultContextPoolSize
	}
	if o.Memory == nil {
		o.Memory = memory.Heap{}
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Observer receives per-message events, typically to feed metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	MessageReceived(size int)
	MessageRejected(reason string)
	MessageHandled(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) MessageReceived(int)                 {}
func (nopObserver) MessageRejected(string)              {}
func (nopObserver) MessageHandled(time.Duration, error) {}

// Rejection reasons passed to Observer.MessageRejected.
const (
	RejectTooBig    = "too_big"
	RejectEmpty     = "empty"
	RejectInvalid   = "invalid"
	RejectNoControl = "no_control_handler"
)
