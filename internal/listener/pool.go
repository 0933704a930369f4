package listener

import (
	"code.hybscloud.com/lfq"

	"github.com/mtingers/fbmd/internal/fbm"
)

// contextPool is the per-connection free list of idle contexts. Message
// goroutines of one connection rent and return concurrently.
type contextPool struct {
	q     lfq.Queue[*fbm.Context]
	guard poolGuard
}

func newContextPool(size int) *contextPool {
	return &contextPool{q: lfq.NewMPMC[*fbm.Context](max(size, 2))}
}

// get returns an idle context, or an iox would-block error when empty.
func (p *contextPool) get() (*fbm.Context, error) {
	p.guard.lock()
	defer p.guard.unlock()
	return p.q.Dequeue()
}

// put stores c, or returns an iox would-block error when full.
func (p *contextPool) put(c *fbm.Context) error {
	p.guard.lock()
	defer p.guard.unlock()
	return p.q.Enqueue(&c)
}
