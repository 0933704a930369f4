//go:build race

package listener

import "sync"

// poolGuard serializes pool access in race builds. The detector cannot see
// the ordering lfq gets from its assembly atomics and reports the slot
// hand-off as a race; the mutex gives it a happens-before edge it can see.
type poolGuard struct{ mu sync.Mutex }

func (g *poolGuard) lock()   { g.mu.Lock() }
func (g *poolGuard) unlock() { g.mu.Unlock() }
