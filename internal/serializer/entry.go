package serializer

import "sync/atomic"

// Waiter node states. A node leaves nodeWaiting exactly once, either through
// grant (Release handing off access) or cancel (the waiter's ctx firing).
const (
	nodeWaiting uint32 = iota
	nodeGranted
	nodeCancelled
)

// taskNode is a queued waiter. ready is closed when access is granted.
type taskNode struct {
	next  *taskNode
	state atomic.Uint32
	ready chan struct{}
}

func newTaskNode() *taskNode {
	return &taskNode{ready: make(chan struct{})}
}

// grant hands access to the waiter. It fails if the waiter already gave up.
func (n *taskNode) grant() bool {
	if !n.state.CompareAndSwap(nodeWaiting, nodeGranted) {
		return false
	}
	close(n.ready)
	return true
}

// cancel marks the node abandoned. It fails if access was already granted.
func (n *taskNode) cancel() bool {
	return n.state.CompareAndSwap(nodeWaiting, nodeCancelled)
}

// releaseToken carries the waiter chosen by exitWait out of the store lock.
type releaseToken struct {
	next *taskNode
}

// release starts the next waiter, if any. A false return means the chosen
// waiter was cancelled after it was dequeued and the release must be retried.
func (t releaseToken) release() bool {
	if t.next == nil {
		return true
	}
	return t.next.grant()
}

// waitEntry is the state of one hot key. waitCount counts the holder plus
// every queued waiter; the holder never has a node.
//
// All methods must be called with the serializer's store lock held.
type waitEntry[K comparable] struct {
	key       K
	waitCount uint32
	head      *taskNode
	tail      *taskNode
}

func (e *waitEntry[K]) prepare(key K) {
	e.key = key
	e.waitCount = 0
	e.head = nil
	e.tail = nil
}

// scheduleWait registers a new waiter. The first waiter gets nil and owns
// the key immediately; later waiters get a queued node to block on.
func (e *waitEntry[K]) scheduleWait() *taskNode {
	e.waitCount++
	if e.waitCount == 1 {
		return nil
	}
	n := newTaskNode()
	if e.tail == nil {
		e.head = n
	} else {
		e.tail.next = n
	}
	e.tail = n
	return n
}

// exitWait accounts for the departing holder and dequeues its successor.
func (e *waitEntry[K]) exitWait() releaseToken {
	e.waitCount--
	n := e.head
	if n != nil {
		e.head = n.next
		if e.head == nil {
			e.tail = nil
		}
		n.next = nil
	}
	return releaseToken{next: n}
}

// onCancelled unlinks n if it is still queued, preserving the order of the
// remaining nodes. It reports whether n was found; a node that was already
// dequeued is accounted for by the releasing side instead.
func (e *waitEntry[K]) onCancelled(n *taskNode) bool {
	var prev *taskNode
	for cur := e.head; cur != nil; prev, cur = cur, cur.next {
		if cur != n {
			continue
		}
		if prev == nil {
			e.head = cur.next
		} else {
			prev.next = cur.next
		}
		if e.tail == cur {
			e.tail = prev
		}
		cur.next = nil
		e.waitCount--
		return true
	}
	return false
}

// queued returns the number of nodes waiting behind the holder.
func (e *waitEntry[K]) queued() int {
	if e.waitCount == 0 {
		return 0
	}
	return int(e.waitCount) - 1
}
