// Package buffer implements the sliding-window accumulator used to stage
// outbound frames.
package buffer

import (
	"errors"
	"fmt"

	"github.com/mtingers/fbmd/internal/memory"
)

// ErrWindowFull is returned when a write does not fit in the remaining
// window capacity.
var ErrWindowFull = errors.New("buffer: window full")

// Window is a fixed-capacity buffer with a movable [start, end) window.
// Writes land at end; readers consume from start. Reset collapses the window
// so the buffer can be reused without reallocation.
//
// Invariant: 0 <= start <= end <= len(buf).
type Window struct {
	mem   memory.Manager
	buf   []byte
	start int
	end   int
}

// New allocates a window of size bytes from mem.
func New(mem memory.Manager, size int) *Window {
	if size <= 0 {
		panic(fmt.Sprintf("buffer: invalid window size %d", size))
	}
	return &Window{mem: mem, buf: mem.AllocBuffer(size)}
}

// Buffer returns the whole backing buffer.
func (w *Window) Buffer() []byte { return w.buf }

// Cap returns the total capacity of the window.
func (w *Window) Cap() int { return len(w.buf) }

func (w *Window) Start() int { return w.start }

func (w *Window) End() int { return w.end }

// Len returns the number of accumulated bytes.
func (w *Window) Len() int { return w.end - w.start }

// Remaining returns the unwritten tail of the buffer.
func (w *Window) Remaining() []byte { return w.buf[w.end:] }

// Accumulated returns the bytes between start and end.
func (w *Window) Accumulated() []byte { return w.buf[w.start:w.end] }

// Advance extends the window end by n bytes after a direct write into
// Remaining.
func (w *Window) Advance(n int) {
	if n < 0 || w.end+n > len(w.buf) {
		panic(fmt.Sprintf("buffer: advance %d past capacity (end=%d cap=%d)", n, w.end, len(w.buf)))
	}
	w.end += n
}

// AdvanceStart consumes n accumulated bytes.
func (w *Window) AdvanceStart(n int) {
	if n < 0 || w.start+n > w.end {
		panic(fmt.Sprintf("buffer: advance start %d past end (start=%d end=%d)", n, w.start, w.end))
	}
	w.start += n
}

// Reset collapses both bounds to zero.
func (w *Window) Reset() {
	w.start = 0
	w.end = 0
}

// Write appends p to the window. Partial writes never happen: either all of
// p fits or ErrWindowFull is returned and the window is unchanged.
func (w *Window) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.end {
		return 0, ErrWindowFull
	}
	n := copy(w.buf[w.end:], p)
	w.end += n
	return n, nil
}

// WriteString is Write for strings without an intermediate allocation.
func (w *Window) WriteString(s string) (int, error) {
	if len(s) > len(w.buf)-w.end {
		return 0, ErrWindowFull
	}
	n := copy(w.buf[w.end:], s)
	w.end += n
	return n, nil
}

func (w *Window) WriteByte(b byte) error {
	if w.end >= len(w.buf) {
		return ErrWindowFull
	}
	w.buf[w.end] = b
	w.end++
	return nil
}

// Free returns the backing buffer to the memory manager. The window must not
// be used afterwards.
func (w *Window) Free() {
	if w.buf != nil {
		w.mem.FreeBuffer(w.buf)
		w.buf = nil
	}
	w.start, w.end = 0, 0
}
