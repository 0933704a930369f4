package fbm

import (
	"io"
)

type segmentState uint8

const (
	headersNotRead segmentState = iota
	dataRemaining
	exhausted
)

// Segments yields an outbound message as a sequence of byte slices sized to
// the writer's window. The first segment carries the headers with as much of
// a streamed body as fits after them; each later segment reuses the window
// for the next run of body bytes.
//
// A returned slice is only valid until the next call to Next. The consumer
// is expected to fully send a segment before asking for the next one.
type Segments struct {
	w     *Writer
	state segmentState
}

// Next returns the next segment, or io.EOF once the message is exhausted.
func (s *Segments) Next() ([]byte, error) {
	w := s.w
	switch s.state {
	case headersNotRead:
	case dataRemaining:
		w.win.Reset()
	default:
		return nil, io.EOF
	}

	more, err := s.fill()
	if err != nil {
		s.state = exhausted
		w.closeBody()
		return nil, err
	}
	if more {
		s.state = dataRemaining
	} else {
		s.state = exhausted
		w.closeBody()
	}
	return w.win.Accumulated(), nil
}

// More reports whether another call to Next will yield a segment. After
// Next, !More() means the returned segment is the final one.
func (s *Segments) More() bool {
	return s.w != nil && s.state != exhausted
}

// fill reads body bytes into the free part of the window and reports
// whether body data remains afterwards.
func (s *Segments) fill() (bool, error) {
	w := s.w
	body := w.body
	if body == nil {
		return false, nil
	}
	for body.Remaining() > 0 {
		rem := w.win.Remaining()
		if len(rem) == 0 {
			return true, nil
		}
		n, err := body.Read(rem)
		w.win.Advance(n)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.ErrNoProgress
		}
	}
	return false, nil
}
