package fbm

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/mtingers/fbmd/internal/buffer"
)

var (
	ErrUnknownEncoding     = errors.New("fbm: unknown header encoding")
	ErrIncompatibleCharset = errors.New("fbm: header encoding is not ASCII-compatible")
	ErrHeaderOverflow      = errors.New("fbm: header does not fit in the message buffer")
	ErrInvalidHeaderValue  = errors.New("fbm: header value contains a line terminator")
	ErrInvalidCommand      = errors.New("fbm: invalid header command")
)

const lineTerm = '\n'

// asciiProbe must transcode to itself in both directions for an encoding to
// be usable: framing splits header lines on the raw '\n' byte and command
// bytes are ASCII digits.
const asciiProbe = "\n0123456789 -_./:azAZ"

// ResolveEncoding looks up a header character encoding by IANA name. UTF-8
// (and the empty name) resolve to nil, which every codec function treats as
// a byte-for-byte copy.
func ResolveEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownEncoding, name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %q is not supported", ErrUnknownEncoding, name)
	}
	if !asciiCompatible(enc) {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleCharset, name)
	}
	return enc, nil
}

func asciiCompatible(enc encoding.Encoding) bool {
	out, err := enc.NewEncoder().Bytes([]byte(asciiProbe))
	if err != nil || string(out) != asciiProbe {
		return false
	}
	back, err := enc.NewDecoder().Bytes([]byte(asciiProbe))
	return err == nil && string(back) == asciiProbe
}

// ParseMessageID parses the id line at the start of data. It returns the id,
// the offset of the first byte after the line, and whether the id is usable
// (positive, or the control sentinel).
func ParseMessageID(data []byte) (id int32, next int, ok bool) {
	nl := bytes.IndexByte(data, lineTerm)
	if nl <= 0 {
		return 0, 0, false
	}
	line := data[:nl]
	neg := false
	if line[0] == '-' {
		neg = true
		line = line[1:]
		if len(line) == 0 {
			return 0, 0, false
		}
	}
	var v int64
	for _, c := range line {
		if c < '0' || c > '9' {
			return 0, 0, false
		}
		v = v*10 + int64(c-'0')
		if v > math.MaxInt32+1 {
			return 0, 0, false
		}
	}
	if neg {
		v = -v
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, 0, false
	}
	id = int32(v)
	return id, nl + 1, id > 0 || id == ControlFrameID
}

// WriteMessageID writes the id line.
func WriteMessageID(w *buffer.Window, id int32) error {
	var tmp [12]byte
	b := strconv.AppendInt(tmp[:0], int64(id), 10)
	b = append(b, lineTerm)
	if _, err := w.Write(b); err != nil {
		return ErrHeaderOverflow
	}
	return nil
}

// WriteHeader appends one header line. Either the whole line is written or
// the window is left unchanged. The encoded value may not contain the line
// terminator, whatever the source text looked like.
func WriteHeader(w *buffer.Window, enc *encoding.Encoder, cmd HeaderCommand, value string) error {
	if cmd == lineTerm {
		return ErrInvalidCommand
	}
	if strings.IndexByte(value, lineTerm) >= 0 {
		return ErrInvalidHeaderValue
	}
	rem := w.Remaining()
	if len(rem) < 2 {
		return ErrHeaderOverflow
	}
	n, err := encodeValue(enc, value, rem[1:len(rem)-1])
	if err != nil {
		return err
	}
	rem[0] = byte(cmd)
	rem[1+n] = lineTerm
	w.Advance(n + 2)
	return nil
}

// WriteTermination ends the header section.
func WriteTermination(w *buffer.Window) error {
	if err := w.WriteByte(lineTerm); err != nil {
		return ErrHeaderOverflow
	}
	return nil
}

func encodeValue(enc *encoding.Encoder, value string, dst []byte) (int, error) {
	if enc == nil {
		if len(value) > len(dst) {
			return 0, ErrHeaderOverflow
		}
		return copy(dst, value), nil
	}
	enc.Reset()
	n, _, err := enc.Transform(dst, []byte(value), true)
	switch {
	case errors.Is(err, transform.ErrShortDst):
		return 0, ErrHeaderOverflow
	case err != nil:
		return 0, fmt.Errorf("fbm: encode header value: %w", err)
	}
	if bytes.IndexByte(dst[:n], lineTerm) >= 0 {
		return 0, ErrInvalidHeaderValue
	}
	return n, nil
}

// decodeValue returns transform.ErrShortDst when dst is too small and the
// decoder's error for undecodable input.
func decodeValue(dec *encoding.Decoder, raw, dst []byte) (int, error) {
	if dec == nil {
		if len(raw) > len(dst) {
			return 0, transform.ErrShortDst
		}
		return copy(dst, raw), nil
	}
	dec.Reset()
	n, _, err := dec.Transform(dst, raw, true)
	return n, err
}
