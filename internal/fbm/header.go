// Package fbm implements the Fragmented Binary Messaging frame format and the
// reusable request/response objects built on it.
//
// A message on the wire is
//
//	<message id, decimal ASCII>\n
//	<command byte><header value>\n   (zero or more)
//	\n
//	<body bytes to the end of the message>
//
// Request and Response are named from the server's point of view: a Request
// is a parsed inbound message and a Response is an outbound message being
// built. The client package uses the same types in the other direction.
package fbm

import (
	"strings"
)

// ControlFrameID is the reserved message id of out-of-band control frames.
const ControlFrameID int32 = -500

// HeaderCommand identifies a header. Any byte other than '\n' is legal on the
// wire; the well-known commands use printable digits so frames stay readable
// in captures.
type HeaderCommand byte

const (
	HeaderNotUsed     HeaderCommand = 0
	HeaderAction      HeaderCommand = '1'
	HeaderLocation    HeaderCommand = '2'
	HeaderContentType HeaderCommand = '3'
	HeaderStatus      HeaderCommand = '4'
	HeaderObjectID    HeaderCommand = '5'
	HeaderNewObjectID HeaderCommand = '6'
)

// Header is one parsed header line.
type Header struct {
	Cmd   HeaderCommand
	Value string
}

// ParseStatus is a bitmask describing problems found while parsing a
// message. The zero value means the message parsed cleanly.
type ParseStatus uint8

const (
	// InvalidID: the id line is missing, not a number, or not positive
	// (and not ControlFrameID). Always fatal to the message.
	InvalidID ParseStatus = 1 << iota
	// HeaderOutOfMem: decoded header values exceeded the header buffer.
	// Headers past the overflow are dropped.
	HeaderOutOfMem
	// InvalidHeaderRead: the message ended before the header terminator,
	// or a header value could not be decoded. Undecodable headers are
	// dropped.
	InvalidHeaderRead
)

func (s ParseStatus) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s&InvalidID != 0 {
		parts = append(parts, "invalid_id")
	}
	if s&HeaderOutOfMem != 0 {
		parts = append(parts, "header_out_of_mem")
	}
	if s&InvalidHeaderRead != 0 {
		parts = append(parts, "invalid_header_read")
	}
	return strings.Join(parts, "|")
}

// ContentType enumerates the body types the protocol names in its
// Content-Type header.
type ContentType uint8

const (
	ContentNone ContentType = iota
	ContentBinary
	ContentJSON
	ContentText
	ContentXML
	ContentHTML
	ContentMsgPack
	ContentCSV
)

var contentTypeMIME = [...]string{
	ContentNone:    "",
	ContentBinary:  "application/octet-stream",
	ContentJSON:    "application/json",
	ContentText:    "text/plain",
	ContentXML:     "application/xml",
	ContentHTML:    "text/html",
	ContentMsgPack: "application/msgpack",
	ContentCSV:     "text/csv",
}

// MIME returns the media type string written on the wire.
func (c ContentType) MIME() string {
	if int(c) < len(contentTypeMIME) {
		return contentTypeMIME[c]
	}
	return contentTypeMIME[ContentBinary]
}

func (c ContentType) String() string {
	if c == ContentNone {
		return "none"
	}
	return c.MIME()
}

// ParseContentType maps a media type back to a ContentType. Parameters such
// as "; charset=utf-8" are ignored. Unknown types map to ContentBinary.
func ParseContentType(s string) ContentType {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ContentNone
	}
	for ct, mime := range contentTypeMIME {
		if ct != int(ContentNone) && strings.EqualFold(mime, s) {
			return ContentType(ct)
		}
	}
	return ContentBinary
}
