// Package stream defines the frame model exchanged between the engine and its
// transports, and the collaborator contracts (router, identifier supplier,
// message writer) the engine is written against.
package stream

import (
	"fmt"
	"strings"
)

// FrameType identifies the kind of a frame on a stream.
type FrameType uint8

const (
	FrameBegin FrameType = iota + 1
	FrameData
	FrameEnd
	FrameReset
	FrameWindow
)

func (t FrameType) String() string {
	switch t {
	case FrameBegin:
		return "begin"
	case FrameData:
		return "data"
	case FrameEnd:
		return "end"
	case FrameReset:
		return "reset"
	case FrameWindow:
		return "window"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// FlagEndOfMessage marks the last frame of an HTTP message on a stream that
// carries several messages, such as a pooled upstream connection or a
// downstream connection with pipelined requests. End closes the stream itself.
const FlagEndOfMessage uint8 = 0x01

// Pseudo-header names carried on HTTP begin frames.
const (
	HeaderMethod    = ":method"
	HeaderScheme    = ":scheme"
	HeaderAuthority = ":authority"
	HeaderPath      = ":path"
	HeaderStatus    = ":status"
)

// Header is a single HTTP header field. Pseudo-headers start with ':'.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header block.
type Headers []Header

// Get returns the first value for name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value recorded for name.
func (h Headers) Values(name string) []string {
	var vs []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// EncodedSize is the number of bytes the block occupies once rendered as
// HTTP/1.1 header lines ("name: value\r\n"), including the terminating CRLF.
func (h Headers) EncodedSize() int {
	n := 2
	for _, f := range h {
		n += len(f.Name) + len(f.Value) + 4
	}
	return n
}

// Frame is one message on a stream. Begin frames carry HTTP headers when they
// open an HTTP message; Window frames carry credit; Data frames carry payload.
type Frame struct {
	Type          FrameType
	Flags         uint8
	StreamID      uint64
	Ref           uint64
	CorrelationID uint64
	Credit        int
	Payload       []byte
	Headers       Headers
}

// EndOfMessage reports whether the frame completes an HTTP message.
func (f Frame) EndOfMessage() bool {
	return f.Flags&FlagEndOfMessage != 0
}

// MessageConsumer receives frames. Targets and throttles are both consumers.
type MessageConsumer func(f Frame)
