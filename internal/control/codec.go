package control

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/crypto/cryptobyte"

	"github.com/arsac/h1relay/internal/engine"
)

// MaxCommandSize is the largest encoded command accepted on the command channel.
const MaxCommandSize = 1024

var (
	// ErrCommandTooLarge is returned when an encoded command exceeds MaxCommandSize.
	ErrCommandTooLarge = errors.New("command exceeds maximum size")

	// ErrMalformedCommand is returned when a command cannot be decoded.
	ErrMalformedCommand = errors.New("malformed command")
)

// CommandType identifies a control command.
type CommandType uint8

const (
	CommandRoute CommandType = iota + 1
	CommandUnroute
)

func (t CommandType) String() string {
	switch t {
	case CommandRoute:
		return "route"
	case CommandUnroute:
		return "unroute"
	default:
		return fmt.Sprintf("command(%d)", uint8(t))
	}
}

// Command is a route or unroute request.
//
// Wire layout, big-endian:
//
//	type u8 | correlationId u64 | role u8 |
//	source str16 | sourceRef u64 | target str16 | targetRef u64 |
//	headers u16-length-prefixed { name str16 | value str16 }*
//
// where str16 is a u16 length followed by that many bytes. Headers are
// written in name order.
type Command struct {
	Type          CommandType
	CorrelationID uint64
	Role          engine.Role
	Source        string
	SourceRef     uint64
	Target        string
	TargetRef     uint64
	Headers       map[string]string
}

// Route returns the engine route the command describes.
func (c Command) Route() engine.Route {
	return engine.Route{
		Role:      c.Role,
		Source:    c.Source,
		SourceRef: c.SourceRef,
		Target:    c.Target,
		TargetRef: c.TargetRef,
		Headers:   c.Headers,
	}
}

// MarshalBinary encodes the command.
func (c Command) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(c.Type))
	b.AddUint64(c.CorrelationID)
	b.AddUint8(uint8(c.Role))
	addString(&b, c.Source)
	b.AddUint64(c.SourceRef)
	addString(&b, c.Target)
	b.AddUint64(c.TargetRef)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, name := range slices.Sorted(maps.Keys(c.Headers)) {
			addString(b, name)
			addString(b, c.Headers[name])
		}
	})

	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandTooLarge, err)
	}
	if len(out) > MaxCommandSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCommandTooLarge, len(out))
	}
	return out, nil
}

func addString(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

// UnmarshalCommand decodes a command produced by MarshalBinary.
func UnmarshalCommand(data []byte) (Command, error) {
	if len(data) > MaxCommandSize {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrCommandTooLarge, len(data))
	}

	var (
		c                       Command
		typ, role               uint8
		source, target, headers cryptobyte.String
	)
	s := cryptobyte.String(data)
	if !s.ReadUint8(&typ) ||
		!s.ReadUint64(&c.CorrelationID) ||
		!s.ReadUint8(&role) ||
		!s.ReadUint16LengthPrefixed(&source) ||
		!s.ReadUint64(&c.SourceRef) ||
		!s.ReadUint16LengthPrefixed(&target) ||
		!s.ReadUint64(&c.TargetRef) ||
		!s.ReadUint16LengthPrefixed(&headers) ||
		!s.Empty() {
		return Command{}, ErrMalformedCommand
	}

	c.Type = CommandType(typ)
	if c.Type != CommandRoute && c.Type != CommandUnroute {
		return Command{}, fmt.Errorf("%w: unknown type %d", ErrMalformedCommand, typ)
	}
	c.Role = engine.Role(role)
	if c.Role != engine.RoleServer && c.Role != engine.RoleClient {
		return Command{}, fmt.Errorf("%w: unknown role %d", ErrMalformedCommand, role)
	}
	c.Source = string(source)
	c.Target = string(target)

	for !headers.Empty() {
		var name, value cryptobyte.String
		if !headers.ReadUint16LengthPrefixed(&name) || !headers.ReadUint16LengthPrefixed(&value) {
			return Command{}, fmt.Errorf("%w: truncated headers", ErrMalformedCommand)
		}
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[string(name)] = string(value)
	}
	return c, nil
}
