package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/arsac/h1relay/internal/stream"
)

// DefaultSlotCapacity is the size of a buffer slot: the largest header block
// accepted, and the most request data held while a target has no window.
const DefaultSlotCapacity = 8192

var (
	// ErrHeadersTooLarge is returned when a header block exceeds the slot capacity.
	ErrHeadersTooLarge = errors.New("header block exceeds slot capacity")

	// ErrInvalidHeader is returned for header fields that are not valid HTTP/1.1.
	ErrInvalidHeader = errors.New("invalid header field")
)

var pseudoHeaders = map[string]bool{
	stream.HeaderMethod:    true,
	stream.HeaderScheme:    true,
	stream.HeaderAuthority: true,
	stream.HeaderPath:      true,
	stream.HeaderStatus:    true,
}

// checkHeaders validates a header block against the slot capacity and HTTP/1.1
// field syntax. A limit of zero disables the size check.
func checkHeaders(h stream.Headers, limit int) error {
	if size := h.EncodedSize(); limit > 0 && size > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrHeadersTooLarge, size, limit)
	}
	for _, f := range h {
		if strings.HasPrefix(f.Name, ":") {
			if !pseudoHeaders[f.Name] {
				return fmt.Errorf("%w: unknown pseudo-header %q", ErrInvalidHeader, f.Name)
			}
		} else if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("%w: value of %q", ErrInvalidHeader, f.Name)
		}
	}
	if authority, ok := h.Get(stream.HeaderAuthority); ok && !httpguts.ValidHostHeader(authority) {
		return fmt.Errorf("%w: authority %q", ErrInvalidHeader, authority)
	}
	return nil
}

// applyRouteHeaders merges a route's configured headers into a request.
// Pseudo-headers from the route override the request's; regular headers are
// only added when the request does not carry them.
func applyRouteHeaders(h stream.Headers, route map[string]string) stream.Headers {
	if len(route) == 0 {
		return h
	}
	out := slices.Clone(h)
	for _, name := range slices.Sorted(maps.Keys(route)) {
		value := route[name]
		if !strings.HasPrefix(name, ":") {
			if !out.Has(name) {
				out = append(out, stream.Header{Name: name, Value: value})
			}
			continue
		}
		i := slices.IndexFunc(out, func(f stream.Header) bool { return f.Name == name })
		if i >= 0 {
			out[i].Value = value
		} else {
			out = append(out, stream.Header{Name: name, Value: value})
		}
	}
	return out
}

// persistentExchange decides whether the connection may carry another
// exchange after this request/response pair.
func persistentExchange(request, response stream.Headers) bool {
	if httpguts.HeaderValuesContainsToken(request.Values("connection"), "close") {
		return false
	}
	if httpguts.HeaderValuesContainsToken(response.Values("connection"), "close") {
		return false
	}
	return true
}

// upgradeRequested reports a protocol switch, after which the connection can
// never return to HTTP/1.1 request handling.
func upgradeRequested(response stream.Headers) bool {
	status, _ := response.Get(stream.HeaderStatus)
	return status == "101"
}
