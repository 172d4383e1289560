package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsac/h1relay/internal/stream"
)

func TestCheckHeaders(t *testing.T) {
	t.Parallel()

	request := stream.Headers{
		{Name: stream.HeaderMethod, Value: "GET"},
		{Name: stream.HeaderPath, Value: "/"},
		{Name: stream.HeaderAuthority, Value: "example.com:8080"},
		{Name: "accept", Value: "*/*"},
	}

	tests := []struct {
		name    string
		headers stream.Headers
		limit   int
		wantErr error
	}{
		{"valid", request, 1024, nil},
		{"no limit", request, 0, nil},
		{"exactly at limit", request, request.EncodedSize(), nil},
		{"over limit", request, request.EncodedSize() - 1, ErrHeadersTooLarge},
		{"bad name", stream.Headers{{Name: "bad name", Value: "x"}}, 0, ErrInvalidHeader},
		{"bad value", stream.Headers{{Name: "x-a", Value: "a\r\nb"}}, 0, ErrInvalidHeader},
		{"unknown pseudo", stream.Headers{{Name: ":protocol", Value: "ws"}}, 0, ErrInvalidHeader},
		{"bad authority", stream.Headers{{Name: stream.HeaderAuthority, Value: "a b"}}, 0, ErrInvalidHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := checkHeaders(tt.headers, tt.limit)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckHeaders_LargeBlock(t *testing.T) {
	t.Parallel()

	h := stream.Headers{{Name: "x-big", Value: strings.Repeat("a", DefaultSlotCapacity)}}
	assert.ErrorIs(t, checkHeaders(h, DefaultSlotCapacity), ErrHeadersTooLarge)
}

func TestApplyRouteHeaders(t *testing.T) {
	t.Parallel()

	request := stream.Headers{
		{Name: stream.HeaderAuthority, Value: "client.example"},
		{Name: "user-agent", Value: "curl"},
	}
	route := map[string]string{
		stream.HeaderAuthority: "backend.internal",
		"User-Agent":           "relay",
		"x-forwarded-proto":    "http",
	}

	got := applyRouteHeaders(request, route)

	authority, _ := got.Get(stream.HeaderAuthority)
	assert.Equal(t, "backend.internal", authority)
	ua, _ := got.Get("user-agent")
	assert.Equal(t, "curl", ua, "regular headers from the request win")
	proto, _ := got.Get("x-forwarded-proto")
	assert.Equal(t, "http", proto)

	original, _ := request.Get(stream.HeaderAuthority)
	assert.Equal(t, "client.example", original, "request block is not mutated")
}

func TestPersistentExchange(t *testing.T) {
	t.Parallel()

	closeHdr := stream.Headers{{Name: "Connection", Value: "keep-alive, close"}}

	assert.True(t, persistentExchange(nil, nil))
	assert.False(t, persistentExchange(closeHdr, nil))
	assert.False(t, persistentExchange(nil, closeHdr))
	assert.True(t, persistentExchange(stream.Headers{{Name: "connection", Value: "keep-alive"}}, nil))
}

func TestUpgradeRequested(t *testing.T) {
	t.Parallel()

	assert.True(t, upgradeRequested(stream.Headers{{Name: stream.HeaderStatus, Value: "101"}}))
	assert.False(t, upgradeRequested(stream.Headers{{Name: stream.HeaderStatus, Value: "200"}}))
}
