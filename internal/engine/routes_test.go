package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes_AddResolveRemove(t *testing.T) {
	t.Parallel()

	table := NewRoutes()
	headers := map[string]string{":authority": "backend"}
	r := Route{Role: RoleClient, Source: "app", SourceRef: 1, Target: "tcp", TargetRef: 80, Headers: headers}

	require.NoError(t, table.Add(r))
	require.ErrorIs(t, table.Add(r), ErrRouteExists)

	headers[":authority"] = "mutated"
	got, ok := table.Resolve("app", 1)
	require.True(t, ok)
	assert.Equal(t, "tcp", got.Target)
	assert.Equal(t, "backend", got.Headers[":authority"], "headers are copied on add")

	mismatch := r
	mismatch.TargetRef = 81
	require.ErrorIs(t, table.Remove(mismatch), ErrRouteNotFound)

	require.NoError(t, table.Remove(r))
	_, ok = table.Resolve("app", 1)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	role, err := ParseRole("server")
	require.NoError(t, err)
	assert.Equal(t, RoleServer, role)
	assert.Equal(t, "client", RoleClient.String())

	_, err = ParseRole("proxy")
	assert.Error(t, err)
}
