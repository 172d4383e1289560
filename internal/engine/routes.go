package engine

import (
	"errors"
	"fmt"
	"maps"
)

// Role selects which side of an exchange a route serves.
type Role uint8

const (
	// RoleServer routes downstream HTTP connections to per-request target streams.
	RoleServer Role = iota + 1
	// RoleClient routes per-request streams onto pooled upstream connections.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole parses "server" or "client".
func ParseRole(s string) (Role, error) {
	switch s {
	case "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

var (
	// ErrRouteExists is returned when a (source, sourceRef) pair is already routed.
	ErrRouteExists = errors.New("route already exists")

	// ErrRouteNotFound is returned when unrouting an unknown route.
	ErrRouteNotFound = errors.New("route not found")
)

// Route binds a source (name, ref) to a target (name, ref).
type Route struct {
	Role      Role
	Source    string
	SourceRef uint64
	Target    string
	TargetRef uint64
	Headers   map[string]string
}

type routeKey struct {
	source string
	ref    uint64
}

// Routes is a worker-owned route table.
type Routes struct {
	routes map[routeKey]Route
}

// NewRoutes creates an empty table.
func NewRoutes() *Routes {
	return &Routes{routes: make(map[routeKey]Route)}
}

// Add installs a route. Headers are copied.
func (t *Routes) Add(r Route) error {
	key := routeKey{source: r.Source, ref: r.SourceRef}
	if _, ok := t.routes[key]; ok {
		return fmt.Errorf("%w: %s/%d", ErrRouteExists, r.Source, r.SourceRef)
	}
	r.Headers = maps.Clone(r.Headers)
	t.routes[key] = r
	return nil
}

// Remove uninstalls a route matching all of r's identifying fields.
func (t *Routes) Remove(r Route) error {
	key := routeKey{source: r.Source, ref: r.SourceRef}
	existing, ok := t.routes[key]
	if !ok || existing.Role != r.Role || existing.Target != r.Target || existing.TargetRef != r.TargetRef {
		return fmt.Errorf("%w: %s/%d -> %s/%d", ErrRouteNotFound, r.Source, r.SourceRef, r.Target, r.TargetRef)
	}
	delete(t.routes, key)
	return nil
}

// Resolve finds the route for a source stream.
func (t *Routes) Resolve(source string, ref uint64) (Route, bool) {
	r, ok := t.routes[routeKey{source: source, ref: ref}]
	return r, ok
}

// Len returns the number of installed routes.
func (t *Routes) Len() int {
	return len(t.routes)
}
