// Package routes keeps the engine's route tables in line with a routes file.
// The file is loaded with viper (YAML, JSON or TOML by extension), diffed
// against the routes already applied and reconciled through the control plane.
package routes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/arsac/h1relay/internal/engine"
)

// ErrInvalidRoutes is returned when a routes file fails validation.
var ErrInvalidRoutes = errors.New("invalid routes file")

// Entry is one route as written in the routes file.
type Entry struct {
	Role      string            `mapstructure:"role"`
	Source    string            `mapstructure:"source"`
	SourceRef uint64            `mapstructure:"source-ref"`
	Target    string            `mapstructure:"target"`
	TargetRef uint64            `mapstructure:"target-ref"`
	Headers   map[string]string `mapstructure:"headers"`
}

// Route converts the entry, validating its role.
func (e Entry) Route() (engine.Route, error) {
	role, err := engine.ParseRole(strings.ToLower(e.Role))
	if err != nil {
		return engine.Route{}, err
	}
	if e.Source == "" {
		return engine.Route{}, errors.New("source is required")
	}
	if e.Target == "" {
		return engine.Route{}, errors.New("target is required")
	}
	return engine.Route{
		Role:      role,
		Source:    e.Source,
		SourceRef: e.SourceRef,
		Target:    e.Target,
		TargetRef: e.TargetRef,
		Headers:   e.Headers,
	}, nil
}

// Load reads and validates the routes file at path.
func Load(path string) ([]engine.Route, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}
	// A half-written file reads as empty; "routes: []" clears the table.
	if !v.IsSet("routes") {
		return nil, fmt.Errorf("%w: no routes key", ErrInvalidRoutes)
	}

	var entries []Entry
	if err := v.UnmarshalKey("routes", &entries); err != nil {
		return nil, fmt.Errorf("decoding routes file: %w", err)
	}
	return Validate(entries)
}

// Validate converts entries into routes. Entries with an explicit source ref
// must not share a (source, ref) pair.
func Validate(entries []Entry) ([]engine.Route, error) {
	type key struct {
		source string
		ref    uint64
	}

	seen := make(map[key]int, len(entries))
	routes := make([]engine.Route, 0, len(entries))
	var errs []error

	for i, e := range entries {
		r, err := e.Route()
		if err != nil {
			errs = append(errs, fmt.Errorf("route %d: %w", i, err))
			continue
		}
		if r.SourceRef != 0 {
			k := key{source: r.Source, ref: r.SourceRef}
			if prev, ok := seen[k]; ok {
				errs = append(errs, fmt.Errorf("route %d: %s/%d already bound by route %d", i, r.Source, r.SourceRef, prev))
				continue
			}
			seen[k] = i
		}
		routes = append(routes, r)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoutes, errors.Join(errs...))
	}
	return routes, nil
}
