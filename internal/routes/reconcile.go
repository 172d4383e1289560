package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/arsac/h1relay/internal/control"
	"github.com/arsac/h1relay/internal/engine"
)

const (
	defaultRetryDelay    = 10 * time.Millisecond
	defaultRetryMaxDelay = time.Second
	defaultMaxRetries    = 8
)

// Commander submits route commands. *control.Controller satisfies it.
type Commander interface {
	Route(ctx context.Context, r engine.Route) (uint64, error)
	Unroute(ctx context.Context, r engine.Route) error
}

// Reconciler tracks which file routes are applied and converges the engine
// on a desired set. Not safe for concurrent use.
type Reconciler struct {
	commands Commander
	executor failsafe.Executor[any]
	logger   *slog.Logger

	// applied maps a file route's identity to the route in effect, whose
	// source ref may have been assigned.
	applied map[string]engine.Route
}

// NewReconciler creates a reconciler with nothing applied. Commands rejected
// because the command queue is full are retried with backoff.
func NewReconciler(commands Commander, logger *slog.Logger) *Reconciler {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, control.ErrCommandQueueFull)
		}).
		WithBackoff(defaultRetryDelay, defaultRetryMaxDelay).
		WithMaxRetries(defaultMaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.Debug("command queue full, retrying", "attempt", e.Attempts())
		}).
		Build()

	return &Reconciler{
		commands: commands,
		executor: failsafe.With[any](retryPolicy),
		logger:   logger,
		applied:  make(map[string]engine.Route),
	}
}

// Applied returns the routes currently in effect, ordered by identity.
func (r *Reconciler) Applied() []engine.Route {
	out := make([]engine.Route, 0, len(r.applied))
	for _, k := range slices.Sorted(maps.Keys(r.applied)) {
		out = append(out, r.applied[k])
	}
	return out
}

// Apply unroutes applied routes missing from desired, then routes the new
// ones. Every command is attempted; failures are joined into the result.
func (r *Reconciler) Apply(ctx context.Context, desired []engine.Route) error {
	want := make(map[string]engine.Route, len(desired))
	for _, route := range desired {
		want[identity(route)] = route
	}

	var errs []error

	// Removals first so a moved (source, ref) pair is free before it is rebound.
	for _, k := range slices.Sorted(maps.Keys(r.applied)) {
		if _, ok := want[k]; ok {
			continue
		}
		route := r.applied[k]
		err := r.executor.WithContext(ctx).Run(func() error {
			return r.commands.Unroute(ctx, route)
		})
		if err != nil && !errors.Is(err, engine.ErrRouteNotFound) {
			errs = append(errs, fmt.Errorf("unroute %s: %w", describe(route), err))
			continue
		}
		delete(r.applied, k)
		r.logger.InfoContext(ctx, "route removed", "route", describe(route))
	}

	for _, k := range slices.Sorted(maps.Keys(want)) {
		if _, ok := r.applied[k]; ok {
			continue
		}
		route := want[k]
		ref, err := r.executor.WithContext(ctx).Get(func() (any, error) {
			return r.commands.Route(ctx, route)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", describe(route), err))
			continue
		}
		route.SourceRef = ref.(uint64)
		r.applied[k] = route
		r.logger.InfoContext(ctx, "route added", "route", describe(route))
	}

	return errors.Join(errs...)
}

// identity keys a route as written, before any source ref is assigned.
func identity(r engine.Route) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d|%s|%d", r.Role, r.Source, r.SourceRef, r.Target, r.TargetRef)
	for _, name := range slices.Sorted(maps.Keys(r.Headers)) {
		fmt.Fprintf(&b, "|%s=%s", name, r.Headers[name])
	}
	return b.String()
}

func describe(r engine.Route) string {
	return fmt.Sprintf("%s %s/%d -> %s/%d", r.Role, r.Source, r.SourceRef, r.Target, r.TargetRef)
}
