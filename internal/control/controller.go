// Package control is the control plane: it encodes route and unroute requests
// into fixed-layout commands, queues them on a bounded command channel and
// applies them to every worker's route table.
package control

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arsac/h1relay/internal/engine"
	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// DefaultCommandQueueSize bounds the command channel when unset.
const DefaultCommandQueueSize = 64

// ErrCommandQueueFull is returned when the command channel is saturated.
var ErrCommandQueueFull = errors.New("command queue full")

// Result is the outcome of one command.
type Result struct {
	CorrelationID uint64
	SourceRef     uint64
	Err           error
}

type envelope struct {
	frame []byte
	reply chan Result
}

// Controller submits route and unroute commands. Safe for concurrent use.
type Controller struct {
	ids      stream.IDSupplier
	commands chan envelope
	logger   *slog.Logger
}

// NewController creates a controller drawing correlation ids from ids.
func NewController(ids stream.IDSupplier, queueSize int, logger *slog.Logger) *Controller {
	if queueSize <= 0 {
		queueSize = DefaultCommandQueueSize
	}
	return &Controller{
		ids:      ids,
		commands: make(chan envelope, queueSize),
		logger:   logger,
	}
}

// RouteServer routes downstream connections arriving on (source, sourceRef)
// to target. A zero sourceRef asks for one to be assigned; the ref in effect
// is returned.
func (c *Controller) RouteServer(
	ctx context.Context,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) (uint64, error) {
	return c.route(ctx, engine.RoleServer, source, sourceRef, target, targetRef, headers)
}

// RouteClient routes per-request streams arriving on (source, sourceRef) onto
// pooled connections to target.
func (c *Controller) RouteClient(
	ctx context.Context,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) (uint64, error) {
	return c.route(ctx, engine.RoleClient, source, sourceRef, target, targetRef, headers)
}

func (c *Controller) UnrouteServer(
	ctx context.Context,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) error {
	return c.unroute(ctx, engine.RoleServer, source, sourceRef, target, targetRef, headers)
}

func (c *Controller) UnrouteClient(
	ctx context.Context,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) error {
	return c.unroute(ctx, engine.RoleClient, source, sourceRef, target, targetRef, headers)
}

// Route submits a route command for r.
func (c *Controller) Route(ctx context.Context, r engine.Route) (uint64, error) {
	return c.route(ctx, r.Role, r.Source, r.SourceRef, r.Target, r.TargetRef, r.Headers)
}

// Unroute submits an unroute command for r.
func (c *Controller) Unroute(ctx context.Context, r engine.Route) error {
	return c.unroute(ctx, r.Role, r.Source, r.SourceRef, r.Target, r.TargetRef, r.Headers)
}

func (c *Controller) route(
	ctx context.Context,
	role engine.Role,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) (uint64, error) {
	res, err := c.submit(ctx, Command{
		Type:      CommandRoute,
		Role:      role,
		Source:    source,
		SourceRef: sourceRef,
		Target:    target,
		TargetRef: targetRef,
		Headers:   headers,
	})
	if err != nil {
		return 0, err
	}
	return res.SourceRef, nil
}

func (c *Controller) unroute(
	ctx context.Context,
	role engine.Role,
	source string,
	sourceRef uint64,
	target string,
	targetRef uint64,
	headers map[string]string,
) error {
	_, err := c.submit(ctx, Command{
		Type:      CommandUnroute,
		Role:      role,
		Source:    source,
		SourceRef: sourceRef,
		Target:    target,
		TargetRef: targetRef,
		Headers:   headers,
	})
	return err
}

func (c *Controller) submit(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	label := cmd.Type.String()

	cmd.CorrelationID = c.ids.NextCorrelationID()
	frame, err := cmd.MarshalBinary()
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(label, metrics.ResultFailure).Inc()
		return Result{}, err
	}

	reply := make(chan Result, 1)
	select {
	case c.commands <- envelope{frame: frame, reply: reply}:
	default:
		metrics.CommandsTotal.WithLabelValues(label, metrics.ResultFailure).Inc()
		return Result{}, ErrCommandQueueFull
	}

	select {
	case res := <-reply:
		metrics.CommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if res.Err != nil {
			metrics.CommandsTotal.WithLabelValues(label, metrics.ResultFailure).Inc()
			return res, res.Err
		}
		metrics.CommandsTotal.WithLabelValues(label, metrics.ResultSuccess).Inc()
		c.logger.DebugContext(ctx, "command applied",
			"command", label,
			"correlationId", res.CorrelationID,
			"source", cmd.Source,
			"sourceRef", res.SourceRef,
			"target", cmd.Target,
		)
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
