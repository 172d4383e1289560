package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arsac/h1relay/internal/engine"
)

// assignedRefBase keeps refs handed out for a zero sourceRef clear of the small
// refs operators configure by hand.
const assignedRefBase = 1 << 48

// Conductor drains the command channel and applies each command to every
// worker in the group, in submission order.
type Conductor struct {
	controller *Controller
	group      *engine.Group
	logger     *slog.Logger
	nextRef    uint64
}

// NewConductor creates a conductor for controller's command channel.
func NewConductor(controller *Controller, group *engine.Group, logger *slog.Logger) *Conductor {
	return &Conductor{
		controller: controller,
		group:      group,
		logger:     logger,
		nextRef:    assignedRefBase,
	}
}

// Run applies commands until ctx is cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "conductor started", "workers", c.group.Len())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.controller.commands:
			env.reply <- c.apply(ctx, env.frame)
		}
	}
}

func (c *Conductor) apply(ctx context.Context, frame []byte) Result {
	cmd, err := UnmarshalCommand(frame)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable command", "error", err)
		return Result{Err: err}
	}
	res := Result{CorrelationID: cmd.CorrelationID, SourceRef: cmd.SourceRef}

	switch cmd.Type {
	case CommandRoute:
		if cmd.SourceRef == 0 {
			c.nextRef++
			cmd.SourceRef = c.nextRef
			res.SourceRef = cmd.SourceRef
		}
		route := cmd.Route()
		err = c.group.Broadcast(ctx, func(w *engine.Worker) error {
			return w.Routes().Add(route)
		})
	case CommandUnroute:
		route := cmd.Route()
		err = c.group.Broadcast(ctx, func(w *engine.Worker) error {
			return w.Routes().Remove(route)
		})
	}
	if err != nil {
		res.Err = fmt.Errorf("%s %s/%d: %w", cmd.Type, cmd.Source, cmd.SourceRef, err)
		return res
	}

	c.logger.InfoContext(ctx, "command applied",
		"command", cmd.Type,
		"role", cmd.Role,
		"source", cmd.Source,
		"sourceRef", cmd.SourceRef,
		"target", cmd.Target,
		"targetRef", cmd.TargetRef,
	)
	return res
}
