// Package router is an in-process stream router: transports register named
// targets, the engine looks them up by name and installs per-stream throttles
// that receive window and reset frames flowing back toward the sender.
//
// The engine only uses the stream.Router methods. Register, Unregister and
// Throttle belong to the transport attached to a worker, which calls them
// from tasks submitted to that worker.
package router

import (
	"log/slog"

	"github.com/arsac/h1relay/internal/stream"
)

type throttleKey struct {
	name     string
	streamID uint64
}

// Router is not safe for concurrent use; each worker owns one.
type Router struct {
	logger    *slog.Logger
	targets   map[string]stream.MessageConsumer
	throttles map[throttleKey]stream.MessageConsumer
}

var _ stream.Router = (*Router)(nil)

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	return &Router{
		logger:    logger,
		targets:   make(map[string]stream.MessageConsumer),
		throttles: make(map[throttleKey]stream.MessageConsumer),
	}
}

// Register binds a consumer to a destination name, replacing any previous one.
func (r *Router) Register(name string, consumer stream.MessageConsumer) {
	r.targets[name] = consumer
}

// Unregister removes a destination and every throttle installed on it.
func (r *Router) Unregister(name string) {
	delete(r.targets, name)
	for k := range r.throttles {
		if k.name == name {
			delete(r.throttles, k)
		}
	}
}

// SupplyTarget returns a sink for name. The target is resolved when a frame is
// sent, so a sink may be supplied before the transport registers.
func (r *Router) SupplyTarget(name string) stream.MessageConsumer {
	return func(f stream.Frame) {
		target, ok := r.targets[name]
		if !ok {
			r.logger.Debug("dropping frame for unknown target",
				"target", name,
				"type", f.Type,
				"streamID", f.StreamID,
			)
			return
		}
		target(f)
	}
}

// SetThrottle installs handler for control frames on (name, streamID).
func (r *Router) SetThrottle(name string, streamID uint64, handler stream.MessageConsumer) {
	r.throttles[throttleKey{name: name, streamID: streamID}] = handler
}

// ClearThrottle removes the throttle for (name, streamID) once the stream is
// finished.
func (r *Router) ClearThrottle(name string, streamID uint64) {
	delete(r.throttles, throttleKey{name: name, streamID: streamID})
}

// Throttle delivers a control frame to the throttle installed on
// (name, streamID). It reports false when no throttle is installed.
func (r *Router) Throttle(name string, streamID uint64, f stream.Frame) bool {
	handler, ok := r.throttles[throttleKey{name: name, streamID: streamID}]
	if !ok {
		return false
	}
	f.StreamID = streamID
	handler(f)
	return true
}
