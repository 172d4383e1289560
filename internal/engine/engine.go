// Package engine implements the HTTP/1.1 exchange layer: per-route upstream
// connection pools, response correlation, credit-based flow control and the
// state shared by the two halves of a downstream connection.
//
// Everything in this package is owned by a single worker goroutine and is not
// safe for concurrent use.
package engine

import (
	"log/slog"

	"github.com/arsac/h1relay/internal/stream"
)

// Env bundles the per-worker collaborators used by the exchange factories.
type Env struct {
	Router       stream.Router
	Writer       stream.MessageWriter
	IDs          stream.IDSupplier
	Routes       *Routes
	Pools        *Pools
	Correlations *Correlations
	SlotCapacity int
	Logger       *slog.Logger
}

func (e Env) withDefaults() Env {
	if e.SlotCapacity <= 0 {
		e.SlotCapacity = DefaultSlotCapacity
	}
	if e.Writer == nil {
		e.Writer = stream.Writer{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

func discard(stream.Frame) {}
