package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/router"
	"github.com/arsac/h1relay/internal/stream"
)

// DefaultTaskQueueSize is the task backlog per worker when unset.
const DefaultTaskQueueSize = 1024

// ErrWorkerStopped is returned when submitting to a worker that has exited.
var ErrWorkerStopped = errors.New("worker stopped")

// Task runs on a worker goroutine with exclusive access to its state.
type Task func(w *Worker)

// WorkerConfig configures every worker in a group.
type WorkerConfig struct {
	Pool          PoolConfig
	SlotCapacity  int
	TaskQueueSize int
}

// Worker is a single goroutine owning one partition of engine state: a
// router, route table, correlation table and pool set. Identifiers it
// allocates carry its index, so frames for them can be sent back to it.
type Worker struct {
	index  int
	label  string
	logger *slog.Logger
	tasks  chan Task
	done   chan struct{}

	router       *router.Router
	ids          *stream.Sequence
	routes       *Routes
	correlations *Correlations
	pools        *Pools
	client       *ClientFactory
	server       *ServerFactory
}

// NewWorker creates a worker. index must be below stream.MaxOwners.
func NewWorker(index int, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.TaskQueueSize <= 0 {
		cfg.TaskQueueSize = DefaultTaskQueueSize
	}
	label := strconv.Itoa(index)
	logger = logger.With("worker", index)

	w := &Worker{
		index:  index,
		label:  label,
		logger: logger,
		tasks:  make(chan Task, cfg.TaskQueueSize),
		done:   make(chan struct{}),
		router: router.New(logger),
		ids:    stream.NewSequence(index),
		routes: NewRoutes(),
	}
	w.correlations = NewCorrelations(metrics.PendingCorrelations.WithLabelValues(label))
	w.pools = NewPools(cfg.Pool, w.router, stream.Writer{}, w.ids, w.correlations, logger)

	env := Env{
		Router:       w.router,
		Writer:       stream.Writer{},
		IDs:          w.ids,
		Routes:       w.routes,
		Pools:        w.pools,
		Correlations: w.correlations,
		SlotCapacity: cfg.SlotCapacity,
		Logger:       logger,
	}
	w.client = NewClientFactory(env)
	w.server = NewServerFactory(env)
	return w
}

func (w *Worker) Index() int { return w.index }

// The accessors below must only be used from a task running on the worker.

func (w *Worker) Router() *router.Router { return w.router }

func (w *Worker) Routes() *Routes { return w.routes }

func (w *Worker) Correlations() *Correlations { return w.correlations }

func (w *Worker) Pools() *Pools { return w.pools }

func (w *Worker) IDs() stream.IDSupplier { return w.ids }

// NewAcceptStream dispatches a new downstream stream to the factory for the
// role of its route. Unrouted streams are reset.
func (w *Worker) NewAcceptStream(name string, begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	route, ok := w.routes.Resolve(name, begin.Ref)
	if !ok {
		w.logger.Debug("no route", "source", name, "ref", begin.Ref)
		stream.Writer{}.DoReset(throttle, begin.StreamID)
		return discard
	}
	if route.Role == RoleServer {
		return w.server.NewAcceptStream(name, begin, throttle)
	}
	return w.client.NewAcceptStream(name, begin, throttle)
}

// NewReplyStream dispatches a reply begin by its correlation id: upstream
// connection responses go to the client factory, target replies to the
// server factory.
func (w *Worker) NewReplyStream(begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	if _, ok := w.correlations.Lookup(begin.CorrelationID); ok {
		return w.client.NewConnectReplyStream(begin, throttle)
	}
	return w.server.NewTargetReplyStream(begin, throttle)
}

// Submit queues task without waiting for it to run.
func (w *Worker) Submit(ctx context.Context, task Task) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.tasks <- task:
		metrics.WorkerQueueDepth.WithLabelValues(w.label).Set(float64(len(w.tasks)))
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs task on the worker and waits for it to return.
func (w *Worker) Do(ctx context.Context, task func(w *Worker) error) error {
	result := make(chan error, 1)
	if err := w.Submit(ctx, func(w *Worker) { result <- task(w) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping waits for the worker to drain everything queued before it.
func (w *Worker) Ping(ctx context.Context) error {
	return w.Do(ctx, func(*Worker) error { return nil })
}

// Run executes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.logger.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopped")
			return ctx.Err()
		case task := <-w.tasks:
			task(w)
			metrics.WorkerTasksTotal.WithLabelValues(w.label).Inc()
			metrics.WorkerQueueDepth.WithLabelValues(w.label).Set(float64(len(w.tasks)))
		}
	}
}

// Group is the fixed set of workers sharing a process.
type Group struct {
	workers []*Worker
}

// NewGroup creates n workers.
func NewGroup(n int, cfg WorkerConfig, logger *slog.Logger) (*Group, error) {
	if n <= 0 || n > stream.MaxOwners {
		return nil, fmt.Errorf("worker count must be between 1 and %d, got %d", stream.MaxOwners, n)
	}
	g := &Group{workers: make([]*Worker, n)}
	for i := range n {
		g.workers[i] = NewWorker(i, cfg, logger)
	}
	return g, nil
}

func (g *Group) Len() int { return len(g.workers) }

func (g *Group) Worker(i int) *Worker { return g.workers[i] }

// Owner returns the worker that allocated id, or nil if no worker carries
// its tag.
func (g *Group) Owner(id uint64) *Worker {
	i := stream.OwnerOf(id)
	if i >= len(g.workers) {
		return nil
	}
	return g.workers[i]
}

// Run runs every worker until ctx is cancelled or one of them fails.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range g.workers {
		eg.Go(func() error {
			return w.Run(ctx)
		})
	}
	return eg.Wait()
}

// Broadcast runs task on every worker in turn and joins the errors.
func (g *Group) Broadcast(ctx context.Context, task func(w *Worker) error) error {
	var errs []error
	for _, w := range g.workers {
		if err := w.Do(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.index, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks that every worker is draining its queue.
func (g *Group) Ping(ctx context.Context) error {
	return g.Broadcast(ctx, func(*Worker) error { return nil })
}
