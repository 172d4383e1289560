package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// DefaultMaxConnectionsPerRoute bounds live connections per pool when unset.
const DefaultMaxConnectionsPerRoute = 10

const statusServiceUnavailable = "503"

// ErrTargetUnavailable is reported when the router cannot open a stream to a target.
var ErrTargetUnavailable = errors.New("target unavailable")

// GrantFunc is the continuation run once a connection is granted. It receives
// a nil connection and an error when the pool cannot open one.
type GrantFunc func(conn *Connection, err error)

type ticketState uint8

const (
	ticketQueued ticketState = iota
	ticketGranted
	ticketCancelled
	ticketFailed
)

// Ticket tracks one acquire call. A queued ticket can be cancelled.
type Ticket struct {
	grant    GrantFunc
	state    ticketState
	queuedAt time.Time
}

// Granted reports whether a connection was handed to the continuation.
func (t *Ticket) Granted() bool { return t.state == ticketGranted }

// Queued reports whether the ticket is still waiting for a connection.
func (t *Ticket) Queued() bool { return t.state == ticketQueued }

// Pool owns the connections for one (target name, target ref) pair. It is not
// safe for concurrent use; every call happens on the owning worker.
type Pool struct {
	name string
	ref  uint64

	router       stream.Router
	writer       stream.MessageWriter
	ids          stream.IDSupplier
	correlations *Correlations
	logger       *slog.Logger

	maxConnections   int
	connectionsInUse int
	target           stream.MessageConsumer

	idle    fifo[*Connection]
	pending fifo[*Ticket]
	waiting int
}

// Name returns the target name the pool connects to.
func (p *Pool) Name() string { return p.name }

// Ref returns the target reference.
func (p *Pool) Ref() uint64 { return p.ref }

// ConnectionsInUse counts live connections, idle ones included.
func (p *Pool) ConnectionsInUse() int { return p.connectionsInUse }

// Idle counts connections parked for reuse.
func (p *Pool) Idle() int { return p.idle.Len() }

// Pending counts queued, uncancelled acquirers.
func (p *Pool) Pending() int { return p.waiting }

// Acquire grants an idle connection, opens a new one while under the per-route
// cap, or queues the request behind earlier acquirers. Grants happen
// synchronously inside Acquire or inside the Release that frees capacity.
func (p *Pool) Acquire(grant GrantFunc) *Ticket {
	t := &Ticket{grant: grant}

	if p.waiting > 0 {
		p.enqueue(t)
		return t
	}

	conn, result, err := p.take()
	switch {
	case err != nil:
		metrics.PoolAcquiresTotal.WithLabelValues(p.name, metrics.ResultFailed).Inc()
		t.state = ticketFailed
		grant(nil, err)
	case conn == nil:
		p.enqueue(t)
	default:
		metrics.PoolAcquiresTotal.WithLabelValues(p.name, result).Inc()
		t.state = ticketGranted
		grant(conn, nil)
	}
	return t
}

// Cancel withdraws a queued ticket. It reports false if the ticket was already
// granted, failed or cancelled.
func (p *Pool) Cancel(t *Ticket) bool {
	if t == nil || t.state != ticketQueued {
		return false
	}
	t.state = ticketCancelled
	p.waiting--
	metrics.PoolAcquiresTotal.WithLabelValues(p.name, metrics.ResultCancelled).Inc()
	p.observe()
	return true
}

// Release returns a connection after an exchange. Any correlation still
// pending for it means no response reached the caller, so a 503 is
// synthesized. Persistent connections go back to the idle queue; others are
// retired, freeing their slot. Capacity freed here goes to the oldest waiter.
func (p *Pool) Release(conn *Connection, endIfNotPersistent bool) {
	if corr, ok := p.correlations.Remove(conn.correlationID); ok {
		p.synthesize(corr)
	}

	switch {
	case conn.state == StateClosed:
		return
	case conn.persistent:
		if conn.state == StateIdle {
			return
		}
		conn.state = StateIdle
		conn.clearInput()
		p.setDefaultThrottle(conn)
		p.idle.Push(conn)
		p.logger.Debug("connection returned to pool", "route", p.name, "conn", conn)
	default:
		p.connectionsInUse--
		p.idle.Remove(func(c *Connection) bool { return c == conn })
		if endIfNotPersistent && !conn.endSent {
			p.writer.DoEnd(p.target, conn.connectStreamID)
			conn.endSent = true
		}
		conn.state = StateClosed
		conn.clearInput()
		p.router.ClearThrottle(p.name, conn.connectStreamID)
		metrics.ConnectionsRetiredTotal.WithLabelValues(p.name).Inc()
		p.logger.Debug("connection retired", "route", p.name, "conn", conn)
	}

	p.observe()
	p.grantNext()
}

func (p *Pool) take() (*Connection, string, error) {
	if conn, ok := p.idle.Pop(); ok {
		conn.state = StateInUse
		p.observe()
		return conn, metrics.ResultIdle, nil
	}
	if p.connectionsInUse < p.maxConnections {
		conn, err := p.newConnection()
		if err != nil {
			return nil, metrics.ResultFailed, err
		}
		return conn, metrics.ResultCreated, nil
	}
	return nil, metrics.ResultQueued, nil
}

func (p *Pool) newConnection() (*Connection, error) {
	correlationID := p.ids.NextCorrelationID()
	streamID := p.ids.NextStreamID()

	p.connectionsInUse++
	target := p.router.SupplyTarget(p.name)
	if target == nil {
		p.connectionsInUse--
		return nil, fmt.Errorf("opening connection to %s: %w", p.name, ErrTargetUnavailable)
	}
	p.target = target

	conn := newConnection(p, streamID, correlationID)
	p.writer.DoBegin(target, streamID, p.ref, correlationID)
	p.setDefaultThrottle(conn)
	p.observe()
	return conn, nil
}

func (p *Pool) setDefaultThrottle(conn *Connection) {
	p.router.SetThrottle(p.name, conn.connectStreamID, conn.HandleThrottle)
}

func (p *Pool) enqueue(t *Ticket) {
	t.queuedAt = time.Now()
	p.pending.Push(t)
	p.waiting++
	metrics.PoolAcquiresTotal.WithLabelValues(p.name, metrics.ResultQueued).Inc()
	p.observe()
}

// grantNext hands freed capacity to the head of the queue, skipping
// cancelled tickets. If no connection can be opened and none are live,
// nothing will ever release capacity, so waiters are failed instead.
func (p *Pool) grantNext() {
	for {
		t, ok := p.pending.Peek()
		if !ok {
			return
		}
		if t.state == ticketCancelled {
			p.pending.Pop()
			continue
		}

		conn, result, err := p.take()
		if err != nil {
			if p.connectionsInUse > 0 {
				p.logger.Warn("queued acquirer kept waiting", "route", p.name, "error", err)
				return
			}
			p.pending.Pop()
			p.waiting--
			t.state = ticketFailed
			metrics.PoolAcquiresTotal.WithLabelValues(p.name, metrics.ResultFailed).Inc()
			p.observe()
			t.grant(nil, err)
			continue
		}
		if conn == nil {
			return
		}

		p.pending.Pop()
		p.waiting--
		t.state = ticketGranted
		metrics.PoolAcquiresTotal.WithLabelValues(p.name, result).Inc()
		metrics.AcquireWaitSeconds.WithLabelValues(p.name).Observe(time.Since(t.queuedAt).Seconds())
		p.observe()
		t.grant(conn, nil)
		return
	}
}

// synthesize answers the recorded downstream target with a bodiless 503.
func (p *Pool) synthesize(corr Correlation) {
	sendServiceUnavailable(p.router, p.writer, p.ids, corr.Source, corr.ID)
	p.logger.Info("upstream lost before response, sent 503",
		"route", p.name,
		"replyTarget", corr.Source,
		"correlationId", corr.ID,
	)
	if corr.exchange != nil {
		corr.exchange.onSynthesized()
	}
}

// sendServiceUnavailable opens a reply stream on source and writes a complete
// 503 response correlated to the downstream request.
func sendServiceUnavailable(
	router stream.Router,
	writer stream.MessageWriter,
	ids stream.IDSupplier,
	source string,
	correlationID uint64,
) {
	reply := router.SupplyTarget(source)
	replyID := ids.NextStreamID()
	writer.DoHTTPBegin(reply, replyID, 0, correlationID, stream.Headers{
		{Name: stream.HeaderStatus, Value: statusServiceUnavailable},
	})
	writer.DoHTTPEnd(reply, replyID)
	metrics.SynthesizedResponsesTotal.WithLabelValues(statusServiceUnavailable).Inc()
}

func (p *Pool) observe() {
	metrics.PoolConnections.WithLabelValues(p.name).Set(float64(p.connectionsInUse))
	metrics.PoolIdleConnections.WithLabelValues(p.name).Set(float64(p.idle.Len()))
	metrics.PoolPendingAcquirers.WithLabelValues(p.name).Set(float64(p.waiting))
}

type poolKey struct {
	name string
	ref  uint64
}

// PoolConfig configures every pool created by a Pools set.
type PoolConfig struct {
	MaxConnectionsPerRoute int
}

// Pools lazily creates one Pool per (target name, target ref). Pools live for
// the lifetime of the worker.
type Pools struct {
	config       PoolConfig
	router       stream.Router
	writer       stream.MessageWriter
	ids          stream.IDSupplier
	correlations *Correlations
	logger       *slog.Logger
	pools        map[poolKey]*Pool
}

// NewPools creates an empty pool set.
func NewPools(
	config PoolConfig,
	router stream.Router,
	writer stream.MessageWriter,
	ids stream.IDSupplier,
	correlations *Correlations,
	logger *slog.Logger,
) *Pools {
	if config.MaxConnectionsPerRoute <= 0 {
		config.MaxConnectionsPerRoute = DefaultMaxConnectionsPerRoute
	}
	return &Pools{
		config:       config,
		router:       router,
		writer:       writer,
		ids:          ids,
		correlations: correlations,
		logger:       logger,
		pools:        make(map[poolKey]*Pool),
	}
}

// Supply returns the pool for (name, ref), creating it on first use.
func (ps *Pools) Supply(name string, ref uint64) *Pool {
	key := poolKey{name: name, ref: ref}
	if p, ok := ps.pools[key]; ok {
		return p
	}
	p := &Pool{
		name:           name,
		ref:            ref,
		router:         ps.router,
		writer:         ps.writer,
		ids:            ps.ids,
		correlations:   ps.correlations,
		logger:         ps.logger,
		maxConnections: ps.config.MaxConnectionsPerRoute,
	}
	ps.pools[key] = p
	return p
}

// Len returns the number of pools created so far.
func (ps *Pools) Len() int {
	return len(ps.pools)
}
