package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// maxWindow caps accumulated credit, as HTTP/2 flow control does.
const maxWindow = math.MaxInt32

var (
	// ErrEndSent is returned when writing to a connection that has been ended.
	ErrEndSent = errors.New("connection end already sent")

	// ErrInsufficientWindow is returned when a write exceeds the granted credit.
	ErrInsufficientWindow = errors.New("write exceeds connection window")
)

// ConnState is the lifecycle state of an upstream connection.
type ConnState uint8

const (
	// StateIdle: parked in the pool, not bound to an exchange.
	StateIdle ConnState = iota
	// StateInUse: granted to an acquirer and bound to a correlation.
	StateInUse
	// StateRetiring: no longer persistent, waiting to be released.
	StateRetiring
	// StateClosed: removed from the pool. Terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateRetiring:
		return "retiring"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// throttleEffect is what the connection must do after a throttle transition.
type throttleEffect uint8

const (
	effectNone throttleEffect = iota
	effectCredit
	effectRetire
)

// throttleTransition is the connection's throttle state machine. Window frames
// add credit without changing state; a reset retires the connection from any
// live state; every other frame type, and anything arriving once closed, is
// ignored. The closed state is reached through release, not here.
func throttleTransition(s ConnState, f stream.Frame) (ConnState, throttleEffect) {
	if s == StateClosed {
		return s, effectNone
	}
	switch f.Type {
	case stream.FrameWindow:
		if f.Credit <= 0 {
			return s, effectNone
		}
		return s, effectCredit
	case stream.FrameReset:
		return StateRetiring, effectRetire
	default:
		return s, effectNone
	}
}

// Connection is one upstream stream owned by a Pool.
type Connection struct {
	pool *Pool

	connectStreamID uint64
	correlationID   uint64

	window     int
	persistent bool
	endSent    bool
	state      ConnState

	// Throttle of the stream carrying responses back from upstream, registered
	// by the exchange currently using the connection.
	replyStreamID uint64
	replyThrottle stream.MessageConsumer
}

func newConnection(pool *Pool, streamID, correlationID uint64) *Connection {
	return &Connection{
		pool:            pool,
		connectStreamID: streamID,
		correlationID:   correlationID,
		persistent:      true,
		state:           StateInUse,
	}
}

// StreamID returns the outbound stream id.
func (c *Connection) StreamID() uint64 { return c.connectStreamID }

// CorrelationID returns the id correlating responses to this connection.
func (c *Connection) CorrelationID() uint64 { return c.correlationID }

// Window returns the unconsumed send credit.
func (c *Connection) Window() int { return c.window }

// Persistent reports whether the connection may be reused after release.
func (c *Connection) Persistent() bool { return c.persistent }

// EndSent reports whether end-of-stream has been emitted.
func (c *Connection) EndSent() bool { return c.endSent }

// State returns the lifecycle state.
func (c *Connection) State() ConnState { return c.state }

// Pool returns the owning pool.
func (c *Connection) Pool() *Pool { return c.pool }

// SetInput registers the throttle of the reply stream bound to this
// connection; a reset on the connection is forwarded there.
func (c *Connection) SetInput(throttle stream.MessageConsumer, replyStreamID uint64) {
	c.replyThrottle = throttle
	c.replyStreamID = replyStreamID
}

func (c *Connection) clearInput() {
	c.replyThrottle = nil
	c.replyStreamID = 0
}

// MarkNonPersistent prevents reuse; the next release retires the connection.
func (c *Connection) MarkNonPersistent() {
	c.persistent = false
	if c.state == StateInUse {
		c.state = StateRetiring
	}
}

// Write emits payload on the connection, consuming window.
func (c *Connection) Write(payload []byte) error {
	if c.endSent || c.state == StateClosed {
		return ErrEndSent
	}
	if len(payload) > c.window {
		return fmt.Errorf("%w: %d bytes, window %d", ErrInsufficientWindow, len(payload), c.window)
	}
	c.window -= len(payload)
	c.pool.writer.DoData(c.pool.target, c.connectStreamID, payload)
	return nil
}

// HandleThrottle is the default throttle installed for the connection's stream.
func (c *Connection) HandleThrottle(f stream.Frame) {
	next, effect := throttleTransition(c.state, f)
	switch effect {
	case effectCredit:
		c.window = int(min(int64(c.window)+int64(f.Credit), maxWindow))
		metrics.CreditGrantedBytesTotal.WithLabelValues(metrics.SideConnect).Add(float64(f.Credit))
	case effectRetire:
		c.state = next
		c.persistent = false
		metrics.UpstreamResetsTotal.WithLabelValues(c.pool.name).Inc()
		// The remote already considers the stream closed; no end is sent back.
		throttle, replyID := c.replyThrottle, c.replyStreamID
		c.pool.Release(c, false)
		if throttle != nil {
			c.pool.writer.DoReset(throttle, replyID)
		}
	case effectNone:
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection[streamId=%016x, correlationId=%016x, window=%d, persistent=%t, state=%s, endSent=%t]",
		c.connectStreamID, c.correlationID, c.window, c.persistent, c.state, c.endSent)
}
