package engine

import (
	"io"
	"log/slog"

	"github.com/arsac/h1relay/internal/stream"
)

type throttleKey struct {
	name string
	id   uint64
}

// recordingRouter captures frames per target name and exposes installed throttles.
type recordingRouter struct {
	frames      map[string][]stream.Frame
	throttles   map[throttleKey]stream.MessageConsumer
	unavailable map[string]bool
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{
		frames:      make(map[string][]stream.Frame),
		throttles:   make(map[throttleKey]stream.MessageConsumer),
		unavailable: make(map[string]bool),
	}
}

func (r *recordingRouter) SupplyTarget(name string) stream.MessageConsumer {
	if r.unavailable[name] {
		return nil
	}
	return func(f stream.Frame) {
		r.frames[name] = append(r.frames[name], f)
	}
}

func (r *recordingRouter) SetThrottle(name string, streamID uint64, handler stream.MessageConsumer) {
	r.throttles[throttleKey{name: name, id: streamID}] = handler
}

func (r *recordingRouter) ClearThrottle(name string, streamID uint64) {
	delete(r.throttles, throttleKey{name: name, id: streamID})
}

// throttle delivers a control frame the way a transport would.
func (r *recordingRouter) throttle(name string, streamID uint64, f stream.Frame) bool {
	h, ok := r.throttles[throttleKey{name: name, id: streamID}]
	if !ok {
		return false
	}
	f.StreamID = streamID
	h(f)
	return true
}

func (r *recordingRouter) framesOf(name string, typ stream.FrameType) []stream.Frame {
	var out []stream.Frame
	for _, f := range r.frames[name] {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// countingIDs hands out predictable identifiers.
type countingIDs struct {
	streamID      uint64
	correlationID uint64
}

func (c *countingIDs) NextStreamID() uint64 {
	c.streamID++
	return c.streamID
}

func (c *countingIDs) NextCorrelationID() uint64 {
	c.correlationID++
	return c.correlationID
}

// frameLog records frames sent to a consumer, e.g. a downstream throttle.
type frameLog struct {
	frames []stream.Frame
}

func (l *frameLog) consumer() stream.MessageConsumer {
	return func(f stream.Frame) { l.frames = append(l.frames, f) }
}

func (l *frameLog) ofType(typ stream.FrameType) []stream.Frame {
	var out []stream.Frame
	for _, f := range l.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (l *frameLog) credit() int {
	total := 0
	for _, f := range l.ofType(stream.FrameWindow) {
		total += f.Credit
	}
	return total
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type poolFixture struct {
	router       *recordingRouter
	ids          *countingIDs
	correlations *Correlations
	pools        *Pools
}

func newPoolFixture(maxPerRoute int) *poolFixture {
	f := &poolFixture{
		router:       newRecordingRouter(),
		ids:          &countingIDs{},
		correlations: NewCorrelations(nil),
	}
	f.pools = NewPools(
		PoolConfig{MaxConnectionsPerRoute: maxPerRoute},
		f.router,
		stream.Writer{},
		f.ids,
		f.correlations,
		discardLogger(),
	)
	return f
}

// grants collects connections handed to continuations, tagged by acquirer.
type grants struct {
	order []string
	conns map[string]*Connection
	errs  map[string]error
}

func newGrants() *grants {
	return &grants{conns: make(map[string]*Connection), errs: make(map[string]error)}
}

func (g *grants) to(name string) GrantFunc {
	return func(conn *Connection, err error) {
		if err != nil {
			g.errs[name] = err
			return
		}
		g.order = append(g.order, name)
		g.conns[name] = conn
	}
}
