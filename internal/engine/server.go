package engine

import (
	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// ServerFactory handles server-role routes. An accept stream is a whole
// downstream connection carrying pipelined requests. Each request is written
// on its own target stream and the responses are sent back on the shared
// accept reply in request order.
type ServerFactory struct {
	env Env

	// requests awaiting a target reply begin, by correlation id
	requests map[uint64]*serverRequest
}

// NewServerFactory creates a factory bound to one worker's collaborators.
func NewServerFactory(env Env) *ServerFactory {
	return &ServerFactory{
		env:      env.withDefaults(),
		requests: make(map[uint64]*serverRequest),
	}
}

// Pending returns the number of requests still waiting for a response begin.
func (f *ServerFactory) Pending() int {
	return len(f.requests)
}

// NewAcceptStream opens the reply for a downstream connection and returns the
// consumer for its request frames.
func (f *ServerFactory) NewAcceptStream(
	acceptName string,
	begin stream.Frame,
	throttle stream.MessageConsumer,
) stream.MessageConsumer {
	route, ok := f.env.Routes.Resolve(acceptName, begin.Ref)
	if !ok || route.Role != RoleServer {
		f.env.Logger.Debug("no server route", "source", acceptName, "ref", begin.Ref)
		f.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}

	c := &serverConnection{
		factory:        f,
		env:            &f.env,
		route:          route,
		acceptName:     acceptName,
		acceptID:       begin.StreamID,
		acceptThrottle: throttle,
	}
	replyID := f.env.IDs.NextStreamID()
	c.state = NewAcceptState(acceptName, replyID, f.env.Router, f.env.Writer, c.onReplyThrottle)
	f.env.Writer.DoBegin(c.state.Reply(), replyID, 0, begin.CorrelationID)
	return c.onAccept
}

// NewTargetReplyStream matches a response begin from a target to its request.
func (f *ServerFactory) NewTargetReplyStream(begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	req, ok := f.requests[begin.CorrelationID]
	if !ok {
		f.env.Logger.Debug("response without pending request", "correlationId", begin.CorrelationID)
		f.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}
	delete(f.requests, begin.CorrelationID)
	return req.onResponseBegin(begin, throttle)
}

// serverConnection is one downstream HTTP/1.1 connection.
type serverConnection struct {
	factory *ServerFactory
	env     *Env
	route   Route

	acceptName     string
	acceptID       uint64
	acceptThrottle stream.MessageConsumer

	state    *AcceptState
	requests fifo[*serverRequest]
	current  *serverRequest

	// credit granted on the accept stream and not yet used
	promised int

	closing     bool
	inputClosed bool
	closed      bool
	replyReset  bool
}

func (c *serverConnection) onAccept(f stream.Frame) {
	if c.closed || c.inputClosed {
		return
	}
	switch f.Type {
	case stream.FrameBegin:
		c.onRequestBegin(f)
	case stream.FrameData:
		c.onRequestData(f)
	case stream.FrameEnd:
		c.onAcceptEnd()
	case stream.FrameReset:
		c.abort()
	}
}

func (c *serverConnection) onRequestBegin(f stream.Frame) {
	if c.current != nil && !c.current.bodyEnded {
		c.fail("request head before previous body completed")
		return
	}
	if c.closing {
		c.stopReading()
		return
	}
	headers := applyRouteHeaders(f.Headers, c.route.Headers)
	if err := checkHeaders(headers, c.env.SlotCapacity); err != nil {
		metrics.HeaderLimitRejectionsTotal.WithLabelValues(metrics.SideAccept).Inc()
		c.fail(err.Error())
		return
	}

	req := &serverRequest{
		conn:          c,
		targetID:      c.env.IDs.NextStreamID(),
		correlationID: c.env.IDs.NextCorrelationID(),
		target:        c.env.Router.SupplyTarget(c.route.Target),
	}
	c.state.RequestStarted()
	c.requests.Push(req)
	c.current = req
	if !persistentExchange(headers, nil) {
		c.closeAfterResponses()
	}

	if req.target == nil {
		c.env.Logger.Warn("target unavailable", "route", c.route.Target)
		req.discard = true
		req.synthesize()
		req.bodyEnded = f.EndOfMessage()
		c.grantRequestCredit()
		c.flush()
		return
	}

	c.factory.requests[req.correlationID] = req
	c.env.Router.SetThrottle(c.route.Target, req.targetID, req.onTargetThrottle)
	c.env.Writer.DoHTTPBegin(req.target, req.targetID, c.route.TargetRef, req.correlationID, headers)
	if f.EndOfMessage() {
		req.endBody()
	}
}

func (c *serverConnection) onRequestData(f stream.Frame) {
	req := c.current
	if req == nil || req.bodyEnded {
		c.fail("request data outside a request")
		return
	}
	n := len(f.Payload)
	if n > c.promised {
		c.fail("request data exceeds granted window")
		return
	}
	c.promised -= n
	if n > 0 && !req.write(f.Payload) {
		c.fail("request data exceeds buffer slot")
		return
	}
	if f.EndOfMessage() {
		req.endBody()
		return
	}
	if req.discard {
		c.grantRequestCredit()
	}
}

func (c *serverConnection) onAcceptEnd() {
	if c.current != nil && !c.current.bodyEnded {
		c.fail("connection closed mid-request")
		return
	}
	c.inputClosed = true
	c.closeAfterResponses()
}

// closeAfterResponses stops accepting requests; the reply ends once every
// accepted request has been answered.
func (c *serverConnection) closeAfterResponses() {
	c.closing = true
	c.state.SetNonPersistent()
	c.state.DoEnd()
}

func (c *serverConnection) stopReading() {
	if c.inputClosed {
		return
	}
	c.inputClosed = true
	c.env.Writer.DoReset(c.acceptThrottle, c.acceptID)
}

// grantRequestCredit passes target window on to the downstream for the
// request currently being read. Outstanding credit never exceeds one buffer
// slot, so data sent on stale credit always fits the slot.
func (c *serverConnection) grantRequestCredit() {
	req := c.current
	if req == nil || req.bodyEnded || c.inputClosed || c.closed {
		return
	}
	available := c.env.SlotCapacity
	if !req.discard {
		available = min(req.window-len(req.buffered), c.env.SlotCapacity)
	}
	if delta := available - c.promised; delta > 0 {
		c.promised += delta
		c.env.Writer.DoWindow(c.acceptThrottle, c.acceptID, delta)
	}
}

// flush writes every response that can be written in request order.
func (c *serverConnection) flush() {
	for !c.closed {
		head, ok := c.requests.Peek()
		if !ok || head.response == nil {
			return
		}
		if !head.started {
			head.started = true
			c.env.Writer.DoHTTPBegin(c.state.Reply(), c.state.ReplyStreamID(), 0, 0, head.response)
			if !head.responseEnded {
				c.state.SetThrottle(head.onReplyThrottle)
				head.grantResponseCredit()
			}
		}
		if !head.responseEnded {
			return
		}
		c.completeHead()
	}
}

func (c *serverConnection) completeHead() {
	head, _ := c.requests.Pop()
	if head.target != nil && head.ended {
		c.env.Router.ClearThrottle(c.route.Target, head.targetID)
	}
	c.env.Writer.DoEndOfMessage(c.state.Reply(), c.state.ReplyStreamID())
	c.state.RestoreInitialThrottle()
	if head.synthesized {
		metrics.ExchangesTotal.WithLabelValues(metrics.ResultUnavailable).Inc()
	} else {
		metrics.ExchangesTotal.WithLabelValues(metrics.ResultCompleted).Inc()
	}
	c.state.RequestCompleted()
}

// onReplyThrottle is the reply throttle between responses.
func (c *serverConnection) onReplyThrottle(f stream.Frame) {
	switch f.Type {
	case stream.FrameWindow:
		c.state.AddWindow(f.Credit)
	case stream.FrameReset:
		c.replyReset = true
		c.fail("downstream reset the reply")
	}
}

// fail resets the downstream connection after a protocol error.
func (c *serverConnection) fail(reason string) {
	if c.closed {
		return
	}
	c.env.Logger.Debug("closing downstream connection", "source", c.acceptName, "reason", reason)
	c.stopReading()
	c.abort()
}

// abort tears down every request still in flight.
func (c *serverConnection) abort() {
	if c.closed {
		return
	}
	c.closed = true
	for {
		req, ok := c.requests.Pop()
		if !ok {
			break
		}
		delete(c.factory.requests, req.correlationID)
		if req.target != nil && !req.ended {
			req.ended = true
			c.env.Writer.DoReset(req.target, req.targetID)
		}
		if req.replyThrottle != nil {
			c.env.Writer.DoReset(req.replyThrottle, req.replyID)
			req.replyThrottle = nil
		}
		metrics.ExchangesTotal.WithLabelValues(metrics.ResultAborted).Inc()
	}
	c.current = nil
	if !c.replyReset {
		c.state.Abort()
	}
}

// serverRequest is one pipelined request and its response.
type serverRequest struct {
	conn *serverConnection

	targetID      uint64
	correlationID uint64
	target        stream.MessageConsumer
	window        int
	buffered      []byte
	bodyEnded     bool
	ended         bool
	discard       bool

	replyID       uint64
	replyThrottle stream.MessageConsumer
	response      stream.Headers
	responseEnded bool
	started       bool
	synthesized   bool
	credit        int
}

// write forwards request data within the target window and holds the rest.
func (r *serverRequest) write(payload []byte) bool {
	if r.discard {
		return true
	}
	if len(r.buffered) == 0 && len(payload) <= r.window {
		r.window -= len(payload)
		r.conn.env.Writer.DoData(r.target, r.targetID, payload)
		return true
	}
	if len(r.buffered)+len(payload) > r.conn.env.SlotCapacity {
		return false
	}
	r.buffered = append(r.buffered, payload...)
	return true
}

func (r *serverRequest) endBody() {
	r.bodyEnded = true
	r.flushBody()
}

func (r *serverRequest) flushBody() {
	if r.discard || r.ended {
		return
	}
	if n := min(len(r.buffered), r.window); n > 0 {
		r.conn.env.Writer.DoData(r.target, r.targetID, r.buffered[:n])
		r.window -= n
		r.buffered = r.buffered[n:]
		if len(r.buffered) == 0 {
			r.buffered = nil
		}
	}
	if r.bodyEnded && len(r.buffered) == 0 {
		r.ended = true
		r.conn.env.Writer.DoHTTPEnd(r.target, r.targetID)
	}
}

func (r *serverRequest) onTargetThrottle(f stream.Frame) {
	c := r.conn
	if c.closed || r.discard {
		return
	}
	switch f.Type {
	case stream.FrameWindow:
		if f.Credit <= 0 {
			return
		}
		r.window = int(min(int64(r.window)+int64(f.Credit), maxWindow))
		metrics.CreditGrantedBytesTotal.WithLabelValues(metrics.SideConnect).Add(float64(f.Credit))
		r.flushBody()
		if r == c.current {
			c.grantRequestCredit()
		}
	case stream.FrameReset:
		// The target refused the request; the rest of the body is dropped.
		r.discard = true
		r.ended = true
		r.buffered = nil
		if r.response == nil {
			delete(c.factory.requests, r.correlationID)
			r.synthesize()
			c.flush()
		}
		if r == c.current {
			c.grantRequestCredit()
		}
	}
}

func (r *serverRequest) onResponseBegin(begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	c := r.conn
	if c.closed {
		c.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}
	r.replyID, r.replyThrottle = begin.StreamID, throttle

	if err := checkHeaders(begin.Headers, c.env.SlotCapacity); err != nil {
		metrics.HeaderLimitRejectionsTotal.WithLabelValues(metrics.SideConnect).Inc()
		c.env.Logger.Warn("response headers rejected", "route", c.route.Target, "error", err)
		c.env.Writer.DoReset(throttle, begin.StreamID)
		r.replyThrottle = nil
		if !r.ended {
			r.ended = true
			c.env.Writer.DoReset(r.target, r.targetID)
		}
		r.discard = true
		r.buffered = nil
		r.synthesize()
		c.flush()
		return discard
	}

	r.response = begin.Headers
	if !persistentExchange(nil, begin.Headers) {
		c.closeAfterResponses()
	}
	c.flush()
	return r.onResponse
}

func (r *serverRequest) onResponse(f stream.Frame) {
	c := r.conn
	if c.closed || r.responseEnded || r.response == nil {
		return
	}
	switch f.Type {
	case stream.FrameData:
		n := len(f.Payload)
		if n == 0 {
			return
		}
		if n > r.credit {
			c.env.Writer.DoReset(r.replyThrottle, r.replyID)
			r.replyThrottle = nil
			r.failResponse()
			return
		}
		r.credit -= n
		if err := c.state.ConsumeWindow(n); err != nil {
			c.fail(err.Error())
			return
		}
		c.env.Writer.DoData(c.state.Reply(), c.state.ReplyStreamID(), f.Payload)
	case stream.FrameEnd:
		r.responseEnded = true
		r.replyThrottle = nil
		c.flush()
	case stream.FrameReset:
		r.replyThrottle = nil
		r.failResponse()
	}
}

// failResponse replaces a response that never reached the downstream with a
// 503. One that is partly written cannot be recovered on HTTP/1.1.
func (r *serverRequest) failResponse() {
	c := r.conn
	if r.started {
		c.fail("response aborted mid-message")
		return
	}
	r.synthesize()
	c.flush()
}

// onReplyThrottle is installed on the reply while this request's response is
// being written.
func (r *serverRequest) onReplyThrottle(f stream.Frame) {
	c := r.conn
	switch f.Type {
	case stream.FrameWindow:
		c.state.AddWindow(f.Credit)
		r.grantResponseCredit()
	case stream.FrameReset:
		c.replyReset = true
		c.fail("downstream reset the reply")
	}
}

func (r *serverRequest) grantResponseCredit() {
	if r.replyThrottle == nil {
		return
	}
	if delta := r.conn.state.Window() - r.credit; delta > 0 {
		r.credit += delta
		r.conn.env.Writer.DoWindow(r.replyThrottle, r.replyID, delta)
	}
}

func (r *serverRequest) synthesize() {
	r.response = stream.Headers{{Name: stream.HeaderStatus, Value: statusServiceUnavailable}}
	r.responseEnded = true
	r.synthesized = true
	metrics.SynthesizedResponsesTotal.WithLabelValues(statusServiceUnavailable).Inc()
}
