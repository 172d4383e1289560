package engine

import (
	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// ClientFactory handles client-role routes. Each accepted stream carries one
// request, which is written to a pooled upstream connection; the response
// arrives on a separate connect reply stream matched by correlation id.
type ClientFactory struct {
	env Env
}

// NewClientFactory creates a factory bound to one worker's collaborators.
func NewClientFactory(env Env) *ClientFactory {
	return &ClientFactory{env: env.withDefaults()}
}

// NewAcceptStream starts a request from begin and returns the consumer for the
// rest of the accept stream. throttle carries credit and resets back to the
// downstream caller.
func (f *ClientFactory) NewAcceptStream(
	acceptName string,
	begin stream.Frame,
	throttle stream.MessageConsumer,
) stream.MessageConsumer {
	route, ok := f.env.Routes.Resolve(acceptName, begin.Ref)
	if !ok || route.Role != RoleClient {
		f.env.Logger.Debug("no client route", "source", acceptName, "ref", begin.Ref)
		f.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}

	headers := applyRouteHeaders(begin.Headers, route.Headers)
	if err := checkHeaders(headers, f.env.SlotCapacity); err != nil {
		metrics.HeaderLimitRejectionsTotal.WithLabelValues(metrics.SideAccept).Inc()
		f.env.Logger.Warn("request headers rejected", "source", acceptName, "error", err)
		f.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}

	ex := &clientExchange{
		env:                 &f.env,
		pool:                f.env.Pools.Supply(route.Target, route.TargetRef),
		acceptName:          acceptName,
		acceptID:            begin.StreamID,
		acceptCorrelationID: begin.CorrelationID,
		acceptThrottle:      throttle,
		headers:             headers,
	}
	ex.ticket = ex.pool.Acquire(ex.onGrant)
	return ex.onRequest
}

// NewConnectReplyStream matches a response begin from upstream to the exchange
// waiting on that connection and returns the consumer for the response body.
func (f *ClientFactory) NewConnectReplyStream(begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	corr, ok := f.env.Correlations.Lookup(begin.CorrelationID)
	if !ok || corr.exchange == nil {
		f.env.Logger.Debug("response without pending request", "correlationId", begin.CorrelationID)
		f.env.Writer.DoReset(throttle, begin.StreamID)
		return discard
	}
	return corr.exchange.onResponseBegin(begin, throttle)
}

// clientExchange is one request/response pair on a client route.
type clientExchange struct {
	env    *Env
	pool   *Pool
	ticket *Ticket
	conn   *Connection

	acceptName          string
	acceptID            uint64
	acceptCorrelationID uint64
	acceptThrottle      stream.MessageConsumer
	headers             stream.Headers
	promised            int
	requestEnded        bool

	connectReplyID       uint64
	connectReplyThrottle stream.MessageConsumer

	reply        stream.MessageConsumer
	replyID      uint64
	replyCredit  int
	replyStarted bool
	replyEnded   bool

	released bool
	outcome  string
}

func (ex *clientExchange) onGrant(conn *Connection, err error) {
	if err != nil {
		ex.env.Logger.Warn("no upstream connection", "route", ex.pool.Name(), "error", err)
		sendServiceUnavailable(ex.env.Router, ex.env.Writer, ex.env.IDs, ex.acceptName, ex.acceptCorrelationID)
		ex.replyStarted, ex.replyEnded = true, true
		ex.released = true
		ex.resetRequest()
		ex.finish(metrics.ResultUnavailable)
		return
	}

	ex.conn = conn
	ex.env.Correlations.Put(conn.CorrelationID(), Correlation{
		Source:   ex.acceptName,
		ID:       ex.acceptCorrelationID,
		exchange: ex,
	})
	ex.env.Router.SetThrottle(ex.pool.Name(), conn.StreamID(), ex.onConnectThrottle)
	ex.env.Writer.DoHTTPBegin(ex.pool.target, conn.StreamID(), ex.pool.Ref(), conn.CorrelationID(), ex.headers)
	if ex.requestEnded {
		ex.env.Writer.DoEndOfMessage(ex.pool.target, conn.StreamID())
		return
	}
	ex.grantRequestCredit()
}

// onRequest consumes the accept stream after its begin frame.
func (ex *clientExchange) onRequest(f stream.Frame) {
	switch f.Type {
	case stream.FrameData:
		ex.onRequestData(f.Payload)
	case stream.FrameEnd:
		ex.onRequestEnd()
	case stream.FrameReset:
		ex.onRequestAbort()
	}
}

func (ex *clientExchange) onRequestData(payload []byte) {
	if ex.released || len(payload) == 0 {
		return
	}
	if ex.requestEnded || len(payload) > ex.promised {
		ex.env.Logger.Debug("request data exceeds granted window",
			"source", ex.acceptName, "bytes", len(payload), "window", ex.promised)
		ex.resetRequest()
		ex.abandon()
		return
	}
	ex.promised -= len(payload)
	if err := ex.conn.Write(payload); err != nil {
		ex.env.Logger.Debug("request write failed", "conn", ex.conn, "error", err)
		ex.resetRequest()
		ex.abandon()
	}
}

func (ex *clientExchange) onRequestEnd() {
	if ex.requestEnded {
		return
	}
	ex.requestEnded = true
	if ex.conn == nil || ex.released {
		return
	}
	ex.env.Writer.DoEndOfMessage(ex.pool.target, ex.conn.StreamID())
}

func (ex *clientExchange) onRequestAbort() {
	ex.requestEnded = true
	ex.abandon()
}

// abandon drops the exchange after the downstream side failed. A queued
// acquire is withdrawn; a granted connection is retired since the upstream
// may still be mid-request.
func (ex *clientExchange) abandon() {
	if ex.released {
		return
	}
	if ex.conn == nil {
		ex.pool.Cancel(ex.ticket)
		ex.released = true
		ex.finish(metrics.ResultAborted)
		return
	}
	ex.env.Correlations.Remove(ex.conn.CorrelationID())
	ex.resetResponse()
	ex.abortReply()
	ex.retireConnection()
	ex.finish(metrics.ResultAborted)
}

// onConnectThrottle replaces the connection's default throttle while the
// exchange owns it, so upstream credit can be passed on to the caller.
func (ex *clientExchange) onConnectThrottle(f stream.Frame) {
	ex.conn.HandleThrottle(f)
	if ex.released {
		return
	}
	switch f.Type {
	case stream.FrameWindow:
		ex.grantRequestCredit()
	case stream.FrameReset:
		// The connection already released itself and answered with a 503
		// if no response had started.
		ex.released = true
		ex.connectReplyThrottle = nil
		ex.resetRequest()
		ex.abortReply()
		ex.finish(metrics.ResultAborted)
	}
}

func (ex *clientExchange) grantRequestCredit() {
	if ex.conn == nil || ex.requestEnded || ex.released {
		return
	}
	if delta := ex.conn.Window() - ex.promised; delta > 0 {
		ex.promised += delta
		ex.env.Writer.DoWindow(ex.acceptThrottle, ex.acceptID, delta)
	}
}

func (ex *clientExchange) onResponseBegin(begin stream.Frame, throttle stream.MessageConsumer) stream.MessageConsumer {
	ex.connectReplyID, ex.connectReplyThrottle = begin.StreamID, throttle
	ex.conn.SetInput(throttle, begin.StreamID)

	if err := checkHeaders(begin.Headers, ex.env.SlotCapacity); err != nil {
		metrics.HeaderLimitRejectionsTotal.WithLabelValues(metrics.SideConnect).Inc()
		ex.env.Logger.Warn("response headers rejected", "route", ex.pool.Name(), "error", err)
		ex.resetResponse()
		ex.resetRequest()
		// The correlation is still pending, so release answers with a 503.
		ex.retireConnection()
		return discard
	}

	ex.env.Correlations.Remove(ex.conn.CorrelationID())
	if !persistentExchange(ex.headers, begin.Headers) || upgradeRequested(begin.Headers) {
		ex.conn.MarkNonPersistent()
	}

	ex.reply = ex.env.Router.SupplyTarget(ex.acceptName)
	ex.replyID = ex.env.IDs.NextStreamID()
	ex.env.Router.SetThrottle(ex.acceptName, ex.replyID, ex.onReplyThrottle)
	ex.env.Writer.DoHTTPBegin(ex.reply, ex.replyID, 0, ex.acceptCorrelationID, begin.Headers)
	ex.replyStarted = true
	return ex.onResponse
}

func (ex *clientExchange) onResponse(f stream.Frame) {
	if ex.replyEnded {
		return
	}
	switch f.Type {
	case stream.FrameData:
		if len(f.Payload) > ex.replyCredit {
			ex.env.Logger.Debug("response data exceeds granted window",
				"route", ex.pool.Name(), "bytes", len(f.Payload), "window", ex.replyCredit)
			ex.resetResponse()
			ex.failResponse()
			return
		}
		ex.replyCredit -= len(f.Payload)
		if len(f.Payload) > 0 {
			ex.env.Writer.DoData(ex.reply, ex.replyID, f.Payload)
		}
		if f.EndOfMessage() {
			ex.completeResponse()
		}
	case stream.FrameEnd:
		ex.completeResponse()
	case stream.FrameReset:
		ex.connectReplyThrottle = nil
		ex.failResponse()
	}
}

// completeResponse ends the caller's reply and hands the connection back.
// Anything the upstream sends on the response stream afterwards is dropped.
func (ex *clientExchange) completeResponse() {
	ex.replyEnded = true
	ex.connectReplyThrottle = nil
	ex.env.Router.ClearThrottle(ex.acceptName, ex.replyID)
	ex.env.Writer.DoHTTPEnd(ex.reply, ex.replyID)
	if !ex.requestEnded {
		// Unread request body leaves the connection mid-message.
		ex.resetRequest()
		ex.conn.MarkNonPersistent()
	}
	ex.release()
	ex.finish(metrics.ResultCompleted)
}

func (ex *clientExchange) failResponse() {
	ex.abortReply()
	ex.resetRequest()
	ex.retireConnection()
	ex.finish(metrics.ResultAborted)
}

// onReplyThrottle relays downstream credit and resets for the accept reply to
// the upstream response stream.
func (ex *clientExchange) onReplyThrottle(f stream.Frame) {
	if ex.replyEnded {
		return
	}
	switch f.Type {
	case stream.FrameWindow:
		if f.Credit <= 0 {
			return
		}
		ex.replyCredit = int(min(int64(ex.replyCredit)+int64(f.Credit), maxWindow))
		metrics.CreditGrantedBytesTotal.WithLabelValues(metrics.SideAccept).Add(float64(f.Credit))
		if ex.connectReplyThrottle != nil {
			ex.env.Writer.DoWindow(ex.connectReplyThrottle, ex.connectReplyID, f.Credit)
		}
	case stream.FrameReset:
		ex.replyEnded = true
		ex.env.Router.ClearThrottle(ex.acceptName, ex.replyID)
		ex.resetResponse()
		ex.resetRequest()
		ex.retireConnection()
		ex.finish(metrics.ResultAborted)
	}
}

// onSynthesized is called by the pool after it answered the caller with a 503.
func (ex *clientExchange) onSynthesized() {
	ex.replyStarted, ex.replyEnded = true, true
	ex.finish(metrics.ResultUnavailable)
}

func (ex *clientExchange) resetRequest() {
	if ex.requestEnded {
		return
	}
	ex.requestEnded = true
	ex.env.Writer.DoReset(ex.acceptThrottle, ex.acceptID)
}

func (ex *clientExchange) resetResponse() {
	if ex.connectReplyThrottle == nil {
		return
	}
	ex.env.Writer.DoReset(ex.connectReplyThrottle, ex.connectReplyID)
	ex.connectReplyThrottle = nil
}

// abortReply cuts off a response the caller has started receiving.
func (ex *clientExchange) abortReply() {
	if !ex.replyStarted || ex.replyEnded {
		return
	}
	ex.replyEnded = true
	ex.env.Router.ClearThrottle(ex.acceptName, ex.replyID)
	ex.env.Writer.DoReset(ex.reply, ex.replyID)
}

func (ex *clientExchange) retireConnection() {
	if ex.released {
		return
	}
	ex.conn.MarkNonPersistent()
	ex.release()
}

func (ex *clientExchange) release() {
	if ex.released {
		return
	}
	ex.released = true
	ex.pool.Release(ex.conn, true)
}

func (ex *clientExchange) finish(result string) {
	if ex.outcome != "" {
		return
	}
	ex.outcome = result
	metrics.ExchangesTotal.WithLabelValues(result).Inc()
}
