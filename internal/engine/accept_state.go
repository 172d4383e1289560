package engine

import (
	"fmt"

	"github.com/arsac/h1relay/internal/metrics"
	"github.com/arsac/h1relay/internal/stream"
)

// AcceptState is shared between the request-reading and response-writing
// halves of one downstream connection. End of the reply stream is held back
// until every accepted request has been answered.
type AcceptState struct {
	replyName     string
	replyStreamID uint64
	reply         stream.MessageConsumer
	writer        stream.MessageWriter

	initialThrottle stream.MessageConsumer
	setThrottle     func(stream.MessageConsumer)
	clearThrottle   func()

	window          int
	pendingRequests int
	endRequested    bool
	endSent         bool
	persistent      bool
}

// NewAcceptState installs initialThrottle on the reply stream.
func NewAcceptState(
	replyName string,
	replyStreamID uint64,
	router stream.Router,
	writer stream.MessageWriter,
	initialThrottle stream.MessageConsumer,
) *AcceptState {
	s := &AcceptState{
		replyName:       replyName,
		replyStreamID:   replyStreamID,
		reply:           router.SupplyTarget(replyName),
		writer:          writer,
		initialThrottle: initialThrottle,
		persistent:      true,
		setThrottle: func(t stream.MessageConsumer) {
			router.SetThrottle(replyName, replyStreamID, t)
		},
		clearThrottle: func() {
			router.ClearThrottle(replyName, replyStreamID)
		},
	}
	s.setThrottle(initialThrottle)
	return s
}

func (s *AcceptState) ReplyStreamID() uint64 { return s.replyStreamID }

func (s *AcceptState) ReplyName() string { return s.replyName }

// Reply returns the sink for the reply stream.
func (s *AcceptState) Reply() stream.MessageConsumer { return s.reply }

func (s *AcceptState) Window() int { return s.window }

func (s *AcceptState) PendingRequests() int { return s.pendingRequests }

func (s *AcceptState) EndRequested() bool { return s.endRequested }

// Ended reports whether end-of-stream has been emitted on the reply.
func (s *AcceptState) Ended() bool { return s.endSent }

func (s *AcceptState) Persistent() bool { return s.persistent }

// SetNonPersistent records that the connection closes after the current responses.
func (s *AcceptState) SetNonPersistent() { s.persistent = false }

// SetThrottle installs a transient throttle on the reply stream. It does
// nothing once the reply has ended.
func (s *AcceptState) SetThrottle(t stream.MessageConsumer) {
	if s.endSent {
		return
	}
	s.setThrottle(t)
}

// RestoreInitialThrottle reinstalls the throttle active at construction.
func (s *AcceptState) RestoreInitialThrottle() {
	s.SetThrottle(s.initialThrottle)
}

// AddWindow records credit granted by the downstream on the reply stream.
func (s *AcceptState) AddWindow(credit int) {
	if credit <= 0 {
		return
	}
	s.window = int(min(int64(s.window)+int64(credit), maxWindow))
	metrics.CreditGrantedBytesTotal.WithLabelValues(metrics.SideAccept).Add(float64(credit))
}

// ConsumeWindow takes n bytes of reply credit.
func (s *AcceptState) ConsumeWindow(n int) error {
	if n > s.window {
		return fmt.Errorf("%w: %d bytes, window %d", ErrInsufficientWindow, n, s.window)
	}
	s.window -= n
	return nil
}

// RequestStarted counts a request accepted on this connection.
func (s *AcceptState) RequestStarted() {
	s.pendingRequests++
}

// RequestCompleted counts a finished response and emits a deferred end once
// the last pending request drains.
func (s *AcceptState) RequestCompleted() {
	if s.pendingRequests == 0 {
		return
	}
	s.pendingRequests--
	if s.pendingRequests == 0 && s.endRequested {
		s.emitEnd()
	}
}

// DoEnd ends the reply stream now if nothing is pending, otherwise defers
// until the pending requests complete.
func (s *AcceptState) DoEnd() {
	if s.pendingRequests == 0 {
		s.emitEnd()
		return
	}
	s.endRequested = true
}

// Abort resets the reply stream unless it already ended.
func (s *AcceptState) Abort() {
	if s.endSent {
		return
	}
	s.endSent = true
	s.endRequested = false
	s.clearThrottle()
	s.writer.DoReset(s.reply, s.replyStreamID)
}

func (s *AcceptState) emitEnd() {
	if s.endSent {
		return
	}
	s.endSent = true
	s.endRequested = false
	s.clearThrottle()
	s.writer.DoEnd(s.reply, s.replyStreamID)
}

func (s *AcceptState) String() string {
	return fmt.Sprintf("AcceptState[streamId=%016x, target=%s, window=%d, persistent=%t, pendingRequests=%d, endRequested=%t]",
		s.replyStreamID, s.replyName, s.window, s.persistent, s.pendingRequests, s.endRequested)
}
