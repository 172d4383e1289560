package stream

// Writer is the default MessageWriter. It builds frames and hands them
// synchronously to the target; nil targets are ignored.
type Writer struct{}

var _ MessageWriter = Writer{}

func (Writer) DoBegin(target MessageConsumer, streamID, ref, correlationID uint64) {
	emit(target, Frame{Type: FrameBegin, StreamID: streamID, Ref: ref, CorrelationID: correlationID})
}

func (Writer) DoData(target MessageConsumer, streamID uint64, payload []byte) {
	emit(target, Frame{Type: FrameData, StreamID: streamID, Payload: payload})
}

func (Writer) DoEnd(target MessageConsumer, streamID uint64) {
	emit(target, Frame{Type: FrameEnd, StreamID: streamID})
}

func (Writer) DoReset(throttle MessageConsumer, streamID uint64) {
	emit(throttle, Frame{Type: FrameReset, StreamID: streamID})
}

func (Writer) DoWindow(throttle MessageConsumer, streamID uint64, credit int) {
	emit(throttle, Frame{Type: FrameWindow, StreamID: streamID, Credit: credit})
}

func (Writer) DoHTTPBegin(target MessageConsumer, streamID, ref, correlationID uint64, headers Headers) {
	emit(target, Frame{
		Type:          FrameBegin,
		StreamID:      streamID,
		Ref:           ref,
		CorrelationID: correlationID,
		Headers:       headers,
	})
}

// DoHTTPEnd ends an HTTP exchange. HTTP/1.1 trailers are not modelled, so this
// is a plain end frame.
func (Writer) DoHTTPEnd(target MessageConsumer, streamID uint64) {
	emit(target, Frame{Type: FrameEnd, StreamID: streamID})
}

// DoEndOfMessage completes the current HTTP message without ending the stream.
func (Writer) DoEndOfMessage(target MessageConsumer, streamID uint64) {
	emit(target, Frame{Type: FrameData, Flags: FlagEndOfMessage, StreamID: streamID})
}

func emit(target MessageConsumer, f Frame) {
	if target != nil {
		target(f)
	}
}
