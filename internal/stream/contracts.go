package stream

// Router supplies outbound sinks for named destinations and installs the
// throttle invoked for control frames (window, reset) arriving on a stream.
// A throttle stays installed until the stream is finished with and
// ClearThrottle drops it.
type Router interface {
	SupplyTarget(name string) MessageConsumer
	SetThrottle(name string, streamID uint64, handler MessageConsumer)
	ClearThrottle(name string, streamID uint64)
}

// IDSupplier hands out stream and correlation identifiers. Both sequences are
// unique and monotonically non-decreasing for the lifetime of the process.
type IDSupplier interface {
	NextStreamID() uint64
	NextCorrelationID() uint64
}

// MessageWriter emits frames on a target.
type MessageWriter interface {
	DoBegin(target MessageConsumer, streamID, ref, correlationID uint64)
	DoData(target MessageConsumer, streamID uint64, payload []byte)
	DoEnd(target MessageConsumer, streamID uint64)
	DoReset(throttle MessageConsumer, streamID uint64)
	DoWindow(throttle MessageConsumer, streamID uint64, credit int)
	DoHTTPBegin(target MessageConsumer, streamID, ref, correlationID uint64, headers Headers)
	DoHTTPEnd(target MessageConsumer, streamID uint64)
	DoEndOfMessage(target MessageConsumer, streamID uint64)
}
