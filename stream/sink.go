package stream

import "klineflow/models"

// EventSink receives the typed lifecycle events of a session. The manager
// implements it; the supervisor wraps the manager's sink to observe closures.
type EventSink interface {
	// OnMessage delivers one inbound combined-stream frame. Frames are
	// delivered one at a time in arrival order.
	OnMessage(frame *models.StreamFrame)
	// OnError reports a non-fatal session error (malformed frame, throttle
	// signal, transient read failure).
	OnError(err error)
	// OnClosed fires exactly once per established connection when it ends.
	// requested is true when the owner called Disconnect.
	OnClosed(requested bool)
}
