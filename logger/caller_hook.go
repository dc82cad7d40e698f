package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// logrus resolves ReportCaller against its own call stack, which lands on the
// wrapper methods in this package rather than the code that actually logged.
// callerHook walks further up and pins entry.Caller to the first frame that
// belongs to application code.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire rewrites entry.Caller. The skip of 6 steps over runtime.Callers, Fire
// itself and the logrus hook machinery before the walk starts.
func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	depth := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:depth])
	for more := true; more; {
		var frame runtime.Frame
		frame, more = frames.Next()
		name := frame.Function
		if name == "" {
			break
		}
		if strings.Contains(name, "sirupsen/logrus") || strings.Contains(name, "klineflow/logger") {
			continue
		}
		entry.Caller = &frame
		return nil
	}
	return nil
}
