package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxSourceDepth = 24

// sourceHook replaces the caller logrus found with the first frame outside
// the logging packages, since Entry's Warn and Error add a frame of their own.
type sourceHook struct {
	skip []string
}

func newSourceHook() *sourceHook {
	return &sourceHook{skip: []string{"github.com/sirupsen/logrus.", "bookflow/logger."}}
}

func (h *sourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sourceHook) Fire(entry *logrus.Entry) error {
	if frame, ok := h.callSite(); ok {
		entry.Caller = &frame
	}
	return nil
}

func (h *sourceHook) callSite() (runtime.Frame, bool) {
	var pcs [maxSourceDepth]uintptr
	// 0 is runtime.Callers, 1 is callSite.
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !h.internal(frame) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func (h *sourceHook) internal(frame runtime.Frame) bool {
	if strings.HasSuffix(frame.File, "_test.go") {
		return false
	}
	for _, prefix := range h.skip {
		if strings.HasPrefix(frame.Function, prefix) {
			return true
		}
	}
	return false
}
