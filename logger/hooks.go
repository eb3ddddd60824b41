package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const loggerPackage = "github.com/git-akicargoo/realtime-crypto-boot-sub001/logger."

// stageHook tallies warnings and errors per pipeline stage. Entries written by
// the helpers of this package get the helper's caller as their caller.
type stageHook struct{}

func (*stageHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (*stageHook) Fire(e *logrus.Entry) error {
	if component, ok := e.Data["component"].(string); ok {
		switch e.Level {
		case logrus.WarnLevel:
			recordWarn(component)
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			recordError(component)
		}
	}
	if e.Caller != nil && strings.HasPrefix(e.Caller.Function, loggerPackage) {
		if frame, ok := callerOutsideLogger(); ok {
			e.Caller = &frame
		}
	}
	return nil
}

func callerOutsideLogger() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fn := frame.Function
		if fn != "" && !strings.Contains(fn, "sirupsen/logrus") && !strings.HasPrefix(fn, loggerPackage) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
