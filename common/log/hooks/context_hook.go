package hooks

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const modulePrefix = "hpcgate/"

// contextHook adds the "file:line" of the logging call site to each entry.
type contextHook struct{}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") && !strings.Contains(frame.File, "context_hook.go") {
			file := frame.File
			if i := strings.LastIndex(file, modulePrefix); i >= 0 {
				file = file[i+len(modulePrefix):]
			}
			entry.Data["file:line"] = file + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
