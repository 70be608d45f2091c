// Package log configures logrus for hpcgate binaries. Library code logs through
// logrus directly (log "github.com/sirupsen/logrus") and never configures it.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/common/log/hooks"
)

// Setup sets the global logrus level and format and installs the file:line hook.
// An unparseable level falls back to info and is returned as an error.
func Setup(level string, json bool, out io.Writer) error {
	if out == nil {
		out = os.Stderr
	}
	logrus.SetOutput(out)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.AddHook(hooks.NewContextHook())
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.SetLevel(logrus.InfoLevel)
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}
