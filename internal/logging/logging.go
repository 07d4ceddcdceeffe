// Package logging provides the FTL's structured logger, built on logrus the
// way xmysql-server's logger package wraps it: one package-level logger, a
// small init routine, and a custom text formatter that favors compact,
// component-tagged lines over logrus's default verbosity.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&compactFormatter{})
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
}

// Init sets the minimum log level from a string such as "debug", "info",
// "warn", or "error". An unrecognized level falls back to info.
func Init(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// L returns the package logger, for call sites that want a *logrus.Entry
// with fields attached.
func L() *logrus.Logger { return log }

// compactFormatter renders "HH:MM:SS.mmm LEVEL message k=v ...", with the
// component tag printed among the k=v fields,
// mirroring the single-line-per-event style the rest of the retrieval pack
// uses for kernel/storage-style logging.
type compactFormatter struct{}

func (f *compactFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format("15:04:05.000")
	line := fmt.Sprintf("%s %-5s %s", ts, levelTag(e.Level), e.Message)
	for k, v := range e.Data {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// Component returns a logger scoped to a named subsystem, used at package
// boundaries (cmt, wb, gc, bpm, line, ftl) the way the teacher's BufMgr
// tags its own debug output with the calling function.
func Component(name string) *logrus.Entry {
	return log.WithField("component", name)
}
