// Package logger is the structured logrus logger shared by every component.
// Entries carry a component field plus the connection and exchange they
// concern, and warnings and errors are tallied per pipeline stage for the
// runtime report.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields so callers do not import logrus.
type Fields map[string]interface{}

type Log struct {
	*logrus.Logger
}

type Entry struct {
	*logrus.Entry
}

var globalLogger = New()

// New returns a JSON logger at the LOG_LEVEL level, info by default.
func New() *Log {
	l := &Log{Logger: logrus.New()}
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(true)
	formatter, _ := newFormatter("json")
	l.SetFormatter(formatter)
	l.AddHook(&stageHook{})
	return l
}

func GetLogger() *Log {
	return globalLogger
}

// Configure applies the logging section of the configuration. LOG_LEVEL, when
// set, wins over level. A file output rotates through lumberjack when maxAge
// (days) is positive.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}
	out, err := openOutput(output, maxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	l.SetReportCaller(true)
	return nil
}

// parseLevel accepts logrus levels plus "report", which logs at info and
// turns on the periodic runtime report.
func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(format) {
	case "json", "":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyCaller,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log format '%s'", format)
	}
}

func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

func (l *Log) entry() *Entry {
	return &Entry{Entry: logrus.NewEntry(l.Logger)}
}

func (l *Log) WithComponent(component string) *Entry { return l.entry().WithComponent(component) }
func (l *Log) WithFields(fields Fields) *Entry       { return l.entry().WithFields(fields) }
func (l *Log) WithError(err error) *Entry            { return l.entry().WithError(err) }

// WithConnection tags the entry with one exchange connection.
func (l *Log) WithConnection(connection, exchange string) *Entry {
	return l.entry().WithConnection(connection, exchange)
}

func (l *Log) WithExchange(exchange string) *Entry { return l.entry().WithExchange(exchange) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) WithConnection(connection, exchange string) *Entry {
	return e.WithFields(Fields{"connection": connection, "exchange": exchange})
}

func (e *Entry) WithExchange(exchange string) *Entry {
	return &Entry{Entry: e.Entry.WithField("exchange", exchange)}
}

// WithPair tags the entry with a market in BASE/QUOTE form.
func (e *Entry) WithPair(pair string) *Entry {
	return &Entry{Entry: e.Entry.WithField("pair", pair)}
}

// LogPerformanceEntry records how long one operation of component took.
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	out := make(Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	out["operation"] = operation
	entry.WithFields(out).WithComponent(component).Info("performance metric")
}

// LogDataFlowEntry records a hand-off of recordCount items between stages.
func LogDataFlowEntry(entry *Entry, source string, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
		"flow_type":    "data_flow",
	}).Info("data flow metric")
}
