// Package logger wraps logrus with the field conventions used across
// bookflow: every entry carries a component, and entries about a venue carry
// the exchange id (and symbol where one applies) so the /api/logs ring and
// the runtime report can attribute them.
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

// Fields mirrors logrus.Fields.
type Fields map[string]interface{}

// Log is the process logger.
type Log struct {
	*logrus.Logger
}

// Entry is a Log with fields attached. Warn and Error feed the runtime report.
type Entry struct {
	*logrus.Entry
}

const (
	levelEnv = "LOG_LEVEL"
	// reportLevel logs at info and turns on the periodic runtime report.
	reportLevel = "report"
	// rotateSizeMB caps a single log file before lumberjack rotates it.
	rotateSizeMB = 100
)

var globalLogger = Logger()

// Logger builds a JSON logger at LOG_LEVEL, or info when unset or invalid.
func Logger() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	formatter, _ := newFormatter("json")
	l.SetFormatter(formatter)
	l.SetLevel(logrus.InfoLevel)
	if lvl, err := parseLevel(os.Getenv(levelEnv)); err == nil {
		l.SetLevel(lvl)
	}
	l.AddHook(newSourceHook())
	return &Log{Logger: l}
}

// GetLogger returns the shared process logger.
func GetLogger() *Log {
	return globalLogger
}

func parseLevel(level string) (logrus.Level, error) {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "":
		return logrus.InfoLevel, fmt.Errorf("empty log level")
	case reportLevel:
		return logrus.InfoLevel, nil
	default:
		return logrus.ParseLevel(level)
	}
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "", "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: shortCaller,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		}, nil
	}
	return nil, fmt.Errorf("invalid log format '%s'", format)
}

// openOutput maps the configured output to a writer. Anything other than
// stdout or stderr is a file path, rotated when maxAge is positive.
func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  rotateSizeMB,
			Compress: true,
		}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return f, nil
}

// Configure applies the logging section of the config. LOG_LEVEL, when set,
// wins over level. Nothing is changed unless every setting is valid.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv(levelEnv); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}
	w, err := openOutput(output, maxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(w)
	l.SetReportCaller(true)
	return nil
}

func (l *Log) entry() *Entry {
	return &Entry{Entry: logrus.NewEntry(l.Logger)}
}

func (l *Log) WithComponent(component string) *Entry { return l.entry().WithComponent(component) }
func (l *Log) WithExchange(exchange string) *Entry { return l.entry().WithExchange(exchange) }
func (l *Log) WithFields(fields Fields) *Entry { return l.entry().WithFields(fields) }
func (l *Log) WithError(err error) *Entry { return l.entry().WithError(err) }
func (l *Log) WithEnv(envs ...string) *Entry { return l.entry().WithEnv(envs...) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

// WithExchange tags the entry with an exchange id.
func (e *Entry) WithExchange(exchange string) *Entry {
	return &Entry{Entry: e.Entry.WithField("exchange", exchange)}
}

// WithSymbol tags the entry with a canonical symbol.
func (e *Entry) WithSymbol(symbol string) *Entry {
	return &Entry{Entry: e.Entry.WithField("symbol", symbol)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithEnv records the current value of each named environment variable.
func (e *Entry) WithEnv(envs ...string) *Entry {
	fields := make(logrus.Fields, len(envs))
	for _, env := range envs {
		fields[env] = os.Getenv(env)
	}
	return &Entry{Entry: e.Entry.WithFields(fields)}
}

func (e *Entry) Warn(args ...interface{}) {
	recordWarn(e.Entry.Data)
	e.Entry.Warn(args...)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	recordWarn(e.Entry.Data)
	e.Entry.Warnf(format, args...)
}

func (e *Entry) Error(args ...interface{}) {
	recordError(e.Entry.Data)
	e.Entry.Error(args...)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	recordError(e.Entry.Data)
	e.Entry.Errorf(format, args...)
}
