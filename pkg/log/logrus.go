package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	logFileName            = "bridge.log"
	defaultTimestampFormat = "2006/01/02 15:04:05.000000"
)

var _ Logger = (*logrusLogger)(nil)

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a logrus-backed Logger writing to stdout and, when
// logDir is set, also to logDir/bridge.log.
func NewLogrusLogger(logLevel string, logDir string) (Logger, error) {
	var out io.Writer = os.Stdout

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory '%s': %w", logDir, err)
		}
		logFilePath := filepath.Join(logDir, logFileName)
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file '%s': %w", logFilePath, err)
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}

	return NewWriterLogger(logLevel, out), nil
}

// NewWriterLogger builds a Logger writing to w. Unknown levels fall back to info.
func NewWriterLogger(logLevel string, w io.Writer) Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(&SimpleFormatter{TimestampFormat: defaultTimestampFormat})
	l.SetOutput(w)

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewNopLogger returns a Logger that discards everything. Handy in tests.
func NewNopLogger() Logger {
	return NewWriterLogger("panic", io.Discard)
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusLogger) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// SimpleFormatter renders one line per entry:
//
//	2025/04/06 17:30:00.000000 [INF] message key1=value1 key2=value2
type SimpleFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter.
func (f *SimpleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = defaultTimestampFormat
	}
	b.WriteString(entry.Time.Format(timestampFormat))

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 3 {
		level = level[:3]
	}
	fmt.Fprintf(b, " [%s] %s", level, entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
