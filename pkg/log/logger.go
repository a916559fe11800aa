package log

// Logger is the logging interface used throughout the bridge.
// Components take a Logger instead of a concrete logrus entry so tests can
// swap in a quiet or capturing implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
