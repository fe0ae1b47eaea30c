package logging

import "github.com/rs/zerolog"

// DispatcherLogger writes control-loop diagnostics through zerolog. Key-value pairs
// become event fields; non-string keys and a trailing key without a value are dropped.
type DispatcherLogger struct {
	zl zerolog.Logger
}

func NewDispatcherLogger(logger zerolog.Logger) *DispatcherLogger {
	return &DispatcherLogger{zl: logger}
}

func (l *DispatcherLogger) Debug(msg string, keysAndValues ...any) {
	l.zl.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *DispatcherLogger) Info(msg string, keysAndValues ...any) {
	l.zl.Info().Fields(keysAndValues).Msg(msg)
}

func (l *DispatcherLogger) Error(msg string, keysAndValues ...any) {
	l.zl.Error().Fields(keysAndValues).Msg(msg)
}
