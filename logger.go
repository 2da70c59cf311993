package reqcache

// Fields carries structured context for a log line.
type Fields map[string]any

// Logger is the minimal logging surface the engine needs. Adapters for
// zap, logrus and slog live under log/; any other backend only has to
// implement these four methods.
//
// Implementations must be safe for concurrent use. fields may be nil.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)
}

// NopLogger discards everything. It is the default when Options.Logger
// is nil.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
