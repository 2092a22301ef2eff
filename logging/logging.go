// Package logging provides the component logger used across agent-studio.
// Entries are written through zap; the API keeps the map-of-fields style so
// call sites stay terse.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string into a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config configures a root logger.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// Format is "console" (default) or "json".
	Format string

	// Output receives encoded entries. Default: stdout.
	Output io.Writer
}

// DefaultConfig returns console output at INFO to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "console",
		Output: os.Stdout,
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	z         *zap.Logger
	level     zap.AtomicLevel
	component string
	traceID   string
}

// New creates a root logger.
func New(cfg Config) *Logger {
	if cfg.Level == "" {
		cfg.Level = DefaultConfig().Level
	}
	if cfg.Output == nil {
		cfg.Output = DefaultConfig().Output
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), level)

	return &Logger{
		z:     zap.New(core),
		level: level,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{
		z:     zap.NewNop(),
		level: zap.NewAtomicLevel(),
	}
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		z:         l.z.Named(component),
		level:     l.level,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a child logger that adds trace_id to every entry.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		z:         l.z.With(zap.String("trace_id", traceID)),
		level:     l.level,
		component: l.component,
		traceID:   traceID,
	}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, toZap(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, toZap(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, toZap(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, toZap(fields)...)
}

// toZap flattens field maps into zap fields with stable key order.
func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	var out []zap.Field
	for _, m := range fields {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := m[k].(type) {
			case error:
				out = append(out, zap.NamedError(k, v))
			case time.Duration:
				out = append(out, zap.Duration(k, v))
			default:
				out = append(out, zap.Any(k, v))
			}
		}
	}
	return out
}

// --- Lifecycle helpers ---

// AgentLifecycle logs a module lifecycle transition for an agent.
func (l *Logger) AgentLifecycle(event, agentID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"agent_id": agentID,
		"duration": duration,
	}
	if err != nil {
		fields["error"] = err
		l.Error(event, fields)
		return
	}
	l.Info(event, fields)
}

// RemoteCall logs the outcome of a correlated remote call.
func (l *Logger) RemoteCall(remoteID, correlationID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"remote_id":      remoteID,
		"correlation_id": correlationID,
		"duration":       duration,
	}
	if err != nil {
		fields["error"] = err
		l.Warn("remote_call_failed", fields)
		return
	}
	l.Debug("remote_call_resolved", fields)
}
