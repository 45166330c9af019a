// Package logging provides the component loggers used by every taskhub actor.
// Output goes through zap; file outputs can rotate through lumberjack.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) zap() zapcore.Level {
	switch Level(strings.ToUpper(string(l))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "WARNING":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config selects level, encoding and outputs.
type Config struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `toml:"level"`

	// Format is "console" or "json". Default: console
	Format string `toml:"format"`

	// Outputs lists stdout, stderr or file paths. Default: [stdout]
	Outputs []string `toml:"outputs"`

	// Rotation applies to file outputs.
	Rotation RotationConfig `toml:"rotation"`
}

// RotationConfig configures lumberjack rotation for file outputs.
type RotationConfig struct {
	Enable     bool `toml:"enable"`
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// DefaultConfig returns console logging to stdout at info level.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stdout"},
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	root      *root
	component string
	base      *zap.Logger
}

// root holds state shared by a logger and every logger derived from it.
type root struct {
	mu      sync.Mutex
	level   zap.AtomicLevel
	encoder zapcore.EncoderConfig
	json    bool
	zl      *zap.Logger
	closers []io.Closer
}

// New creates a Logger writing to stdout at info level.
func New() *Logger {
	l, _ := Setup(DefaultConfig())
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	r := &root{level: zap.NewAtomicLevelAt(zapcore.InfoLevel), zl: zap.NewNop()}
	return &Logger{root: r, base: r.zl}
}

// Setup builds a Logger from cfg.
func Setup(cfg Config) (*Logger, error) {
	r := &root{
		level:   zap.NewAtomicLevelAt(Level(cfg.Level).zap()),
		encoder: encoderConfig(),
		json:    strings.EqualFold(cfg.Format, "json"),
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var syncers []zapcore.WriteSyncer
	for _, out := range outputs {
		ws, closer, err := openOutput(out, cfg.Rotation)
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, ws)
		if closer != nil {
			r.closers = append(r.closers, closer)
		}
	}
	r.zl = r.build(zapcore.NewMultiWriteSyncer(syncers...))
	return &Logger{root: r, base: r.zl}, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.NameKey = "component"
	return cfg
}

func (r *root) build(ws zapcore.WriteSyncer) *zap.Logger {
	var enc zapcore.Encoder
	if r.json {
		enc = zapcore.NewJSONEncoder(r.encoder)
	} else {
		enc = zapcore.NewConsoleEncoder(r.encoder)
	}
	return zap.New(zapcore.NewCore(enc, ws, r.level), zap.AddStacktrace(zapcore.ErrorLevel))
}

func openOutput(out string, rot RotationConfig) (zapcore.WriteSyncer, io.Closer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	if rot.Enable {
		lj := &lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 10),
			MaxBackups: max(rot.MaxBackups, 1),
			MaxAge:     max(rot.MaxAgeDays, 7),
			Compress:   rot.Compress,
		}
		return zapcore.AddSync(lj), lj, nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return zapcore.Lock(f), f, nil
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{root: l.root, component: component, base: l.current().Named(component)}
}

func (l *Logger) current() *zap.Logger {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	return l.root.zl
}

// SetLevel sets the minimum log level for this logger and every logger
// sharing its root.
func (l *Logger) SetLevel(level Level) {
	l.root.level.SetLevel(level.zap())
}

// SetOutput redirects this logger to w. Loggers derived afterwards inherit
// the new output.
func (l *Logger) SetOutput(w io.Writer) {
	l.root.mu.Lock()
	l.root.zl = l.root.build(zapcore.AddSync(w))
	zl := l.root.zl
	l.root.mu.Unlock()
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	l.base = zl
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered output and closes file outputs.
func (l *Logger) Sync() error {
	err := l.base.Sync()
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	for _, c := range l.root.closers {
		c.Close()
	}
	l.root.closers = nil
	return err
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields)
}

func (l *Logger) log(level zapcore.Level, msg string, fields []map[string]interface{}) {
	ce := l.base.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(toZap(fields)...)
}

// toZap converts field maps to zap fields with keys in sorted order.
func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := m[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
