package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Options configures the logging sink. Zero values mean: info level,
// text format, stderr.
type Options struct {
	Level  string
	Format string // "text" | "json"
	File   string
}

// Logger is a leveled key/value logger. One instance is built at startup and
// handed to every component that logs.
type Logger struct {
	entry *logrus.Logger
	// closer is set when the sink is a file we opened.
	closer io.Closer
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	l := logrus.New()

	level := LevelInfo
	if opts.Level != "" {
		level = Level(strings.ToLower(strings.TrimSpace(opts.Level)))
	}
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		return nil, fmt.Errorf("log: invalid level %q: %w", opts.Level, err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log: unknown format %q", opts.Format)
	}

	out := &Logger{entry: l}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log: open %s: %w", opts.File, err)
		}
		l.SetOutput(f)
		out.closer = f
	} else {
		l.SetOutput(os.Stderr)
	}
	return out, nil
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: l}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.log(logrus.DebugLevel, msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.log(logrus.InfoLevel, msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.log(logrus.WarnLevel, msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	l.log(logrus.ErrorLevel, msg, extended...)
}

func (l *Logger) log(level logrus.Level, msg string, kv ...any) {
	if l == nil || l.entry == nil || !l.entry.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(fields(kv...)).Log(level, msg)
}

func fields(kv ...any) logrus.Fields {
	out := logrus.Fields{}
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	// If odd number of args, last one is ignored.
	return out
}
