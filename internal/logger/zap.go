package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects how NewZap writes logs.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // optional extra output path
}

// ringCore is a zapcore.Core that appends entries to a Logger.
type ringCore struct {
	zapcore.LevelEnabler
	ring   *Logger
	enc    zapcore.Encoder
	fields []zapcore.Field
}

// NewCore returns a zapcore.Core that records entries at or above level in
// ring. The message text is followed by the entry's fields as JSON.
func NewCore(ring *Logger, level zapcore.LevelEnabler) zapcore.Core {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		ConsoleSeparator: " ",
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeTime:       zapcore.RFC3339TimeEncoder,
	}
	return &ringCore{
		LevelEnabler: level,
		ring:         ring,
		enc:          zapcore.NewConsoleEncoder(cfg),
	}
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *ringCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *ringCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	all := append(append([]zapcore.Field(nil), c.fields...), fields...)
	// The console encoder only prints message and context when the other
	// keys are empty, so the entry is rebuilt with just the message.
	buf, err := c.enc.EncodeEntry(zapcore.Entry{Message: e.Message}, all)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(buf.String())
	buf.Free()

	c.ring.Append(Message{
		Timestamp: e.Time,
		Text:      text,
		Level:     levelName(e.Level),
		Component: e.LoggerName,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }

func levelName(l zapcore.Level) string {
	switch {
	case l >= zapcore.ErrorLevel:
		return "error"
	case l == zapcore.WarnLevel:
		return "warning"
	case l == zapcore.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// NewZap builds the process logger. Output goes to stderr (and File when
// set) in the requested format and is teed into ring when ring is non-nil.
func NewZap(opts Options, ring *Logger) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	var enc zapcore.Encoder
	switch opts.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "", "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, zapcore.Lock(f))
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)}
	if ring != nil {
		cores = append(cores, NewCore(ring, level))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}
