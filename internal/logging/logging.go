// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level, encoding and destination of log output.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "console", "json"
	Output string // "stdout", "stderr", or a file path
	Caller bool
}

// DefaultOptions logs info and above to stderr in console format.
func DefaultOptions() Options {
	return Options{Level: "info", Format: "console", Output: "stderr"}
}

// New creates a logger from opts. The returned close function releases the
// output file, if any.
func New(opts Options) (*zap.Logger, func() error, error) {
	var (
		sink    zapcore.WriteSyncer
		closeFn = func() error { return nil }
	)
	switch opts.Output {
	case "stderr", "":
		sink = zapcore.Lock(os.Stderr)
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
		closeFn = f.Close
	}

	logger, err := build(sink, opts)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}

// NewWriter builds a logger writing to w.
func NewWriter(w io.Writer, opts Options) (*zap.Logger, error) {
	return build(zapcore.AddSync(w), opts)
}

func build(sink zapcore.WriteSyncer, opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encoder, err := newEncoder(opts.Format)
	if err != nil {
		return nil, err
	}

	zopts := []zap.Option{zap.AddStacktrace(zapcore.DPanicLevel)}
	if opts.Caller {
		zopts = append(zopts, zap.AddCaller())
	}
	return zap.New(zapcore.NewCore(encoder, sink, level), zopts...), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	switch format {
	case "console", "":
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	case "json":
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
