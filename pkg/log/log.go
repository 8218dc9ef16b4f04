// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the application logging facilities. It is a thin
// wrapper around zap with support for key-value context pairs and for
// embedding loggers in a context.Context.
package log

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultConsoleLevel is the default log level for the console.
	DefaultConsoleLevel = "info"
	// DefaultStacktraceLevel is the default log level for which stack traces
	// are included.
	DefaultStacktraceLevel = "none"
)

var zapLogger *zap.Logger

func init() {
	zapLogger = zap.NewNop()
}

// Config is the configuration for the logger.
type Config struct {
	// Console is the configuration for the console logging.
	Console ConsoleConfig `toml:"console,omitempty"`
}

// ConsoleConfig is the configuration for the console logger.
type ConsoleConfig struct {
	// Level of console logging (defaults to info).
	Level string `toml:"level,omitempty"`
	// Format of the console logging, human or json (defaults to human).
	Format string `toml:"format,omitempty"`
	// StacktraceLevel sets from which level stacktraces are included
	// (defaults to none).
	StacktraceLevel string `toml:"stacktrace_level,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *Config) InitDefaults() {
	if c.Console.Level == "" {
		c.Console.Level = DefaultConsoleLevel
	}
	if c.Console.Format == "" {
		c.Console.Format = "human"
	}
	if c.Console.StacktraceLevel == "" {
		c.Console.StacktraceLevel = DefaultStacktraceLevel
	}
}

// Validate validates the config.
func (c *Config) Validate() error {
	c.InitDefaults()
	if _, err := parseLevel(c.Console.Level); err != nil {
		return err
	}
	if c.Console.Format != "human" && c.Console.Format != "json" {
		return fmt.Errorf("unknown format: %s", c.Console.Format)
	}
	if c.Console.StacktraceLevel != "none" {
		if _, err := parseLevel(c.Console.StacktraceLevel); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(lvl string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return l, fmt.Errorf("unknown level: %s", lvl)
	}
	return l, nil
}

// EntriesCounter defines the metrics that are incremented when emitting a log
// entry.
type EntriesCounter struct {
	Debug Incrementer
	Info  Incrementer
	Error Incrementer
}

// Incrementer is the subset of a metric counter the logger needs.
type Incrementer interface {
	Inc()
}

// Option is a function that sets an option.
type Option func(o *options)

type options struct {
	entriesCounter *EntriesCounter
}

// WithEntriesCounter configures a metric counter that is incremented with
// every emitted log entry.
func WithEntriesCounter(m EntriesCounter) Option {
	return func(o *options) {
		o.entriesCounter = &m
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, f := range opts {
		f(&o)
	}
	return o
}

// Setup configures the logging library with the given config.
func Setup(cfg Config, opts ...Option) error {
	cfg.InitDefaults()
	if err := setupConsole(cfg.Console, applyOptions(opts)); err != nil {
		return err
	}
	return nil
}

func setupConsole(cfg ConsoleConfig, opts options) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	encoding := "console"
	if cfg.Format == "json" {
		encoding = "json"
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	zCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     true,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	var zOpts []zap.Option
	if cfg.StacktraceLevel != "none" {
		stacktraceLevel, err := parseLevel(cfg.StacktraceLevel)
		if err != nil {
			return err
		}
		zCfg.DisableStacktrace = false
		zOpts = append(zOpts, zap.AddStacktrace(stacktraceLevel))
	}
	if opts.entriesCounter != nil {
		zOpts = append(zOpts, zap.Hooks(opts.entriesCounter.hook))
	}
	logger, err := zCfg.Build(zOpts...)
	if err != nil {
		return err
	}
	zapLogger = logger
	return nil
}

func (m *EntriesCounter) hook(e zapcore.Entry) error {
	switch e.Level {
	case zapcore.ErrorLevel:
		if m.Error != nil {
			m.Error.Inc()
		}
	case zapcore.InfoLevel:
		if m.Info != nil {
			m.Info.Inc()
		}
	case zapcore.DebugLevel:
		if m.Debug != nil {
			m.Debug.Inc()
		}
	}
	return nil
}

// HandlePanic catches panics and logs them. It should be deferred at the
// start of every goroutine.
func HandlePanic() {
	if msg := recover(); msg != nil {
		zapLogger.Error("Panic", zap.Any("msg", msg),
			zap.ByteString("stack", debug.Stack()))
		zapLogger.Sync()
		os.Exit(255)
	}
}

// Flush writes the logs to the underlying buffer.
func Flush() {
	zapLogger.Sync()
}

// Debug logs at debug level.
func Debug(msg string, ctx ...interface{}) {
	zapLogger.Debug(msg, convertCtx(ctx)...)
}

// Info logs at info level.
func Info(msg string, ctx ...interface{}) {
	zapLogger.Info(msg, convertCtx(ctx)...)
}

// Error logs at error level.
func Error(msg string, ctx ...interface{}) {
	zapLogger.Error(msg, convertCtx(ctx)...)
}

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...interface{}) Logger
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

// New creates a logger with the given context.
func New(ctx ...interface{}) Logger {
	if len(ctx) == 0 {
		return Root()
	}
	return &logger{logger: zapLogger.With(convertCtx(ctx)...)}
}

// Root returns the root logger. It's a logger without any context.
func Root() Logger {
	return &logger{logger: zapLogger}
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(zapcore.Level(lvl))
}

// SafeDebug logs to the logger at debug level, if the logger is not nil.
func SafeDebug(l Logger, msg string, ctx ...interface{}) {
	if l != nil {
		if logger, ok := l.(*logger); ok {
			logger.logger.Debug(msg, convertCtx(ctx)...)
			return
		}
		l.Debug(msg, ctx...)
	}
}

// SafeInfo logs to the logger at info level, if the logger is not nil.
func SafeInfo(l Logger, msg string, ctx ...interface{}) {
	if l != nil {
		if logger, ok := l.(*logger); ok {
			logger.logger.Info(msg, convertCtx(ctx)...)
			return
		}
		l.Info(msg, ctx...)
	}
}

// SafeError logs to the logger at error level, if the logger is not nil.
func SafeError(l Logger, msg string, ctx ...interface{}) {
	if l != nil {
		if logger, ok := l.(*logger); ok {
			logger.logger.Error(msg, convertCtx(ctx)...)
			return
		}
		l.Error(msg, ctx...)
	}
}

// Level is the log level.
type Level zapcore.Level

// The different log levels.
const (
	DebugLevel = Level(zapcore.DebugLevel)
	InfoLevel  = Level(zapcore.InfoLevel)
	ErrorLevel = Level(zapcore.ErrorLevel)
)

func convertCtx(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}
