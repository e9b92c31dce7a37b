package monitoring

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

// LogLevel represents log levels
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log formats
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatText    LogFormat = "text"
	LogFormatConsole LogFormat = "console"
)

// LoggingConfig selects level, format and destination of the global logger
type LoggingConfig struct {
	Level      LogLevel
	Format     LogFormat
	OutputFile string
}

// SetupLogging configures the global zerolog logger. When OutputFile is set,
// records go to both stderr and the file. The returned closer releases the
// file and is safe to call when no file was opened.
func SetupLogging(config LoggingConfig) (io.Closer, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = os.Stderr
	switch config.Format {
	case LogFormatConsole, LogFormatText:
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    config.Format == LogFormatText,
		}
	case LogFormatJSON, "":
	default:
		return nil, fmt.Errorf("unknown log format: %s", config.Format)
	}

	writers := []io.Writer{console}
	var file *os.File
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(config.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		// The file always gets JSON so it stays machine readable
		writers = append(writers, file)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Logger()

	return closerFunc(func() error {
		if file == nil {
			return nil
		}
		return file.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ParseLogLevel converts a configured level name. Empty means info.
func ParseLogLevel(level LogLevel) (zerolog.Level, error) {
	switch LogLevel(strings.ToLower(string(level))) {
	case LogLevelTrace:
		return zerolog.TraceLevel, nil
	case LogLevelDebug:
		return zerolog.DebugLevel, nil
	case LogLevelInfo, "":
		return zerolog.InfoLevel, nil
	case LogLevelWarn, "warning":
		return zerolog.WarnLevel, nil
	case LogLevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// LoggerFromContext returns the global logger enriched with the request
// correlation id and the active trace id, when present
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	logCtx := log.Logger.With()
	if id, ok := common.CorrelationIDFromContext(ctx); ok && id != "" {
		logCtx = logCtx.Str("correlation_id", id)
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		logCtx = logCtx.Str("trace_id", traceID)
	}
	logger := logCtx.Logger()
	return &logger
}
