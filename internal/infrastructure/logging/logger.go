// Package logging provides structured logging for prguard. It wraps log/slog with
// context-aware attributes (correlation, workspace, run, tool and approval ids)
// and always writes to stderr, since stdout carries the tool protocol.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// contextKey is used for storing logger-related values in context.
type contextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"
	// WorkspaceIDKey is the context key for workspace IDs.
	WorkspaceIDKey contextKey = "workspace_id"
	// RunIDKey is the context key for command run IDs.
	RunIDKey contextKey = "run_id"
	// ToolKey is the context key for the tool being served.
	ToolKey contextKey = "tool"
	// ApprovalIDKey is the context key for approval token IDs.
	ApprovalIDKey contextKey = "approval_id"
)

// enrichKeys is the order in which context values are emitted.
var enrichKeys = []contextKey{CorrelationIDKey, ToolKey, WorkspaceIDKey, RunIDKey, ApprovalIDKey}

// Level represents log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddSource  bool
	TimeFormat string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger.
type Logger struct {
	slogger *slog.Logger
	level   *slog.LevelVar
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Init initializes the global logger with the provided configuration.
func Init(cfg Config) *Logger {
	globalOnce.Do(func() {
		global = New(cfg)
	})
	return global
}

// Default returns the global logger, initializing it with defaults if necessary.
func Default() *Logger {
	return Init(DefaultConfig())
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	cfg := DefaultConfig()
	cfg.Output = io.Discard
	return New(cfg)
}

// New creates a new Logger with the provided configuration.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{slogger: slog.New(handler), level: level}
}

func parseLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the log level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(parseLevel(level))
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...), level: l.level}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slogger.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slogger.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

// DebugContext logs at debug level with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, enrichArgs(ctx, args)...)
}

// InfoContext logs at info level with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, enrichArgs(ctx, args)...)
}

// WarnContext logs at warn level with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, enrichArgs(ctx, args)...)
}

// ErrorContext logs at error level with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, enrichArgs(ctx, args)...)
}

func enrichArgs(ctx context.Context, args []any) []any {
	enriched := make([]any, 0, len(args)+2*len(enrichKeys))
	for _, k := range enrichKeys {
		if v := ctx.Value(k); v != nil {
			enriched = append(enriched, string(k), v)
		}
	}
	return append(enriched, args...)
}

// --- Context helpers ---

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithWorkspaceID adds a workspace ID to the context.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, id)
}

// WithRunID adds a command run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

// WithTool adds the tool name to the context.
func WithTool(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ToolKey, name)
}

// WithApprovalID adds an approval token ID to the context.
func WithApprovalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ApprovalIDKey, id)
}

// CorrelationID extracts the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if s, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return s
	}
	return ""
}

// --- Domain-specific logging helpers ---

// LogToolCall logs the outcome of a tool call. The tool name is taken from ctx.
func LogToolCall(ctx context.Context, logger *Logger, duration time.Duration, errKind string) {
	if errKind == "" {
		logger.InfoContext(ctx, "tool call completed",
			"duration_ms", duration.Milliseconds(),
		)
		return
	}
	logger.WarnContext(ctx, "tool call failed",
		"duration_ms", duration.Milliseconds(),
		"error_kind", errKind,
	)
}

// LogCommandExecuted logs a finished command.
func LogCommandExecuted(ctx context.Context, logger *Logger, executable string, exitCode int, duration time.Duration, timedOut bool) {
	logger.InfoContext(ctx, "command executed",
		"executable", executable,
		"exit_code", exitCode,
		"duration_ms", duration.Milliseconds(),
		"timed_out", timedOut,
	)
}

// LogCommandRejected logs a policy rejection. reason must already be redacted.
func LogCommandRejected(ctx context.Context, logger *Logger, reason string) {
	logger.WarnContext(ctx, "command rejected",
		"reason", reason,
	)
}

// LogWorkspaceCreated logs a newly ready workspace.
func LogWorkspaceCreated(ctx context.Context, logger *Logger, workspaceID, mode string, expiresAt time.Time) {
	logger.InfoContext(ctx, "workspace created",
		"workspace_id", workspaceID,
		"mode", mode,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)
}

// LogWorkspaceDestroyed logs an explicit destroy.
func LogWorkspaceDestroyed(ctx context.Context, logger *Logger, workspaceID string) {
	logger.InfoContext(ctx, "workspace destroyed",
		"workspace_id", workspaceID,
	)
}

// LogWorkspaceExpired logs a sweep teardown.
func LogWorkspaceExpired(ctx context.Context, logger *Logger, workspaceID string, age time.Duration) {
	logger.InfoContext(ctx, "workspace expired",
		"workspace_id", workspaceID,
		"age_s", int64(age.Seconds()),
	)
}

// LogApprovalIssued logs a granted approval.
func LogApprovalIssued(ctx context.Context, logger *Logger, approvalID, branch string, expiresAt time.Time) {
	logger.InfoContext(ctx, "approval issued",
		"approval_id", approvalID,
		"branch", branch,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)
}

// LogApprovalDenied logs a refused or non-compliant approval request.
func LogApprovalDenied(ctx context.Context, logger *Logger, reason, detail string) {
	logger.WarnContext(ctx, "approval denied",
		"reason", reason,
		"detail", detail,
	)
}

// LogTokenConsumed logs a successful token consumption.
func LogTokenConsumed(ctx context.Context, logger *Logger, approvalID, action string) {
	logger.InfoContext(ctx, "approval token consumed",
		"approval_id", approvalID,
		"action", action,
	)
}

// LogSweepCompleted logs one sweep cycle.
func LogSweepCompleted(ctx context.Context, logger *Logger, expired, deferred, failed, tokensPurged int, duration time.Duration) {
	logger.InfoContext(ctx, "sweep completed",
		"expired", expired,
		"deferred", deferred,
		"failed", failed,
		"tokens_purged", tokensPurged,
		"duration_ms", duration.Milliseconds(),
	)
}
