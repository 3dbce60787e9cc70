package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ProductionLogger is the standard Logger implementation.
// It writes structured JSON in Kubernetes (or when configured) and
// human-readable text for local development, filters by level, and rate
// limits error output so failure storms cannot flood the log stream.
//
// Configuration priority:
//  1. Explicit LoggingConfig / DevelopmentConfig values (highest)
//  2. Environment variables (STRAND_LOG_LEVEL, STRAND_LOG_FORMAT, STRAND_DEBUG)
//  3. Auto-detection (Kubernetes serves JSON)
//  4. Defaults (info / json / stdout)
type ProductionLogger struct {
	level     string
	debug     bool
	component string
	service   string
	format    string
	output    io.Writer
	mu        sync.RWMutex

	// Rate limiting to prevent log flooding during failures
	errorLimiter *RateLimiter
}

// NewProductionLogger creates a logger for a named component.
func NewProductionLogger(cfg LoggingConfig, dev DevelopmentConfig, component string) *ProductionLogger {
	level := cfg.Level
	if env := os.Getenv("STRAND_LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}

	debug := dev.DebugLogging ||
		os.Getenv("STRAND_DEBUG") == "true" ||
		strings.EqualFold(level, "debug")

	format := cfg.Format
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json" // JSON in K8s for log aggregation
		}
	}
	if env := os.Getenv("STRAND_LOG_FORMAT"); env != "" {
		format = env
	}
	if dev.Enabled && dev.PrettyLogs {
		format = "text"
	}

	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		component:    component,
		service:      cfg.ServiceName,
		format:       format,
		output:       output,
		errorLimiter: NewRateLimiter(1 * time.Second), // Max 1 error log per second
	}
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	// Rate limit error logs to prevent flooding during failures
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// InfoWithContext logs at info level with trace correlation fields.
func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

// ErrorWithContext logs at error level with trace correlation fields.
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

// WarnWithContext logs at warn level with trace correlation fields.
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}

// DebugWithContext logs at debug level with trace correlation fields.
func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

// withTraceFields copies fields and adds trace_id/span_id from the active
// span. Returns the original map untouched when no span is recording.
func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	enriched := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		enriched[k] = v
	}
	enriched["trace_id"] = sc.TraceID().String()
	enriched["span_id"] = sc.SpanID().String()
	return enriched
}

// WithComponent returns a child logger scoped to a sub-component. The child
// shares the parent's output and error limiter.
func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:        l.level,
		debug:        l.debug,
		component:    component,
		service:      l.service,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

// log is the core logging implementation
func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

// logJSON outputs structured JSON logs
func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	if l.service != "" {
		logEntry["service"] = l.service
	}

	for k, v := range fields {
		// Avoid overwriting core fields
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

// logText outputs human-readable text logs
func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Keep identifying fields first for readability
		for _, key := range []string{"operation", "execution_id", "step_id", "chain_id", "error"} {
			if v, ok := fields[key]; ok {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", key, v))
			}
		}
		for k, v := range fields {
			switch k {
			case "operation", "execution_id", "step_id", "chain_id", "error":
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, l.component, msg, fieldStr.String())
}

// shouldLog determines if a log level should be output
func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]

	// Default to logging if levels are unknown
	if !ok1 || !ok2 {
		return true
	}

	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
