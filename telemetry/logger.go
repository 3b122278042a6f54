// Package telemetry provides the logging and metrics implementations the
// core emits through. Components depend only on the core.Logger and
// core.Recorder interfaces; this package supplies production
// implementations.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StructuredLogger is a leveled logger for orchestration components.
//
// Format selection:
//   - JSON when running under Kubernetes (log aggregation)
//   - text for local development
//
// Error logs are rate-limited to one per second to prevent flooding when a
// dependency is down.
type StructuredLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *rateLimiter
}

// NewLogger creates a logger for the given service.
// Configuration priority:
//  1. Environment variables (STORYMIND_LOG_LEVEL, STORYMIND_LOG_FORMAT, STORYMIND_DEBUG)
//  2. Auto-detection (Kubernetes environment)
//  3. Defaults
func NewLogger(serviceName string) *StructuredLogger {
	level := os.Getenv("STORYMIND_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("STORYMIND_DEBUG") == "true" || strings.EqualFold(level, "DEBUG")

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("STORYMIND_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &StructuredLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newRateLimiter(1 * time.Second),
	}
}

// WithComponent returns a logger that attributes output to a component
// (e.g. "hub", "registry"). The underlying writer and limiter are shared.
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs with rate limiting to prevent flooding during failures.
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
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

func (l *StructuredLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Error first for readability.
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	component := l.serviceName
	if l.component != "" {
		component = l.serviceName + "/" + l.component
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, fieldStr.String())
}

func (l *StructuredLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	current, ok1 := levels[l.level]
	message, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}

// SetLevel dynamically updates the log level.
func (l *StructuredLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing).
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// rateLimiter allows one event per interval.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
