// Package logging provides config-driven categorized file-based logging for hybridexec.
// Logs are written to the configured directory with separate files per category.
// When debug mode is off every logger is a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryConfig    Category = "config"    // Config load and hot reload
	CategoryScheduler Category = "scheduler" // Priority queue, slot transitions, preemption
	CategoryCache     Category = "cache"     // Runtime cache admission and eviction
	CategoryArbiter   Category = "arbiter"   // Refine vs preempt classification
	CategoryRouting   Category = "routing"   // Shadow routing placement decisions
	CategoryExecutor  Category = "executor"  // Execution manager lifecycle
	CategoryEngine    Category = "engine"    // Local and remote inference adapters
	CategorySignals   Category = "signals"   // Thermal, memory and network signals
	CategoryAudit     Category = "audit"     // Audit sink writes and failures
	CategoryPolicy    Category = "policy"    // Authorization gate
	CategoryServer    Category = "server"    // HTTP status surface
)

// AllCategories lists every known category.
var AllCategories = []Category{
	CategoryBoot, CategoryConfig, CategoryScheduler, CategoryCache, CategoryArbiter,
	CategoryRouting, CategoryExecutor, CategoryEngine, CategorySignals, CategoryAudit,
	CategoryPolicy, CategoryServer,
}

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Dir        string
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is the JSON line format used when JSONFormat is set.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Configure installs logging options. It may be called again on config
// reload; open category files are closed so the next Get picks up the new
// directory and filters.
func Configure(o Options) error {
	CloseAll()

	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if o.Dir == "" {
		return fmt.Errorf("log directory required in debug mode")
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== hybridexec logging initialized ===")
	boot.Info("Logs directory: %s", o.Dir)
	boot.Info("Log level: %s", o.Level)
	if len(o.Categories) > 0 {
		enabled := 0
		for cat, on := range o.Categories {
			if on {
				enabled++
			}
			boot.Debug("Category '%s': %v", cat, on)
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(o.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode returns whether file logging is enabled
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsJSONFormat returns whether JSON logging is enabled
func IsJSONFormat() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.JSONFormat
}

func currentLevel() int {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return logLevel
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	optsMu.RLock()
	dir := opts.Dir
	optsMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) emit(level, tag, msg string, fields map[string]interface{}) {
	if IsJSONFormat() {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	if len(fields) > 0 {
		l.logger.Printf("[%s] %s | fields=%v", tag, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.emit("debug", "DEBUG", fmt.Sprintf(format, args...), nil)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.emit("info", "INFO", fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.emit("warn", "WARN", fmt.Sprintf(format, args...), nil)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.emit("error", "ERROR", fmt.Sprintf(format, args...), nil)
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	l.emit(level, level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Config logs to the config category
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigWarn logs warning to the config category
func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...interface{}) {
	Get(CategoryScheduler).Warn(format, args...)
}

// Cache logs to the cache category
func Cache(format string, args ...interface{}) {
	Get(CategoryCache).Info(format, args...)
}

// CacheDebug logs debug to the cache category
func CacheDebug(format string, args ...interface{}) {
	Get(CategoryCache).Debug(format, args...)
}

// CacheWarn logs warning to the cache category
func CacheWarn(format string, args ...interface{}) {
	Get(CategoryCache).Warn(format, args...)
}

// Arbiter logs to the arbiter category
func Arbiter(format string, args ...interface{}) {
	Get(CategoryArbiter).Info(format, args...)
}

// ArbiterDebug logs debug to the arbiter category
func ArbiterDebug(format string, args ...interface{}) {
	Get(CategoryArbiter).Debug(format, args...)
}

// Routing logs to the routing category
func Routing(format string, args ...interface{}) {
	Get(CategoryRouting).Info(format, args...)
}

// RoutingDebug logs debug to the routing category
func RoutingDebug(format string, args ...interface{}) {
	Get(CategoryRouting).Debug(format, args...)
}

// Executor logs to the executor category
func Executor(format string, args ...interface{}) {
	Get(CategoryExecutor).Info(format, args...)
}

// ExecutorDebug logs debug to the executor category
func ExecutorDebug(format string, args ...interface{}) {
	Get(CategoryExecutor).Debug(format, args...)
}

// ExecutorWarn logs warning to the executor category
func ExecutorWarn(format string, args ...interface{}) {
	Get(CategoryExecutor).Warn(format, args...)
}

// ExecutorError logs error to the executor category
func ExecutorError(format string, args ...interface{}) {
	Get(CategoryExecutor).Error(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// EngineError logs error to the engine category
func EngineError(format string, args ...interface{}) {
	Get(CategoryEngine).Error(format, args...)
}

// Signals logs to the signals category
func Signals(format string, args ...interface{}) {
	Get(CategorySignals).Info(format, args...)
}

// SignalsDebug logs debug to the signals category
func SignalsDebug(format string, args ...interface{}) {
	Get(CategorySignals).Debug(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...interface{}) {
	Get(CategoryAudit).Info(format, args...)
}

// AuditError logs error to the audit category
func AuditError(format string, args ...interface{}) {
	Get(CategoryAudit).Error(format, args...)
}

// Policy logs to the policy category
func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyWarn logs warning to the policy category
func PolicyWarn(format string, args ...interface{}) {
	Get(CategoryPolicy).Warn(format, args...)
}

// Server logs to the server category
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// ServerError logs error to the server category
func ServerError(format string, args ...interface{}) {
	Get(CategoryServer).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || currentLevel() > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || currentLevel() > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || currentLevel() > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
