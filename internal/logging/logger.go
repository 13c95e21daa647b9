// Package logging provides categorized file-based logging for Aegis.
// Logs are written to <data>/logs/ with separate files per category.
// Logging is controlled by the debug_mode config flag - when false, no
// logs are written.
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

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryEngine    Category = "engine"    // LLM provider calls
	CategoryMembrane  Category = "membrane"  // Layer 1 check/learn/prune
	CategoryGraph     Category = "graph"     // Conversation graph
	CategoryIntent    Category = "intent"    // Layer 2 judge
	CategoryHardening Category = "hardening" // Layer 3 red team
	CategoryLedger    Category = "ledger"    // Audit chain
	CategoryPipeline  Category = "pipeline"  // Orchestrator
	CategoryTenant    Category = "tenant"    // Tenant manager
	CategoryServer    Category = "server"    // HTTP surface
)

// Options mirrors the relevant parts of config.LoggingConfig to avoid a
// circular import.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is the JSON log line shape.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RequestID string         `json:"req,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
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
	logsDir   string
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

// Initialize sets up the logging directory. Should be called once at
// startup. A disabled debug mode is a silent no-op.
func Initialize(dir string, o Options) error {
	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}
	logsDir = dir
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== Aegis Logging System Initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
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
	if logsDir == "" {
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
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
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

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootError(format string, args ...any) { Get(CategoryBoot).Error(format, args...) }

func Engine(format string, args ...any)      { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...any) { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...any)  { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...any) { Get(CategoryEngine).Error(format, args...) }

func Membrane(format string, args ...any)      { Get(CategoryMembrane).Info(format, args...) }
func MembraneDebug(format string, args ...any) { Get(CategoryMembrane).Debug(format, args...) }
func MembraneWarn(format string, args ...any)  { Get(CategoryMembrane).Warn(format, args...) }
func MembraneError(format string, args ...any) { Get(CategoryMembrane).Error(format, args...) }

func Graph(format string, args ...any)      { Get(CategoryGraph).Info(format, args...) }
func GraphDebug(format string, args ...any) { Get(CategoryGraph).Debug(format, args...) }

func Intent(format string, args ...any)      { Get(CategoryIntent).Info(format, args...) }
func IntentDebug(format string, args ...any) { Get(CategoryIntent).Debug(format, args...) }
func IntentWarn(format string, args ...any)  { Get(CategoryIntent).Warn(format, args...) }
func IntentError(format string, args ...any) { Get(CategoryIntent).Error(format, args...) }

func Hardening(format string, args ...any)      { Get(CategoryHardening).Info(format, args...) }
func HardeningWarn(format string, args ...any)  { Get(CategoryHardening).Warn(format, args...) }
func HardeningError(format string, args ...any) { Get(CategoryHardening).Error(format, args...) }

func Ledger(format string, args ...any)      { Get(CategoryLedger).Info(format, args...) }
func LedgerDebug(format string, args ...any) { Get(CategoryLedger).Debug(format, args...) }
func LedgerError(format string, args ...any) { Get(CategoryLedger).Error(format, args...) }

func Pipeline(format string, args ...any)      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...any)  { Get(CategoryPipeline).Warn(format, args...) }
func PipelineError(format string, args ...any) { Get(CategoryPipeline).Error(format, args...) }

func Tenant(format string, args ...any)      { Get(CategoryTenant).Info(format, args...) }
func TenantError(format string, args ...any) { Get(CategoryTenant).Error(format, args...) }

func Server(format string, args ...any)      { Get(CategoryServer).Info(format, args...) }
func ServerDebug(format string, args ...any) { Get(CategoryServer).Debug(format, args...) }
func ServerWarn(format string, args ...any)  { Get(CategoryServer).Warn(format, args...) }
func ServerError(format string, args ...any) { Get(CategoryServer).Error(format, args...) }

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
}

// WithRequestID creates a request-scoped logger
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{logger: Get(category), requestID: requestID}
}

func (r *RequestLogger) formatMsg(format string, args ...any) string {
	return fmt.Sprintf("[req:%s] %s", r.requestID, fmt.Sprintf(format, args...))
}

func (r *RequestLogger) Debug(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...any) {
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
	return &Timer{category: category, op: operation, start: time.Now()}
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
