// Package logger provides leveled logging for the lab node.
// It uses a simple custom logger implementation to avoid external dependencies.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vlab-project/vlab/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the main logger structure
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	formatJSON bool
	outputs    []io.Writer
	fileWriter io.WriteCloser
	logDir     string
	maxAge     int // days
	nodeID     string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, nodeID string) error {
	l, err := NewLogger(cfg, nodeID)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, nodeID string) (*Logger, error) {
	l := &Logger{
		level:      parseLevel(cfg.Level),
		formatJSON: cfg.Format == "json",
		outputs:    []io.Writer{},
		logDir:     cfg.Directory,
		maxAge:     cfg.MaxAge,
		nodeID:     nodeID,
	}

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		l.outputs = append(l.outputs, os.Stdout)
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stdout)
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stdout)
	}

	return l, nil
}

func (l *Logger) setupFileWriter() error {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	// Log file naming: labnode-{id}-{date}.log
	logFileName := fmt.Sprintf("labnode-%s-%s.log", l.nodeID, time.Now().Format("2006-01-02"))
	logFile := filepath.Join(l.logDir, logFileName)

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	l.fileWriter = f
	l.outputs = append(l.outputs, f)

	l.cleanOldLogs()

	return nil
}

// cleanOldLogs removes log files older than maxAge days.
func (l *Logger) cleanOldLogs() {
	if l.maxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -l.maxAge)
	prefix := fmt.Sprintf("labnode-%s-", l.nodeID)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
		fileDate, err := time.Parse("2006-01-02", datePart)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
		}
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		once.Do(func() {
			defaultLogger, _ = NewLogger(&config.LogConfig{
				Level:  "info",
				Format: "text",
				Output: "stdout",
			}, "labnode")
		})
	}
	return defaultLogger
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	var logLine string

	if l.formatJSON {
		logLine = fmt.Sprintf(`{"time":"%s","level":"%s","msg":"%s"}`+"\n", timestamp, level, msg)
	} else {
		logLine = fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, msg)
	}

	for _, out := range l.outputs {
		fmt.Fprint(out, logLine)
	}
}

// Close closes the file writer if open
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// SetLevel changes the minimum level of the logger
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Instance methods

func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

func (l *Logger) Fatal(args ...interface{}) {
	l.log(FATAL, fmt.Sprint(args...))
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Package-level functions using the global logger

func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	GetLogger().Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}
