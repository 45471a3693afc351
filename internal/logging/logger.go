package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sink is shared by a logger and every logger derived from it with WithField,
// so a rotation is visible to all of them.
type sink struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
	out     io.Writer
}

func (s *sink) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

// Logger provides structured logging to the console and, optionally, an
// append-only log file.
type Logger struct {
	level      Level
	jsonFormat bool
	fields     map[string]interface{}
	sink       *sink
	now        func() time.Time
}

// NewLogger creates a console-only logger
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     make(map[string]interface{}),
		sink:       &sink{console: os.Stdout, out: os.Stdout},
		now:        time.Now,
	}
}

// NewFileLogger creates a logger that writes every entry to both the console
// and the file at path. The file is opened in append mode and created if
// missing, together with its parent directory.
func NewFileLogger(path string, level Level, jsonFormat bool) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     make(map[string]interface{}),
		sink: &sink{
			console: os.Stdout,
			file:    logFile,
			out:     io.MultiWriter(logFile, os.Stdout),
		},
		now: time.Now,
	}

	logger.Debug("Logger initialized", map[string]interface{}{"path": path})

	return logger, nil
}

// SetOutput replaces the console writer. The log file, if any, keeps
// receiving every entry.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.console = w
	if l.sink.file != nil {
		l.sink.out = io.MultiWriter(l.sink.file, w)
	} else {
		l.sink.out = w
	}
}

// Writer returns a writer that feeds raw bytes to the same destinations as
// the log entries. The supervisor points the worker's stdout and stderr at it.
func (l *Logger) Writer() io.Writer {
	return writerFunc(l.sink.write)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	mergedFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range fields {
		mergedFields[k] = v
	}

	var line []byte
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: l.now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    mergedFields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = append(data, '\n')
	} else {
		timestamp := l.now().Format("2006-01-02 15:04:05")
		s := fmt.Sprintf("[%s] %s: %s", timestamp, level.String(), message)
		if len(mergedFields) > 0 {
			s += fmt.Sprintf(" %v", mergedFields)
		}
		line = []byte(s + "\n")
	}

	l.sink.write(line)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		fields:     newFields,
		sink:       l.sink,
		now:        l.now,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file == nil {
		return nil
	}
	err := l.sink.file.Close()
	l.sink.file = nil
	l.sink.out = l.sink.console
	return err
}

// RotateIfNeeded rotates the log file if it exceeds maxSize (in bytes).
// The old file is renamed with a timestamp suffix and a fresh file is opened
// at the original path.
func (l *Logger) RotateIfNeeded(maxSize int64) (bool, error) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.file == nil || maxSize <= 0 {
		return false, nil
	}

	info, err := l.sink.file.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() <= maxSize {
		return false, nil
	}

	oldPath := l.sink.file.Name()
	l.sink.file.Close()

	backupPath := oldPath + "." + l.now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		return false, err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.sink.file = nil
		l.sink.out = l.sink.console
		return false, err
	}

	l.sink.file = newFile
	l.sink.out = io.MultiWriter(newFile, l.sink.console)
	return true, nil
}
