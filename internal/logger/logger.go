package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger writes levelled lines to a single destination. Debug lines are
// dropped unless debug mode is on.
type Logger struct {
	out          *log.Logger
	DebugEnabled bool

	mu      sync.Mutex
	logFile *os.File
}

// New creates a logger writing to w.
func New(w io.Writer, debugMode bool) *Logger {
	return &Logger{
		out:          log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		DebugEnabled: debugMode,
	}
}

// Open creates a logger appending to the file at logPath, creating its
// directory when needed.
func Open(logPath string, debugMode bool) (*Logger, error) {
	logDir := filepath.Dir(logPath)

	err := os.MkdirAll(logDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := New(f, debugMode)
	l.logFile = f

	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, false)
}

// Close closes the log file if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return nil
	}

	err := l.logFile.Close()
	l.logFile = nil

	return err
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.out.Printf("[INFO] "+format, v...)
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.out.Printf("[ERROR] "+format, v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.DebugEnabled {
		l.out.Printf("[DEBUG] "+format, v...)
	}
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.out.Printf("[WARNING] "+format, v...)
}
