package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger provides leveled logging (info/warning/error) to stdout/stderr and,
// optionally, to per-level files in a log directory.
type Logger struct {
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	files      []*os.File
	mu         sync.Mutex
}

// New creates a Logger writing to stdout/stderr only.
func New() *Logger {
	return newWithWriters(os.Stdout, os.Stdout, os.Stderr)
}

// NewWithDir creates a Logger that also appends to info.log, warning.log and
// error.log inside dir.
func NewWithDir(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var files []*os.File
	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		files = append(files, f)
		return f, nil
	}

	infoFile, err := open("info.log")
	if err != nil {
		return nil, err
	}
	warningFile, err := open("warning.log")
	if err != nil {
		infoFile.Close()
		return nil, err
	}
	errorFile, err := open("error.log")
	if err != nil {
		infoFile.Close()
		warningFile.Close()
		return nil, err
	}

	l := newWithWriters(
		io.MultiWriter(os.Stdout, infoFile),
		io.MultiWriter(os.Stdout, warningFile),
		io.MultiWriter(os.Stderr, errorFile),
	)
	l.files = files
	return l, nil
}

// NewWriter creates a Logger sending every level to w. Useful in tests.
func NewWriter(w io.Writer) *Logger {
	return newWithWriters(w, w, w)
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard)
}

func newWithWriters(info, warning, errw io.Writer) *Logger {
	return &Logger{
		infoLog:    log.New(info, "INFO    ", log.Ldate|log.Ltime|log.Lshortfile),
		warningLog: log.New(warning, "WARNING ", log.Ldate|log.Ltime|log.Lshortfile),
		errorLog:   log.New(errw, "ERROR   ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Output(2, fmt.Sprintf(format, v...))
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Output(2, fmt.Sprintf(format, v...))
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Output(2, fmt.Sprintf(format, v...))
}

// Close releases any open log files.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}
