package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

var (
	verbose atomic.Bool

	mu         sync.Mutex
	logger     = newLogger(os.Stdout)
	outputFile *os.File
	outputPath string
)

func newLogger(w io.Writer) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           log.InfoLevel,
	})
	if verbose.Load() {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

// SetVerbose enables or disables debug logging for the current process.
func SetVerbose(enabled bool) {
	verbose.Store(enabled)

	mu.Lock()
	defer mu.Unlock()
	if enabled {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}

// Verbose reports whether debug logging is enabled.
func Verbose() bool {
	return verbose.Load()
}

// SetOutput redirects log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetOutputFile configures optional file logging while preserving stdout output.
// Passing an empty path disables file logging.
func SetOutputFile(path string) error {
	path = strings.TrimSpace(path)

	mu.Lock()
	defer mu.Unlock()

	if path == outputPath {
		return nil
	}

	if outputFile != nil {
		if err := outputFile.Close(); err != nil {
			outputFile = nil
			outputPath = ""
			logger.SetOutput(os.Stdout)
			return err
		}
		outputFile = nil
		outputPath = ""
	}

	logger.SetOutput(os.Stdout)
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	outputFile = f
	outputPath = path
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

// Close flushes and closes the log file if one is configured.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if outputFile == nil {
		return nil
	}
	err := outputFile.Close()
	outputFile = nil
	outputPath = ""
	logger.SetOutput(os.Stdout)
	return err
}

// Infof logs regardless of verbosity level.
func Infof(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Infof(strings.TrimRight(format, "\n"), args...)
}

// Infoln logs regardless of verbosity level.
func Infoln(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Info(strings.TrimRight(fmt.Sprintln(args...), "\n"))
}

// Debugf logs only when verbose mode is enabled.
func Debugf(format string, args ...any) {
	if !Verbose() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	logger.Debugf(strings.TrimRight(format, "\n"), args...)
}

// Warnf logs best-effort failures that do not stop the current operation.
func Warnf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Warnf(strings.TrimRight(format, "\n"), args...)
}

func Errorf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Errorf(strings.TrimRight(format, "\n"), args...)
}
