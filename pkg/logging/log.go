package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultFileName is the log file created next to the configuration.
const DefaultFileName = "log.txt"

var (
	logger   = newLogger()
	logFile  *os.File
	logMutex sync.Mutex
)

// Options controls where log lines go and which are kept.
type Options struct {
	File  string // empty keeps stderr
	Level string // debug, info, warn, error
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Init reconfigures the package logger. It may be called more than once;
// a previously opened log file is closed.
func Init(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	logMutex.Lock()
	defer logMutex.Unlock()

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFileLocked()
		logFile = f
	} else {
		closeFileLocked()
	}

	logger.SetOutput(out)
	logger.SetLevel(level)
	return nil
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	closeFileLocked()
	logger.SetOutput(w)
}

// Close releases the log file, if any, and falls back to stderr.
func Close() {
	logMutex.Lock()
	defer logMutex.Unlock()
	closeFileLocked()
	logger.SetOutput(os.Stderr)
}

func closeFileLocked() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Logger exposes the underlying logrus logger.
func Logger() *logrus.Logger {
	return logger
}

// Subsystem returns an entry tagged with the component name.
func Subsystem(name string) *logrus.Entry {
	return logger.WithField("subsystem", name)
}

func LogDebug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func LogWarn(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func LogError(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}
