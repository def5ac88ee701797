// Package logger wraps logrus into a per-engine logger instance.
//
// Unlike the teacher's package-level globals, every DatabaseEngine
// constructs its own Logger so that multiple isolated engine instances
// can run in the same process (spec.md §9: no global singletons).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls where and how verbosely a Logger writes.
type Config struct {
	ErrorLogPath string
	InfoLogPath  string
	Level        string // debug, info, warn, error, fatal, panic
}

// Logger is a self-contained logrus-backed logger; safe to construct
// many times within a process.
type Logger struct {
	main *logrus.Logger
	info *logrus.Logger
	err  *logrus.Logger
}

type callerFormatter struct{}

func (callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 MST 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "logger.go") || strings.Contains(file, "/entry.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a Logger from Config, falling back to stdout/stderr if a
// log file path can't be opened.
func New(cfg Config) *Logger {
	lvl := parseLevel(cfg.Level)
	formatter := callerFormatter{}

	info := logrus.New()
	info.SetFormatter(formatter)
	info.SetLevel(lvl)
	info.SetOutput(openOrFallback(cfg.InfoLogPath, os.Stdout, info))

	errl := logrus.New()
	errl.SetFormatter(formatter)
	errl.SetLevel(lvl)
	errl.SetOutput(openOrFallback(cfg.ErrorLogPath, os.Stderr, errl))

	main := logrus.New()
	main.SetFormatter(formatter)
	main.SetLevel(lvl)
	main.SetOutput(info.Out)

	return &Logger{main: main, info: info, err: errl}
}

func openOrFallback(path string, fallback *os.File, l *logrus.Logger) io.Writer {
	if path == "" {
		return fallback
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		l.Warnf("failed to create log dir for %s, fallback: %v", path, err)
		return fallback
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		l.Warnf("failed to open log file %s, fallback: %v", path, err)
		return fallback
	}
	return io.MultiWriter(fallback, f)
}

func (l *Logger) Info(args ...interface{})                 { l.info.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{}) { l.info.Infof(format, args...) }
func (l *Logger) Debug(args ...interface{})                { l.main.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.main.Debugf(format, args...)
}
func (l *Logger) Warn(args ...interface{})                 { l.main.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.main.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                { l.err.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.err.Errorf(format, args...)
}
