package logger

import (
	"log"
	"os"
	"sync/atomic"
)

type Logger struct {
	info  *log.Logger
	error *log.Logger
	debug *log.Logger

	debugOn atomic.Bool
}

var Default = New()

func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

// SetDebug enables or disables debug output at runtime.
func (l *Logger) SetDebug(on bool) {
	l.debugOn.Store(on)
}

func (l *Logger) DebugEnabled() bool {
	return l.debugOn.Load()
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	if !l.debugOn.Load() {
		return
	}
	l.debug.Printf(format, v...)
}

func SetDebug(on bool) {
	Default.SetDebug(on)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
