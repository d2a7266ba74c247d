package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logFieldOrder fixes the rendering order of structured fields so log lines
// stay diffable.
var logFieldOrder = []string{"method", "path", "model", "status", "duration_ms", "stream", "error"}

const emptyRequestID = "--------"

// Formatter renders entries as
// [2026-01-02 15:04:05] [a1b2c3d4] [info ] [file.go:42] message key=value
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("2006-01-02 15:04:05")

	requestID := emptyRequestID
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		requestID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	caller := ""
	if entry.HasCaller() {
		caller = fmt.Sprintf(" [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	fields := ""
	for _, key := range logFieldOrder {
		if v, ok := entry.Data[key]; ok {
			fields += fmt.Sprintf(" %s=%v", key, v)
		}
	}

	line := fmt.Sprintf("[%s] [%s] [%-5s]%s %s%s\n",
		timestamp, requestID, level, caller, entry.Message, fields)
	return []byte(line), nil
}

var setupOnce sync.Once

// Setup installs the formatter and caller reporting on the default logger.
// Safe to call more than once.
func Setup() {
	setupOnce.Do(func() {
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		log.SetOutput(os.Stdout)
		log.SetLevel(log.InfoLevel)
	})
}

// SetDebug toggles debug-level logging.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// ConfigureOutput tees log output into a rotating file alongside stdout.
// An empty path leaves stdout-only logging in place.
func ConfigureOutput(logFile string) error {
	if logFile == "" {
		return nil
	}
	if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return nil
}
