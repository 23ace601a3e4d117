// Package logging configures the process-wide logger: logrus with a compact
// line format, mirrored to stdout and to a per-run file under the log
// directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// lineFormatter renders "[timestamp] [LEVEL] message" lines.
type lineFormatter struct{}

func (f *lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	ts := entry.Time.UTC().Format(time.RFC3339Nano)
	level := levelTag(entry.Level)
	return []byte(fmt.Sprintf("[%s] [%s] %s\n", ts, level, entry.Message)), nil
}

func levelTag(level log.Level) string {
	switch level {
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	case log.WarnLevel:
		return "WARN"
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Setup initializes the global logger. The log file is named after the boot
// time so each run gets its own file; lumberjack caps its growth.
func Setup(debug bool, logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fmt.Sprintf("%d.log", time.Now().Unix())),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	out := io.MultiWriter(os.Stdout, file)
	log.SetFormatter(&lineFormatter{})
	log.SetOutput(out)
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	gin.DefaultWriter = out
	gin.DefaultErrorWriter = out
	return nil
}

// Printf-style helpers keeping call sites short.

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
