// Package logging configures the broker's single shared logrus instance:
// a custom formatter matching the teacher's bracketed
// "[time] [level] [file:line] message" layout, and an optional rotating
// file sink via lumberjack. Grounded on the teacher's
// internal/logging/global_logger.go, with the gin request-id/writer
// plumbing dropped since there is no HTTP transport in scope here.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	fileSink  *lumberjack.Logger
)

// fieldOrder controls which structured fields are rendered, and in what
// order, keeping log lines stable regardless of map iteration order.
var fieldOrder = []string{"account", "family", "model", "strategy", "reason", "error"}

// Formatter renders one entry as:
//
//	[2026-07-30 10:04:05] [info ] [broker.go:142] message account=a@example.com family=claude
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range fieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	var line string
	if entry.Caller != nil {
		line = fmt.Sprintf("[%s] [%s] [%s:%d] %s%s\n", timestamp, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		line = fmt.Sprintf("[%s] [%s] %s%s\n", timestamp, levelStr, message, fieldsStr)
	}
	buffer.WriteString(line)
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance. Safe to call more than
// once; only the first call takes effect.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
	})
}

// ConfigureFileSink switches the global log destination to a rotating
// file under dir/broker.log, in addition to stdout when console is true.
// Passing an empty dir reverts to stdout only.
func ConfigureFileSink(dir string, console bool) error {
	Setup()
	writerMu.Lock()
	defer writerMu.Unlock()

	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}

	if dir == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	fileSink = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "broker.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	if console {
		log.SetOutput(&multiWriter{a: os.Stdout, b: fileSink})
	} else {
		log.SetOutput(fileSink)
	}
	return nil
}

// multiWriter fans a single Write out to both destinations, tolerating a
// partial failure on either one.
type multiWriter struct {
	a, b interface{ Write([]byte) (int, error) }
}

func (w *multiWriter) Write(p []byte) (int, error) {
	n, err := w.a.Write(p)
	_, _ = w.b.Write(p)
	return n, err
}

// Close releases the rotating file sink, if one is open.
func Close() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
}
