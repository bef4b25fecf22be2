package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// Fields carries structured context attached to a log entry.
type Fields map[string]interface{}

// Logger provides leveled structured logging.
type Logger struct {
	level  int
	format string
	output *os.File
}

var levelNames = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// NewLogger creates a logger. Output is "stdout", "stderr", or a file path.
func NewLogger(level, format, output string) *Logger {
	var file *os.File

	switch output {
	case "stdout", "":
		file = os.Stdout
	case "stderr":
		file = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Failed to open log file %s: %v, using stdout", output, err)
			file = os.Stdout
		} else {
			file = f
		}
	}

	lvl, ok := levelNames[level]
	if !ok {
		lvl = levelNames["info"]
	}

	return &Logger{
		level:  lvl,
		format: format,
		output: file,
	}
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level, message string, fields Fields) {
	if lvl, ok := levelNames[level]; ok && lvl < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}

	if l.format == "json" {
		data, _ := json.Marshal(e)
		fmt.Fprintln(l.output, string(data))
		return
	}

	if len(fields) > 0 {
		fmt.Fprintf(l.output, "[%s] %s: %s %+v\n", e.Timestamp, level, message, fields)
	} else {
		fmt.Fprintf(l.output, "[%s] %s: %s\n", e.Timestamp, level, message)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields Fields) {
	l.log("debug", message, fields)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields Fields) {
	l.log("info", message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields Fields) {
	l.log("warn", message, fields)
}

// Error logs an error message. err may be nil.
func (l *Logger) Error(message string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.log("error", message, fields)
}
