package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger writes structured JSON log lines, one per entry. It is
// safe for concurrent use and degrades to text format for local
// development when ANIMATIZE_LOG_FORMAT=text.
type ProductionLogger struct {
	mu      sync.Mutex
	out     io.Writer
	level   int
	format  string
	service string
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return levelDebug
	case "WARN":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a JSON logger for the given service name.
// Level and format come from ANIMATIZE_LOG_LEVEL and ANIMATIZE_LOG_FORMAT.
func NewProductionLogger(service string) *ProductionLogger {
	format := os.Getenv("ANIMATIZE_LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return &ProductionLogger{
		out:     os.Stderr,
		level:   parseLevel(os.Getenv("ANIMATIZE_LOG_LEVEL")),
		format:  format,
		service: service,
	}
}

// SetOutput redirects log output. Used by tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

func (l *ProductionLogger) log(level int, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "text" {
		fmt.Fprintf(l.out, "%s [%s] %s %s %v\n",
			time.Now().UTC().Format(time.RFC3339), levelName, l.service, msg, fields)
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["service"] = l.service
	entry["message"] = msg

	line, err := json.Marshal(entry)
	if err != nil {
		// A field that cannot marshal must not silence the entry.
		fmt.Fprintf(l.out, `{"level":"ERROR","message":"log marshal failed","error":%q}`+"\n", err.Error())
		return
	}
	l.out.Write(append(line, '\n'))
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}
