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

// ProductionLogger is the default Logger implementation for the orchestrator.
//
// Configuration priority:
//  1. Explicit setters (highest)
//  2. Environment variables (CONDUCTOR_LOG_LEVEL, CONDUCTOR_LOG_FORMAT, CONDUCTOR_DEBUG)
//  3. Auto-detection (JSON format inside Kubernetes)
//  4. Defaults (INFO, text)
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex
}

// NewProductionLogger creates a logger for the given service name.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("CONDUCTOR_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("CONDUCTOR_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	// JSON in K8s for log aggregation, text for local development
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("CONDUCTOR_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:       strings.ToUpper(level),
		debug:       debug,
		serviceName: serviceName,
		component:   "conductor",
		format:      format,
		output:      os.Stdout,
	}
}

// WithComponent returns a copy of the logger attributed to a sub-component
// (e.g. "conductor/resilience"). The copy shares the output writer.
func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:       l.level,
		debug:       l.debug,
		serviceName: l.serviceName,
		component:   component,
		format:      l.format,
		output:      l.output,
	}
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}

	for k, v := range fields {
		// Avoid overwriting core fields
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Common fields first for readability
		for _, k := range []string{"operation", "thread_id", "agent", "error"} {
			if v, ok := fields[k]; ok {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}
		for k, v := range fields {
			switch k {
			case "operation", "thread_id", "agent", "error":
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [%s:%s] %s%s\n",
		timestamp, level, l.component, l.serviceName, msg, fieldStr.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
