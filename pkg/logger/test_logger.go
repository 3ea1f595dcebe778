package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogMessage represents a captured log message
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
	Error   string
}

// Field returns a captured field value, or nil
func (m LogMessage) Field(key string) interface{} {
	return m.Fields[key]
}

type captureSink struct {
	mu       sync.Mutex
	messages []LogMessage
}

// TestLogger captures log messages in memory. Child loggers created with
// WithField/WithError share the parent's sink.
type TestLogger struct {
	sink   *captureSink
	fields map[string]interface{}
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &captureSink{}}
}

func (l *TestLogger) record(level, msg string, extra map[string]interface{}) {
	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}

	m := LogMessage{Level: level, Message: msg, Fields: fields}
	if e, ok := fields["error"].(string); ok {
		m.Error = e
	}

	l.sink.mu.Lock()
	l.sink.messages = append(l.sink.messages, m)
	l.sink.mu.Unlock()
}

func (l *TestLogger) child(extra map[string]interface{}) *TestLogger {
	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &TestLogger{sink: l.sink, fields: fields}
}

func (l *TestLogger) Debug(msg string) { l.record("DEBUG", msg, nil) }
func (l *TestLogger) Info(msg string)  { l.record("INFO", msg, nil) }
func (l *TestLogger) Warn(msg string)  { l.record("WARN", msg, nil) }
func (l *TestLogger) Error(msg string) { l.record("ERROR", msg, nil) }
func (l *TestLogger) Fatal(msg string) { l.record("FATAL", msg, nil) }

func (l *TestLogger) DebugWithFields(msg string, f map[string]interface{}) { l.record("DEBUG", msg, f) }
func (l *TestLogger) InfoWithFields(msg string, f map[string]interface{})  { l.record("INFO", msg, f) }
func (l *TestLogger) WarnWithFields(msg string, f map[string]interface{})  { l.record("WARN", msg, f) }
func (l *TestLogger) ErrorWithFields(msg string, f map[string]interface{}) { l.record("ERROR", msg, f) }
func (l *TestLogger) FatalWithFields(msg string, f map[string]interface{}) { l.record("FATAL", msg, f) }

func (l *TestLogger) WithField(key string, value interface{}) Logger {
	return l.child(map[string]interface{}{key: value})
}

func (l *TestLogger) WithFields(fields map[string]interface{}) Logger {
	return l.child(fields)
}

func (l *TestLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.child(map[string]interface{}{"error": err.Error()})
}

func (l *TestLogger) WithContext(context.Context) Logger { return l }

func (l *TestLogger) GetZerolog() *zerolog.Logger {
	z := zerolog.Nop()
	return &z
}

// GetMessages returns a copy of all captured log messages
func (l *TestLogger) GetMessages() []LogMessage {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	out := make([]LogMessage, len(l.sink.messages))
	copy(out, l.sink.messages)
	return out
}

// GetMessagesByLevel returns all messages of a specific level
func (l *TestLogger) GetMessagesByLevel(level string) []LogMessage {
	var filtered []LogMessage
	for _, m := range l.GetMessages() {
		if m.Level == level {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// HasMessage reports whether a message with the given text was logged
func (l *TestLogger) HasMessage(text string) bool {
	for _, m := range l.GetMessages() {
		if m.Message == text {
			return true
		}
	}
	return false
}

// HasError reports whether anything was logged at ERROR level
func (l *TestLogger) HasError() bool {
	return len(l.GetMessagesByLevel("ERROR")) > 0
}

// Clear drops all captured messages
func (l *TestLogger) Clear() {
	l.sink.mu.Lock()
	l.sink.messages = nil
	l.sink.mu.Unlock()
}

func (l *TestLogger) String() string {
	var b strings.Builder
	for _, m := range l.GetMessages() {
		fmt.Fprintf(&b, "[%s] %s", m.Level, m.Message)
		if len(m.Fields) > 0 {
			fmt.Fprintf(&b, " fields=%v", m.Fields)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
