package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogRequest logs an Instagram API call made on behalf of an account
func LogRequest(l Logger, method, url, account string, statusCode int, duration time.Duration) {
	fields := map[string]interface{}{
		"method":      method,
		"url":         url,
		"account":     account,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	switch {
	case statusCode >= 500:
		l.ErrorWithFields("HTTP request server error", fields)
	case statusCode >= 400:
		l.WarnWithFields("HTTP request client error", fields)
	default:
		l.DebugWithFields("HTTP request completed", fields)
	}
}

// LogRotation logs a switch to another account
func LogRotation(l Logger, target, account string, requests int) {
	l.WithFields(map[string]interface{}{
		"target":   target,
		"account":  account,
		"requests": requests,
	}).Info("Rotating account")
}

// LogCooldown logs an account entering cooldown
func LogCooldown(l Logger, account, reason string, until time.Time) {
	l.WithFields(map[string]interface{}{
		"account":        account,
		"reason":         reason,
		"cooldown_until": until,
	}).Warn("Account cooling down")
}

// LogCrawlProgress logs follower collection progress
func LogCrawlProgress(l Logger, target string, collected, total int) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(collected) / float64(total) * 100
	}

	l.WithFields(map[string]interface{}{
		"target":     target,
		"collected":  collected,
		"total":      total,
		"percentage": fmt.Sprintf("%.1f%%", percentage),
	}).Info("Crawl progress")
}

// LogComponentStart logs when a component starts
func LogComponentStart(component string, config map[string]interface{}) {
	l := GetLogger().WithField("component", component)
	if len(config) > 0 {
		l = l.WithFields(config)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(component string, reason string) {
	GetLogger().WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string)                                   {}
func (nopLogger) Info(string)                                    {}
func (nopLogger) Warn(string)                                    {}
func (nopLogger) Error(string)                                   {}
func (nopLogger) Fatal(string)                                   {}
func (n nopLogger) WithField(string, interface{}) Logger         { return n }
func (n nopLogger) WithFields(map[string]interface{}) Logger     { return n }
func (n nopLogger) WithError(error) Logger                       { return n }
func (n nopLogger) WithContext(context.Context) Logger           { return n }
func (nopLogger) DebugWithFields(string, map[string]interface{}) {}
func (nopLogger) InfoWithFields(string, map[string]interface{})  {}
func (nopLogger) WarnWithFields(string, map[string]interface{})  {}
func (nopLogger) ErrorWithFields(string, map[string]interface{}) {}
func (nopLogger) FatalWithFields(string, map[string]interface{}) {}

func (nopLogger) GetZerolog() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
