// Package logger provides the structured logging interface used across the
// crawler. It wraps zerolog with a small field-carrying API.
//
//	logger.Initialize(&cfg.Logging)
//	logger.WithField("account", "alice").Info("Account selected")
//
// Components take a Logger in their constructors; tests pass NewTestLogger
// to assert on captured messages or NewNopLogger to discard output.
package logger
