package es

import "context"

// Logger is the minimal logging surface the engine calls into. It is
// optional everywhere it appears; implement it to plug in a real logging
// library.
//
// The commit path reports silently-dropped attempts at Debug, successful
// persistence at Info, and snapshot or bookkeeping failures at Error.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...interface{})
	Info(ctx context.Context, msg string, keyvals ...interface{})
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger discards everything. It is the default when no logger is
// configured.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}
