// Package logger provides structured logging for the cluster node.
//
// It wraps the standard library log/slog to provide structured JSON
// logging with a dynamically adjustable level:
//
//   - JSON structured logging (default), text for development
//   - Log level configuration and runtime adjustment
//   - Default-logger accessors for packages without injection
package logger
