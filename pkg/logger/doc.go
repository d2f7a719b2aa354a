// Package logger builds the proxy's structured slog logger: text output in
// development, JSON in production, with the environment and worker id carried
// on every record.
package logger
