// Package log provides relay's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by the
// standard library's slog through a handler that feeds our own formatter and
// outputs, so every component prints the same shape of line.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("dispatch"), log.Str("channel", "server"))
//	l.Info("frame flushed", log.Int("messages", 12))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config: JSON or text
// formatting, console/file/null outputs, key redaction and sampling of
// repeated messages.
//
// # Interop
//
// Libraries that want a *log.Logger get one from ToStdLogger; RedirectStdLog
// captures the process-wide standard logger (Pebble, the MQTT client).
package log
