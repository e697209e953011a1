//go:build go1.22

package main

import "log/slog"

// setLogLoggerLevel sets the level for the bridge between the legacy log
// package and the slog default handler.
func setLogLoggerLevel(level slog.Level) {
	slog.SetLogLoggerLevel(level)
}
