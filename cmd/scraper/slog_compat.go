//go:build !go1.22

package main

import "log/slog"

// setLogLoggerLevel is a no-op before Go 1.22: slog.SetLogLoggerLevel does
// not exist there, and the legacy log bridge is fixed at LevelInfo.
func setLogLoggerLevel(slog.Level) {}
