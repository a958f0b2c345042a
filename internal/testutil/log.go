package testutil

import (
	"io"
	"log/slog"
)

// SilentLogger returns a logger that discards everything. Tests that do not
// assert on log output use it to keep test runs quiet.
func SilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
