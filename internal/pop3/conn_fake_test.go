package pop3

import (
	"io"
	"log/slog"
)

// testConn is a minimal ConnectionLogger used across the pop3 test files.
type testConn struct {
	logger *slog.Logger
}

func newTestConn() *testConn {
	return &testConn{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (c *testConn) Logger() *slog.Logger {
	return c.logger
}
