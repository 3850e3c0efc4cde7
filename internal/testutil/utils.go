package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger that only writes when tests run with -v.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}

	logger := log.New(out, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
