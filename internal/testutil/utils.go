package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for exercising components that require one.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stdout, "[kintree-test] ", log.Lshortfile)
}
