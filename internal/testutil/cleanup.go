// Package testutil provides helpers for examples and tests.
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// RemoveAll removes the path and any children. Errors are ignored.
//
// Usage:
//
//	defer testutil.RemoveAll(tmpDir)
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// Logger returns a debug-level logger that writes through tb.Log, so log
// lines only show for failed or verbose tests.
func Logger(tb testing.TB) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(tbWriter{tb})
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return l
}

type tbWriter struct{ tb testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
