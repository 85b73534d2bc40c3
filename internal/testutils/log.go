package testutils

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// TestLogBackend is a slog backend suitable for using with tests. Output is
// forwarded to t.Log and optionally captured.
type TestLogBackend struct {
	mtx  sync.Mutex
	tb   testing.TB
	buf  bytes.Buffer
	done bool
}

func (tlb *TestLogBackend) Write(b []byte) (int, error) {
	tlb.mtx.Lock()
	defer tlb.mtx.Unlock()
	if !tlb.done && len(b) > 0 {
		tlb.tb.Log(string(b[:len(b)-1]))
	}
	tlb.buf.Write(b)
	return len(b), nil
}

// String returns everything logged so far.
func (tlb *TestLogBackend) String() string {
	tlb.mtx.Lock()
	defer tlb.mtx.Unlock()
	return tlb.buf.String()
}

// NewTestLogBackend returns a log backend that can be used as an io.Writer to
// write logs to during a test.
func NewTestLogBackend(t testing.TB) *TestLogBackend {
	tlb := &TestLogBackend{tb: t}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	return tlb
}

// TestLoggerSys returns an slog.Logger that logs by issuing t.Log calls.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	logg, _ := TestLoggerCapture(t, sys)
	return logg
}

// TestLoggerCapture is like TestLoggerSys but also returns the backend so a
// test can inspect what was logged.
func TestLoggerCapture(t testing.TB, sys string) (slog.Logger, *TestLogBackend) {
	tlb := NewTestLogBackend(t)
	var w io.Writer = tlb
	logg := slog.NewBackend(w).Logger(sys)
	logg.SetLevel(slog.LevelTrace)
	return logg, tlb
}
