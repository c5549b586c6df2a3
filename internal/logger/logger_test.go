package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// countingHandler counts the number of records it receives; safe for
// concurrent use since the logger's run loop is single-goroutine but tests
// may still inspect the count from the main goroutine after Close.
type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestNewRejectsNilContext(t *testing.T) {
	if _, err := New(nil, slog.New(&countingHandler{})); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestLogFlushesOnClose(t *testing.T) {
	h := &countingHandler{}
	l, err := New(context.Background(), slog.New(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(RequestLog{ID: uuid.New(), Backend: "m@0", Model: "m", Role: "interactive"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := h.Count(); got != 5 {
		t.Errorf("flushed record count = %d, want 5", got)
	}
}

func TestLogNeverBlocksUnderChannelPressure(t *testing.T) {
	h := &countingHandler{}
	l, err := New(context.Background(), slog.New(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	// Block the run loop's receive by holding the logger's internal channel
	// full: send more than channelBuffer entries without giving the
	// background goroutine a chance to drain them first isn't reliable, so
	// instead drive DroppedLogs directly through the public API by racing
	// many sends; at least the counter must stay well-formed (>= 0) and the
	// call must never block the test.
	done := make(chan struct{})
	go func() {
		for i := 0; i < channelBuffer*2; i++ {
			l.Log(RequestLog{ID: uuid.New()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log appears to block under channel pressure")
	}

	if l.DroppedLogs() < 0 {
		t.Errorf("DroppedLogs = %d, want >= 0", l.DroppedLogs())
	}
}

func TestDroppedLogsStartsAtZero(t *testing.T) {
	l, err := New(context.Background(), slog.New(&countingHandler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if got := l.DroppedLogs(); got != 0 {
		t.Errorf("DroppedLogs = %d, want 0", got)
	}
}
