// ABOUTME: Tests for the audit notifier.
// ABOUTME: Verifies non-blocking delivery and flush on close.

package audit

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warrenhq/warren-gateway/internal/store"
)

// syncWriter serializes log writes from the drain goroutine.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestLogNotifier_CommandTerminal(t *testing.T) {
	w := &syncWriter{}
	n := NewLogNotifier(slog.New(slog.NewTextHandler(w, nil)))
	defer n.Close()

	n.CommandTerminal(&store.QueuedCommand{
		CorrelationID: "corr-1",
		HostID:        "host-1",
		CommandType:   "ping",
		Status:        store.CommandAcknowledged,
	})

	assert.Eventually(t, func() bool {
		return strings.Contains(w.String(), "corr-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogNotifier_InstanceTransition(t *testing.T) {
	w := &syncWriter{}
	n := NewLogNotifier(slog.New(slog.NewTextHandler(w, nil)))
	defer n.Close()

	n.InstanceTransition(&store.ChildInstance{
		ID:           "inst-1",
		ParentHostID: "host-1",
	}, store.InstanceCreating, store.InstanceRunning)

	assert.Eventually(t, func() bool {
		out := w.String()
		return strings.Contains(out, "inst-1") && strings.Contains(out, "running")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogNotifier_NeverBlocks(t *testing.T) {
	// A logger that is effectively stalled: drain cannot keep up with a
	// tight loop far bigger than the buffer. The calls must still return.
	w := &syncWriter{}
	n := NewLogNotifier(slog.New(slog.NewTextHandler(w, nil)))
	defer n.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			n.CommandTerminal(&store.QueuedCommand{CorrelationID: "corr-flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier blocked the caller")
	}
}

func TestLogNotifier_CloseIsIdempotent(t *testing.T) {
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&syncWriter{}, nil)))
	n.Close()
	n.Close()
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	n.CommandTerminal(&store.QueuedCommand{})
	n.InstanceTransition(&store.ChildInstance{}, store.InstanceCreating, store.InstanceFailed)
}
