package executor

import (
	"sync"

	"github.com/meticulous-software/meticulous/internal/protocol"
)

// captureWriter keeps the first limit bytes written and counts the rest.
// The process writes from its own goroutine while the wait goroutine reads
// the result, so access is locked.
type captureWriter struct {
	mu        sync.Mutex
	limit     uint64
	first     []byte
	truncated uint64
}

func newCaptureWriter(limit uint64) *captureWriter {
	return &captureWriter{limit: limit}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - uint64(len(w.first)); room > 0 {
		take := uint64(len(p))
		if take > room {
			take = room
		}
		w.first = append(w.first, p[:take]...)
		w.truncated += uint64(len(p)) - take
	} else {
		w.truncated += uint64(len(p))
	}
	return len(p), nil
}

func (w *captureWriter) captured() protocol.CapturedOutput {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := protocol.CapturedOutput{Truncated: w.truncated}
	out.First = append([]byte(nil), w.first...)
	return out
}
