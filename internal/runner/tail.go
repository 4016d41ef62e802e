package runner

import (
	"strings"
	"sync"
)

// tailWriter keeps the last maxBytes of everything written to it.
// It is safe for concurrent use (stdout and stderr share one instance).
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(maxBytes int) *tailWriter {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024
	}
	return &tailWriter{max: maxBytes}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(p) >= w.max {
		w.buf = append(w.buf[:0], p[len(p)-w.max:]...)
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

// String returns the captured tail. If the head was truncated mid-line,
// the partial first line is dropped so the tail starts at a line boundary.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := string(w.buf)
	if len(w.buf) == w.max {
		if i := strings.IndexByte(s, '\n'); i >= 0 && i+1 < len(s) {
			s = s[i+1:]
		}
	}
	return s
}
