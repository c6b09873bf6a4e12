package launcher

import (
	"bytes"
	"strings"
	"sync"
)

// maxLineBytes caps a single retained line. Longer lines are truncated.
const maxLineBytes = 4096

// tailWriter keeps the last maxLines lines written to it, discarding older
// output, so a chatty child can never grow orchestrator memory.
type tailWriter struct {
	mu       sync.Mutex
	lines    []string
	partial  bytes.Buffer
	maxLines int
}

func newTailWriter(maxLines int) *tailWriter {
	if maxLines <= 0 {
		maxLines = 50
	}
	return &tailWriter{maxLines: maxLines}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	originalLen := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.appendPartial(p)
			break
		}
		w.appendPartial(p[:i])
		w.pushLine(w.partial.String())
		w.partial.Reset()
		p = p[i+1:]
	}
	// Always report the original length so the copier never sees a short write.
	return originalLen, nil
}

func (w *tailWriter) appendPartial(p []byte) {
	remaining := maxLineBytes - w.partial.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.partial.Write(p)
}

func (w *tailWriter) pushLine(line string) {
	w.lines = append(w.lines, line)
	if over := len(w.lines) - w.maxLines; over > 0 {
		w.lines = append(w.lines[:0], w.lines[over:]...)
	}
}

// String returns the retained lines, newline-terminated, plus any
// unterminated trailing output.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	lines := w.lines
	if w.partial.Len() > 0 && len(lines) >= w.maxLines {
		lines = lines[1:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if w.partial.Len() > 0 {
		b.Write(w.partial.Bytes())
	}
	return b.String()
}
