package process

import (
	"bytes"
	"sync"

	"github.com/seantiz/taskmesh/internal/sandbox"
)

// lineWriter splits a byte stream into lines and appends them to a log buffer.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logs   *sandbox.LogBuffer
	stream string
}

func newLineWriter(logs *sandbox.LogBuffer, stream string) *lineWriter {
	return &lineWriter{logs: logs, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(w.buf.Next(i+1)[:i], []byte("\r")))
		w.logs.Append(w.stream, line)
	}
	return len(p), nil
}

// Flush emits a trailing line that was not newline-terminated.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.logs.Append(w.stream, w.buf.String())
		w.buf.Reset()
	}
}
