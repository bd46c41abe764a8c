package sandbox

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// LogBuffer collects stdout and stderr lines of a job. It is safe for
// concurrent use by the goroutines draining the two streams.
type LogBuffer struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	sink   func(stream, line string)
}

// NewLogBuffer creates a buffer that also forwards every line to sink when
// sink is not nil.
func NewLogBuffer(sink func(stream, line string)) *LogBuffer {
	return &LogBuffer{sink: sink}
}

// Append records one line.
func (b *LogBuffer) Append(stream, line string) {
	b.mu.Lock()
	if stream == StreamStderr {
		b.stderr = append(b.stderr, line)
	} else {
		b.stdout = append(b.stdout, line)
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink(stream, line)
	}
}

// Lines returns a copy of the lines captured for stream.
func (b *LogBuffer) Lines(stream string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream == StreamStderr {
		return append([]string(nil), b.stderr...)
	}
	return append([]string(nil), b.stdout...)
}

// WriteFiles writes both streams to the given paths, one line per line.
func (b *LogBuffer) WriteFiles(stdoutPath, stderrPath string) error {
	b.mu.Lock()
	stdout := joinLines(b.stdout)
	stderr := joinLines(b.stderr)
	b.mu.Unlock()

	if err := os.WriteFile(stdoutPath, []byte(stdout), 0o644); err != nil {
		return fmt.Errorf("write stdout log: %w", err)
	}
	if err := os.WriteFile(stderrPath, []byte(stderr), 0o644); err != nil {
		return fmt.Errorf("write stderr log: %w", err)
	}
	return nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
