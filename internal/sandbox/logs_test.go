package sandbox_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/seantiz/taskmesh/internal/sandbox"
)

func TestLogBufferWriteFiles(t *testing.T) {
	var mu sync.Mutex
	var forwarded []string
	buf := sandbox.NewLogBuffer(func(stream, line string) {
		mu.Lock()
		forwarded = append(forwarded, stream+":"+line)
		mu.Unlock()
	})

	buf.Append(sandbox.StreamStdout, "rendering")
	buf.Append(sandbox.StreamStderr, "warning: low memory")
	buf.Append(sandbox.StreamStdout, "done")

	dir := t.TempDir()
	out := filepath.Join(dir, "stdout.log")
	errPath := filepath.Join(dir, "stderr.log")
	if err := buf.WriteFiles(out, errPath); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	got, _ := os.ReadFile(out)
	if string(got) != "rendering\ndone\n" {
		t.Errorf("stdout.log = %q", got)
	}
	got, _ = os.ReadFile(errPath)
	if string(got) != "warning: low memory\n" {
		t.Errorf("stderr.log = %q", got)
	}
	if len(forwarded) != 3 || forwarded[1] != "stderr:warning: low memory" {
		t.Errorf("forwarded = %v", forwarded)
	}
}

func TestLogBufferEmpty(t *testing.T) {
	buf := sandbox.NewLogBuffer(nil)
	dir := t.TempDir()
	out := filepath.Join(dir, "stdout.log")
	if err := buf.WriteFiles(out, filepath.Join(dir, "stderr.log")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() != 0 {
		t.Errorf("expected empty stdout.log, got %v %v", info, err)
	}
	if len(buf.Lines(sandbox.StreamStdout)) != 0 {
		t.Error("expected no lines")
	}
}
