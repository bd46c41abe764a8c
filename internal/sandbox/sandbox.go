package sandbox

import (
	"context"
	"strings"
)

// Paths at which a job sees its directories inside the isolated runtime.
// Path parameters of a unit are rewritten relative to ResourceMount.
const (
	ResourceMount = "/mesh/resources"
	WorkMount     = "/mesh/work"
	OutputMount   = "/mesh/output"
)

// Files written into a job's work directory.
const (
	ScriptFile = "job.src"
	ParamsFile = "params.json"
)

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Runtime is implemented by every isolation runtime (local process,
// Firecracker microVM).
type Runtime interface {
	// Name is the registry key of the runtime.
	Name() string

	// ImageAvailable reports whether the runtime can run the given image
	// right now.
	ImageAvailable(ctx context.Context, image string) bool

	// NewJob prepares a job. Nothing runs until Job.Start.
	NewJob(ctx context.Context, spec JobSpec) (Job, error)

	// Capabilities describes the runtime for listings.
	Capabilities() Capabilities
}

// Job is one isolated execution owned by exactly one engine run.
type Job interface {
	Start(ctx context.Context) error

	// Wait blocks until the job exits or ctx is done. When ctx's deadline
	// fires the returned error wraps context.DeadlineExceeded.
	Wait(ctx context.Context) (exitCode int, err error)

	// DumpLogs writes everything captured so far to the given files.
	DumpLogs(stdoutPath, stderrPath string) error

	// Teardown releases every resource held by the job. It is safe to call
	// more than once and on a job that never started.
	Teardown(ctx context.Context) error
}

// JobSpec describes one job. Params have already had their path values
// rewritten to mount paths.
type JobSpec struct {
	ID          string
	Image       string
	SrcCode     string
	Params      map[string]any
	ResourceDir string
	WorkDir     string
	OutputDir   string

	// LogWriter, when set, receives every captured line as it is produced.
	LogWriter func(stream, line string)
}

// Capabilities describes what a runtime supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Images         []string `json:"images"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// Image is a candidate image of a unit. An empty Runtime matches any
// registered runtime.
type Image struct {
	Runtime string `json:"runtime,omitempty"`
	Name    string `json:"name"`
}

// ParseImage parses "runtime:name" or a bare "name".
func ParseImage(s string) Image {
	if rt, name, ok := strings.Cut(s, ":"); ok && rt != "" && name != "" {
		return Image{Runtime: rt, Name: name}
	}
	return Image{Name: s}
}

// ParseImages parses a list of candidate images, preserving order.
func ParseImages(ss []string) []Image {
	out := make([]Image, 0, len(ss))
	for _, s := range ss {
		out = append(out, ParseImage(s))
	}
	return out
}

// String returns the "runtime:name" form.
func (i Image) String() string {
	if i.Runtime == "" {
		return i.Name
	}
	return i.Runtime + ":" + i.Name
}
