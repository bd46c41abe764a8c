package sandbox

import "sort"

// interpreters maps image names understood by script runtimes to the
// binary that runs the job script.
var interpreters = map[string]string{
	"sh":      "sh",
	"bash":    "bash",
	"python":  "python3",
	"python3": "python3",
	"node":    "node",
}

// Interpreter returns the binary that runs scripts for image.
func Interpreter(image string) (string, bool) {
	bin, ok := interpreters[image]
	return bin, ok
}

// Interpreters returns the sorted image names that have a known interpreter.
func Interpreters() []string {
	out := make([]string, 0, len(interpreters))
	for name := range interpreters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
