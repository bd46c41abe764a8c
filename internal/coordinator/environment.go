package coordinator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/taskmesh/internal/model"
)

// ErrForeignResultFile is returned for a file result that was not produced
// in the lease's own output directory.
var ErrForeignResultFile = errors.New("result file outside the lease output directory")

// Environment is the on-disk layout owned by one node. It is passed
// explicitly to the coordinator and to tasks applying results.
type Environment struct {
	root   string
	nodeID string
}

// NewEnvironment creates an environment rooted at root/nodeID.
func NewEnvironment(root, nodeID string) *Environment {
	return &Environment{root: root, nodeID: nodeID}
}

// NodeID returns the id of the node owning this environment.
func (e *Environment) NodeID() string {
	return e.nodeID
}

// TaskDir returns the base directory for a task.
func (e *Environment) TaskDir(taskID string) string {
	return filepath.Join(e.root, e.nodeID, "tasks", taskID)
}

// TemporaryDir returns the scratch directory of a task.
func (e *Environment) TemporaryDir(taskID string) string {
	return filepath.Join(e.TaskDir(taskID), "tmp")
}

// ResourceDir returns the directory holding a task's input resources.
func (e *Environment) ResourceDir(taskID string) string {
	return filepath.Join(e.TaskDir(taskID), "resources")
}

// OutputDir returns the directory where accepted results are kept.
func (e *Environment) OutputDir(taskID string) string {
	return filepath.Join(e.TaskDir(taskID), "output")
}

// SubtaskDir returns a fresh-per-lease scratch directory under the task's
// temporary area.
func (e *Environment) SubtaskDir(taskID, subtaskID string) (string, error) {
	if err := validateComponent(subtaskID); err != nil {
		return "", err
	}
	return filepath.Join(e.TemporaryDir(taskID), subtaskID), nil
}

// SubtaskOutputDir returns the directory in which the engine leaves the
// files produced for a lease.
func (e *Environment) SubtaskOutputDir(taskID, subtaskID string) (string, error) {
	dir, err := e.SubtaskDir(taskID, subtaskID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, model.UnitOutputDir), nil
}

// CheckResultFiles accepts only regular files that sit directly in the
// lease's output directory. Symlinks are refused.
func (e *Environment) CheckResultFiles(taskID, subtaskID string, paths []string) error {
	dir, err := e.SubtaskOutputDir(taskID, subtaskID)
	if err != nil {
		return err
	}
	dir = filepath.Clean(dir)
	for _, p := range paths {
		if filepath.Dir(filepath.Clean(p)) != dir {
			return fmt.Errorf("%w: %s", ErrForeignResultFile, p)
		}
		fi, err := os.Lstat(p)
		if err != nil {
			return fmt.Errorf("result file: %w", err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrForeignResultFile, p)
		}
	}
	return nil
}

// ClearTemporary removes and recreates the temporary area of a task.
func (e *Environment) ClearTemporary(taskID string) error {
	if err := validateComponent(taskID); err != nil {
		return err
	}
	dir := e.TemporaryDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear temporary dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create temporary dir: %w", err)
	}
	return nil
}

// Remove deletes everything stored for a task.
func (e *Environment) Remove(taskID string) error {
	if err := validateComponent(taskID); err != nil {
		return err
	}
	return os.RemoveAll(e.TaskDir(taskID))
}

// validateComponent rejects ids that would escape their parent directory.
func validateComponent(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid path component %q", id)
	}
	return nil
}
