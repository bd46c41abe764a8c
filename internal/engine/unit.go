package engine

import (
	"sync/atomic"
	"time"

	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/sandbox"
)

// Unit is the worker-side record of one leased unit. The outcome fields are
// written by the engine before the callback runs and must not be read
// before then.
type Unit struct {
	SubtaskID        string
	TaskID           string
	Images           []sandbox.Image
	SrcCode          string
	ExtraData        map[string]any
	WorkingDirectory string
	ShortDescription string
	ResourceDir      string
	TmpDir           string
	Timeout          time.Duration

	// Outcome.
	ExecutionID string
	Image       sandbox.Image
	ExitCode    *int
	Result      model.Result
	Errored     bool
	ErrorMsg    string
	Done        bool

	finished atomic.Bool
}

// NewUnit builds a unit from a leased descriptor.
func NewUnit(d *model.UnitDescriptor, resourceDir, tmpDir string) *Unit {
	return &Unit{
		SubtaskID:        d.SubtaskID,
		TaskID:           d.TaskID,
		Images:           sandbox.ParseImages(d.Images),
		SrcCode:          d.SrcCode,
		ExtraData:        d.CloneExtraData(),
		WorkingDirectory: d.WorkingDirectory,
		ShortDescription: d.ShortDescription,
		ResourceDir:      resourceDir,
		TmpDir:           tmpDir,
		Timeout:          d.Timeout,
	}
}

// Callback receives a finished unit.
type Callback interface {
	ComputationDone(u *Unit)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(u *Unit)

// ComputationDone implements Callback.
func (f CallbackFunc) ComputationDone(u *Unit) { f(u) }
