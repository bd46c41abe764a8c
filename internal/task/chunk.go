// Package task provides ChunkTask, a task whose work is a contiguous range
// of numbered chunks split into fixed-size units.
package task

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/model"
)

// Defaults applied by NewChunkTask to zero-valued definition fields.
const (
	DefaultTTL            = time.Hour
	DefaultSubtaskTimeout = 10 * time.Minute
	DefaultChunksPerUnit  = 1
)

// Definition describes a chunk task as submitted by a client.
type Definition struct {
	TaskID           string         `json:"task_id"`
	TotalChunks      int            `json:"total_chunks"`
	ChunksPerUnit    int            `json:"chunks_per_unit"`
	SrcCode          string         `json:"src_code"`
	Images           []string       `json:"images"`
	WorkingDirectory string         `json:"working_directory"`
	Params           map[string]any `json:"params"`
	TTL              time.Duration  `json:"ttl"`
	SubtaskTimeout   time.Duration  `json:"subtask_timeout"`
}

// Validate checks the definition for required fields.
func (d *Definition) Validate() error {
	if d.TotalChunks <= 0 {
		return errors.New("total_chunks must be positive")
	}
	if d.ChunksPerUnit < 0 {
		return errors.New("chunks_per_unit must not be negative")
	}
	if d.SrcCode == "" {
		return errors.New("src_code is required")
	}
	if len(d.Images) == 0 {
		return errors.New("at least one image is required")
	}
	if d.TTL < 0 || d.SubtaskTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

type chunkRange struct {
	start, end int
}

func (r chunkRange) size() int { return r.end - r.start + 1 }

// ChunkTask hands out chunks [1, TotalChunks] in units of ChunksPerUnit.
// Ranges of failed or expired units are queued and handed out again before
// any fresh range.
type ChunkTask struct {
	mu      sync.Mutex
	header  model.TaskHeader
	def     Definition
	next    int
	requeue []chunkRange
	active  map[string]chunkRange
	done    int
	results map[string][]string
	preview string
}

// NewChunkTask creates a task from def, filling defaults. A task id is
// generated when def has none.
func NewChunkTask(def Definition) (*ChunkTask, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task definition: %w", err)
	}
	if def.TaskID == "" {
		def.TaskID = model.NewID()
	}
	if def.ChunksPerUnit == 0 {
		def.ChunksPerUnit = DefaultChunksPerUnit
	}
	if def.TTL == 0 {
		def.TTL = DefaultTTL
	}
	if def.SubtaskTimeout == 0 {
		def.SubtaskTimeout = DefaultSubtaskTimeout
	}
	return &ChunkTask{
		header: model.TaskHeader{
			TaskID:         def.TaskID,
			TTL:            def.TTL,
			SubtaskTimeout: def.SubtaskTimeout,
			Status:         model.TaskWaiting,
		},
		def: def,
	}, nil
}

// Header implements coordinator.Task.
func (t *ChunkTask) Header() *model.TaskHeader {
	return &t.header
}

// Initialize implements coordinator.Task.
func (t *ChunkTask) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next = 1
	t.requeue = nil
	t.active = make(map[string]chunkRange)
	t.results = make(map[string][]string)
	t.done = 0
	return nil
}

// NeedsComputation implements coordinator.Task.
func (t *ChunkTask) NeedsComputation() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requeue) > 0 || t.next <= t.def.TotalChunks
}

// QueryExtraData implements coordinator.Task.
func (t *ChunkTask) QueryExtraData(performance float64, _ int) (*model.UnitDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.peekLocked()
	if !ok {
		return nil, errors.New("no chunks left")
	}
	if len(t.requeue) > 0 {
		t.requeue = t.requeue[1:]
	} else {
		t.next = r.end + 1
	}

	id := uuid.NewString()
	t.active[id] = r

	extra := maps.Clone(t.def.Params)
	if extra == nil {
		extra = make(map[string]any)
	}
	extra[model.ExtraStartTask] = r.start
	extra[model.ExtraEndTask] = r.end

	return &model.UnitDescriptor{
		SubtaskID:        id,
		TaskID:           t.header.TaskID,
		Performance:      performance,
		ShortDescription: describe(r),
		ExtraData:        extra,
		SrcCode:          t.def.SrcCode,
		Images:           append([]string(nil), t.def.Images...),
		WorkingDirectory: t.def.WorkingDirectory,
		Timeout:          t.def.SubtaskTimeout,
	}, nil
}

// ComputationFinished implements coordinator.Task. File results must come
// from the lease's output directory; they are moved into the task's output
// directory under a per-range folder.
func (t *ChunkTask) ComputationFinished(subtaskID string, result model.Result, env *coordinator.Environment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.active[subtaskID]
	if !ok {
		return fmt.Errorf("subtask %s is not active", subtaskID)
	}

	kept := result.Data
	if result.Type == model.ResultTypeFile {
		if env == nil {
			return errors.New("file results need an environment")
		}
		if err := env.CheckResultFiles(t.header.TaskID, subtaskID, result.Data); err != nil {
			return err
		}
		dir := filepath.Join(env.OutputDir(t.header.TaskID), fmt.Sprintf("%d-%d", r.start, r.end))
		moved, err := moveFiles(result.Data, dir)
		if err != nil {
			return fmt.Errorf("store results: %w", err)
		}
		kept = moved
		if len(moved) > 0 {
			t.preview = moved[len(moved)-1]
		}
	}

	delete(t.active, subtaskID)
	t.results[subtaskID] = kept
	t.done += r.size()
	return nil
}

// FinishedComputation implements coordinator.Task.
func (t *ChunkTask) FinishedComputation() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done >= t.def.TotalChunks
}

// SubtaskFailed implements coordinator.Task.
func (t *ChunkTask) SubtaskFailed(subtaskID string, startChunk, endChunk int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.active[subtaskID]
	if !ok {
		r = chunkRange{start: startChunk, end: endChunk}
	}
	delete(t.active, subtaskID)
	if r.start <= 0 || r.end < r.start {
		return
	}
	t.requeue = append(t.requeue, r)
}

// Progress implements coordinator.Task.
func (t *ChunkTask) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.done) / float64(t.def.TotalChunks)
}

// Counters implements coordinator.Task.
func (t *ChunkTask) Counters() model.ProgressCounters {
	t.mu.Lock()
	defer t.mu.Unlock()

	activeChunks := 0
	for _, r := range t.active {
		activeChunks += r.size()
	}
	per := t.def.ChunksPerUnit
	return model.ProgressCounters{
		TotalTasks:   (t.def.TotalChunks + per - 1) / per,
		TotalChunks:  t.def.TotalChunks,
		ActiveTasks:  len(t.active),
		ActiveChunks: activeChunks,
		ChunksLeft:   t.def.TotalChunks - t.done - activeChunks,
	}
}

// ShortExtraDataRepr implements coordinator.Task.
func (t *ChunkTask) ShortExtraDataRepr(float64) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.peekLocked()
	if !ok {
		return ""
	}
	return describe(r)
}

// PreviewFilePath implements coordinator.Previewer.
func (t *ChunkTask) PreviewFilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preview
}

// Results returns the accepted result data keyed by subtask id.
func (t *ChunkTask) Results() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string, len(t.results))
	for k, v := range t.results {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// peekLocked returns the range the next unit would cover.
func (t *ChunkTask) peekLocked() (chunkRange, bool) {
	if len(t.requeue) > 0 {
		return t.requeue[0], true
	}
	if t.next > t.def.TotalChunks {
		return chunkRange{}, false
	}
	end := min(t.next+t.def.ChunksPerUnit-1, t.def.TotalChunks)
	return chunkRange{start: t.next, end: end}, true
}

func describe(r chunkRange) string {
	if r.start == r.end {
		return fmt.Sprintf("chunk %d", r.start)
	}
	return fmt.Sprintf("chunks %d-%d", r.start, r.end)
}

// moveFiles moves each source file into dir and returns the new paths. The
// lease and task directories share a root, so a rename normally suffices;
// a copy is made only when the rename fails.
func moveFiles(srcs []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				return nil, err
			}
		}
		out = append(out, dst)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
