package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/task"
)

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	TaskID           string         `json:"task_id"`
	TotalChunks      int            `json:"total_chunks"`
	ChunksPerUnit    int            `json:"chunks_per_unit"`
	SrcCode          string         `json:"src_code"`
	Images           []string       `json:"images"`
	WorkingDirectory string         `json:"working_directory"`
	Params           map[string]any `json:"params"`
	TTLS             float64        `json:"ttl_s"`
	SubtaskTimeoutS  float64        `json:"subtask_timeout_s"`
}

func (req submitTaskRequest) definition() task.Definition {
	return task.Definition{
		TaskID:           req.TaskID,
		TotalChunks:      req.TotalChunks,
		ChunksPerUnit:    req.ChunksPerUnit,
		SrcCode:          req.SrcCode,
		Images:           req.Images,
		WorkingDirectory: req.WorkingDirectory,
		Params:           req.Params,
		TTL:              time.Duration(req.TTLS * float64(time.Second)),
		SubtaskTimeout:   time.Duration(req.SubtaskTimeoutS * float64(time.Second)),
	}
}

type taskResponse struct {
	TaskID          string           `json:"task_id"`
	Status          model.TaskStatus `json:"status"`
	OwnerAddress    string           `json:"owner_address"`
	OwnerPort       int              `json:"owner_port"`
	TTLS            float64          `json:"ttl_s"`
	SubtaskTimeoutS float64          `json:"subtask_timeout_s"`
}

type listTasksResponse struct {
	Tasks []model.ProgressSnapshot `json:"tasks"`
}

// taskStateResponse is the JSON rendering of a TaskState. Durations are in
// seconds and an unknown remaining time is null.
type taskStateResponse struct {
	TaskID        string            `json:"task_id"`
	Status        model.TaskStatus  `json:"status"`
	TimeStarted   time.Time         `json:"time_started"`
	ElapsedS      float64           `json:"elapsed_s"`
	Progress      float64           `json:"progress"`
	RemainingS    *float64          `json:"remaining_s"`
	ResultPreview string            `json:"result_preview,omitempty"`
	Subtasks      []subtaskResponse `json:"subtasks"`
}

type subtaskResponse struct {
	SubtaskID   string              `json:"subtask_id"`
	TaskID      string              `json:"task_id"`
	NodeID      string              `json:"node_id"`
	Performance float64             `json:"performance"`
	Definition  string              `json:"definition"`
	StartChunk  int                 `json:"start_chunk"`
	EndChunk    int                 `json:"end_chunk"`
	Status      model.SubtaskStatus `json:"status"`
	TTLS        float64             `json:"ttl_s"`
	TimeStarted time.Time           `json:"time_started"`
	Progress    float64             `json:"progress"`
	RemainingS  *float64            `json:"remaining_s"`
}

func newSubtaskResponse(ss *model.SubtaskState) subtaskResponse {
	return subtaskResponse{
		SubtaskID:   ss.SubtaskID,
		TaskID:      ss.TaskID,
		NodeID:      ss.Computer.NodeID,
		Performance: ss.Computer.Performance,
		Definition:  ss.Definition,
		StartChunk:  ss.StartChunk,
		EndChunk:    ss.EndChunk,
		Status:      ss.Status,
		TTLS:        seconds(ss.TTL),
		TimeStarted: ss.TimeStarted,
		Progress:    ss.Progress,
		RemainingS:  remainingSeconds(ss.RemainingTime),
	}
}

// leaseRequest is the JSON body for POST /v1/tasks/{id}/lease.
type leaseRequest struct {
	WorkerID    string  `json:"worker_id"`
	Performance float64 `json:"performance"`
	NumCores    int     `json:"num_cores"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	snaps := s.coord.CollectProgressSnapshots()
	out := make([]model.ProgressSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: out})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TTLS < 0 || req.SubtaskTimeoutS < 0 {
		taskSubmissions.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "durations must not be negative")
		return
	}

	ct, err := task.NewChunkTask(req.definition())
	if err != nil {
		taskSubmissions.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	initial := *ct.Header()
	if err := s.coord.Submit(ct); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrTaskExists):
			taskSubmissions.WithLabelValues(submitDuplicate).Inc()
			s.writeError(w, http.StatusConflict, "task already exists")
		case errors.Is(err, coordinator.ErrInvalidTask):
			taskSubmissions.WithLabelValues(submitInvalid).Inc()
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			taskSubmissions.WithLabelValues(submitError).Inc()
			s.logger.Error("submit task", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}

	taskSubmissions.WithLabelValues(submitAccepted).Inc()
	h := s.header(initial.TaskID, initial)
	s.writeJSON(w, http.StatusCreated, taskResponse{
		TaskID:          h.TaskID,
		Status:          h.Status,
		OwnerAddress:    h.OwnerAddress,
		OwnerPort:       h.OwnerPort,
		TTLS:            seconds(h.TTL),
		SubtaskTimeoutS: seconds(h.SubtaskTimeout),
	})
}

// header returns the coordinator's copy of a task header, or fallback when
// the task no longer needs computation.
func (s *Server) header(taskID string, fallback model.TaskHeader) model.TaskHeader {
	for _, h := range s.coord.TaskHeaders() {
		if h.TaskID == taskID {
			return h
		}
	}
	return fallback
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.coord.QueryTaskState(id)
	if errors.Is(err, coordinator.ErrUnknownTask) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("query task state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	subtasks := make([]subtaskResponse, 0, len(st.SubtaskStates))
	for _, ss := range st.SubtaskStates {
		subtasks = append(subtasks, newSubtaskResponse(ss))
	}
	sort.Slice(subtasks, func(i, j int) bool {
		if subtasks[i].StartChunk != subtasks[j].StartChunk {
			return subtasks[i].StartChunk < subtasks[j].StartChunk
		}
		return subtasks[i].TimeStarted.Before(subtasks[j].TimeStarted)
	})

	s.writeJSON(w, http.StatusOK, taskStateResponse{
		TaskID:        id,
		Status:        st.Status,
		TimeStarted:   st.TimeStarted,
		ElapsedS:      seconds(st.ElapsedTime),
		Progress:      st.Progress,
		RemainingS:    remainingSeconds(st.RemainingTime),
		ResultPreview: st.ResultPreview,
		Subtasks:      subtasks,
	})
}

func (s *Server) handleLeaseUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req leaseRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	if !s.coord.HasTask(id) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	desc, ok := s.coord.LeaseNextUnit(req.WorkerID, id, req.Performance, req.NumCores)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}
