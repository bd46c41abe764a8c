package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskmesh/internal/model"
)

type progressRequest struct {
	Progress   float64  `json:"progress"`
	RemainingS *float64 `json:"remaining_s"`
}

type resultRequest struct {
	Data       []string `json:"data"`
	ResultType string   `json:"result_type"`
}

type failureRequest struct {
	Reason string `json:"reason"`
}

type ackResponse struct {
	SubtaskID string              `json:"subtask_id"`
	Status    model.SubtaskStatus `json:"status"`
}

func parseResultType(s string) (model.ResultType, bool) {
	switch s {
	case "", model.ResultTypeData.String():
		return model.ResultTypeData, true
	case model.ResultTypeFile.String():
		return model.ResultTypeFile, true
	default:
		return 0, false
	}
}

func (s *Server) handleGetSubtask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ss, ok := s.coord.SubtaskState(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "subtask not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newSubtaskResponse(&ss))
}

func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req progressRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	remaining := model.RemainingUnknown
	if req.RemainingS != nil && *req.RemainingS >= 0 {
		remaining = time.Duration(*req.RemainingS * float64(time.Second))
	}

	s.acknowledge(w, id, func() bool {
		return s.coord.ReportProgress(id, req.Progress, remaining)
	})
}

func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resultRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rt, ok := parseResultType(req.ResultType)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "result_type must be data or file")
		return
	}
	data := req.Data
	if data == nil {
		data = []string{}
	}
	if rt == model.ResultTypeFile {
		if err := s.checkResultFiles(id, data); err != nil {
			s.writeError(w, http.StatusBadRequest, "file results must be files this node produced for the subtask")
			return
		}
	}

	s.acknowledge(w, id, func() bool {
		return s.coord.IngestResult(id, model.Result{Data: data, Type: rt})
	})
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req failureRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.acknowledge(w, id, func() bool {
		return s.coord.ReportFailure(id, req.Reason)
	})
}

// checkResultFiles refuses file paths outside the lease's output directory
// on this node. Unknown subtasks pass through to acknowledge.
func (s *Server) checkResultFiles(subtaskID string, paths []string) error {
	ss, ok := s.coord.SubtaskState(subtaskID)
	if !ok {
		return nil
	}
	env := s.coord.Environment()
	if env == nil {
		return errors.New("no environment for file results")
	}
	return env.CheckResultFiles(ss.TaskID, subtaskID, paths)
}

// acknowledge runs a coordinator operation on an existing subtask. A
// rejected operation means the lease is no longer active.
func (s *Server) acknowledge(w http.ResponseWriter, id string, op func() bool) {
	if _, ok := s.coord.SubtaskState(id); !ok {
		s.writeError(w, http.StatusNotFound, "subtask not found")
		return
	}
	if !op() {
		s.writeError(w, http.StatusConflict, "subtask is not in progress")
		return
	}
	ss, _ := s.coord.SubtaskState(id)
	s.writeJSON(w, http.StatusOK, ackResponse{SubtaskID: id, Status: ss.Status})
}
