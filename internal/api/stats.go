package api

import (
	"net/http"
)

type executionStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByImage       map[string]int `json:"by_image"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// workloadStats sums the progress counters of unfinished tasks.
type workloadStats struct {
	Tasks        int `json:"tasks"`
	ActiveUnits  int `json:"active_units"`
	ActiveChunks int `json:"active_chunks"`
	ChunksLeft   int `json:"chunks_left"`
}

type statsResponse struct {
	Executions executionStats `json:"executions"`
	Workload   workloadStats  `json:"workload"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	var load workloadStats
	for _, snap := range s.coord.CollectProgressSnapshots() {
		load.Tasks++
		load.ActiveUnits += snap.ActiveTasks
		load.ActiveChunks += snap.ActiveChunks
		load.ChunksLeft += snap.ChunksLeft
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Executions: executionStats{
			Total:         st.Total,
			ByStatus:      st.CountByStatus,
			ByImage:       st.CountByImage,
			AvgDurationMS: st.AvgDurationMS,
		},
		Workload: load,
	})
}
