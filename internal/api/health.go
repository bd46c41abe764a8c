package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
	Tasks  int    `json:"tasks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		NodeID: s.nodeID,
		Tasks:  len(s.coord.CollectProgressSnapshots()),
	})
}
