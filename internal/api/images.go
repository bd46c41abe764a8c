package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskmesh/internal/sandbox"
)

type imageResponse struct {
	Image     string `json:"image"`
	Runtime   string `json:"runtime"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func (s *Server) handleListImages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetImage reports whether one runtime can serve an image, so clients
// can check their candidates before submitting a task.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img := sandbox.Image{Runtime: chi.URLParam(r, "runtime"), Name: chi.URLParam(r, "name")}
	rt, err := s.registry.Get(img.Runtime)
	if errors.Is(err, sandbox.ErrUnknownRuntime) {
		s.writeError(w, http.StatusNotFound, "runtime not registered")
		return
	}
	if err != nil {
		s.logger.Error("get runtime", "runtime", img.Runtime, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get runtime")
		return
	}
	s.writeJSON(w, http.StatusOK, imageResponse{
		Image:     img.String(),
		Runtime:   img.Runtime,
		Name:      img.Name,
		Available: rt.ImageAvailable(r.Context(), img.Name),
	})
}
