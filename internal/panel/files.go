package panel

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/backend"
	"go.uber.org/zap"
)

func (s *Server) videoFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.Files.VideoFiles(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]backend.VideoFile{"files": files})
}

// exportPDF relays the backend's PDF without buffering it.
func (s *Server) exportPDF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	export, err := s.Files.ExportPDF(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer export.Body.Close()

	h := w.Header()
	h.Set("Content-Type", export.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename}))
	if export.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(export.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, export.Body); err != nil {
		s.logger.Warn("pdf export interrupted", append(requestFields(r, err), zap.String("task_id", id), zap.Int64("bytes", n))...)
	}
}
