package panel

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/backend"
)

func (s *Server) biliVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.Bili.Videos(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if videos == nil {
		videos = []backend.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": videos})
}

func (s *Server) biliAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.Bili.Add(r.Context(), body.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) biliRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid video id")
		return
	}
	if err := s.Bili.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) biliClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Bili.Clear(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) biliStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VideoIDs []int64 `json:"video_ids"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	msg, err := s.Bili.Start(r.Context(), body.VideoIDs...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "message": msg})
}

func (s *Server) biliStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Bili.Stop(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// biliSession refreshes the worker status and returns it with the stream state.
func (s *Server) biliSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Bili.RefreshStatus(r.Context()); err != nil {
		s.logger.Debug("bili status refresh failed", requestFields(r, err)...)
	}
	writeJSON(w, http.StatusOK, s.Bili.Snapshot())
}

func (s *Server) biliHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	history, err := s.Bili.History(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if history == nil {
		history = []backend.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (s *Server) biliConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Bili.Config(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) biliUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg backend.DownloadConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Bili.UpdateConfig(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
