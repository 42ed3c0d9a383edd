package panel

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/steps"
	"github.com/pysugar/notedeck/internal/tasks"
)

// maxUploadBody leaves room for the multipart envelope around the largest file.
const maxUploadBody = tasks.MaxUploadSize + 1<<20

type taskList struct {
	Tasks   []tasks.Task `json:"tasks"`
	Current string       `json:"current,omitempty"`
}

func (s *Server) taskList() taskList {
	list := s.Tasks.Registry().List()
	if list == nil {
		list = []tasks.Task{}
	}
	out := taskList{Tasks: list}
	if cur, ok := s.Tasks.Registry().Current(); ok {
		out.Current = cur.ID
	}
	return out
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.taskList())
}

func (s *Server) refreshTasks(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Tasks.Refresh(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskList())
}

func (s *Server) uploadTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, r, &backend.ValidationError{Field: "file", Reason: "file exceeds 500 MB"})
			return
		}
		s.fail(w, r, &backend.ValidationError{Field: "file", Reason: err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, &backend.ValidationError{Field: "file", Reason: "no file selected"})
		return
	}
	defer file.Close()

	screenshot, _ := strconv.ParseBool(r.FormValue("screenshot"))
	task, err := s.Tasks.Upload(r.Context(), tasks.UploadRequest{
		Filename:   header.Filename,
		Size:       header.Size,
		Reader:     file,
		Screenshot: screenshot,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type taskView struct {
	Task tasks.Task `json:"task"`
	steps.View
}

func (s *Server) renderTask(id string, sess *steps.Session) (taskView, error) {
	t, ok := s.Tasks.Registry().Get(id)
	if !ok {
		return taskView{}, tasks.ErrNotFound
	}
	return taskView{Task: t, View: sess.View()}, nil
}

func (s *Server) viewTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.Steps.View(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.renderTask(id, sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) confirmStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, ok := steps.ParseName(chi.URLParam(r, "step"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown step")
		return
	}
	sess, err := s.Steps.View(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := sess.Confirm(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.renderTask(id, sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Style string `json:"style"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	sess, err := s.Steps.View(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := sess.Regenerate(r.Context(), body.Style); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.renderTask(id, sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}
