package panel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/bili"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/selection"
	"github.com/pysugar/notedeck/internal/steps"
	"github.com/pysugar/notedeck/internal/tasks"
)

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *backend.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, modelconfig.ErrInvalidProvider),
		errors.Is(err, modelcatalog.ErrInvalidModelID),
		errors.Is(err, selection.ErrUnknownModel),
		errors.Is(err, steps.ErrInvalidStyle),
		errors.Is(err, bili.ErrInvalidBVID):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, modelconfig.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, steps.ErrStepNotConfirmable),
		errors.Is(err, steps.ErrNotRegenerable),
		errors.Is(err, steps.ErrRegenerateInFlight),
		errors.Is(err, steps.ErrSessionClosed):
		return http.StatusConflict
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("panel request failed", requestFields(r, err)...)
	}
	writeError(w, status, backend.Message(err))
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return &backend.ValidationError{Field: "body", Reason: "missing"}
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &backend.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
