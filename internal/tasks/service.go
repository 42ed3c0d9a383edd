package tasks

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/logging"
	"go.uber.org/zap"
)

// MaxUploadSize is the largest file the console forwards.
const MaxUploadSize = 500 << 20

var allowedExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".flv": true, ".wmv": true,
	".webm": true, ".m4v": true, ".mp3": true, ".wav": true, ".m4a": true,
}

// TaskAPI is the part of the backend the service calls.
type TaskAPI interface {
	ListTasks(ctx context.Context, limit int) ([]backend.TaskSummary, error)
	GetTask(ctx context.Context, id string) (backend.TaskDetail, error)
	Upload(ctx context.Context, in backend.UploadInput) (backend.UploadResult, error)
	DeleteTask(ctx context.Context, id string) (string, error)
}

// ModelConfigFunc returns the config of the selected model, or nil when none is usable.
type ModelConfigFunc func(ctx context.Context) (*backend.ModelConfig, error)

type UploadRequest struct {
	Filename   string
	Size       int64
	Reader     io.Reader
	Screenshot bool
	// ModelConfig overrides the selected model.
	ModelConfig *backend.ModelConfig
}

// ValidateUpload rejects files the backend would refuse, before any network call.
func ValidateUpload(filename string, size int64) error {
	if strings.TrimSpace(filename) == "" {
		return &backend.ValidationError{Field: "file", Reason: "no file selected"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return &backend.ValidationError{Field: "file", Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	if size <= 0 {
		return &backend.ValidationError{Field: "file", Reason: "file is empty"}
	}
	if size > MaxUploadSize {
		return &backend.ValidationError{Field: "file", Reason: "file exceeds 500 MB"}
	}
	return nil
}

type Service struct {
	api         TaskAPI
	registry    *Registry
	modelConfig ModelConfigFunc
	limit       int
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(api TaskAPI, registry *Registry, modelConfig ModelConfigFunc, limit int, logger *zap.Logger) *Service {
	if limit <= 0 {
		limit = 50
	}
	return &Service{
		api:         api,
		registry:    registry,
		modelConfig: modelConfig,
		limit:       limit,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

func (s *Service) Registry() *Registry { return s.registry }

// Refresh reloads the list from the backend. On failure the registry is unchanged.
func (s *Service) Refresh(ctx context.Context) ([]Task, error) {
	since := s.now()
	rows, err := s.api.ListTasks(ctx, s.limit)
	if err != nil {
		s.logger.Warn("refresh tasks failed", zap.Error(err), logging.RequestIDField(ctx))
		return nil, err
	}
	list := make([]Task, 0, len(rows))
	for _, row := range rows {
		list = append(list, FromSummary(row))
	}
	s.registry.LoadTasks(list, since)
	return s.registry.List(), nil
}

// Upload validates, sends the file with the selected model config and inserts the new
// task optimistically.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (Task, error) {
	if err := ValidateUpload(req.Filename, req.Size); err != nil {
		return Task{}, err
	}
	mc := req.ModelConfig
	if mc == nil && s.modelConfig != nil {
		var err error
		if mc, err = s.modelConfig(ctx); err != nil {
			s.logger.Warn("selected model unavailable, uploading without model config", zap.Error(err))
			mc = nil
		}
	}

	res, err := s.api.Upload(ctx, backend.UploadInput{
		Filename:    req.Filename,
		Reader:      req.Reader,
		Screenshot:  req.Screenshot,
		ModelConfig: mc,
	})
	if err != nil {
		s.logger.Warn("upload failed", zap.String("file", req.Filename), zap.Error(err), logging.RequestIDField(ctx))
		return Task{}, err
	}
	filename := res.Filename
	if filename == "" {
		filename = req.Filename
	}
	t := Task{
		ID:        res.TaskID,
		Filename:  filename,
		Status:    StatusPending,
		CreatedAt: s.now().Format("2006-01-02T15:04:05"),
	}
	s.registry.AddTask(t)
	s.logger.Info("task uploaded", zap.String("task_id", t.ID), zap.String("file", filename))
	return t, nil
}

// Delete removes id optimistically and puts it back if the backend refuses.
func (s *Service) Delete(ctx context.Context, id string) error {
	rm, ok := s.registry.RemoveTask(id)
	if !ok {
		return ErrNotFound
	}
	if _, err := s.api.DeleteTask(ctx, id); err != nil {
		s.registry.Restore(rm)
		s.logger.Warn("delete task failed, restored", zap.String("task_id", id), zap.Error(err))
		return err
	}
	return nil
}

// Detail fetches the full task and merges it into the registry when the task is still
// registered.
func (s *Service) Detail(ctx context.Context, id string) (backend.TaskDetail, error) {
	d, err := s.api.GetTask(ctx, id)
	if err != nil {
		return backend.TaskDetail{}, err
	}
	s.registry.UpdateTask(id, PatchFromDetail(d))
	return d, nil
}
