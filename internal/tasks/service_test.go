package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pysugar/notedeck/internal/backend"
)

type fakeAPI struct {
	list      []backend.TaskSummary
	detail    backend.TaskDetail
	deleteErr error
	uploads   []backend.UploadInput
	deleted   []string
}

func (f *fakeAPI) ListTasks(context.Context, int) ([]backend.TaskSummary, error) { return f.list, nil }

func (f *fakeAPI) GetTask(context.Context, string) (backend.TaskDetail, error) { return f.detail, nil }

func (f *fakeAPI) Upload(_ context.Context, in backend.UploadInput) (backend.UploadResult, error) {
	f.uploads = append(f.uploads, in)
	return backend.UploadResult{TaskID: "new-1", Filename: in.Filename}, nil
}

func (f *fakeAPI) DeleteTask(_ context.Context, id string) (string, error) {
	f.deleted = append(f.deleted, id)
	return "deleted", f.deleteErr
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name string
		file string
		size int64
		ok   bool
	}{
		{"video", "talk.MP4", 10, true},
		{"audio", "clip.m4a", 10, true},
		{"no name", "", 10, false},
		{"bad type", "notes.pdf", 10, false},
		{"empty", "a.mp4", 0, false},
		{"too big", "a.mkv", MaxUploadSize + 1, false},
		{"at limit", "a.mkv", MaxUploadSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.file, tt.size)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidateUpload(%q, %d) = %v", tt.file, tt.size, err)
			}
		})
	}
}

func TestService_UploadAttachesSelectedModel(t *testing.T) {
	api := &fakeAPI{}
	reg := NewRegistry(nil, nil)
	svc := NewService(api, reg, func(context.Context) (*backend.ModelConfig, error) {
		return &backend.ModelConfig{Provider: "openai", Model: "gpt-4o"}, nil
	}, 10, nil)

	task, err := svc.Upload(context.Background(), UploadRequest{Filename: "a.mp4", Size: 3, Reader: strings.NewReader("abc")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if task.ID != "new-1" || task.Status != StatusPending {
		t.Fatalf("task = %+v", task)
	}
	if len(api.uploads) != 1 || api.uploads[0].ModelConfig == nil || api.uploads[0].ModelConfig.Model != "gpt-4o" {
		t.Fatalf("uploads = %+v", api.uploads)
	}
	if list := reg.List(); len(list) != 1 || list[0].ID != "new-1" {
		t.Fatalf("registry = %+v", list)
	}
}

func TestService_UploadRejectsBeforeNetwork(t *testing.T) {
	api := &fakeAPI{}
	svc := NewService(api, NewRegistry(nil, nil), nil, 10, nil)
	_, err := svc.Upload(context.Background(), UploadRequest{Filename: "a.exe", Size: 3, Reader: strings.NewReader("abc")})
	var verr *backend.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(api.uploads) != 0 {
		t.Fatalf("network call made for invalid file")
	}
}

func TestService_DeleteRollsBackOnFailure(t *testing.T) {
	api := &fakeAPI{deleteErr: &backend.APIError{Op: "delete task", Code: 500, Message: "busy"}}
	reg := NewRegistry(nil, nil)
	reg.AddTask(Task{ID: "a"})
	reg.AddTask(Task{ID: "b"})
	svc := NewService(api, reg, nil, 10, nil)

	if err := svc.Delete(context.Background(), "a"); err == nil {
		t.Fatalf("expected error")
	}
	if got := ids(reg.List()); len(got) != 2 || got[1] != "a" {
		t.Fatalf("not rolled back: %v", got)
	}

	api.deleteErr = nil
	if err := svc.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if reg.Has("a") {
		t.Fatalf("task still present")
	}
	if err := svc.Delete(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func TestService_RefreshAndDetail(t *testing.T) {
	api := &fakeAPI{
		list:   []backend.TaskSummary{{ID: "a", Filename: "a.mp4", Status: "processing", CreatedAt: "2024-01-01T00:00:00"}},
		detail: backend.TaskDetail{ID: "a", Status: "completed", Markdown: "# done"},
	}
	reg := NewRegistry(nil, nil)
	svc := NewService(api, reg, nil, 10, nil)

	list, err := svc.Refresh(context.Background())
	if err != nil || len(list) != 1 || list[0].Status != StatusProcessing {
		t.Fatalf("Refresh = %+v, %v", list, err)
	}
	if _, err := svc.Detail(context.Background(), "a"); err != nil {
		t.Fatalf("Detail: %v", err)
	}
	got, _ := reg.Get("a")
	if got.Status != StatusCompleted || got.Markdown != "# done" {
		t.Fatalf("task = %+v", got)
	}
}
