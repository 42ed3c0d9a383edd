package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second, RetryCount: 2})
}

func TestClient_GetTaskUnwrapsEnvelope(t *testing.T) {
	r := chi.NewRouter()
	var gotRequestID string
	r.Get("/api/task/{id}", func(w http.ResponseWriter, req *http.Request) {
		gotRequestID = req.Header.Get(logging.HeaderRequestID)
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200,
			"data": map[string]any{
				"status":     "transcribing",
				"transcript": map[string]any{"segments": []any{map[string]any{"start": 0, "end": 1.5, "text": "hi"}}},
			},
		})
	})
	c := newTestClient(t, r)

	ctx := logging.WithRequestID(context.Background(), "req-1")
	task, err := c.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ID != "t1" || task.Status != "transcribing" {
		t.Fatalf("task = %+v", task)
	}
	if !task.Transcript.Ready() || task.Transcript.Segments[0].End != 1.5 {
		t.Fatalf("transcript = %+v", task.Transcript)
	}
	if gotRequestID != "req-1" {
		t.Fatalf("request id = %q", gotRequestID)
	}
}

func TestClient_LogicalErrorCarriesBackendText(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/task/{id}/confirm_step", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 500, "msg": "task not found"})
	})
	c := newTestClient(t, r)

	err := c.ConfirmStep(context.Background(), "missing", "extract")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsLogical(err) {
		t.Fatalf("expected logical error, got %T", err)
	}
	if Message(err) != "task not found" {
		t.Fatalf("message = %q", Message(err))
	}
}

func TestClient_TransportErrorIsNotLogical(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Options{BaseURL: base, Timeout: time.Second})
	_, err := c.ListTasks(context.Background(), 10)
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsLogical(err) {
		t.Fatalf("transport error reported as logical: %v", err)
	}
}

func TestClient_RetriesOnlyIdempotentCalls(t *testing.T) {
	var gets, posts atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/tasks", func(w http.ResponseWriter, req *http.Request) {
		if gets.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if req.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q", req.URL.Query().Get("limit"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "data": []any{
			map[string]any{"task_id": "a", "filename": "a.mp4", "status": "pending", "created_at": "2024-01-01T10:00:00"},
		}})
	})
	r.Post("/api/task/{id}/regenerate", func(w http.ResponseWriter, req *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, r)

	list, err := c.ListTasks(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 1 || list[0].CreatedAt != "2024-01-01T10:00:00" {
		t.Fatalf("list = %+v", list)
	}
	if gets.Load() != 2 {
		t.Fatalf("gets = %d, want 2", gets.Load())
	}

	if err := c.Regenerate(context.Background(), "a", RegenerateInput{Style: "simple"}); err == nil {
		t.Fatalf("expected regenerate error")
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d, want 1", posts.Load())
	}
}

func TestClient_UploadSendsMultipart(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/upload", func(w http.ResponseWriter, req *http.Request) {
		file, header, err := req.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		body, _ := io.ReadAll(file)
		if header.Filename != "talk.mp4" || string(body) != "video-bytes" {
			t.Errorf("file = %s %q", header.Filename, body)
		}
		if req.FormValue("screenshot") != "true" {
			t.Errorf("screenshot = %q", req.FormValue("screenshot"))
		}
		var mc ModelConfig
		if err := json.Unmarshal([]byte(req.FormValue("model_config")), &mc); err != nil || mc.Model != "gpt-4o" {
			t.Errorf("model_config = %q", req.FormValue("model_config"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "data": map[string]any{"task_id": "t9", "filename": "talk.mp4"}})
	})
	c := newTestClient(t, r)

	res, err := c.Upload(context.Background(), UploadInput{
		Filename:    "talk.mp4",
		Reader:      strings.NewReader("video-bytes"),
		Screenshot:  true,
		ModelConfig: &ModelConfig{Provider: "openai", APIKey: "sk", Model: "gpt-4o"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.TaskID != "t9" {
		t.Fatalf("result = %+v", res)
	}
}

func TestClient_UploadValidatesBeforeNetwork(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Upload(context.Background(), UploadInput{Reader: strings.NewReader("x")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestClient_ListModelsReadsVisionFlag(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/models/list", func(w http.ResponseWriter, req *http.Request) {
		var q ModelQuery
		_ = json.NewDecoder(req.Body).Decode(&q)
		if q.Provider != "openai" || q.APIKey != "sk" {
			t.Errorf("query = %+v", q)
		}
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "data": []any{
			map[string]any{"id": "gpt-4o", "name": "GPT-4o", "capabilities": map[string]any{"supportsVision": true}},
			map[string]any{"id": "o1", "supportsVision": true},
			map[string]any{"id": "gpt-3.5"},
		}})
	})
	c := newTestClient(t, r)

	models, err := c.ListModels(context.Background(), ModelQuery{Provider: "openai", APIKey: "sk"})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 3 || !models[0].SupportsVision || !models[1].SupportsVision || models[2].SupportsVision {
		t.Fatalf("models = %+v", models)
	}
	if models[2].Name != "gpt-3.5" {
		t.Fatalf("name should default to id, got %q", models[2].Name)
	}
}

func TestClient_BiliErrorsUseDetail(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/bili/download/start", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "no pending videos"})
	})
	r.Get("/api/bili/download/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"status": "running", "current_video": "BV1xx", "total": 4, "completed": 1, "progress": 25.0,
		}})
	})
	c := newTestClient(t, r)

	_, err := c.StartDownload(context.Background(), 1, 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != "no pending videos" {
		t.Fatalf("err = %#v", err)
	}

	st, err := c.DownloadStatus(context.Background())
	if err != nil {
		t.Fatalf("DownloadStatus: %v", err)
	}
	if st.Status != "running" || st.Total != 4 || st.Progress != 25 {
		t.Fatalf("status = %+v", st)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
		err  bool
	}{
		{"http://127.0.0.1:8483/api", "ws://127.0.0.1:8483/api/ws/bili/logs", false},
		{"https://notes.example.com/api/", "wss://notes.example.com/api/ws/bili/logs", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := StreamURL(tt.base)
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_VideoFiles(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/files/videos", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []any{
			map[string]any{
				"filename": "BV1xx411c7mD.mp4", "path": "/data/bili/BV1xx411c7mD.mp4", "size": 2048,
				"modified_at": "2024-05-01T08:00:00", "source": "bilibili",
				"metadata": map[string]any{"title": "lecture", "bv_id": "BV1xx411c7mD", "quality": "1080P"},
			},
			map[string]any{
				"filename": "a.mp4", "path": "/data/uploads/a.mp4", "size": 10,
				"modified_at": "2024-04-01T08:00:00", "source": "upload", "metadata": nil,
			},
		}})
	})
	c := newTestClient(t, r)

	files, err := c.VideoFiles(context.Background())
	if err != nil {
		t.Fatalf("VideoFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v", files)
	}
	if files[0].Metadata == nil || files[0].Metadata.BVID != "BV1xx411c7mD" || files[0].Size != 2048 {
		t.Fatalf("first = %+v", files[0])
	}
	if files[1].Source != "upload" || files[1].Metadata != nil {
		t.Fatalf("second = %+v", files[1])
	}
}

func TestClient_VideoFilesHTTPError(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/files/videos", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "disk unavailable"})
	})
	c := newTestClient(t, r)

	_, err := c.VideoFiles(context.Background())
	if !IsLogical(err) || Message(err) != "disk unavailable" {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_ExportPDFStreamsBody(t *testing.T) {
	pdf := "%PDF-1.4\n" + strings.Repeat("x", 4096)
	r := chi.NewRouter()
	r.Get("/api/task/{id}/export_pdf", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "id") != "t1" {
			t.Errorf("id = %q", chi.URLParam(req, "id"))
		}
		if req.Header.Get("Accept") != "application/pdf" {
			t.Errorf("accept = %q", req.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="lecture notes.pdf"`)
		_, _ = io.WriteString(w, pdf)
	})
	c := newTestClient(t, r)

	export, err := c.ExportPDF(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ExportPDF: %v", err)
	}
	defer export.Body.Close()
	got, err := io.ReadAll(export.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != pdf {
		t.Fatalf("body length = %d, want %d", len(got), len(pdf))
	}
	if export.Filename != "lecture notes.pdf" || export.ContentType != "application/pdf" {
		t.Fatalf("export = %+v", export)
	}
}

func TestClient_ExportPDFErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    map[string]any
		wantMsg string
	}{
		{"http error", http.StatusNotFound, map[string]any{"detail": "task not found"}, "task not found"},
		{"envelope error", http.StatusOK, map[string]any{"code": 500, "msg": "markdown not ready"}, "markdown not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/task/{id}/export_pdf", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			c := newTestClient(t, r)

			_, err := c.ExportPDF(context.Background(), "t1")
			if !IsLogical(err) {
				t.Fatalf("expected logical error, got %v", err)
			}
			if Message(err) != tt.wantMsg {
				t.Fatalf("message = %q, want %q", Message(err), tt.wantMsg)
			}
		})
	}

	var verr *ValidationError
	if _, err := New(Options{BaseURL: "http://127.0.0.1:1"}).ExportPDF(context.Background(), " "); !errors.As(err, &verr) {
		t.Fatalf("empty id err = %v", err)
	}
}
