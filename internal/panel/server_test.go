package panel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/bili"
	"github.com/pysugar/notedeck/internal/db"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"github.com/pysugar/notedeck/internal/selection"
	"github.com/pysugar/notedeck/internal/steps"
	"github.com/pysugar/notedeck/internal/tasks"
	"go.uber.org/zap"
)

const exportedPDF = "%PDF-1.4\nnotes"

// fakeBackend is the note-generation service seen by the panel.
type fakeBackend struct {
	mu          sync.Mutex
	modelConfig string
	deleted     []string
	biliCalls   atomic.Int32
}

func envelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "msg": "ok", "data": data})
}

func success(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func (f *fakeBackend) router() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/models/list", func(w http.ResponseWriter, req *http.Request) {
		envelope(w, []map[string]any{{"id": "llama3"}, {"id": "qwen2"}})
	})
	r.Get("/api/tasks", func(w http.ResponseWriter, req *http.Request) {
		envelope(w, []map[string]any{{"task_id": "t1", "filename": "a.mp4", "status": "completed", "markdown": "# a"}})
	})
	r.Post("/api/upload", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.modelConfig = req.FormValue("model_config")
		f.mu.Unlock()
		envelope(w, map[string]any{"task_id": "t2", "filename": "b.mp4"})
	})
	r.Get("/api/task/{id}", func(w http.ResponseWriter, req *http.Request) {
		envelope(w, map[string]any{
			"status":     "completed",
			"markdown":   "# notes",
			"transcript": map[string]any{"segments": []any{map[string]any{"start": 0, "end": 1, "text": "hi"}}},
		})
	})
	r.Delete("/api/task/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, chi.URLParam(req, "id"))
		f.mu.Unlock()
		envelope(w, nil)
	})
	r.Get("/api/bili/videos", func(w http.ResponseWriter, req *http.Request) {
		f.biliCalls.Add(1)
		success(w, []map[string]any{{"id": 1, "bv_id": "BV1xx411c7mD", "status": "pending"}})
	})
	r.Post("/api/bili/videos", func(w http.ResponseWriter, req *http.Request) {
		f.biliCalls.Add(1)
		success(w, map[string]any{"id": 2, "bv_id": "BV1xx411c7mD", "status": "pending"})
	})
	r.Get("/api/files/videos", func(w http.ResponseWriter, req *http.Request) {
		success(w, []map[string]any{{
			"filename": "BV1xx411c7mD.mp4", "path": "/data/bili/BV1xx411c7mD.mp4", "size": 2048,
			"modified_at": "2024-05-01T08:00:00", "source": "bilibili",
			"metadata": map[string]any{"title": "lecture", "bv_id": "BV1xx411c7mD"},
		}})
	})
	r.Get("/api/task/{id}/export_pdf", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "id") != "t1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"detail": "task not found"})
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="notes.pdf"`)
		_, _ = w.Write([]byte(exportedPDF))
	})
	r.Get("/api/bili/download/status", func(w http.ResponseWriter, req *http.Request) {
		success(w, map[string]any{"status": "running", "total": 2, "completed": 1, "progress": 50})
	})
	return r
}

type testPanel struct {
	srv     *httptest.Server
	backend *fakeBackend
	bus     *events.Bus
}

func newTestPanel(t *testing.T) *testPanel {
	t.Helper()
	fb := &fakeBackend{}
	upstream := httptest.NewServer(fb.router())
	t.Cleanup(upstream.Close)

	client := backend.New(backend.Options{BaseURL: upstream.URL + "/api", Timeout: 2 * time.Second})
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "panel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	settings := db.NewSettingsStore(gdb, "test")
	bus := events.NewBus("test", zap.NewNop())
	cat := catalog.Builtin()

	configs := modelconfig.NewStore(settings, bus, nil)
	t.Cleanup(configs.Close)
	configs.Load(context.Background())

	resolver := modelcatalog.NewResolver(client, configs, cat, modelcatalog.Options{
		TTL:      time.Minute,
		Cache:    db.NewModelListCache(gdb),
		Notifier: bus,
	})
	t.Cleanup(resolver.Close)

	tracker := selection.NewTracker(settings, bus, nil)
	t.Cleanup(tracker.Close)
	modelConfig := func(ctx context.Context) (*backend.ModelConfig, error) {
		return tracker.ModelConfig(ctx, resolver)
	}

	registry := tasks.NewRegistry(bus, nil)
	svc := tasks.NewService(client, registry, modelConfig, 20, nil)
	manager := steps.NewManager(client, registry, steps.Config{
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: time.Second,
		ModelConfig:    modelConfig,
		Notifier:       bus,
	})
	t.Cleanup(manager.Close)

	srv := New(Deps{
		Catalog:   cat,
		Configs:   configs,
		Resolver:  resolver,
		Selection: tracker,
		Tasks:     svc,
		Steps:     manager,
		Bili:      bili.NewSession(client, bus, 0, nil),
		Bus:       bus,
		Files:     client,
		KeepAlive: time.Hour,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testPanel{srv: ts, backend: fb, bus: bus}
}

func (p *testPanel) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, p.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (p *testPanel) upload(t *testing.T, filename string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte("video bytes"))
	_ = mw.WriteField("screenshot", "true")
	_ = mw.Close()

	resp, err := http.Post(p.srv.URL+"/api/tasks/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPanel_ConfigureSelectUploadAndView(t *testing.T) {
	p := newTestPanel(t)

	var inst map[string]any
	status := p.do(t, http.MethodPost, "/api/model-configs/ollama/instances", map[string]any{
		"name":    "local",
		"baseUrl": "http://127.0.0.1:11434/v1",
		"models":  []string{"llama3"},
	}, &inst)
	if status != http.StatusCreated {
		t.Fatalf("add instance status = %d", status)
	}
	instanceID, _ := inst["id"].(string)
	if instanceID == "" {
		t.Fatalf("instance = %+v", inst)
	}

	var models struct {
		Models   []modelcatalog.ResolvedModel `json:"models"`
		Selected string                       `json:"selected"`
	}
	if status := p.do(t, http.MethodGet, "/api/models", nil, &models); status != http.StatusOK {
		t.Fatalf("models status = %d", status)
	}
	if len(models.Models) != 1 || models.Models[0].ModelID != "llama3" {
		t.Fatalf("models = %+v", models.Models)
	}
	wantID := modelcatalog.ModelKey{Provider: catalog.Ollama, InstanceID: instanceID, ModelID: "llama3"}.String()
	if models.Selected != wantID {
		t.Fatalf("selected = %q, want %q", models.Selected, wantID)
	}

	status, task := p.upload(t, "b.mp4")
	if status != http.StatusCreated {
		t.Fatalf("upload status = %d body = %+v", status, task)
	}
	if task["id"] != "t2" || task["status"] != "pending" {
		t.Fatalf("task = %+v", task)
	}
	p.backend.mu.Lock()
	sent := p.backend.modelConfig
	p.backend.mu.Unlock()
	if !strings.Contains(sent, `"model":"llama3"`) || !strings.Contains(sent, `"provider":"ollama"`) {
		t.Fatalf("model_config = %s", sent)
	}

	var view struct {
		Task   tasks.Task   `json:"task"`
		Status tasks.Status `json:"status"`
		Steps  steps.Steps  `json:"steps"`
	}
	if status := p.do(t, http.MethodGet, "/api/tasks/t2", nil, &view); status != http.StatusOK {
		t.Fatalf("view status = %d", status)
	}
	if view.Status != tasks.StatusCompleted || view.Task.Markdown != "# notes" {
		t.Fatalf("view = %+v", view)
	}
	for _, s := range view.Steps {
		if s.Status != steps.Completed {
			t.Fatalf("steps = %+v", view.Steps)
		}
	}

	var list struct {
		Tasks   []tasks.Task `json:"tasks"`
		Current string       `json:"current"`
	}
	p.do(t, http.MethodGet, "/api/tasks", nil, &list)
	if len(list.Tasks) != 1 || list.Current != "t2" {
		t.Fatalf("list = %+v", list)
	}

	if status := p.do(t, http.MethodDelete, "/api/tasks/t2", nil, nil); status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	var after struct {
		Tasks   []tasks.Task `json:"tasks"`
		Current string       `json:"current"`
	}
	p.do(t, http.MethodGet, "/api/tasks", nil, &after)
	if len(after.Tasks) != 0 || after.Current != "" {
		t.Fatalf("after delete = %+v", after)
	}
}

func TestPanel_RefreshTasks(t *testing.T) {
	p := newTestPanel(t)

	var list struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if status := p.do(t, http.MethodPost, "/api/tasks/refresh", nil, &list); status != http.StatusOK {
		t.Fatalf("refresh status = %d", status)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "t1" || list.Tasks[0].Markdown != "# a" {
		t.Fatalf("tasks = %+v", list.Tasks)
	}
}

func TestPanel_RejectsBadInput(t *testing.T) {
	p := newTestPanel(t)

	if status, _ := p.upload(t, "notes.txt"); status != http.StatusBadRequest {
		t.Fatalf("upload of .txt status = %d", status)
	}

	var errBody map[string]string
	if status := p.do(t, http.MethodGet, "/api/tasks/nope", nil, &errBody); status != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", status)
	}
	if errBody["error"] == "" {
		t.Fatalf("error body = %+v", errBody)
	}

	if status := p.do(t, http.MethodPost, "/api/tasks/t1/steps/bogus/confirm", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bogus step status = %d", status)
	}

	if status := p.do(t, http.MethodPut, "/api/selected-model", map[string]string{"id": "openai/x/y"}, nil); status != http.StatusBadRequest {
		t.Fatalf("unknown selection status = %d", status)
	}

	if status := p.do(t, http.MethodPost, "/api/bili/videos", map[string]string{"url": "https://example.com/watch"}, nil); status != http.StatusBadRequest {
		t.Fatalf("bad bili url status = %d", status)
	}
	if n := p.backend.biliCalls.Load(); n != 0 {
		t.Fatalf("backend saw %d bili calls for invalid input", n)
	}
}

func TestPanel_BiliVideosAndSession(t *testing.T) {
	p := newTestPanel(t)

	var added backend.Video
	status := p.do(t, http.MethodPost, "/api/bili/videos", map[string]string{"url": "https://www.bilibili.com/video/BV1xx411c7mD?p=1"}, &added)
	if status != http.StatusCreated || added.BVID != "BV1xx411c7mD" {
		t.Fatalf("add status = %d video = %+v", status, added)
	}

	var videos struct {
		Videos []backend.Video `json:"videos"`
	}
	p.do(t, http.MethodGet, "/api/bili/videos", nil, &videos)
	if len(videos.Videos) != 1 || videos.Videos[0].ID != 1 {
		t.Fatalf("videos = %+v", videos)
	}

	var snap bili.Snapshot
	p.do(t, http.MethodGet, "/api/bili/session", nil, &snap)
	if snap.Progress.Status != "running" || snap.Progress.Completed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPanel_StreamsBusEvents(t *testing.T) {
	p := newTestPanel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, p.srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// the connected comment is written after the subscription is in place
	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q err = %v", line, err)
	}

	if err := p.bus.Publish(context.Background(), events.TopicTasks, "", map[string]string{"kind": "add"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	var sawEvent bool
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early")
			}
			if strings.HasPrefix(line, "event: tasks") {
				sawEvent = true
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				if !strings.Contains(line, `"kind":"add"`) {
					t.Fatalf("data = %q", line)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no tasks event received")
		}
	}
}

func TestPanel_VideoFilesAndPDFExport(t *testing.T) {
	p := newTestPanel(t)

	var lib struct {
		Files []backend.VideoFile `json:"files"`
	}
	if code := p.do(t, http.MethodGet, "/api/files/videos", nil, &lib); code != http.StatusOK {
		t.Fatalf("video files status = %d", code)
	}
	if len(lib.Files) != 1 || lib.Files[0].Source != "bilibili" || lib.Files[0].Metadata == nil || lib.Files[0].Metadata.Title != "lecture" {
		t.Fatalf("files = %+v", lib.Files)
	}

	resp, err := http.Get(p.srv.URL + "/api/tasks/t1/export.pdf")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != exportedPDF {
		t.Fatalf("export = %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "attachment; filename=notes.pdf" {
		t.Fatalf("content disposition = %q", cd)
	}

	var errBody map[string]string
	if code := p.do(t, http.MethodGet, "/api/tasks/missing/export.pdf", nil, &errBody); code != http.StatusBadGateway {
		t.Fatalf("missing export status = %d", code)
	}
	if errBody["error"] != "task not found" {
		t.Fatalf("missing export error = %+v", errBody)
	}
}
