package bili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pysugar/notedeck/internal/backend"
)

func TestParseBVID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"BV1d54y1g7db", "BV1d54y1g7db", false},
		{"  BV1d54y1g7db ", "BV1d54y1g7db", false},
		{"https://www.bilibili.com/video/BV1dwuKzmE26/", "BV1dwuKzmE26", false},
		{"https://www.bilibili.com/video/BV1dwuKzmE26?p=2", "BV1dwuKzmE26", false},
		{"https://example.com/watch?v=abc", "", true},
		{"BV!!", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBVID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBVID(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseBVID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	var verr *backend.ValidationError
	if _, err := ParseBVID(" "); !errors.As(err, &verr) {
		t.Fatalf("empty input should be a validation error, got %v", err)
	}
}

type fakeAPI struct {
	API
	added []string
}

func (f *fakeAPI) AddBiliVideo(_ context.Context, raw string) (backend.Video, error) {
	f.added = append(f.added, raw)
	return backend.Video{ID: 1, BVID: "BV1", URL: raw, Status: "pending"}, nil
}

func (f *fakeAPI) DownloadStatus(context.Context) (backend.DownloadStatus, error) {
	return backend.DownloadStatus{Status: "running", Total: 3, Completed: 1, Progress: 33.3}, nil
}

func TestSession_AddValidatesFirst(t *testing.T) {
	api := &fakeAPI{}
	s := NewSession(api, nil, 0, nil)
	if _, err := s.Add(context.Background(), "not a video"); !errors.Is(err, ErrInvalidBVID) {
		t.Fatalf("Add(invalid) = %v", err)
	}
	if len(api.added) != 0 {
		t.Fatalf("invalid input reached the backend")
	}
	if _, err := s.Add(context.Background(), "BV1xx411c7mD"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	st, err := s.RefreshStatus(context.Background())
	if err != nil || s.Progress() != st || st.Status != "running" {
		t.Fatalf("RefreshStatus = %+v, %v", st, err)
	}
}

func TestSession_HandleMessage(t *testing.T) {
	s := NewSession(&fakeAPI{}, nil, 3, nil)
	if s.Progress().Status != "idle" {
		t.Fatalf("initial status = %q", s.Progress().Status)
	}

	frames := []string{
		`{"type":"connected","timestamp":"t0","message":"hello"}`,
		`{"type":"log","timestamp":"t1","level":"success","message":"one"}`,
		`{"type":"progress","timestamp":"t2","data":{"status":"running","current_video":"BV1","total":4,"completed":2,"progress":50}}`,
		`{"type":"status","timestamp":"t3","status":"stopped","message":"stopped by user"}`,
		`not json`,
		`{"type":"log","timestamp":"t4","message":"two"}`,
		`{"type":"log","timestamp":"t5","level":"error","message":"three"}`,
	}
	for _, f := range frames {
		s.HandleMessage([]byte(f))
	}

	p := s.Progress()
	if p.Status != "stopped" || p.CurrentVideo != "BV1" || p.Completed != 2 || p.Progress != 50 {
		t.Fatalf("progress = %+v", p)
	}
	logs := s.Logs()
	var msgs []string
	for _, l := range logs {
		msgs = append(msgs, l.Level+":"+l.Message)
	}
	want := "info:stopped by user,info:two,error:three"
	if strings.Join(msgs, ",") != want {
		t.Fatalf("logs = %v, want %s", msgs, want)
	}
}

func TestSession_LogRingKeepsNewest(t *testing.T) {
	s := NewSession(&fakeAPI{}, nil, DefaultLogLimit, nil)
	for i := 0; i < 250; i++ {
		s.HandleMessage([]byte(fmt.Sprintf(`{"type":"log","timestamp":"t","level":"info","message":"m%d"}`, i)))
	}
	logs := s.Logs()
	if len(logs) != DefaultLogLimit || logs[0].Message != "m150" || logs[len(logs)-1].Message != "m249" {
		t.Fatalf("ring = %d entries, first %q, last %q", len(logs), logs[0].Message, logs[len(logs)-1].Message)
	}
}

type recordingSink struct {
	mu        sync.Mutex
	frames    []string
	connects  int
	connected bool
}

func (r *recordingSink) HandleMessage(raw []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(raw))
	r.mu.Unlock()
}

func (r *recordingSink) SetConnected(c bool) {
	r.mu.Lock()
	if c {
		r.connects++
	}
	r.connected = c
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() ([]string, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...), r.connects, r.connected
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStream_ReconnectsAndAnswersHeartbeat(t *testing.T) {
	var conns atomic.Int32
	var pings atomic.Int32
	upgrader := websocket.Upgrader{}
	r := chi.NewRouter()
	r.Get("/api/ws/bili/logs", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","timestamp":"t","message":"hi"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"log","timestamp":"t","message":"conn-%d"}`, n)))
		if n == 1 {
			// drop the first connection to force a reconnect
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == pingFrame {
				pings.Add(1)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(pongFrame))
			}
		}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	url, err := backend.StreamURL(srv.URL + "/api")
	if err != nil {
		t.Fatalf("StreamURL: %v", err)
	}
	sink := &recordingSink{}
	stream := NewStream(url, sink, StreamOptions{ReconnectDelay: 20 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- stream.Run(ctx) }()

	waitFor(t, "second connection and heartbeat", func() bool {
		_, connects, _ := sink.snapshot()
		return connects >= 2 && pings.Load() >= 1
	})
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	frames, _, connected := sink.snapshot()
	if connected {
		t.Fatalf("sink still connected after stop")
	}
	for _, f := range frames {
		if f == pongFrame {
			t.Fatalf("pong frame forwarded to sink")
		}
	}
	joined := strings.Join(frames, "\n")
	if !strings.Contains(joined, "conn-1") || !strings.Contains(joined, "conn-2") {
		t.Fatalf("frames = %v", frames)
	}
}
