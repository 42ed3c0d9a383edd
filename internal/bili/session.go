package bili

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"go.uber.org/zap"
)

// DefaultLogLimit is how many stream log lines are kept.
const DefaultLogLimit = 100

type MessageType string

const (
	MessageLog       MessageType = "log"
	MessageProgress  MessageType = "progress"
	MessageStatus    MessageType = "status"
	MessageConnected MessageType = "connected"
)

// Message is one text frame of the log stream.
type Message struct {
	Type      MessageType             `json:"type"`
	Timestamp string                  `json:"timestamp"`
	Level     string                  `json:"level,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Status    string                  `json:"status,omitempty"`
	Data      *backend.DownloadStatus `json:"data,omitempty"`
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// API is the bulk-download part of the backend.
type API interface {
	BiliVideos(ctx context.Context) ([]backend.Video, error)
	AddBiliVideo(ctx context.Context, rawURL string) (backend.Video, error)
	DeleteBiliVideo(ctx context.Context, id int64) error
	ClearBiliVideos(ctx context.Context) error
	StartDownload(ctx context.Context, ids ...int64) (string, error)
	StopDownload(ctx context.Context) error
	DownloadStatus(ctx context.Context) (backend.DownloadStatus, error)
	DownloadHistory(ctx context.Context, limit int) ([]backend.HistoryEntry, error)
	BiliConfig(ctx context.Context) (backend.DownloadConfig, error)
	UpdateBiliConfig(ctx context.Context, cfg backend.DownloadConfig) error
}

// Snapshot is what the panel renders.
type Snapshot struct {
	Connected bool                   `json:"connected"`
	Progress  backend.DownloadStatus `json:"progress"`
	Logs      []LogEntry             `json:"logs"`
}

type Session struct {
	api      API
	notifier events.Notifier
	logger   *zap.Logger
	limit    int

	mu        sync.RWMutex
	logs      []LogEntry
	progress  backend.DownloadStatus
	connected bool
}

func NewSession(api API, notifier events.Notifier, logLimit int, logger *zap.Logger) *Session {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	return &Session{
		api:      api,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		limit:    logLimit,
		logs:     make([]LogEntry, 0, logLimit),
		progress: backend.DownloadStatus{Status: "idle"},
	}
}

func (s *Session) Videos(ctx context.Context) ([]backend.Video, error) {
	return s.api.BiliVideos(ctx)
}

// Add validates input before queueing it.
func (s *Session) Add(ctx context.Context, input string) (backend.Video, error) {
	if _, err := ParseBVID(input); err != nil {
		return backend.Video{}, err
	}
	v, err := s.api.AddBiliVideo(ctx, input)
	if err != nil {
		return backend.Video{}, err
	}
	s.publish("video_added")
	return v, nil
}

func (s *Session) Remove(ctx context.Context, id int64) error {
	if err := s.api.DeleteBiliVideo(ctx, id); err != nil {
		return err
	}
	s.publish("video_removed")
	return nil
}

func (s *Session) Clear(ctx context.Context) error {
	if err := s.api.ClearBiliVideos(ctx); err != nil {
		return err
	}
	s.publish("videos_cleared")
	return nil
}

// Start asks the worker to download ids, or every pending video. Its effect is
// observed through the stream and RefreshStatus.
func (s *Session) Start(ctx context.Context, ids ...int64) (string, error) {
	return s.api.StartDownload(ctx, ids...)
}

func (s *Session) Stop(ctx context.Context) error {
	return s.api.StopDownload(ctx)
}

// RefreshStatus polls the worker and updates the progress projection.
func (s *Session) RefreshStatus(ctx context.Context) (backend.DownloadStatus, error) {
	st, err := s.api.DownloadStatus(ctx)
	if err != nil {
		return backend.DownloadStatus{}, err
	}
	s.mu.Lock()
	s.progress = st
	s.mu.Unlock()
	s.publish("progress")
	return st, nil
}

func (s *Session) History(ctx context.Context, limit int) ([]backend.HistoryEntry, error) {
	return s.api.DownloadHistory(ctx, limit)
}

func (s *Session) Config(ctx context.Context) (backend.DownloadConfig, error) {
	return s.api.BiliConfig(ctx)
}

func (s *Session) UpdateConfig(ctx context.Context, cfg backend.DownloadConfig) error {
	return s.api.UpdateBiliConfig(ctx, cfg)
}

// HandleMessage applies one stream frame. Unparseable frames are logged and dropped.
func (s *Session) HandleMessage(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("drop malformed stream frame", zap.String("frame", logging.TruncateBytes(raw)), zap.Error(err))
		return
	}

	s.mu.Lock()
	switch msg.Type {
	case MessageLog:
		s.appendLocked(LogEntry{Timestamp: msg.Timestamp, Level: msg.Level, Message: msg.Message})
	case MessageProgress:
		if msg.Data != nil {
			s.progress = *msg.Data
		}
	case MessageStatus:
		if msg.Status != "" {
			s.progress.Status = msg.Status
		}
		if msg.Message != "" {
			s.appendLocked(LogEntry{Timestamp: msg.Timestamp, Level: "info", Message: msg.Message})
		}
	case MessageConnected:
		s.logger.Debug("log stream greeting", zap.String("message", msg.Message))
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publish(string(msg.Type))
}

func (s *Session) appendLocked(e LogEntry) {
	if e.Level == "" {
		e.Level = "info"
	}
	s.logs = append(s.logs, e)
	if over := len(s.logs) - s.limit; over > 0 {
		s.logs = append(s.logs[:0], s.logs[over:]...)
	}
}

// SetConnected records the stream state.
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if changed {
		s.publish("connection")
	}
}

// Logs returns the ring, oldest first.
func (s *Session) Logs() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs...)
}

func (s *Session) ClearLogs() {
	s.mu.Lock()
	s.logs = s.logs[:0]
	s.mu.Unlock()
}

func (s *Session) Progress() backend.DownloadStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Connected: s.connected,
		Progress:  s.progress,
		Logs:      append([]LogEntry(nil), s.logs...),
	}
}

func (s *Session) publish(what string) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{"change": what, "at": time.Now().UTC()}
	if err := s.notifier.Publish(context.Background(), events.TopicBili, what, payload); err != nil {
		s.logger.Debug("publish bili change failed", zap.Error(err))
	}
}
