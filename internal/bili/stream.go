package bili

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/version"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	pingFrame = "ping"
	pongFrame = "pong"
)

// Sink receives what the stream reads.
type Sink interface {
	HandleMessage(raw []byte)
	SetConnected(connected bool)
}

type StreamOptions struct {
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

// Stream keeps a connection to the log stream open until its context ends.
type Stream struct {
	url    string
	sink   Sink
	opts   StreamOptions
	logger *zap.Logger
}

func NewStream(url string, sink Sink, opts StreamOptions) *Stream {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("stream", url))
	return &Stream{url: url, sink: sink, opts: opts, logger: logger}
}

// Run connects, reads until the connection drops, waits the reconnect delay and
// tries again, forever. It returns when ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		s.sink.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info("log stream closed, reconnecting", zap.Duration("delay", s.opts.ReconnectDelay), zap.Error(err))

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.sink.SetConnected(true)
	s.logger.Info("log stream connected")

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(s.opts.HeartbeatInterval))
				err := conn.WriteMessage(websocket.TextMessage, []byte(pingFrame))
				writeMu.Unlock()
				if err != nil {
					s.logger.Debug("heartbeat failed", zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage || string(data) == pongFrame {
			continue
		}
		s.sink.HandleMessage(data)
	}
}
