package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/tasks"
	"go.uber.org/zap"
)

var (
	ErrStepNotConfirmable = errors.New("step is not waiting for confirmation")
	ErrNotRegenerable     = errors.New("summary is not complete")
	ErrRegenerateInFlight = errors.New("regeneration already in progress")
	ErrInvalidStyle       = errors.New("invalid note style")
	ErrSessionClosed      = errors.New("session closed")
)

// Styles accepted by Regenerate. The empty style keeps the backend default.
var Styles = []string{"simple", "detailed", "academic", "creative"}

// staleCompletions bounds how many polls after a regenerate may still report the
// previous completion before it is believed.
const staleCompletions = 3

// API is the part of the backend a session calls.
type API interface {
	GetTask(ctx context.Context, id string) (backend.TaskDetail, error)
	ConfirmStep(ctx context.Context, id, step string) error
	Regenerate(ctx context.Context, id string, in backend.RegenerateInput) error
}

type Config struct {
	PollInterval time.Duration
	// RequestTimeout bounds each poll request.
	RequestTimeout time.Duration
	ModelConfig    tasks.ModelConfigFunc
	Notifier       events.Notifier
	Logger         *zap.Logger
}

// View is a point-in-time rendering of a session.
type View struct {
	TaskID       string       `json:"taskId"`
	Status       tasks.Status `json:"status"`
	Steps        Steps        `json:"steps"`
	Regenerating bool         `json:"regenerating"`
	Polling      bool         `json:"polling"`
	Error        string       `json:"error,omitempty"`
}

// Session owns the step state and the poll loop of one task.
type Session struct {
	id       string
	api      API
	registry *tasks.Registry
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       tasks.Status
	transcript   *backend.Transcript
	overrides    map[Name]Status
	latched      map[Name]bool
	regenerating bool
	staleBudget  int
	lastErr      string
	polling      bool
	pollDone     chan struct{}
}

func NewSession(id string, api API, registry *tasks.Registry, cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		api:       api,
		registry:  registry,
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).With(zap.String("task_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		overrides: make(map[Name]Status),
		latched:   make(map[Name]bool),
	}
	if t, ok := registry.Get(id); ok {
		s.status = t.Status
		s.transcript = t.Transcript
		s.latchLocked()
	}
	return s
}

func (s *Session) TaskID() string { return s.id }

// Start fetches the task once and arms polling unless it is already terminal.
func (s *Session) Start(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	d, err := s.api.GetTask(ctx, s.id)
	if err != nil {
		s.setError(err)
		s.logger.Warn("fetch task failed", zap.Error(err))
		s.startPolling()
		return err
	}
	if stop := s.apply(d); !stop {
		s.startPolling()
	}
	return nil
}

// Steps returns the current steps.
func (s *Session) Steps() Steps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		TaskID:       s.id,
		Status:       s.status,
		Steps:        s.viewLocked(),
		Regenerating: s.regenerating,
		Polling:      s.polling,
		Error:        s.lastErr,
	}
}

// viewLocked layers latched completions, failure marking and optimistic overrides on
// top of the derived steps.
func (s *Session) viewLocked() Steps {
	steps := Derive(s.status, s.transcript)
	for i := range steps {
		if s.latched[steps[i].Name] {
			steps[i].Status = Completed
		}
	}
	if s.status == tasks.StatusFailed {
		markFailure(&steps)
		return steps
	}
	for name, st := range s.overrides {
		steps.set(name, st)
	}
	return steps
}

func (s *Session) latchLocked() {
	for _, st := range Derive(s.status, s.transcript) {
		if st.Status == Completed {
			s.latched[st.Name] = true
		}
	}
}

// Confirm advances a waiting step: the step flips to processing at once, the backend
// is told, and polling is armed. A failed call reverts the flip.
func (s *Session) Confirm(ctx context.Context, name Name) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if s.viewLocked().Get(name) != WaitingConfirm {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepNotConfirmable, name)
	}
	s.overrides[name] = Processing
	s.lastErr = ""
	s.mu.Unlock()
	s.changed()

	if err := s.api.ConfirmStep(ctx, s.id, string(name)); err != nil {
		s.mu.Lock()
		if s.overrides[name] == Processing {
			delete(s.overrides, name)
		}
		s.lastErr = backend.Message(err)
		s.mu.Unlock()
		s.changed()
		s.logger.Warn("confirm step failed", zap.String("step", string(name)), zap.Error(err))
		return err
	}
	s.logger.Info("step confirmed", zap.String("step", string(name)))
	s.startPolling()
	return nil
}

// Regenerate re-runs the summary with style. Only one regeneration per task may be
// outstanding; it ends when polling sees the task finish again.
func (s *Session) Regenerate(ctx context.Context, style string) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if !validStyle(style) {
		return fmt.Errorf("%w: %q", ErrInvalidStyle, style)
	}
	s.mu.Lock()
	if s.regenerating {
		s.mu.Unlock()
		return ErrRegenerateInFlight
	}
	if s.viewLocked().Get(Summarize) != Completed {
		s.mu.Unlock()
		return ErrNotRegenerable
	}
	s.regenerating = true
	s.overrides[Summarize] = Processing
	delete(s.latched, Summarize)
	s.staleBudget = staleCompletions
	s.lastErr = ""
	s.mu.Unlock()
	s.changed()

	in := backend.RegenerateInput{Style: style}
	if s.cfg.ModelConfig != nil {
		mc, err := s.cfg.ModelConfig(ctx)
		if err != nil {
			s.logger.Warn("selected model unavailable, regenerating with backend default", zap.Error(err))
		}
		in.ModelConfig = mc
	}

	if err := s.api.Regenerate(ctx, s.id, in); err != nil {
		s.mu.Lock()
		s.regenerating = false
		s.staleBudget = 0
		delete(s.overrides, Summarize)
		s.latched[Summarize] = true
		s.lastErr = backend.Message(err)
		s.mu.Unlock()
		s.changed()
		s.logger.Warn("regenerate failed", zap.Error(err))
		return err
	}
	s.logger.Info("regeneration started", zap.String("style", style))
	s.startPolling()
	return nil
}

func validStyle(style string) bool {
	if style == "" {
		return true
	}
	for _, s := range Styles {
		if s == style {
			return true
		}
	}
	return false
}

// Stop cancels polling and waits for the loop to exit. It is safe to call twice.
func (s *Session) Stop() {
	s.cancel()
	s.mu.Lock()
	done := s.pollDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) startPolling() {
	s.mu.Lock()
	if s.polling || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.polling = true
	done := make(chan struct{})
	s.pollDone = done
	s.mu.Unlock()

	go s.pollLoop(done)
}

// pollLoop issues one request at a time on a fixed schedule until the task is
// terminal, removed, or the session stops.
func (s *Session) pollLoop(done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
		s.changed()
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.registry.Has(s.id) {
			return
		}
		reqCtx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		d, err := s.api.GetTask(reqCtx, s.id)
		cancel()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("poll task failed", zap.Error(err))
			s.setError(err)
			continue
		}
		if s.apply(d) {
			return
		}
	}
}

// apply merges a detail response and reports whether polling should stop.
func (s *Session) apply(d backend.TaskDetail) bool {
	if s.ctx.Err() != nil {
		return true
	}
	if _, ok := s.registry.UpdateTask(s.id, tasks.PatchFromDetail(d)); !ok {
		s.logger.Debug("task gone, dropping poll result")
		return true
	}
	next := tasks.Status(d.Status)

	s.mu.Lock()
	if s.staleBudget > 0 {
		if next == tasks.StatusCompleted {
			s.staleBudget--
			if d.Transcript != nil {
				s.transcript = d.Transcript
			}
			s.mu.Unlock()
			return false
		}
		s.staleBudget = 0
	}

	transcript := s.transcript
	if d.Transcript != nil {
		transcript = d.Transcript
	}
	if next != s.status || transcript.Ready() != s.transcript.Ready() {
		clear(s.overrides)
	}
	s.status = next
	s.transcript = transcript
	s.lastErr = ""
	s.latchLocked()
	stop := next.Terminal()
	if stop {
		s.regenerating = false
		clear(s.overrides)
	}
	s.mu.Unlock()

	s.changed()
	if stop {
		s.logger.Info("task reached terminal status", zap.String("status", string(next)))
	}
	return stop
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = backend.Message(err)
	s.mu.Unlock()
}

func (s *Session) changed() {
	if s.cfg.Notifier == nil {
		return
	}
	if err := s.cfg.Notifier.Publish(context.Background(), events.TopicSteps, s.id, s.View()); err != nil {
		s.logger.Debug("publish steps failed", zap.Error(err))
	}
}
