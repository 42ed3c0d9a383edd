// Package selection tracks the single active model id shared by every consumer.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"go.uber.org/zap"
)

// StorageKey is the settings key holding the selected model id.
const StorageKey = "selected_model"

var ErrUnknownModel = errors.New("model is not in the resolved list")

type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Change is the payload published on selected_model.
type Change struct {
	ID string `json:"id"`
}

// Resolver lists models and turns one into a request config.
type Resolver interface {
	ListModels(ctx context.Context) ([]modelcatalog.ResolvedModel, error)
	RequestConfig(key modelcatalog.ModelKey) (backend.ModelConfig, error)
}

type Tracker struct {
	kv       KV
	notifier events.Notifier
	logger   *zap.Logger

	mu       sync.RWMutex
	selected string

	unsubscribe func()
}

func NewTracker(kv KV, notifier events.Notifier, logger *zap.Logger) *Tracker {
	t := &Tracker{kv: kv, notifier: notifier, logger: logging.OrNop(logger)}
	if notifier != nil {
		t.unsubscribe = notifier.Subscribe(events.TopicSelectedModel, t.onEvent)
	}
	return t
}

func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *Tracker) onEvent(ev events.Event) {
	if !ev.Remote {
		return
	}
	t.Load(context.Background())
}

// Load reads the persisted id. A read failure leaves the current value alone.
func (t *Tracker) Load(ctx context.Context) string {
	v, _, err := t.kv.Get(ctx, StorageKey)
	if err != nil {
		t.logger.Warn("read selected model failed", zap.Error(err))
		return t.Get()
	}
	t.mu.Lock()
	t.selected = v
	t.mu.Unlock()
	return v
}

// Get returns the persisted id, which may be dangling. Use Current to resolve it.
func (t *Tracker) Get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selected
}

// Current returns the selected model when it is present in models.
func (t *Tracker) Current(models []modelcatalog.ResolvedModel) (modelcatalog.ResolvedModel, bool) {
	id := t.Get()
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return modelcatalog.ResolvedModel{}, false
}

// Select persists id after checking it is one of models.
func (t *Tracker) Select(ctx context.Context, id string, models []modelcatalog.ResolvedModel) error {
	if !contains(models, id) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if id == t.Get() {
		return nil
	}
	return t.set(ctx, id)
}

// Reconcile repairs the selection after a resolution pass: a legacy dash-joined id that
// names exactly one model is rewritten, a dangling id falls back to the first model.
// It writes and publishes only when the selection changes, so repeated passes settle.
// An empty list leaves the stored id untouched.
func (t *Tracker) Reconcile(ctx context.Context, models []modelcatalog.ResolvedModel) (string, bool, error) {
	current := t.Get()
	if len(models) == 0 {
		return "", false, nil
	}
	if contains(models, current) {
		return current, false, nil
	}

	next := models[0].ID
	if current != "" {
		if m, ok := matchLegacy(models, current); ok {
			next = m.ID
		}
	}
	if err := t.set(ctx, next); err != nil {
		return current, false, err
	}
	t.logger.Info("selected model reconciled", zap.String("from", current), zap.String("to", next))
	return next, true, nil
}

func (t *Tracker) set(ctx context.Context, id string) error {
	if err := t.kv.Put(ctx, StorageKey, id); err != nil {
		return fmt.Errorf("persist selected model: %w", err)
	}
	t.mu.Lock()
	t.selected = id
	t.mu.Unlock()
	if t.notifier != nil {
		if err := t.notifier.Publish(ctx, events.TopicSelectedModel, StorageKey, Change{ID: id}); err != nil {
			t.logger.Warn("publish selected model failed", zap.Error(err))
		}
	}
	return nil
}

// ModelConfig returns the request config of the selected model after a resolution
// pass, or nil when there is nothing to select.
func (t *Tracker) ModelConfig(ctx context.Context, r Resolver) (*backend.ModelConfig, error) {
	models, err := r.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, err := t.Reconcile(ctx, models); err != nil {
		t.logger.Warn("reconcile selection failed", zap.Error(err))
	}
	m, ok := t.Current(models)
	if !ok {
		return nil, nil
	}
	mc, err := r.RequestConfig(m.Key())
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

func matchLegacy(models []modelcatalog.ResolvedModel, legacy string) (modelcatalog.ResolvedModel, bool) {
	var found modelcatalog.ResolvedModel
	n := 0
	for _, m := range models {
		if m.Key().Legacy() == legacy {
			found = m
			n++
		}
	}
	return found, n == 1
}

func contains(models []modelcatalog.ResolvedModel, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}
