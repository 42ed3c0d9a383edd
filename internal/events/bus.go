// Package events is the console's single change-notification channel. A Bus delivers to
// in-process subscribers directly and relays through transports to other processes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Topic string

const (
	TopicModelConfigs  Topic = "model_configs"
	TopicSelectedModel Topic = "selected_model"
	TopicModels        Topic = "models"
	TopicTasks         Topic = "tasks"
	TopicSteps         Topic = "steps"
	TopicBili          Topic = "bili"
)

type Event struct {
	Topic   Topic           `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
	Remote  bool            `json:"remote"`
	At      time.Time       `json:"at"`
}

// Notifier is what stores and trackers depend on.
type Notifier interface {
	Publish(ctx context.Context, topic Topic, key string, payload any) error
	Subscribe(topic Topic, fn func(Event)) (unsubscribe func())
}

// Transport carries events between buses. Send must not block on slow peers; Run
// blocks until ctx is done, handing every foreign event to deliver.
type Transport interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Run(ctx context.Context, deliver func(Event)) error
}

type subscription struct {
	topic Topic
	fn    func(Event)
}

type Bus struct {
	origin     string
	logger     *zap.Logger
	transports []Transport

	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewBus creates a bus identified by origin.
func NewBus(origin string, logger *zap.Logger, transports ...Transport) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		origin:     origin,
		logger:     logger,
		transports: transports,
		subs:       make(map[int]subscription),
	}
}

func (b *Bus) Origin() string { return b.origin }

// Subscribe registers fn for topic; the empty topic receives everything.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{topic: topic, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish notifies local subscribers synchronously, then relays through every transport.
func (b *Bus) Publish(ctx context.Context, topic Topic, key string, payload any) error {
	ev := Event{Topic: topic, Key: key, Origin: b.origin, At: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", topic, err)
		}
		ev.Payload = raw
	}

	b.deliver(ev)

	var errs []error
	for _, t := range b.transports {
		if err := t.Send(ctx, ev); err != nil {
			b.logger.Warn("event relay failed",
				zap.String("transport", t.Name()), zap.String("topic", string(topic)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run pumps every transport until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range b.transports {
		t := t
		g.Go(func() error {
			err := t.Run(gctx, b.receive)
			if err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("event transport stopped", zap.String("transport", t.Name()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Bus) receive(ev Event) {
	if ev.Origin == b.origin {
		return
	}
	ev.Remote = true
	b.deliver(ev)
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == ev.Topic {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}
