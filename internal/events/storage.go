package events

import (
	"context"
	"time"

	"github.com/pysugar/notedeck/internal/db/models"
	"go.uber.org/zap"
)

// RevisionSource reports per-key revisions of the shared local store.
type RevisionSource interface {
	Revisions(ctx context.Context, keys ...string) (map[string]models.SettingRevision, error)
}

// StorageTransport turns writes made by other processes to the shared store into
// events. Sending is a no-op: the write itself is the signal.
type StorageTransport struct {
	source   RevisionSource
	origin   string
	interval time.Duration
	keys     map[string]Topic
	logger   *zap.Logger
}

// NewStorageTransport watches keys (settings key -> topic) every interval.
func NewStorageTransport(source RevisionSource, origin string, interval time.Duration, keys map[string]Topic, logger *zap.Logger) *StorageTransport {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageTransport{source: source, origin: origin, interval: interval, keys: keys, logger: logger}
}

func (t *StorageTransport) Name() string { return "storage" }

func (t *StorageTransport) Send(context.Context, Event) error { return nil }

func (t *StorageTransport) Run(ctx context.Context, deliver func(Event)) error {
	names := make([]string, 0, len(t.keys))
	for k := range t.keys {
		names = append(names, k)
	}

	seen, err := t.source.Revisions(ctx, names...)
	if err != nil {
		t.logger.Warn("storage watch: initial read failed", zap.Error(err))
		seen = map[string]models.SettingRevision{}
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := t.source.Revisions(ctx, names...)
		if err != nil {
			t.logger.Warn("storage watch: read failed", zap.Error(err))
			continue
		}
		for key, rev := range current {
			prev, ok := seen[key]
			if ok && prev.Revision == rev.Revision {
				continue
			}
			if rev.UpdatedBy != t.origin {
				deliver(Event{Topic: t.keys[key], Key: key, Origin: rev.UpdatedBy, At: time.Now()})
			}
		}
		seen = current
	}
}
