package modelconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"go.uber.org/zap"
)

// StorageKey is the settings key holding the configuration document.
const StorageKey = "model_configs"

var (
	ErrInstanceNotFound = errors.New("provider instance not found")
	ErrInvalidProvider  = errors.New("invalid provider type")
)

// KV is the slice of local storage the store needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// InstanceInput describes a new instance.
type InstanceInput struct {
	Name    string   `json:"name"`
	APIKey  string   `json:"apiKey"`
	BaseURL string   `json:"baseUrl"`
	Models  []string `json:"models"`
}

// InstancePatch changes only the fields that are set.
type InstancePatch struct {
	Name    *string   `json:"name,omitempty"`
	APIKey  *string   `json:"apiKey,omitempty"`
	BaseURL *string   `json:"baseUrl,omitempty"`
	Models  *[]string `json:"models,omitempty"`
}

// Store is the single owner of the configuration. All mutation goes through its methods,
// each of which persists and then publishes a model_configs event.
type Store struct {
	kv       KV
	notifier events.Notifier
	logger   *zap.Logger
	newID    func() string

	mu      sync.RWMutex
	configs Configs

	unsubscribe func()
}

func NewStore(kv KV, notifier events.Notifier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:       kv,
		notifier: notifier,
		logger:   logger,
		newID:    uuid.NewString,
		configs:  Configs{},
	}
	if notifier != nil {
		s.unsubscribe = notifier.Subscribe(events.TopicModelConfigs, s.onEvent)
	}
	return s
}

// Close detaches the store from its notifier.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Store) onEvent(ev events.Event) {
	if !ev.Remote {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Load(ctx)
	s.logger.Debug("model configs reloaded after foreign change", zap.String("origin", ev.Origin))
}

// Load reads and migrates the persisted document. Read or parse failures are logged and
// yield an empty configuration; Load never fails.
func (s *Store) Load(ctx context.Context) Configs {
	configs := Configs{}

	raw, ok, err := s.kv.Get(ctx, StorageKey)
	switch {
	case err != nil:
		s.logger.Error("failed to read model configs", zap.Error(err))
	case ok:
		migrated, err := Migrate([]byte(raw))
		if err != nil {
			s.logger.Error("discarding unreadable model configs", zap.Error(err))
		} else {
			configs = migrated
		}
	}

	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()
	return configs.Clone()
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Configs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs.Clone()
}

// Save replaces the whole configuration.
func (s *Store) Save(ctx context.Context, configs Configs) error {
	return s.mutate(ctx, func(c Configs) error {
		for k := range c {
			delete(c, k)
		}
		for k, v := range configs.Clone() {
			c[k] = v
		}
		return nil
	})
}

// Instance returns one instance by provider type and id.
func (s *Store) Instance(provider catalog.ProviderType, id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, err := resolveKey(s.configs, provider)
	if err != nil {
		return Instance{}, false
	}
	cfg, ok := s.configs[key]
	if !ok {
		return Instance{}, false
	}
	for _, inst := range cfg.Instances {
		if inst.ID == id {
			return inst.clone(), true
		}
	}
	return Instance{}, false
}

// AddInstance appends a new instance with a fresh id. A nil model list is stored as an
// empty allow-list so a new credential exposes nothing until models are chosen.
func (s *Store) AddInstance(ctx context.Context, provider catalog.ProviderType, in InstanceInput) (Instance, error) {
	key, err := providerKey(provider)
	if err != nil {
		return Instance{}, err
	}

	inst := Instance{
		ID:      s.newID(),
		Name:    strings.TrimSpace(in.Name),
		APIKey:  strings.TrimSpace(in.APIKey),
		BaseURL: strings.TrimSpace(in.BaseURL),
		Models:  normalizeModels(in.Models),
	}
	if inst.Name == "" {
		inst.Name = DefaultInstanceName
	}

	err = s.mutate(ctx, func(c Configs) error {
		cfg := c[key]
		cfg.Raw = nil
		cfg.Instances = append(cfg.Instances, inst)
		c[key] = cfg
		return nil
	})
	if err != nil {
		return Instance{}, err
	}
	return inst.clone(), nil
}

// UpdateInstance applies patch to one instance.
func (s *Store) UpdateInstance(ctx context.Context, provider catalog.ProviderType, id string, patch InstancePatch) (Instance, error) {
	var updated Instance
	err := s.mutate(ctx, func(c Configs) error {
		key, err := resolveKey(c, provider)
		if err != nil {
			return err
		}
		cfg, ok := c[key]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, key, id)
		}
		for i := range cfg.Instances {
			if cfg.Instances[i].ID != id {
				continue
			}
			inst := &cfg.Instances[i]
			if patch.Name != nil {
				inst.Name = strings.TrimSpace(*patch.Name)
			}
			if patch.APIKey != nil {
				inst.APIKey = strings.TrimSpace(*patch.APIKey)
			}
			if patch.BaseURL != nil {
				inst.BaseURL = strings.TrimSpace(*patch.BaseURL)
			}
			if patch.Models != nil {
				inst.Models = normalizeModels(*patch.Models)
			}
			updated = inst.clone()
			c[key] = cfg
			return nil
		}
		return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, key, id)
	})
	return updated, err
}

// SetModels replaces the allow-list of one instance.
func (s *Store) SetModels(ctx context.Context, provider catalog.ProviderType, id string, models []string) error {
	if models == nil {
		models = []string{}
	}
	_, err := s.UpdateInstance(ctx, provider, id, InstancePatch{Models: &models})
	return err
}

// RemoveInstance deletes one instance; the provider entry goes with its last instance.
func (s *Store) RemoveInstance(ctx context.Context, provider catalog.ProviderType, id string) error {
	return s.mutate(ctx, func(c Configs) error {
		key, err := resolveKey(c, provider)
		if err != nil {
			return err
		}
		cfg, ok := c[key]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, key, id)
		}
		kept := make([]Instance, 0, len(cfg.Instances))
		for _, inst := range cfg.Instances {
			if inst.ID != id {
				kept = append(kept, inst)
			}
		}
		if len(kept) == len(cfg.Instances) {
			return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, key, id)
		}
		if len(kept) == 0 {
			delete(c, key)
			return nil
		}
		cfg.Instances = kept
		c[key] = cfg
		return nil
	})
}

// mutate applies fn to a working copy, persists it, swaps it in, and publishes.
// Nothing changes in memory when persisting fails.
func (s *Store) mutate(ctx context.Context, fn func(Configs) error) error {
	s.mu.Lock()
	working := s.configs.Clone()
	if err := fn(working); err != nil {
		s.mu.Unlock()
		return err
	}
	doc, err := working.Marshal()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode model configs: %w", err)
	}
	if err := s.kv.Put(ctx, StorageKey, string(doc)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist model configs: %w", err)
	}
	s.configs = working
	s.mu.Unlock()

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, events.TopicModelConfigs, StorageKey, nil); err != nil {
			s.logger.Warn("model configs change not relayed", zap.Error(err))
		}
	}
	return nil
}

// resolveKey finds the entry for provider in c: the exact key when stored, otherwise the
// normalized one. Legacy keys that collided on normalization keep their spelling.
func resolveKey(c Configs, provider catalog.ProviderType) (string, error) {
	if _, ok := c[string(provider)]; ok && provider != "" {
		return string(provider), nil
	}
	return providerKey(provider)
}

func providerKey(provider catalog.ProviderType) (string, error) {
	key := string(catalog.Normalize(string(provider)))
	if key == "" {
		return "", ErrInvalidProvider
	}
	return key, nil
}
