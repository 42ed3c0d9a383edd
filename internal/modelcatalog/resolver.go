package modelcatalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ModelLister is the part of the backend the resolver calls.
type ModelLister interface {
	ListModels(ctx context.Context, q backend.ModelQuery) ([]backend.ModelInfo, error)
	TestModel(ctx context.Context, q backend.ModelQuery) (string, error)
}

// ConfigSource exposes the current configuration.
type ConfigSource interface {
	Snapshot() modelconfig.Configs
	Instance(provider catalog.ProviderType, id string) (modelconfig.Instance, bool)
}

// ListCache is the durable cache tier.
type ListCache interface {
	Get(ctx context.Context, key string, maxAge time.Duration) ([]byte, time.Time, bool, error)
	Put(ctx context.Context, key, provider, baseURL string, payload []byte) (time.Time, error)
	Clear(ctx context.Context) error
}

type Options struct {
	TTL         time.Duration
	Concurrency int
	Cache       ListCache
	Notifier    events.Notifier
	Logger      *zap.Logger
}

// InstanceFailure records an instance whose models could not be listed.
type InstanceFailure struct {
	Provider   catalog.ProviderType `json:"provider"`
	InstanceID string               `json:"instanceId"`
	Error      string               `json:"error"`
}

// Result is one resolution pass. Failures never abort the other instances.
type Result struct {
	Models   []ResolvedModel   `json:"models"`
	Failures []InstanceFailure `json:"failures,omitempty"`
	Skipped  []string          `json:"skipped,omitempty"`
}

type memEntry struct {
	models    []backend.ModelInfo
	fetchedAt time.Time
}

type Resolver struct {
	lister  ModelLister
	configs ConfigSource
	catalog *catalog.Catalog
	cache   ListCache
	ttl     time.Duration
	limit   int
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	mem   map[string]memEntry

	unsubscribe func()
}

func NewResolver(lister ModelLister, configs ConfigSource, cat *catalog.Catalog, opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if cat == nil {
		cat = catalog.Builtin()
	}
	r := &Resolver{
		lister:  lister,
		configs: configs,
		catalog: cat,
		cache:   opts.Cache,
		ttl:     opts.TTL,
		limit:   opts.Concurrency,
		logger:  logging.OrNop(opts.Logger),
		now:     time.Now,
		mem:     make(map[string]memEntry),
	}
	if opts.Notifier != nil {
		r.unsubscribe = opts.Notifier.Subscribe(events.TopicModelConfigs, func(events.Event) {
			r.Invalidate(context.Background())
		})
	}
	return r
}

func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// ListModels resolves every configured instance and returns the flat sorted list.
func (r *Resolver) ListModels(ctx context.Context) ([]ResolvedModel, error) {
	res, err := r.Resolve(ctx)
	return res.Models, err
}

// Resolve lists models for every usable instance. Only context cancellation is
// reported as an error.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	refs := r.configs.Snapshot().Instances()
	perInstance := make([][]ResolvedModel, len(refs))
	failures := make([]*InstanceFailure, len(refs))
	var skipped []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, ref := range refs {
		query := r.query(ref.Provider, ref.Instance)
		if query.APIKey == "" && r.catalog.NeedsAPIKey(ref.Provider, query.BaseURL) {
			skipped = append(skipped, string(ref.Provider)+"/"+ref.Instance.ID)
			continue
		}
		g.Go(func() error {
			infos, err := r.fetch(gctx, query)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("list models failed",
					zap.String("provider", string(ref.Provider)),
					zap.String("instance", ref.Instance.ID),
					zap.Error(err))
				failures[i] = &InstanceFailure{Provider: ref.Provider, InstanceID: ref.Instance.ID, Error: backend.Message(err)}
				return nil
			}
			perInstance[i] = filterAllowed(ref.Provider, ref.Instance, infos)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Skipped: skipped}
	for i := range refs {
		res.Models = append(res.Models, perInstance[i]...)
		if failures[i] != nil {
			res.Failures = append(res.Failures, *failures[i])
		}
	}
	sortModels(res.Models)
	return res, nil
}

// filterAllowed keeps the backend models the instance enabled. An instance that never
// declared an allow-list exposes everything; a declared empty list exposes nothing.
func filterAllowed(provider catalog.ProviderType, inst modelconfig.Instance, infos []backend.ModelInfo) []ResolvedModel {
	var out []ResolvedModel
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.ID == "" || seen[info.ID] {
			continue
		}
		if inst.Models != nil && !inst.HasModel(info.ID) {
			continue
		}
		seen[info.ID] = true
		key := ModelKey{Provider: provider, InstanceID: inst.ID, ModelID: info.ID}
		display := info.Name
		if display == "" {
			display = info.ID
		}
		out = append(out, ResolvedModel{
			ID:             key.String(),
			Name:           fmt.Sprintf("%s (%s)", display, info.ID),
			Provider:       provider,
			InstanceID:     inst.ID,
			InstanceName:   inst.Name,
			ModelID:        info.ID,
			SupportsVision: info.SupportsVision,
			displayName:    display,
		})
	}
	return out
}

func sortModels(models []ResolvedModel) {
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.InstanceName != b.InstanceName {
			return a.InstanceName < b.InstanceName
		}
		if a.displayName != b.displayName {
			return a.displayName < b.displayName
		}
		return a.ID < b.ID
	})
}

// query addresses the backend by normalized provider type, whatever spelling the
// configuration entry kept.
func (r *Resolver) query(provider catalog.ProviderType, inst modelconfig.Instance) backend.ModelQuery {
	return backend.ModelQuery{
		Provider: string(catalog.Normalize(string(provider))),
		APIKey:   inst.APIKey,
		BaseURL:  r.catalog.BaseURLFor(provider, inst.BaseURL),
	}
}

// cacheKey digests the full tuple so two instances sharing credentials share an entry
// and secrets never land in the cache table.
func cacheKey(q backend.ModelQuery) string {
	sum := sha256.Sum256([]byte(q.Provider + "\x00" + q.APIKey + "\x00" + q.BaseURL))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) fetch(ctx context.Context, q backend.ModelQuery) ([]backend.ModelInfo, error) {
	key := cacheKey(q)

	if infos, ok := r.recall(key); ok {
		return infos, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if infos, ok := r.recall(key); ok {
			return infos, nil
		}
		if r.cache != nil {
			payload, fetchedAt, hit, err := r.cache.Get(ctx, key, r.ttl)
			if err != nil {
				r.logger.Warn("model cache read failed", zap.Error(err))
			} else if hit {
				var infos []backend.ModelInfo
				if err := json.Unmarshal(payload, &infos); err == nil {
					r.remember(key, infos, fetchedAt)
					return infos, nil
				}
			}
		}

		infos, err := r.lister.ListModels(ctx, q)
		if err != nil {
			return nil, err
		}
		fetchedAt := r.now()
		if r.cache != nil {
			payload, _ := json.Marshal(infos)
			if at, err := r.cache.Put(ctx, key, q.Provider, q.BaseURL, payload); err != nil {
				r.logger.Warn("model cache write failed", zap.Error(err))
			} else {
				fetchedAt = at
			}
		}
		r.remember(key, infos, fetchedAt)
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]backend.ModelInfo), nil
}

func (r *Resolver) recall(key string) ([]backend.ModelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.mem[key]
	if !ok || r.now().Sub(entry.fetchedAt) > r.ttl {
		return nil, false
	}
	return entry.models, true
}

func (r *Resolver) remember(key string, infos []backend.ModelInfo, at time.Time) {
	r.mu.Lock()
	r.mem[key] = memEntry{models: infos, fetchedAt: at}
	r.mu.Unlock()
}

// Invalidate drops both cache tiers.
func (r *Resolver) Invalidate(ctx context.Context) {
	r.mu.Lock()
	r.mem = make(map[string]memEntry)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Clear(ctx); err != nil {
			r.logger.Warn("model cache clear failed", zap.Error(err))
		}
	}
}

// TestConnection checks one configured instance against the backend.
func (r *Resolver) TestConnection(ctx context.Context, provider catalog.ProviderType, instanceID string) (string, error) {
	inst, ok := r.configs.Instance(provider, instanceID)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", modelconfig.ErrInstanceNotFound, provider, instanceID)
	}
	q := r.query(provider, inst)
	if q.APIKey == "" && r.catalog.NeedsAPIKey(provider, q.BaseURL) {
		return "", &backend.ValidationError{Field: "apiKey", Reason: "required for " + string(provider)}
	}
	return r.lister.TestModel(ctx, q)
}

// RequestConfig builds the model_config sent with uploads and regenerations.
func (r *Resolver) RequestConfig(key ModelKey) (backend.ModelConfig, error) {
	inst, ok := r.configs.Instance(key.Provider, key.InstanceID)
	if !ok {
		return backend.ModelConfig{}, fmt.Errorf("%w: %s/%s", modelconfig.ErrInstanceNotFound, key.Provider, key.InstanceID)
	}
	q := r.query(key.Provider, inst)
	return backend.ModelConfig{
		Provider: q.Provider,
		APIKey:   q.APIKey,
		BaseURL:  q.BaseURL,
		Model:    key.ModelID,
	}, nil
}
