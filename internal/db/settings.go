package db

import (
	"context"
	"errors"
	"time"

	"github.com/pysugar/notedeck/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Well-known settings keys.
const (
	KeyModelConfigs  = "model_configs"
	KeySelectedModel = "selected_model"
)

// SettingsStore is the key/value side of the local store. Every write records the
// origin of the writing process so other processes can tell foreign changes apart.
type SettingsStore struct {
	db     *gorm.DB
	origin string
}

func NewSettingsStore(db *gorm.DB, origin string) *SettingsStore {
	return &SettingsStore{db: db, origin: origin}
}

// Origin is the process id stamped on writes.
func (s *SettingsStore) Origin() string { return s.origin }

// Get returns the value for key. ok is false when the key is absent or deleted.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var row models.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if row.Deleted {
		return "", false, nil
	}
	return row.Value, true, nil
}

// Put upserts key and bumps its revision.
func (s *SettingsStore) Put(ctx context.Context, key, value string) error {
	return s.write(ctx, key, value, false)
}

// Delete tombstones key so watchers observe the removal as a revision bump.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, "", true)
}

func (s *SettingsStore) write(ctx context.Context, key, value string, deleted bool) error {
	now := time.Now()
	row := models.Setting{
		Key:       key,
		Value:     value,
		Deleted:   deleted,
		Revision:  1,
		UpdatedBy: s.origin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      value,
			"deleted":    deleted,
			"revision":   gorm.Expr("revision + 1"),
			"updated_by": s.origin,
			"updated_at": now,
		}),
	}).Create(&row).Error
}

// Revisions reports the current revision of each requested key that exists.
func (s *SettingsStore) Revisions(ctx context.Context, keys ...string) (map[string]models.SettingRevision, error) {
	var rows []models.Setting
	q := s.db.WithContext(ctx).Select("key", "revision", "updated_by")
	if len(keys) > 0 {
		q = q.Where("key IN ?", keys)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.SettingRevision, len(rows))
	for _, r := range rows {
		out[r.Key] = models.SettingRevision{Key: r.Key, Revision: r.Revision, UpdatedBy: r.UpdatedBy}
	}
	return out, nil
}
