package db

import (
	"context"
	"errors"
	"time"

	"github.com/pysugar/notedeck/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModelListCache persists backend model-list answers with their fetch time.
type ModelListCache struct {
	db  *gorm.DB
	now func() time.Time
}

func NewModelListCache(db *gorm.DB) *ModelListCache {
	return &ModelListCache{db: db, now: time.Now}
}

// Get returns the payload for key when it is younger than maxAge.
func (c *ModelListCache) Get(ctx context.Context, key string, maxAge time.Duration) ([]byte, time.Time, bool, error) {
	var row models.ModelListEntry
	err := c.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if c.now().Sub(row.FetchedAt) > maxAge {
		return nil, row.FetchedAt, false, nil
	}
	return []byte(row.Payload), row.FetchedAt, true, nil
}

// Put stores payload under key, stamped with the current time.
func (c *ModelListCache) Put(ctx context.Context, key, provider, baseURL string, payload []byte) (time.Time, error) {
	fetched := c.now()
	row := models.ModelListEntry{
		Key:       key,
		Provider:  provider,
		BaseURL:   baseURL,
		Payload:   string(payload),
		FetchedAt: fetched,
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "base_url", "payload", "fetched_at"}),
	}).Create(&row).Error
	return fetched, err
}

// Purge drops entries fetched before cutoff.
func (c *ModelListCache) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := c.db.WithContext(ctx).Where("fetched_at < ?", cutoff).Delete(&models.ModelListEntry{})
	return res.RowsAffected, res.Error
}

// Clear drops every entry.
func (c *ModelListCache) Clear(ctx context.Context) error {
	return c.db.WithContext(ctx).Where("1 = 1").Delete(&models.ModelListEntry{}).Error
}
