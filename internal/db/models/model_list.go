package models

import "time"

// ModelListEntry caches one backend /models/list answer. Key is a digest of
// (provider, api key, base url); the key itself is never stored.
type ModelListEntry struct {
	Key       string `gorm:"primaryKey"`
	Provider  string `gorm:"index"`
	BaseURL   string
	Payload   string    `gorm:"type:text"` // JSON array as returned by the backend
	FetchedAt time.Time `gorm:"index"`
}
