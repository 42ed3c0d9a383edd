package models

import "time"

// Setting is one key of the console's local storage (config blob, selected model).
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	Deleted   bool
	Revision  int64  `gorm:"not null;default:0"` // bumped on every write
	UpdatedBy string // origin id of the writing process
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingRevision is the watcher's view of a key.
type SettingRevision struct {
	Key       string
	Revision  int64
	UpdatedBy string
}
