package model

import (
	"strings"
	"time"
)

// LinkStatus classifies a destination after safety checks.
type LinkStatus string

const (
	StatusSafe    LinkStatus = "safe"
	StatusDanger  LinkStatus = "danger"
	StatusUnknown LinkStatus = "unknown"
)

// Link describes the core short-link entity stored in Postgres.
type Link struct {
	ID         uint       `gorm:"primaryKey"`
	Key        string     `gorm:"column:key;size:32;uniqueIndex;not null"`
	SecretKey  string     `gorm:"size:64;uniqueIndex;not null"`
	TargetURL  string     `gorm:"type:text;index;not null"`
	OwnerKey   string     `gorm:"size:128;index;not null"`
	IsActive   bool       `gorm:"not null"`
	Clicks     int64      `gorm:"not null;default:0"`
	Status     LinkStatus `gorm:"size:16;not null;default:unknown"`
	Title      *string    `gorm:"type:text"`
	FaviconURL *string    `gorm:"type:text"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
}

// Resolvable reports whether the link may be served by GET /{key}.
func (l *Link) Resolvable() bool {
	return l.IsActive && !strings.EqualFold(string(l.Status), string(StatusDanger))
}

// Enriched reports whether metadata enrichment has produced anything yet.
func (l *Link) Enriched() bool {
	return l.Title != nil || l.FaviconURL != nil
}
