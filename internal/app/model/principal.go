package model

import "time"

// Role ordinals issued by the identity service.
const (
	RoleUser  = 1
	RoleAdmin = 2
	RoleVIP   = 3
)

// Principal is an API key registered by the identity service.
type Principal struct {
	APIKey    string    `gorm:"column:api_key;primaryKey;size:128"`
	RoleID    int       `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// BlacklistEntry is an operator-maintained blocked destination.
type BlacklistEntry struct {
	ID        uint      `gorm:"primaryKey"`
	URL       string    `gorm:"column:url;type:text;uniqueIndex;not null"`
	Category  string    `gorm:"size:64"`
	Reason    string    `gorm:"type:text"`
	Source    string    `gorm:"size:128"`
	DateAdded time.Time `gorm:"autoCreateTime"`
	Status    *bool
}

func (BlacklistEntry) TableName() string {
	return "blacklist"
}
