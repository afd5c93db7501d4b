package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeChannel is the Postgres NOTIFY channel fed by the links trigger.
const ChangeChannel = "url_change"

// ChangeNotification is the JSON image of a links row after insert or update.
type ChangeNotification struct {
	ID         uint       `json:"id"`
	Key        string     `json:"key"`
	SecretKey  string     `json:"secret_key"`
	TargetURL  string     `json:"target_url"`
	OwnerKey   string     `json:"owner_key"`
	IsActive   bool       `json:"is_active"`
	Clicks     int64      `json:"clicks"`
	Status     LinkStatus `json:"status"`
	Title      *string    `json:"title"`
	FaviconURL *string    `json:"favicon_url"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DecodeChangeNotification parses a NOTIFY payload.
func DecodeChangeNotification(payload string) (ChangeNotification, error) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return ChangeNotification{}, fmt.Errorf("decode change notification: %w", err)
	}
	if n.Key == "" {
		return ChangeNotification{}, fmt.Errorf("decode change notification: missing key")
	}
	return n, nil
}

// Link converts the notification back into the row it describes.
func (n ChangeNotification) Link() Link {
	return Link{
		ID:         n.ID,
		Key:        n.Key,
		SecretKey:  n.SecretKey,
		TargetURL:  n.TargetURL,
		OwnerKey:   n.OwnerKey,
		IsActive:   n.IsActive,
		Clicks:     n.Clicks,
		Status:     n.Status,
		Title:      n.Title,
		FaviconURL: n.FaviconURL,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

// NotificationFor builds the notification the trigger would emit for link.
func NotificationFor(link Link) ChangeNotification {
	return ChangeNotification{
		ID:         link.ID,
		Key:        link.Key,
		SecretKey:  link.SecretKey,
		TargetURL:  link.TargetURL,
		OwnerKey:   link.OwnerKey,
		IsActive:   link.IsActive,
		Clicks:     link.Clicks,
		Status:     link.Status,
		Title:      link.Title,
		FaviconURL: link.FaviconURL,
		CreatedAt:  link.CreatedAt,
		UpdatedAt:  link.UpdatedAt,
	}
}
