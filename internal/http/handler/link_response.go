package handler

import (
	"strings"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
)

// LinkResponse is the JSON shape of a link for its owner or secret holder.
type LinkResponse struct {
	Key        string    `json:"key"`
	SecretKey  string    `json:"secret_key"`
	TargetURL  string    `json:"target_url"`
	IsActive   bool      `json:"is_active"`
	Clicks     int64     `json:"clicks"`
	Status     string    `json:"status"`
	Title      *string   `json:"title"`
	FaviconURL *string   `json:"favicon_url"`
	URL        string    `json:"url"`
	AdminURL   string    `json:"admin_url"`
	QRPayload  string    `json:"qr_payload"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newLinkResponse(baseURL string, l *model.Link) LinkResponse {
	base := strings.TrimRight(baseURL, "/")
	short := base + "/" + l.Key
	return LinkResponse{
		Key:        l.Key,
		SecretKey:  l.SecretKey,
		TargetURL:  l.TargetURL,
		IsActive:   l.IsActive,
		Clicks:     l.Clicks,
		Status:     string(l.Status),
		Title:      l.Title,
		FaviconURL: l.FaviconURL,
		URL:        short,
		AdminURL:   base + "/admin/" + l.SecretKey,
		QRPayload:  short,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

// PublicLinkResponse is what anyone holding the short key may see.
type PublicLinkResponse struct {
	Key        string    `json:"key"`
	TargetURL  string    `json:"target_url"`
	Clicks     int64     `json:"clicks"`
	Status     string    `json:"status"`
	Title      *string   `json:"title"`
	FaviconURL *string   `json:"favicon_url"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

func newPublicLinkResponse(baseURL string, l *model.Link) PublicLinkResponse {
	return PublicLinkResponse{
		Key:        l.Key,
		TargetURL:  l.TargetURL,
		Clicks:     l.Clicks,
		Status:     string(l.Status),
		Title:      l.Title,
		FaviconURL: l.FaviconURL,
		URL:        strings.TrimRight(baseURL, "/") + "/" + l.Key,
		CreatedAt:  l.CreatedAt,
	}
}
