package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
)

// Hash field names of a cache entry. Timestamps are unix milliseconds;
// title and favicon_url are omitted when null.
const (
	fieldID         = "id"
	fieldKey        = "key"
	fieldTargetURL  = "target_url"
	fieldClicks     = "clicks"
	fieldIsActive   = "is_active"
	fieldStatus     = "status"
	fieldTitle      = "title"
	fieldFaviconURL = "favicon_url"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
)

func fields(link *model.Link) []interface{} {
	active := "0"
	if link.IsActive {
		active = "1"
	}
	out := []interface{}{
		fieldID, strconv.FormatUint(uint64(link.ID), 10),
		fieldKey, link.Key,
		fieldTargetURL, link.TargetURL,
		fieldClicks, strconv.FormatInt(link.Clicks, 10),
		fieldIsActive, active,
		fieldStatus, string(link.Status),
		fieldCreatedAt, strconv.FormatInt(link.CreatedAt.UnixMilli(), 10),
		fieldUpdatedAt, strconv.FormatInt(link.UpdatedAt.UnixMilli(), 10),
	}
	if link.Title != nil {
		out = append(out, fieldTitle, *link.Title)
	}
	if link.FaviconURL != nil {
		out = append(out, fieldFaviconURL, *link.FaviconURL)
	}
	return out
}

func decode(values map[string]string) (*model.Link, error) {
	link := &model.Link{
		Key:       values[fieldKey],
		TargetURL: values[fieldTargetURL],
		IsActive:  values[fieldIsActive] == "1",
		Status:    model.LinkStatus(values[fieldStatus]),
	}
	if link.Key == "" || link.TargetURL == "" {
		return nil, fmt.Errorf("cache: malformed entry")
	}

	if v, ok := values[fieldID]; ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: parse id: %w", err)
		}
		link.ID = uint(id)
	}
	clicks, err := strconv.ParseInt(values[fieldClicks], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: parse clicks: %w", err)
	}
	link.Clicks = clicks

	if link.CreatedAt, err = parseMillis(values[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if link.UpdatedAt, err = parseMillis(values[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	if v, ok := values[fieldTitle]; ok {
		link.Title = &v
	}
	if v, ok := values[fieldFaviconURL]; ok {
		link.FaviconURL = &v
	}
	return link, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: parse timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
