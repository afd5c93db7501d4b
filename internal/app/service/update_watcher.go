package service

import (
	"context"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
)

const (
	DefaultWatchInterval = 5 * time.Second
	DefaultWatchTimeout  = 10 * time.Second
)

// LinkLoader reads the current state of a managed link.
type LinkLoader interface {
	GetBySecret(ctx context.Context, secret string) (*model.Link, error)
}

// UpdateWatcher polls a link until its enrichment lands or a deadline passes.
type UpdateWatcher struct {
	links    LinkLoader
	interval time.Duration
	timeout  time.Duration
}

func NewUpdateWatcher(links LinkLoader, interval, timeout time.Duration) *UpdateWatcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if timeout <= 0 {
		timeout = DefaultWatchTimeout
	}
	return &UpdateWatcher{links: links, interval: interval, timeout: timeout}
}

// Wait returns the link once it differs from baseline (metadata appeared or
// updated_at advanced). A baseline that is already enriched is returned at
// once. ok is false when the timeout elapsed first.
func (w *UpdateWatcher) Wait(ctx context.Context, baseline *model.Link) (link *model.Link, ok bool, err error) {
	if baseline.Enriched() {
		return baseline, true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-ticker.C:
			current, err := w.links.GetBySecret(ctx, baseline.SecretKey)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, nil
				}
				return nil, false, err
			}
			if changed(baseline, current) {
				return current, true, nil
			}
		}
	}
}

func changed(before, after *model.Link) bool {
	if after.Enriched() && !before.Enriched() {
		return true
	}
	return after.UpdatedAt.After(before.UpdatedAt)
}
