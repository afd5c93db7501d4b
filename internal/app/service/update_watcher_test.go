package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
)

func TestUpdateWatcher_AlreadyEnriched(t *testing.T) {
	title := "done"
	repo := &mockLinkRepository{
		getBySecretFn: func(ctx context.Context, secret string) (*model.Link, error) {
			t.Fatal("an enriched baseline must not be polled")
			return nil, nil
		},
	}
	w := NewUpdateWatcher(repo, time.Millisecond, time.Second)
	link, ok, err := w.Wait(context.Background(), &model.Link{SecretKey: "s", Title: &title})
	if err != nil || !ok || link.Title == nil {
		t.Fatalf("Wait = %+v, %v, %v", link, ok, err)
	}
}

func TestUpdateWatcher_ObservesChange(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var polls atomic.Int32
	repo := &mockLinkRepository{
		getBySecretFn: func(ctx context.Context, secret string) (*model.Link, error) {
			if polls.Add(1) < 3 {
				return &model.Link{SecretKey: secret, UpdatedAt: base}, nil
			}
			title := "Example"
			return &model.Link{SecretKey: secret, UpdatedAt: base.Add(time.Second), Title: &title}, nil
		},
	}
	w := NewUpdateWatcher(repo, 5*time.Millisecond, 2*time.Second)
	link, ok, err := w.Wait(context.Background(), &model.Link{SecretKey: "s", UpdatedAt: base})
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if !ok || link.Title == nil || *link.Title != "Example" {
		t.Fatalf("Wait = %+v, %v", link, ok)
	}
}

func TestUpdateWatcher_Timeout(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &mockLinkRepository{
		getBySecretFn: func(ctx context.Context, secret string) (*model.Link, error) {
			return &model.Link{SecretKey: secret, UpdatedAt: base}, nil
		},
	}
	w := NewUpdateWatcher(repo, 5*time.Millisecond, 40*time.Millisecond)
	start := time.Now()
	_, ok, err := w.Wait(context.Background(), &model.Link{SecretKey: "s", UpdatedAt: base})
	if err != nil || ok {
		t.Fatalf("Wait = %v, %v; want timeout", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Wait overran its timeout")
	}
}
