package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/testutil"
)

func seedLink(t *testing.T, repo LinkRepository, key, owner, target string) *model.Link {
	t.Helper()
	link := &model.Link{
		Key:       key,
		SecretKey: key + "_SECRET01",
		TargetURL: target,
		OwnerKey:  owner,
		IsActive:  true,
		Status:    model.StatusUnknown,
	}
	if err := repo.Create(context.Background(), link); err != nil {
		t.Fatalf("Create(%s) error: %v", key, err)
	}
	return link
}

func TestLinkRepository_CreateDuplicateKey(t *testing.T) {
	repo := NewLinkRepository(testutil.NewDB(t))
	seedLink(t, repo, "AAAAA", "owner", "https://a.example")

	err := repo.Create(context.Background(), &model.Link{
		Key:       "AAAAA",
		SecretKey: "AAAAA_OTHER001",
		TargetURL: "https://b.example",
		OwnerKey:  "owner",
		IsActive:  true,
		Status:    model.StatusUnknown,
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestLinkRepository_GetResolvable(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewLinkRepository(db)

	seedLink(t, repo, "OK001", "owner", "https://ok.example")
	seedLink(t, repo, "BAD01", "owner", "https://bad.example")
	seedLink(t, repo, "OFF01", "owner", "https://off.example")

	if err := db.Model(&model.Link{}).Where("key = ?", "BAD01").Update("status", "DANGER").Error; err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := repo.Deactivate(ctx, "OFF01_SECRET01"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}

	if _, err := repo.GetResolvable(ctx, "OK001"); err != nil {
		t.Fatalf("expected OK001 to resolve, got %v", err)
	}
	for _, key := range []string{"BAD01", "OFF01", "NOPE1"} {
		if _, err := repo.GetResolvable(ctx, key); !errors.Is(err, ErrLinkNotFound) {
			t.Fatalf("GetResolvable(%s): expected ErrLinkNotFound, got %v", key, err)
		}
	}

	// KeyExists ignores activity and status.
	for _, key := range []string{"OK001", "BAD01", "OFF01"} {
		exists, err := repo.KeyExists(ctx, key)
		if err != nil || !exists {
			t.Fatalf("KeyExists(%s) = %v, %v", key, exists, err)
		}
	}
}

func TestLinkRepository_Deactivate(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkRepository(testutil.NewDB(t))
	created := seedLink(t, repo, "KEY01", "owner", "https://example.com")

	link, err := repo.Deactivate(ctx, created.SecretKey)
	if err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}
	if link.IsActive {
		t.Fatal("expected link to be inactive")
	}
	if link.UpdatedAt.Before(link.CreatedAt) {
		t.Fatal("updated_at must not precede created_at")
	}

	if _, err := repo.Deactivate(ctx, created.SecretKey); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("second Deactivate: expected ErrLinkNotFound, got %v", err)
	}
	if _, err := repo.GetBySecret(ctx, created.SecretKey); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("GetBySecret after deactivate: expected ErrLinkNotFound, got %v", err)
	}
}

func TestLinkRepository_OwnerQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkRepository(testutil.NewDB(t))

	seedLink(t, repo, "AAA01", "alice", "https://one.example")
	seedLink(t, repo, "AAA02", "alice", "https://two.example")
	seedLink(t, repo, "BBB01", "bob", "https://one.example")
	if _, err := repo.Deactivate(ctx, "AAA02_SECRET01"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}

	count, err := repo.CountByOwner(ctx, "alice")
	if err != nil || count != 1 {
		t.Fatalf("CountByOwner = %d, %v; want 1", count, err)
	}
	list, err := repo.ListByOwner(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].Key != "AAA01" {
		t.Fatalf("ListByOwner = %+v, %v", list, err)
	}

	found, err := repo.FindActiveByOwnerAndTarget(ctx, "bob", "https://one.example")
	if err != nil || found.Key != "BBB01" {
		t.Fatalf("FindActiveByOwnerAndTarget = %+v, %v", found, err)
	}
	if _, err := repo.FindActiveByOwnerAndTarget(ctx, "alice", "https://two.example"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected inactive duplicate to be ignored, got %v", err)
	}
}

func TestLinkRepository_IncrementClicksConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkRepository(testutil.NewDB(t))
	seedLink(t, repo, "HOT01", "owner", "https://example.com")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.IncrementClicks(ctx, "HOT01")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("IncrementClicks error: %v", err)
		}
	}

	link, err := repo.GetResolvable(ctx, "HOT01")
	if err != nil {
		t.Fatalf("GetResolvable error: %v", err)
	}
	if link.Clicks != n {
		t.Fatalf("expected %d clicks, got %d", n, link.Clicks)
	}

	if err := repo.IncrementClicks(ctx, "MISSING"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestLinkRepository_UpdateMetadataAndFlag(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkRepository(testutil.NewDB(t))
	seedLink(t, repo, "META1", "owner", "https://meta.example")
	seedLink(t, repo, "META2", "owner", "https://phish.example")

	title := "Example"
	if err := repo.UpdateMetadata(ctx, "META1", &title, nil); err != nil {
		t.Fatalf("UpdateMetadata error: %v", err)
	}
	link, err := repo.GetResolvable(ctx, "META1")
	if err != nil {
		t.Fatalf("GetResolvable error: %v", err)
	}
	if link.Title == nil || *link.Title != "Example" || link.FaviconURL != nil {
		t.Fatalf("unexpected metadata: %+v", link)
	}

	flagged, err := repo.FlagDanger(ctx, []string{"https://phish.example", "https://unused.example"})
	if err != nil || flagged != 1 {
		t.Fatalf("FlagDanger = %d, %v; want 1", flagged, err)
	}
	if _, err := repo.GetResolvable(ctx, "META2"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("flagged link must not resolve, got %v", err)
	}
}

func TestLinkRepository_EachResolvableAndEachKey(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkRepository(testutil.NewDB(t))
	for _, key := range []string{"K0001", "K0002", "K0003", "K0004", "K0005"} {
		seedLink(t, repo, key, "owner", "https://"+key+".example")
	}
	if _, err := repo.Deactivate(ctx, "K0003_SECRET01"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}

	var resolvable []string
	batches := 0
	err := repo.EachResolvable(ctx, 2, func(links []model.Link) error {
		batches++
		for _, l := range links {
			resolvable = append(resolvable, l.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachResolvable error: %v", err)
	}
	sort.Strings(resolvable)
	if len(resolvable) != 4 || resolvable[2] != "K0004" {
		t.Fatalf("unexpected resolvable set: %v", resolvable)
	}
	if batches != 2 {
		t.Fatalf("expected 2 batches, got %d", batches)
	}

	var keys []string
	if err := repo.EachKey(ctx, func(key string) { keys = append(keys, key) }); err != nil {
		t.Fatalf("EachKey error: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %d", len(keys))
	}
}
