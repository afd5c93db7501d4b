package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	"github.com/sifan077/SafeLink/internal/testutil"
)

type fakeStore struct {
	mu    sync.Mutex
	links map[string]model.Link
	reads int
	err   error
}

func newFakeStore(links ...model.Link) *fakeStore {
	s := &fakeStore{links: make(map[string]model.Link)}
	for _, l := range links {
		s.links[l.Key] = l
	}
	return s
}

func (s *fakeStore) set(l model.Link) {
	s.mu.Lock()
	s.links[l.Key] = l
	s.mu.Unlock()
}

func (s *fakeStore) GetResolvable(ctx context.Context, key string) (*model.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	l, ok := s.links[key]
	if !ok || !l.Resolvable() {
		return nil, repository.ErrLinkNotFound
	}
	return &l, nil
}

func (s *fakeStore) EachResolvable(ctx context.Context, batchSize int, fn func([]model.Link) error) error {
	s.mu.Lock()
	var batch []model.Link
	for _, l := range s.links {
		if l.Resolvable() {
			batch = append(batch, l)
		}
	}
	s.mu.Unlock()
	for len(batch) > 0 {
		n := min(batchSize, len(batch))
		if err := fn(batch[:n]); err != nil {
			return err
		}
		batch = batch[n:]
	}
	return nil
}

func (s *fakeStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func activeLink(key, target string) model.Link {
	now := time.Now().Truncate(time.Millisecond)
	return model.Link{
		ID:        1,
		Key:       key,
		SecretKey: key + "_SECRET01",
		TargetURL: target,
		OwnerKey:  "owner",
		IsActive:  true,
		Status:    model.StatusUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestManager_ResolveReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	store := newFakeStore(activeLink("ABCDE", "https://example.com"))
	m := NewManager(rdb, store, Options{})

	link, err := m.Resolve(ctx, "ABCDE")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if link.TargetURL != "https://example.com" {
		t.Fatalf("unexpected target %q", link.TargetURL)
	}
	if !mr.Exists("url:ABCDE") {
		t.Fatal("expected entry to be cached after a miss")
	}

	if _, err := m.Resolve(ctx, "ABCDE"); err != nil {
		t.Fatalf("second Resolve error: %v", err)
	}
	if store.readCount() != 1 {
		t.Fatalf("expected one store read, got %d", store.readCount())
	}
}

func TestManager_ResolveNeverCachesMisses(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	inactive := activeLink("OFF01", "https://off.example")
	inactive.IsActive = false
	store := newFakeStore(inactive)
	m := NewManager(rdb, store, Options{})

	for _, key := range []string{"OFF01", "NOPE1"} {
		if _, err := m.Resolve(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Resolve(%s): expected ErrNotFound, got %v", key, err)
		}
		if mr.Exists("url:" + key) {
			t.Fatalf("negative result for %s must not be cached", key)
		}
	}

	// A link that becomes valid later is served on the next lookup.
	store.set(activeLink("NOPE1", "https://later.example"))
	if _, err := m.Resolve(ctx, "NOPE1"); err != nil {
		t.Fatalf("expected late link to resolve, got %v", err)
	}
}

func TestManager_ResolveFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	store := newFakeStore(activeLink("ABCDE", "https://example.com"))
	m := NewManager(rdb, store, Options{})

	mr.Close()
	link, err := m.Resolve(ctx, "ABCDE")
	if err != nil {
		t.Fatalf("Resolve with redis down: %v", err)
	}
	if link.Key != "ABCDE" {
		t.Fatalf("unexpected link %+v", link)
	}
}

func TestManager_ResolveStoreFailure(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	store := newFakeStore()
	store.err = errors.New("connection refused")
	m := NewManager(rdb, store, Options{})

	_, err := m.Resolve(context.Background(), "ABCDE")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a store error, got %v", err)
	}
}

func TestManager_Apply(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	cached := activeLink("CACHE", "https://old.example")
	store := newFakeStore(cached)
	m := NewManager(rdb, store, Options{})

	if _, err := m.Resolve(ctx, "CACHE"); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	updated := cached
	title := "New title"
	updated.Title = &title
	updated.Clicks = 9
	updated.UpdatedAt = cached.UpdatedAt.Add(time.Second)
	if err := m.Apply(ctx, model.NotificationFor(updated)); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if got := mr.HGet("url:CACHE", "title"); got != "New title" {
		t.Fatalf("expected refreshed title, got %q", got)
	}
	if got := mr.HGet("url:CACHE", "clicks"); got != "9" {
		t.Fatalf("expected refreshed clicks, got %q", got)
	}

	// Uncached keys stay absent.
	if err := m.Apply(ctx, model.NotificationFor(activeLink("OTHER", "https://other.example"))); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if mr.Exists("url:OTHER") {
		t.Fatal("notification for an uncached key must not populate it")
	}

	// Ineligible rows are evicted.
	flagged := updated
	flagged.Status = model.StatusDanger
	if err := m.Apply(ctx, model.NotificationFor(flagged)); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if mr.Exists("url:CACHE") {
		t.Fatal("danger link must be evicted")
	}
}

func TestManager_ResolveReturnsLatestAfterNotification(t *testing.T) {
	ctx := context.Background()
	_, rdb := testutil.NewRedis(t)
	original := activeLink("MOVED", "https://before.example")
	store := newFakeStore(original)
	m := NewManager(rdb, store, Options{})

	if _, err := m.Resolve(ctx, "MOVED"); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	changed := original
	changed.TargetURL = "https://after.example"
	if err := m.Apply(ctx, model.NotificationFor(changed)); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	link, err := m.Resolve(ctx, "MOVED")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if link.TargetURL != "https://after.example" {
		t.Fatalf("expected updated target, got %q", link.TargetURL)
	}
}

func TestManager_Resync(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	inactive := activeLink("GONE1", "https://gone.example")
	inactive.IsActive = false
	store := newFakeStore(
		activeLink("LIVE1", "https://one.example"),
		activeLink("LIVE2", "https://two.example"),
		inactive,
	)
	m := NewManager(rdb, store, Options{ResyncBatch: 1})

	// Stale leftovers from a previous deploy.
	mr.HSet("url:GONE1", "key", "GONE1", "target_url", "https://gone.example")
	mr.HSet("url:GHOST", "key", "GHOST", "target_url", "https://ghost.example")
	if err := mr.Set("unrelated", "keep"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.Resync(ctx); err != nil {
		t.Fatalf("Resync error: %v", err)
	}

	for _, key := range []string{"url:LIVE1", "url:LIVE2"} {
		if !mr.Exists(key) {
			t.Fatalf("expected %s after resync", key)
		}
	}
	for _, key := range []string{"url:GONE1", "url:GHOST"} {
		if mr.Exists(key) {
			t.Fatalf("expected %s to be swept", key)
		}
	}
	if !mr.Exists("unrelated") {
		t.Fatal("resync must only touch url:* keys")
	}

	// The same resolvable set survives a full flush.
	mr.FlushAll()
	if err := m.Resync(ctx); err != nil {
		t.Fatalf("Resync after flush error: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries after flush+resync, got %v", keys)
	}
}

func TestManager_IncrementClicks(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewRedis(t)
	store := newFakeStore(activeLink("CLICK", "https://example.com"))
	m := NewManager(rdb, store, Options{})

	if err := m.IncrementClicks(ctx, "CLICK", time.Now()); err != nil {
		t.Fatalf("IncrementClicks on uncached key: %v", err)
	}
	if mr.Exists("url:CLICK") {
		t.Fatal("increment must not create an entry")
	}

	if _, err := m.Resolve(ctx, "CLICK"); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	at := time.Now().Add(time.Minute)
	if err := m.IncrementClicks(ctx, "CLICK", at); err != nil {
		t.Fatalf("IncrementClicks error: %v", err)
	}
	link, err := m.Resolve(ctx, "CLICK")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if link.Clicks != 1 {
		t.Fatalf("expected 1 click, got %d", link.Clicks)
	}
	if link.UpdatedAt.UnixMilli() != at.UnixMilli() {
		t.Fatalf("expected updated_at to follow the click")
	}
}

type fakeSource struct {
	mu       sync.Mutex
	sessions []chan model.ChangeNotification
	errs     []chan error
	failures int
	listened chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{listened: make(chan struct{}, 8)}
}

func (s *fakeSource) Listen(ctx context.Context) (<-chan model.ChangeNotification, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, nil, errors.New("connection refused")
	}
	notes := make(chan model.ChangeNotification, 4)
	errs := make(chan error, 1)
	s.sessions = append(s.sessions, notes)
	s.errs = append(s.errs, errs)
	s.listened <- struct{}{}
	return notes, errs, nil
}

func (s *fakeSource) current() (chan model.ChangeNotification, chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions) - 1
	return s.sessions[n], s.errs[n]
}

func fastBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManager_RunResyncsOnEveryConnect(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	store := newFakeStore(activeLink("LIVE1", "https://one.example"))
	src := newFakeSource()
	src.failures = 2
	m := NewManager(rdb, store, Options{Backoff: fastBackoff})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, src) }()

	<-src.listened
	waitFor(t, func() bool { return mr.Exists("url:LIVE1") })

	// Notifications are applied in order on the live session.
	notes, errs := src.current()
	changed := activeLink("LIVE1", "https://moved.example")
	notes <- model.NotificationFor(changed)
	waitFor(t, func() bool { return mr.HGet("url:LIVE1", "target_url") == "https://moved.example" })

	// Drop the connection; a change made during the outage must be picked up by the resync.
	store.set(activeLink("LIVE2", "https://two.example"))
	errs <- errors.New("connection reset")
	close(notes)

	<-src.listened
	waitFor(t, func() bool { return mr.Exists("url:LIVE2") })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
