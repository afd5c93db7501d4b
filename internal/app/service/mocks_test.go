package service

import (
	"context"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
)

type mockLinkRepository struct {
	createFn                     func(ctx context.Context, link *model.Link) error
	getResolvableFn              func(ctx context.Context, key string) (*model.Link, error)
	keyExistsFn                  func(ctx context.Context, key string) (bool, error)
	getBySecretFn                func(ctx context.Context, secret string) (*model.Link, error)
	findActiveByOwnerAndTargetFn func(ctx context.Context, owner, target string) (*model.Link, error)
	listByOwnerFn                func(ctx context.Context, owner string) ([]model.Link, error)
	countByOwnerFn               func(ctx context.Context, owner string) (int64, error)
	incrementClicksFn            func(ctx context.Context, key string) error
	deactivateFn                 func(ctx context.Context, secret string) (*model.Link, error)
	updateMetadataFn             func(ctx context.Context, key string, title, favicon *string) error
	flagDangerFn                 func(ctx context.Context, targets []string) (int64, error)
	eachResolvableFn             func(ctx context.Context, batchSize int, fn func([]model.Link) error) error
	eachKeyFn                    func(ctx context.Context, fn func(key string)) error
}

func (m *mockLinkRepository) Create(ctx context.Context, link *model.Link) error {
	if m.createFn != nil {
		return m.createFn(ctx, link)
	}
	return nil
}

func (m *mockLinkRepository) GetResolvable(ctx context.Context, key string) (*model.Link, error) {
	if m.getResolvableFn != nil {
		return m.getResolvableFn(ctx, key)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) KeyExists(ctx context.Context, key string) (bool, error) {
	if m.keyExistsFn != nil {
		return m.keyExistsFn(ctx, key)
	}
	return false, nil
}

func (m *mockLinkRepository) GetBySecret(ctx context.Context, secret string) (*model.Link, error) {
	if m.getBySecretFn != nil {
		return m.getBySecretFn(ctx, secret)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) FindActiveByOwnerAndTarget(ctx context.Context, owner, target string) (*model.Link, error) {
	if m.findActiveByOwnerAndTargetFn != nil {
		return m.findActiveByOwnerAndTargetFn(ctx, owner, target)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) ListByOwner(ctx context.Context, owner string) ([]model.Link, error) {
	if m.listByOwnerFn != nil {
		return m.listByOwnerFn(ctx, owner)
	}
	return nil, nil
}

func (m *mockLinkRepository) CountByOwner(ctx context.Context, owner string) (int64, error) {
	if m.countByOwnerFn != nil {
		return m.countByOwnerFn(ctx, owner)
	}
	return 0, nil
}

func (m *mockLinkRepository) IncrementClicks(ctx context.Context, key string) error {
	if m.incrementClicksFn != nil {
		return m.incrementClicksFn(ctx, key)
	}
	return nil
}

func (m *mockLinkRepository) Deactivate(ctx context.Context, secret string) (*model.Link, error) {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, secret)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) UpdateMetadata(ctx context.Context, key string, title, favicon *string) error {
	if m.updateMetadataFn != nil {
		return m.updateMetadataFn(ctx, key, title, favicon)
	}
	return nil
}

func (m *mockLinkRepository) FlagDanger(ctx context.Context, targets []string) (int64, error) {
	if m.flagDangerFn != nil {
		return m.flagDangerFn(ctx, targets)
	}
	return 0, nil
}

func (m *mockLinkRepository) EachResolvable(ctx context.Context, batchSize int, fn func([]model.Link) error) error {
	if m.eachResolvableFn != nil {
		return m.eachResolvableFn(ctx, batchSize, fn)
	}
	return nil
}

func (m *mockLinkRepository) EachKey(ctx context.Context, fn func(key string)) error {
	if m.eachKeyFn != nil {
		return m.eachKeyFn(ctx, fn)
	}
	return nil
}

// mockPrincipals is an in-memory principal registry.
type mockPrincipals struct {
	byKey    map[string]int
	getErr   error
	upserted []model.Principal
}

func newPrincipals(roles map[string]int) *mockPrincipals {
	return &mockPrincipals{byKey: roles}
}

func (m *mockPrincipals) Get(ctx context.Context, apiKey string) (*model.Principal, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	role, ok := m.byKey[apiKey]
	if !ok {
		return nil, repository.ErrPrincipalNotFound
	}
	return &model.Principal{APIKey: apiKey, RoleID: role}, nil
}

func (m *mockPrincipals) Upsert(ctx context.Context, p *model.Principal) error {
	m.upserted = append(m.upserted, *p)
	if m.byKey == nil {
		m.byKey = make(map[string]int)
	}
	m.byKey[p.APIKey] = p.RoleID
	return nil
}

type mockBlacklist struct {
	entries map[string]struct{}
	err     error
}

func newBlacklist(urls ...string) *mockBlacklist {
	m := &mockBlacklist{entries: make(map[string]struct{})}
	for _, u := range urls {
		m.entries[u] = struct{}{}
	}
	return m
}

func (m *mockBlacklist) Contains(ctx context.Context, urls ...string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for _, u := range urls {
		if _, ok := m.entries[u]; ok {
			return true, nil
		}
	}
	return false, nil
}

type mockFeed struct {
	entries   map[string]struct{}
	updatedAt time.Time
}

func (m *mockFeed) Contains(urls ...string) bool {
	for _, u := range urls {
		if _, ok := m.entries[u]; ok {
			return true
		}
	}
	return false
}

func (m *mockFeed) UpdatedAt() time.Time { return m.updatedAt }

// inlineTasks runs submitted work on the caller's goroutine.
type inlineTasks struct {
	kinds []string
}

func (t *inlineTasks) Submit(kind string, fn func(ctx context.Context)) bool {
	t.kinds = append(t.kinds, kind)
	fn(context.Background())
	return true
}

type enricherFunc func(ctx context.Context, link model.Link) error

func (f enricherFunc) Enrich(ctx context.Context, link model.Link) error { return f(ctx, link) }
