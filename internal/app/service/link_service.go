package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sifan077/SafeLink/internal/app/cache"
	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	"github.com/sifan077/SafeLink/internal/app/urlnorm"
	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// Resolver is the read-through lookup used on the redirect path.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*model.Link, error)
}

// Guard vets a destination right before redirecting to it.
type Guard interface {
	Check(ctx context.Context, target string) error
}

// CacheApplier folds a row change into the lookup tier.
type CacheApplier interface {
	Apply(ctx context.Context, n model.ChangeNotification) error
}

// FeedStatus exposes the phishing set for ad-hoc checks.
type FeedStatus interface {
	PhishingChecker
	UpdatedAt() time.Time
}

// LinkService defines behaviour-level operations on links.
type LinkService interface {
	Resolve(ctx context.Context, key string) (*model.Link, error)
	PublicInfo(ctx context.Context, key string) (*model.Link, error)
	AdminInfo(ctx context.Context, secret, apiKey string) (*model.Link, error)
	Deactivate(ctx context.Context, secret, apiKey string) (*model.Link, error)
	ListOwned(ctx context.Context, apiKey string) ([]model.Link, error)
	OwnerInfo(ctx context.Context, apiKey string) (*OwnerInfo, error)
	CheckPhishing(ctx context.Context, rawURL string) (*PhishingVerdict, error)
}

// OwnerInfo summarizes a principal for /user/info.
type OwnerInfo struct {
	APIKey   string
	RoleID   int
	IsVIP    bool
	URLCount int64
}

// PhishingVerdict is the answer to an ad-hoc destination check.
type PhishingVerdict struct {
	URL           string
	IsPhishing    bool
	Blacklisted   bool
	FeedUpdatedAt time.Time
}

// LinkServiceDeps groups collaborators of the link service.
type LinkServiceDeps struct {
	Logger    *zap.Logger
	Links     repository.LinkRepository
	Blacklist repository.BlacklistRepository
	Resolver  Resolver
	// Cache, when set, sees deactivations before the change feed does.
	Cache CacheApplier
	Guard Guard
	Feed  FeedStatus
	Auth  *Authorizer
}

type linkService struct {
	logger    *zap.Logger
	links     repository.LinkRepository
	blacklist repository.BlacklistRepository
	resolver  Resolver
	cache     CacheApplier
	guard     Guard
	feed      FeedStatus
	auth      *Authorizer
}

// NewLinkService returns a service implementation backed by the given dependencies.
func NewLinkService(deps LinkServiceDeps) LinkService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &linkService{
		logger:    logger,
		links:     deps.Links,
		blacklist: deps.Blacklist,
		resolver:  deps.Resolver,
		cache:     deps.Cache,
		guard:     deps.Guard,
		feed:      deps.Feed,
		auth:      deps.Auth,
	}
}

func (s *linkService) Resolve(ctx context.Context, key string) (*model.Link, error) {
	link, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, repository.ErrLinkNotFound) {
			metrics.Redirects.WithLabelValues("not_found").Inc()
			return nil, ErrLinkNotFound
		}
		metrics.Redirects.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve link: %w", err)
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, link.TargetURL); err != nil {
			metrics.Redirects.WithLabelValues("unreachable").Inc()
			return nil, err
		}
	}
	metrics.Redirects.WithLabelValues("redirected").Inc()
	return link, nil
}

// PublicInfo returns an active link without counting a click or probing
// the destination.
func (s *linkService) PublicInfo(ctx context.Context, key string) (*model.Link, error) {
	link, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("resolve link: %w", err)
	}
	return link, nil
}

func (s *linkService) managed(ctx context.Context, secret, apiKey string) (*model.Link, error) {
	link, err := s.links.GetBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("load link: %w", err)
	}
	if err := s.auth.AuthorizeManagement(link, apiKey); err != nil {
		return nil, err
	}
	return link, nil
}

func (s *linkService) AdminInfo(ctx context.Context, secret, apiKey string) (*model.Link, error) {
	return s.managed(ctx, secret, apiKey)
}

func (s *linkService) Deactivate(ctx context.Context, secret, apiKey string) (*model.Link, error) {
	if _, err := s.managed(ctx, secret, apiKey); err != nil {
		return nil, err
	}
	link, err := s.links.Deactivate(ctx, secret)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("deactivate link: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Apply(ctx, model.NotificationFor(*link)); err != nil {
			s.logger.Warn("evict deactivated link", zap.String("key", link.Key), zap.Error(err))
		}
	}
	s.logger.Info("link deactivated", zap.String("key", link.Key))
	return link, nil
}

func (s *linkService) ListOwned(ctx context.Context, apiKey string) ([]model.Link, error) {
	principal, err := s.auth.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	links, err := s.links.ListByOwner(ctx, principal.APIKey)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func (s *linkService) OwnerInfo(ctx context.Context, apiKey string) (*OwnerInfo, error) {
	principal, err := s.auth.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	count, err := s.links.CountByOwner(ctx, principal.APIKey)
	if err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	return &OwnerInfo{
		APIKey:   principal.APIKey,
		RoleID:   principal.RoleID,
		IsVIP:    principal.RoleID == model.RoleVIP,
		URLCount: count,
	}, nil
}

func (s *linkService) CheckPhishing(ctx context.Context, rawURL string) (*PhishingVerdict, error) {
	target, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}
	verdict := &PhishingVerdict{URL: target}
	if s.feed != nil {
		verdict.IsPhishing = s.feed.Contains(target)
		verdict.FeedUpdatedAt = s.feed.UpdatedAt()
	}
	if s.blacklist != nil {
		blocked, err := s.blacklist.Contains(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("check blacklist: %w", err)
		}
		verdict.Blacklisted = blocked
	}
	return verdict, nil
}
