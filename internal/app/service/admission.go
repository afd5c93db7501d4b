package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sifan077/SafeLink/internal/app/keygen"
	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	"github.com/sifan077/SafeLink/internal/app/urlnorm"
	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultMaxKeyAttempts = 10
	DefaultOwnerQuota     = 30
)

// Outcome distinguishes a new link from an idempotent repeat.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// PhishingChecker is the in-memory feed lookup.
type PhishingChecker interface {
	Contains(urls ...string) bool
}

// CreateLinkInput captures data required to create a link.
type CreateLinkInput struct {
	APIKey    string
	TargetURL string
	CustomKey string
}

// AdmissionResult is the link the caller should see and how it came about.
type AdmissionResult struct {
	Link    *model.Link
	Outcome Outcome
}

// AdmissionService decides whether a creation request produces a link.
type AdmissionService interface {
	Admit(ctx context.Context, input CreateLinkInput) (*AdmissionResult, error)
}

// AdmissionDeps groups the collaborators of the admission pipeline.
type AdmissionDeps struct {
	Logger    *zap.Logger
	Links     repository.LinkRepository
	Blacklist repository.BlacklistRepository
	Phishing  PhishingChecker
	Keys      *keygen.Generator
	Auth      *Authorizer
	Tasks     TaskSubmitter
	Enricher  Enricher

	MaxKeyAttempts int
	// OwnerQuota caps active links of non-privileged owners; zero disables it.
	OwnerQuota int
}

type admissionService struct {
	logger         *zap.Logger
	links          repository.LinkRepository
	blacklist      repository.BlacklistRepository
	phishing       PhishingChecker
	keys           *keygen.Generator
	auth           *Authorizer
	tasks          TaskSubmitter
	enricher       Enricher
	maxKeyAttempts int
	ownerQuota     int
}

// NewAdmissionService returns the admission pipeline.
func NewAdmissionService(deps AdmissionDeps) AdmissionService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := deps.MaxKeyAttempts
	if attempts <= 0 {
		attempts = DefaultMaxKeyAttempts
	}
	return &admissionService{
		logger:         logger,
		links:          deps.Links,
		blacklist:      deps.Blacklist,
		phishing:       deps.Phishing,
		keys:           deps.Keys,
		auth:           deps.Auth,
		tasks:          deps.Tasks,
		enricher:       deps.Enricher,
		maxKeyAttempts: attempts,
		ownerQuota:     deps.OwnerQuota,
	}
}

// Admit runs the checks in order and stops at the first rejection.
func (s *admissionService) Admit(ctx context.Context, input CreateLinkInput) (*AdmissionResult, error) {
	result, err := s.admit(ctx, input)
	switch {
	case err == nil:
		metrics.Admissions.WithLabelValues(result.Outcome.String()).Inc()
	case errors.Is(err, ErrKeySpaceExhausted):
		metrics.Admissions.WithLabelValues("exhausted").Inc()
		s.logger.Error("key generation exhausted its attempts", zap.Int("attempts", s.maxKeyAttempts))
	default:
		metrics.Admissions.WithLabelValues("rejected").Inc()
	}
	return result, err
}

func (s *admissionService) admit(ctx context.Context, input CreateLinkInput) (*AdmissionResult, error) {
	principal, err := s.auth.Authenticate(ctx, input.APIKey)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(input.TargetURL)
	target, err := urlnorm.Normalize(raw)
	if err != nil {
		return nil, ErrInvalidURL
	}

	blocked, err := s.blacklist.Contains(ctx, raw, target)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", err)
	}
	if blocked {
		s.logger.Info("rejected blacklisted destination", zap.String("target", target))
		return nil, ErrForbiddenDestination
	}

	if s.phishing != nil && s.phishing.Contains(raw, target) {
		s.logger.Info("rejected phishing destination", zap.String("target", target))
		return nil, ErrForbiddenDestination
	}

	if input.CustomKey != "" {
		if err := s.checkCustomKey(ctx, principal, input.CustomKey); err != nil {
			return nil, err
		}
	}

	existing, err := s.links.FindActiveByOwnerAndTarget(ctx, principal.APIKey, target)
	switch {
	case err == nil:
		return &AdmissionResult{Link: existing, Outcome: OutcomeAlreadyExists}, nil
	case !errors.Is(err, repository.ErrLinkNotFound):
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	if s.ownerQuota > 0 && !s.auth.ExemptFromQuota(principal) {
		count, err := s.links.CountByOwner(ctx, principal.APIKey)
		if err != nil {
			return nil, fmt.Errorf("count owner links: %w", err)
		}
		if count >= int64(s.ownerQuota) {
			return nil, ErrQuotaExceeded
		}
	}

	var link *model.Link
	if input.CustomKey != "" {
		link, err = s.persist(ctx, input.CustomKey, principal.APIKey, target)
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, ErrKeyInUse
		}
	} else {
		link, err = s.persistGenerated(ctx, principal.APIKey, target)
	}
	if err != nil {
		return nil, err
	}

	s.scheduleEnrichment(*link)
	s.logger.Info("link created", zap.String("key", link.Key), zap.String("owner", principal.APIKey))
	return &AdmissionResult{Link: link, Outcome: OutcomeCreated}, nil
}

func (s *admissionService) checkCustomKey(ctx context.Context, principal *model.Principal, key string) error {
	if !s.auth.CanSetCustomKey(principal) {
		return ErrCustomKeyNotAllowed
	}
	if err := keygen.ValidateCustomKey(key); err != nil {
		return err
	}
	// Soft-deleted and flagged links still own their key.
	used, err := s.links.KeyExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check custom key: %w", err)
	}
	if used {
		return ErrKeyInUse
	}
	return nil
}

func (s *admissionService) persistGenerated(ctx context.Context, owner, target string) (*model.Link, error) {
	for attempt := 0; attempt < s.maxKeyAttempts; attempt++ {
		key, err := s.keys.Key()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if s.keys.MaybeUsed(key) {
			continue
		}
		link, err := s.persist(ctx, key, owner, target)
		if errors.Is(err, repository.ErrDuplicateKey) {
			s.keys.Remember(key)
			continue
		}
		if err != nil {
			return nil, err
		}
		return link, nil
	}
	return nil, ErrKeySpaceExhausted
}

func (s *admissionService) persist(ctx context.Context, key, owner, target string) (*model.Link, error) {
	secret, err := s.keys.SecretFor(key)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	link := &model.Link{
		Key:       key,
		SecretKey: secret,
		TargetURL: target,
		OwnerKey:  owner,
		IsActive:  true,
		Status:    model.StatusUnknown,
	}
	if err := s.links.Create(ctx, link); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	s.keys.Remember(key)
	return link, nil
}

func (s *admissionService) scheduleEnrichment(link model.Link) {
	if s.tasks == nil || s.enricher == nil {
		return
	}
	s.tasks.Submit("enrich", func(ctx context.Context) {
		if err := s.enricher.Enrich(ctx, link); err != nil {
			s.logger.Warn("metadata enrichment failed", zap.String("key", link.Key), zap.Error(err))
		}
	})
}
