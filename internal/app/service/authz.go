package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
)

// AuthorizerOptions configures role privileges and the management policy.
type AuthorizerOptions struct {
	// PrivilegedRoles may set custom keys and are exempt from the owner quota.
	PrivilegedRoles []int
	// RequireOwner makes link management require the owner's API key on top of the secret.
	RequireOwner bool
}

// Authorizer decides what a principal or a secret-holder may do.
type Authorizer struct {
	principals   repository.PrincipalRepository
	privileged   map[int]struct{}
	requireOwner bool
}

// NewAuthorizer returns an Authorizer backed by the principal registry.
func NewAuthorizer(principals repository.PrincipalRepository, opts AuthorizerOptions) *Authorizer {
	roles := opts.PrivilegedRoles
	if roles == nil {
		roles = []int{model.RoleAdmin, model.RoleVIP}
	}
	privileged := make(map[int]struct{}, len(roles))
	for _, r := range roles {
		privileged[r] = struct{}{}
	}
	return &Authorizer{
		principals:   principals,
		privileged:   privileged,
		requireOwner: opts.RequireOwner,
	}
}

// Authenticate resolves an API key to its principal.
func (a *Authorizer) Authenticate(ctx context.Context, apiKey string) (*model.Principal, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	p, err := a.principals.Get(ctx, apiKey)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return p, nil
}

func (a *Authorizer) CanSetCustomKey(p *model.Principal) bool {
	_, ok := a.privileged[p.RoleID]
	return ok
}

func (a *Authorizer) ExemptFromQuota(p *model.Principal) bool {
	_, ok := a.privileged[p.RoleID]
	return ok
}

// AuthorizeManagement is called once the secret has matched link. Under the
// strict policy a foreign API key gets the same answer as an unknown secret.
func (a *Authorizer) AuthorizeManagement(link *model.Link, apiKey string) error {
	if !a.requireOwner {
		return nil
	}
	if apiKey == "" || apiKey != link.OwnerKey {
		return ErrLinkNotFound
	}
	return nil
}

// Register records an API key issued by the identity service.
func (a *Authorizer) Register(ctx context.Context, apiKey string, roleID int) (*model.Principal, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	if roleID < model.RoleUser || roleID > model.RoleVIP {
		return nil, ErrInvalidRole
	}
	p := &model.Principal{APIKey: apiKey, RoleID: roleID}
	if err := a.principals.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("register principal: %w", err)
	}
	return p, nil
}
