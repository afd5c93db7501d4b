package repository

import (
	"context"
	"errors"

	"github.com/sifan077/SafeLink/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPrincipalNotFound signals an API key unknown to the registry.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalRepository stores API keys and their roles.
type PrincipalRepository interface {
	Get(ctx context.Context, apiKey string) (*model.Principal, error)
	Upsert(ctx context.Context, principal *model.Principal) error
}

type principalRepository struct {
	db *gorm.DB
}

// NewPrincipalRepository returns a GORM-backed PrincipalRepository.
func NewPrincipalRepository(db *gorm.DB) PrincipalRepository {
	return &principalRepository{db: db}
}

func (r *principalRepository) Get(ctx context.Context, apiKey string) (*model.Principal, error) {
	var p model.Principal
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *principalRepository) Upsert(ctx context.Context, principal *model.Principal) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "api_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"role_id", "updated_at"}),
		}).
		Create(principal).Error
}
