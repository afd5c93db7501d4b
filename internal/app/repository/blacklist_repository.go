package repository

import (
	"context"

	"github.com/sifan077/SafeLink/internal/app/model"
	"gorm.io/gorm"
)

// BlacklistRepository is a read-only view over operator-maintained blocked URLs.
type BlacklistRepository interface {
	// Contains reports whether any of urls matches an entry exactly.
	Contains(ctx context.Context, urls ...string) (bool, error)
}

type blacklistRepository struct {
	db *gorm.DB
}

// NewBlacklistRepository returns a GORM-backed BlacklistRepository.
func NewBlacklistRepository(db *gorm.DB) BlacklistRepository {
	return &blacklistRepository{db: db}
}

func (r *blacklistRepository) Contains(ctx context.Context, urls ...string) (bool, error) {
	if len(urls) == 0 {
		return false, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.BlacklistEntry{}).
		Where("url IN ?", urls).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
