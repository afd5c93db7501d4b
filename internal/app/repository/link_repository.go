package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
	"gorm.io/gorm"
)

var (
	// ErrLinkNotFound signals that the requested short link does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateKey signals a unique constraint violation on key or secret_key.
	ErrDuplicateKey = errors.New("duplicate key")
)

const flagChunkSize = 500

// LinkRepository defines the data access contract for short links.
type LinkRepository interface {
	Create(ctx context.Context, link *model.Link) error
	// GetResolvable returns the link only when it is active and not flagged danger.
	GetResolvable(ctx context.Context, key string) (*model.Link, error)
	// KeyExists ignores is_active and status.
	KeyExists(ctx context.Context, key string) (bool, error)
	GetBySecret(ctx context.Context, secret string) (*model.Link, error)
	FindActiveByOwnerAndTarget(ctx context.Context, owner, target string) (*model.Link, error)
	ListByOwner(ctx context.Context, owner string) ([]model.Link, error)
	CountByOwner(ctx context.Context, owner string) (int64, error)
	IncrementClicks(ctx context.Context, key string) error
	Deactivate(ctx context.Context, secret string) (*model.Link, error)
	UpdateMetadata(ctx context.Context, key string, title, faviconURL *string) error
	FlagDanger(ctx context.Context, targets []string) (int64, error)
	EachResolvable(ctx context.Context, batchSize int, fn func([]model.Link) error) error
	EachKey(ctx context.Context, fn func(key string)) error
}

type linkRepository struct {
	db *gorm.DB
}

// NewLinkRepository returns a GORM-backed LinkRepository.
func NewLinkRepository(db *gorm.DB) LinkRepository {
	return &linkRepository{db: db}
}

func resolvable(db *gorm.DB) *gorm.DB {
	return db.Where("is_active = ? AND LOWER(status) <> ?", true, string(model.StatusDanger))
}

func (r *linkRepository) Create(ctx context.Context, link *model.Link) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (r *linkRepository) GetResolvable(ctx context.Context, key string) (*model.Link, error) {
	var link model.Link
	err := r.db.WithContext(ctx).
		Scopes(resolvable).
		Where("key = ?", key).
		First(&link).Error
	return notFound(&link, err)
}

func (r *linkRepository) KeyExists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("key = ?", key).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *linkRepository) GetBySecret(ctx context.Context, secret string) (*model.Link, error) {
	var link model.Link
	err := r.db.WithContext(ctx).
		Where("secret_key = ? AND is_active = ?", secret, true).
		First(&link).Error
	return notFound(&link, err)
}

func (r *linkRepository) FindActiveByOwnerAndTarget(ctx context.Context, owner, target string) (*model.Link, error) {
	var link model.Link
	err := r.db.WithContext(ctx).
		Where("owner_key = ? AND target_url = ? AND is_active = ?", owner, target, true).
		Order("id").
		First(&link).Error
	return notFound(&link, err)
}

func (r *linkRepository) ListByOwner(ctx context.Context, owner string) ([]model.Link, error) {
	var result []model.Link
	if err := r.db.WithContext(ctx).
		Where("owner_key = ? AND is_active = ?", owner, true).
		Order("created_at DESC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *linkRepository) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("owner_key = ? AND is_active = ?", owner, true).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// IncrementClicks bumps the counter in SQL so concurrent redirects never lose an update.
func (r *linkRepository) IncrementClicks(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("key = ?", key).
		UpdateColumns(map[string]interface{}{
			"clicks":     gorm.Expr("clicks + ?", 1),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (r *linkRepository) Deactivate(ctx context.Context, secret string) (*model.Link, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("secret_key = ? AND is_active = ?", secret, true).
		UpdateColumns(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrLinkNotFound
	}

	var link model.Link
	err := r.db.WithContext(ctx).Where("secret_key = ?", secret).First(&link).Error
	return notFound(&link, err)
}

func (r *linkRepository) UpdateMetadata(ctx context.Context, key string, title, faviconURL *string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("key = ?", key).
		UpdateColumns(map[string]interface{}{
			"title":       title,
			"favicon_url": faviconURL,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// FlagDanger marks every link pointing at one of targets as danger.
func (r *linkRepository) FlagDanger(ctx context.Context, targets []string) (int64, error) {
	var total int64
	for start := 0; start < len(targets); start += flagChunkSize {
		end := min(start+flagChunkSize, len(targets))
		result := r.db.WithContext(ctx).
			Model(&model.Link{}).
			Where("target_url IN ? AND status <> ?", targets[start:end], string(model.StatusDanger)).
			UpdateColumns(map[string]interface{}{
				"status":     string(model.StatusDanger),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}
	return total, nil
}

func (r *linkRepository) EachResolvable(ctx context.Context, batchSize int, fn func([]model.Link) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var batch []model.Link
	return r.db.WithContext(ctx).
		Scopes(resolvable).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}

func (r *linkRepository) EachKey(ctx context.Context, fn func(key string)) error {
	var batch []model.Link
	return r.db.WithContext(ctx).
		Select("id", "key").
		FindInBatches(&batch, 1000, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				fn(batch[i].Key)
			}
			return nil
		}).Error
}

func notFound(link *model.Link, err error) (*model.Link, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return link, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
