package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/SafeLink/internal/app/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const notifyBuffer = 256

// NotifySource streams links-table change notifications over LISTEN/NOTIFY.
type NotifySource struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	channel string
}

// NewNotifySource listens on model.ChangeChannel using a dedicated pool connection.
func NewNotifySource(pool *pgxpool.Pool, logger *zap.Logger) *NotifySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySource{pool: pool, logger: logger, channel: model.ChangeChannel}
}

// Listen takes a connection out of the pool for the lifetime of the subscription.
func (s *NotifySource) Listen(ctx context.Context) (<-chan model.ChangeNotification, <-chan error, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: acquire listener: %w", err)
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, nil, fmt.Errorf("postgres: listen %s: %w", s.channel, err)
	}

	notes := make(chan model.ChangeNotification, notifyBuffer)
	errs := make(chan error, 1)
	go func() {
		defer close(notes)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				errs <- fmt.Errorf("postgres: wait for notification: %w", err)
				return
			}
			change, err := model.DecodeChangeNotification(n.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed change notification", zap.Error(err))
				continue
			}
			select {
			case notes <- change:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return notes, errs, nil
}

var triggerStatements = []string{
	`CREATE OR REPLACE FUNCTION notify_url_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('` + model.ChangeChannel + `', row_to_json(NEW)::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS url_change_trigger ON links`,
	`CREATE TRIGGER url_change_trigger AFTER INSERT OR UPDATE ON links
FOR EACH ROW EXECUTE FUNCTION notify_url_change()`,
}

// EnsureChangeTrigger installs the trigger that feeds NotifySource. Other
// dialects have no NOTIFY and are left alone.
func EnsureChangeTrigger(ctx context.Context, db *gorm.DB) error {
	if db == nil || db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range triggerStatements {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("postgres: install change trigger: %w", err)
			}
		}
		return nil
	})
}
