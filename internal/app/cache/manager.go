// Package cache keeps the Redis lookup tier consistent with the links table.
//
// Entries are only written by the Manager: on a read-through miss, when a
// change notification arrives for a key that is already cached, during a
// full resynchronization and when a click is mirrored optimistically.
// Negative lookups are never cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// KeyPrefix namespaces cache entries in Redis.
const KeyPrefix = "url:"

const (
	defaultResyncBatch = 500
	scanCount          = 500
)

// ErrNotFound is returned when no resolvable link exists for a key.
var ErrNotFound = errors.New("cache: link not found")

// Store is the durable side of the cache.
type Store interface {
	GetResolvable(ctx context.Context, key string) (*model.Link, error)
	EachResolvable(ctx context.Context, batchSize int, fn func([]model.Link) error) error
}

// Source delivers change notifications from the durable store.
type Source interface {
	// Listen returns once the subscription is established. The notification
	// channel is closed when the subscription ends and the error channel
	// then yields the reason.
	Listen(ctx context.Context) (<-chan model.ChangeNotification, <-chan error, error)
}

// Options tunes a Manager.
type Options struct {
	Logger      *zap.Logger
	ResyncBatch int
	// Backoff bounds reconnect delays; nil uses an unbounded exponential backoff.
	Backoff func() backoff.BackOff
}

// Manager is the cache consistency manager.
type Manager struct {
	rdb         *redis.Client
	store       Store
	logger      *zap.Logger
	resyncBatch int
	newBackoff  func() backoff.BackOff
}

var (
	// Overwrites an entry only when it is already cached.
	refreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], unpack(ARGV))
  return 1
end
return 0
`)

	incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local clicks = redis.call('HINCRBY', KEYS[1], 'clicks', 1)
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
  return clicks
end
return -1
`)
)

// NewManager builds a Manager over the given Redis client and store.
func NewManager(rdb *redis.Client, store Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := opts.ResyncBatch
	if batch <= 0 {
		batch = defaultResyncBatch
	}
	newBackoff := opts.Backoff
	if newBackoff == nil {
		newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Manager{
		rdb:         rdb,
		store:       store,
		logger:      logger,
		resyncBatch: batch,
		newBackoff:  newBackoff,
	}
}

func cacheKey(key string) string {
	return KeyPrefix + key
}

// Resolve returns the resolvable link for key, reading through to the store on a miss.
func (m *Manager) Resolve(ctx context.Context, key string) (*model.Link, error) {
	link, err := m.get(ctx, key)
	switch {
	case err == nil && link.Resolvable():
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return link, nil
	case err == nil:
		// An ineligible entry can only be a leftover; drop it and ask the store.
		m.evict(ctx, key)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		m.logger.Warn("cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
	}

	link, err = m.store.GetResolvable(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if !link.Resolvable() {
		return nil, ErrNotFound
	}

	if err := m.put(ctx, link); err != nil {
		m.logger.Warn("cache populate failed", zap.String("key", key), zap.Error(err))
	}
	return link, nil
}

// Apply folds one change notification into the cache.
func (m *Manager) Apply(ctx context.Context, n model.ChangeNotification) error {
	link := n.Link()
	if !link.Resolvable() {
		if err := m.rdb.Del(ctx, cacheKey(link.Key)).Err(); err != nil {
			return fmt.Errorf("evict %s: %w", link.Key, err)
		}
		metrics.CacheNotifications.WithLabelValues("evicted").Inc()
		return nil
	}

	refreshed, err := refreshScript.Run(ctx, m.rdb, []string{cacheKey(link.Key)}, fields(&link)...).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", link.Key, err)
	}
	if refreshed == 1 {
		metrics.CacheNotifications.WithLabelValues("refreshed").Inc()
	} else {
		metrics.CacheNotifications.WithLabelValues("skipped").Inc()
	}
	return nil
}

// Resync rewrites every resolvable link and removes entries without one.
func (m *Manager) Resync(ctx context.Context) error {
	start := time.Now()
	eligible := make(map[string]struct{})

	err := m.store.EachResolvable(ctx, m.resyncBatch, func(links []model.Link) error {
		_, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i := range links {
				k := cacheKey(links[i].Key)
				p.Del(ctx, k)
				p.HSet(ctx, k, fields(&links[i])...)
				eligible[links[i].Key] = struct{}{}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("resync load: %w", err)
	}

	var stale []string
	iter := m.rdb.Scan(ctx, 0, KeyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, ok := eligible[strings.TrimPrefix(k, KeyPrefix)]; !ok {
			stale = append(stale, k)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("resync scan: %w", err)
	}
	for i := 0; i < len(stale); i += scanCount {
		end := min(i+scanCount, len(stale))
		if err := m.rdb.Del(ctx, stale[i:end]...).Err(); err != nil {
			return fmt.Errorf("resync sweep: %w", err)
		}
	}

	metrics.CacheResyncs.Inc()
	m.logger.Info("cache resynchronized",
		zap.Int("entries", len(eligible)),
		zap.Int("evicted", len(stale)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// IncrementClicks mirrors a click on the cached entry, if there is one.
func (m *Manager) IncrementClicks(ctx context.Context, key string, at time.Time) error {
	if err := incrementScript.Run(ctx, m.rdb, []string{cacheKey(key)}, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mirror click %s: %w", key, err)
	}
	return nil
}

// Run keeps the cache subscribed to change notifications until ctx is done.
// Every (re)connect is followed by a full Resync since notifications sent
// while disconnected are lost.
func (m *Manager) Run(ctx context.Context, src Source) error {
	b := m.newBackoff()
	for {
		err := m.session(ctx, src, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("change listener gave up: %w", err)
		}
		metrics.CacheReconnects.Inc()
		m.logger.Warn("change listener disconnected, serving cached reads",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) session(ctx context.Context, src Source, b backoff.BackOff) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notes, errs, err := src.Listen(sctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := m.Resync(ctx); err != nil {
		return err
	}
	b.Reset()
	m.logger.Info("change listener connected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				select {
				case err := <-errs:
					return err
				default:
					return errors.New("change stream closed")
				}
			}
			if err := m.Apply(ctx, n); err != nil {
				m.logger.Warn("apply change notification failed", zap.String("key", n.Key), zap.Error(err))
			}
		}
	}
}

func (m *Manager) get(ctx context.Context, key string) (*model.Link, error) {
	values, err := m.rdb.HGetAll(ctx, cacheKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, redis.Nil
	}
	return decode(values)
}

func (m *Manager) put(ctx context.Context, link *model.Link) error {
	k := cacheKey(link.Key)
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fields(link)...)
		return nil
	})
	return err
}

func (m *Manager) evict(ctx context.Context, key string) {
	if err := m.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		m.logger.Warn("cache evict failed", zap.String("key", key), zap.Error(err))
	}
}
