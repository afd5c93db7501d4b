// Package phishing keeps an in-memory set of known phishing URLs sourced
// from plain-text threat feeds.
package phishing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sifan077/SafeLink/internal/app/urlnorm"
	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultStaleAfter   = 12 * time.Hour
	defaultFetchTimeout = 30 * time.Second
	maxFeedBytes        = 64 << 20
)

// Options configures a Feed.
type Options struct {
	Sources      []string
	StaleAfter   time.Duration
	FetchTimeout time.Duration
	Client       *http.Client
	Logger       *zap.Logger
	// OnRefresh receives every entry of a freshly loaded set.
	OnRefresh func(ctx context.Context, entries []string)
}

// Feed is the phishing set. Only Refresh writes it.
type Feed struct {
	sources      []string
	staleAfter   time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	logger       *zap.Logger
	onRefresh    func(ctx context.Context, entries []string)
	now          func() time.Time

	mu        sync.RWMutex
	entries   map[string]struct{}
	fetchedAt time.Time

	refreshing atomic.Bool
	cron       *cron.Cron
}

// NewFeed returns an empty Feed; it is stale until the first Refresh.
func NewFeed(opts Options) *Feed {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Feed{
		sources:      opts.Sources,
		staleAfter:   staleAfter,
		fetchTimeout: fetchTimeout,
		client:       client,
		logger:       logger,
		onRefresh:    opts.OnRefresh,
		now:          time.Now,
		entries:      make(map[string]struct{}),
	}
}

// Contains reports whether any of urls is a known phishing URL. It never
// waits on the network: a stale set triggers a background refresh and the
// current snapshot answers.
func (f *Feed) Contains(urls ...string) bool {
	if f.Stale() {
		f.refreshAsync()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, u := range urls {
		if _, ok := f.entries[u]; ok {
			return true
		}
	}
	return false
}

// UpdatedAt returns when the set was last loaded; zero if never.
func (f *Feed) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fetchedAt
}

// Size returns the number of entries in the current snapshot.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *Feed) Stale() bool {
	f.mu.RLock()
	fetchedAt := f.fetchedAt
	f.mu.RUnlock()
	return fetchedAt.IsZero() || f.now().Sub(fetchedAt) > f.staleAfter
}

// Refresh downloads every source and swaps in the new set. Sources that
// fail are skipped; if all fail the previous set is kept.
func (f *Feed) Refresh(ctx context.Context) error {
	if len(f.sources) == 0 {
		return nil
	}

	next := make(map[string]struct{})
	var failed int
	for _, src := range f.sources {
		if err := f.load(ctx, src, next); err != nil {
			failed++
			f.logger.Warn("phishing feed fetch failed", zap.String("source", src), zap.Error(err))
		}
	}
	if failed == len(f.sources) {
		metrics.PhishingRefreshes.WithLabelValues("failed").Inc()
		return fmt.Errorf("phishing: all %d feeds failed", failed)
	}

	f.mu.Lock()
	f.entries = next
	f.fetchedAt = f.now()
	f.mu.Unlock()

	metrics.PhishingFeedSize.Set(float64(len(next)))
	metrics.PhishingRefreshes.WithLabelValues("ok").Inc()
	f.logger.Info("phishing feed refreshed", zap.Int("entries", len(next)), zap.Int("failed_sources", failed))

	if f.onRefresh != nil {
		entries := make([]string, 0, len(next))
		for e := range next {
			entries = append(entries, e)
		}
		f.onRefresh(ctx, entries)
	}
	return nil
}

func (f *Feed) load(ctx context.Context, src string, into map[string]struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxFeedBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		into[line] = struct{}{}
		if normalized, err := urlnorm.Normalize(line); err == nil {
			into[normalized] = struct{}{}
		}
	}
	return scanner.Err()
}

func (f *Feed) refreshAsync() {
	if !f.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer f.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), f.fetchTimeout*time.Duration(len(f.sources)+1))
		defer cancel()
		if err := f.Refresh(ctx); err != nil {
			f.logger.Warn("background phishing refresh failed", zap.Error(err))
		}
	}()
}

// Start schedules a staleness check on spec (cron syntax, e.g. "@every 10m")
// and kicks off the first load in the background.
func (f *Feed) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if f.Stale() {
			f.refreshAsync()
		}
	}); err != nil {
		return fmt.Errorf("phishing: schedule %q: %w", spec, err)
	}
	f.cron = c
	c.Start()
	f.refreshAsync()
	return nil
}

// Stop halts the scheduler and waits for a running check to return.
func (f *Feed) Stop() {
	if f.cron == nil {
		return
	}
	<-f.cron.Stop().Done()
}
