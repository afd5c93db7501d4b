package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	defaultEnrichTimeout  = 5 * time.Second
	defaultEnrichMaxBytes = 1 << 20
	maxTitleLength        = 512
	maxEnrichRedirects    = 5
)

// TargetClassifier reports whether a destination lies in a private range.
type TargetClassifier interface {
	Internal(ctx context.Context, target string) bool
}

// Enricher fills in title and favicon for a freshly created link.
type Enricher interface {
	Enrich(ctx context.Context, link model.Link) error
}

// EnricherOptions configures the page fetcher.
type EnricherOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// Guard skips internal targets and vets every redirect hop.
	Guard TargetClassifier
	// DialControl is installed on the default client's dialer; it is
	// ignored when Client is set.
	DialControl func(network, address string, c syscall.RawConn) error
	Client      *http.Client
	Logger      *zap.Logger
}

type pageEnricher struct {
	links    repository.LinkRepository
	guard    TargetClassifier
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *zap.Logger
}

// NewEnricher returns an Enricher that fetches the target page and writes
// the metadata back through links.
func NewEnricher(links repository.LinkRepository, opts EnricherOptions) Enricher {
	e := &pageEnricher{
		links:    links,
		guard:    opts.Guard,
		client:   opts.Client,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = defaultEnrichTimeout
	}
	if e.maxBytes <= 0 {
		e.maxBytes = defaultEnrichMaxBytes
	}
	if e.client == nil {
		e.client = newFetchClient(opts.DialControl)
	}
	if e.guard != nil {
		client := *e.client
		client.CheckRedirect = e.checkRedirect
		e.client = &client
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

func newFetchClient(control func(network, address string, c syscall.RawConn) error) *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second, Control: control}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Transport: transport}
}

func (e *pageEnricher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxEnrichRedirects {
		return errors.New("too many redirects")
	}
	if e.guard.Internal(req.Context(), req.URL.String()) {
		return fmt.Errorf("%w: redirect to %s", ErrInternalAddress, req.URL.Host)
	}
	return nil
}

func (e *pageEnricher) Enrich(ctx context.Context, link model.Link) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.guard != nil && e.guard.Internal(ctx, link.TargetURL) {
		metrics.Enrichments.WithLabelValues("skipped").Inc()
		e.logger.Debug("skipping enrichment of internal target", zap.String("key", link.Key))
		return nil
	}

	meta, err := e.fetch(ctx, link.TargetURL)
	if err != nil {
		metrics.Enrichments.WithLabelValues("failed").Inc()
		return fmt.Errorf("enrich %s: %w", link.Key, err)
	}
	if err := e.links.UpdateMetadata(ctx, link.Key, meta.title, meta.favicon); err != nil {
		metrics.Enrichments.WithLabelValues("failed").Inc()
		return fmt.Errorf("enrich %s: store metadata: %w", link.Key, err)
	}
	metrics.Enrichments.WithLabelValues("ok").Inc()
	e.logger.Debug("link enriched", zap.String("key", link.Key), zap.Bool("has_title", meta.title != nil))
	return nil
}

type pageMeta struct {
	title   *string
	favicon *string
}

func (e *pageEnricher) fetch(ctx context.Context, target string) (pageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return pageMeta{}, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "SafeLink-Enricher/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return pageMeta{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return pageMeta{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Relative icon links resolve against the final URL after redirects.
	base := resp.Request.URL
	title, icon := parseHead(io.LimitReader(resp.Body, e.maxBytes))

	var meta pageMeta
	if title != "" {
		meta.title = &title
	}
	if icon == "" {
		icon = "/favicon.ico"
	}
	if ref, err := url.Parse(icon); err == nil {
		favicon := base.ResolveReference(ref).String()
		meta.favicon = &favicon
	}
	return meta, nil
}

// parseHead returns the document title and the first icon link href.
func parseHead(r io.Reader) (title, icon string) {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return clean(title), icon
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = title == ""
			case "link":
				if icon == "" && isIconLink(tok) {
					icon = attr(tok, "href")
				}
			case "body":
				if title != "" && icon != "" {
					return clean(title), icon
				}
			}
		case html.EndTagToken:
			if z.Token().Data == "title" {
				inTitle = false
			}
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}
		}
	}
}

func isIconLink(tok html.Token) bool {
	for _, rel := range strings.Fields(strings.ToLower(attr(tok, "rel"))) {
		if rel == "icon" || rel == "apple-touch-icon" {
			return attr(tok, "href") != ""
		}
	}
	return false
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxTitleLength {
		s = strings.ToValidUTF8(s[:maxTitleLength], "")
	}
	return s
}
