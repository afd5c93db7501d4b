// Package client talks to the SafeLink HTTP surface on behalf of an API key
// holder. A call rejected with 401 or 403 re-registers the key once and is
// sent again, if the verb allows it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	apiKeyHeader       = "X-API-KEY"
	defaultTimeout     = 10 * time.Second
	maxResponseBytes   = 1 << 20
	codeAlreadyExists  = "ALREADY_EXISTS"
	registerAPIKeyPath = "/api/register_api_key"
)

// Authenticator (re)registers the client's API key with the service.
type Authenticator interface {
	Register(ctx context.Context) error
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("safelink: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("safelink: status %d %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// DefaultRetry lists the verbs that re-register and resend on 401/403.
func DefaultRetry() map[string]bool {
	return map[string]bool{
		http.MethodGet:    true,
		http.MethodPost:   true,
		http.MethodDelete: true,
	}
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	HTTPClient    *http.Client
	Authenticator Authenticator
	// Retry maps an HTTP verb to whether it may be resent after re-registering.
	// Nil uses DefaultRetry.
	Retry  map[string]bool
	Logger *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	auth    Authenticator
	retry   map[string]bool
	logger  *zap.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		apiKey:  opts.APIKey,
		http:    httpClient,
		auth:    opts.Authenticator,
		retry:   retry,
		logger:  logger,
	}, nil
}

// Link is a link as the service reports it.
type Link struct {
	Key        string    `json:"key"`
	SecretKey  string    `json:"secret_key"`
	TargetURL  string    `json:"target_url"`
	IsActive   bool      `json:"is_active"`
	Clicks     int64     `json:"clicks"`
	Status     string    `json:"status"`
	Title      string    `json:"title"`
	FaviconURL string    `json:"favicon_url"`
	URL        string    `json:"url"`
	AdminURL   string    `json:"admin_url"`
	QRPayload  string    `json:"qr_payload"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OwnerInfo is the answer of GET /user/info.
type OwnerInfo struct {
	APIKey   string `json:"api_key"`
	RoleID   int    `json:"role_id"`
	IsVIP    bool   `json:"is_vip"`
	URLCount int64  `json:"url_count"`
}

// PhishingVerdict is the answer of GET /check-phishing/.
type PhishingVerdict struct {
	URL           string     `json:"url"`
	IsPhishing    bool       `json:"is_phishing"`
	Blacklisted   bool       `json:"blacklisted"`
	FeedUpdatedAt *time.Time `json:"feed_updated_at"`
}

// Shorten creates a link for target. When the caller already owns an active
// link to target, that link is returned with existed set.
func (c *Client) Shorten(ctx context.Context, target, customKey string) (link *Link, existed bool, err error) {
	body, err := json.Marshal(map[string]string{
		"target_url": target,
		"custom_key": customKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode request: %w", err)
	}

	status, payload, err := c.do(ctx, http.MethodPost, "/url", body)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Code != codeAlreadyExists {
			return nil, false, err
		}
		var conflict struct {
			Link Link `json:"link"`
		}
		if err := json.Unmarshal(payload, &conflict); err != nil {
			return nil, false, fmt.Errorf("decode existing link: %w", err)
		}
		return &conflict.Link, true, nil
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, false, fmt.Errorf("shorten: unexpected status %d", status)
	}

	var created Link
	if err := json.Unmarshal(payload, &created); err != nil {
		return nil, false, fmt.Errorf("decode link: %w", err)
	}
	return &created, false, nil
}

// List returns the caller's active links.
func (c *Client) List(ctx context.Context) ([]Link, error) {
	var out struct {
		URLs []Link `json:"urls"`
	}
	if err := c.getJSON(ctx, "/user/urls", &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// Info returns the management view of the link owning secret.
func (c *Client) Info(ctx context.Context, secret string) (*Link, error) {
	var link Link
	if err := c.getJSON(ctx, "/admin/"+url.PathEscape(secret), &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// Delete deactivates the link owning secret and returns its key.
func (c *Client) Delete(ctx context.Context, secret string) (string, error) {
	_, payload, err := c.do(ctx, http.MethodDelete, "/admin/"+url.PathEscape(secret), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Key, nil
}

func (c *Client) OwnerInfo(ctx context.Context) (*OwnerInfo, error) {
	var info OwnerInfo
	if err := c.getJSON(ctx, "/user/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) CheckPhishing(ctx context.Context, target string) (*PhishingVerdict, error) {
	var verdict PhishingVerdict
	if err := c.getJSON(ctx, "/check-phishing/?url="+url.QueryEscape(target), &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (c *Client) getJSON(ctx context.Context, path string, into any) error {
	_, payload, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends one request. A 401/403 answer triggers a single re-registration
// and resend when the verb is marked retryable. On an APIError the response
// body is returned alongside it.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	status, payload, err := c.send(ctx, method, path, body)
	if err != nil {
		return 0, nil, err
	}
	if denied(status) && c.retry[method] && c.auth != nil {
		c.logger.Info("api key rejected, registering and retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
		)
		if err := c.auth.Register(ctx); err != nil {
			return status, payload, fmt.Errorf("register api key: %w", err)
		}
		status, payload, err = c.send(ctx, method, path, body)
		if err != nil {
			return 0, nil, err
		}
	}
	if status >= http.StatusBadRequest {
		return status, payload, decodeError(status, payload)
	}
	return status, payload, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func denied(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func decodeError(status int, payload []byte) error {
	apiErr := &APIError{Status: status}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
