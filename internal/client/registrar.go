package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenTTL = 5 * time.Minute
	defaultSubject  = "user_management"
)

// JWTRegistrar registers an API key through POST /api/register_api_key,
// authenticating with a short-lived HS256 token.
type JWTRegistrar struct {
	BaseURL string
	APIKey  string
	RoleID  int
	Secret  []byte

	Subject    string
	TTL        time.Duration
	HTTPClient *http.Client

	now func() time.Time
}

func (r *JWTRegistrar) Register(ctx context.Context) error {
	if len(r.Secret) == 0 {
		return fmt.Errorf("registrar: signing secret is empty")
	}
	token, err := r.token()
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"api_key": r.APIKey,
		"role_id": r.RoleID,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(r.BaseURL, "/") + registerAPIKeyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	httpClient := r.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register api key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return decodeError(resp.StatusCode, payload)
	}
	return nil
}

func (r *JWTRegistrar) token() (string, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	subject := r.Subject
	if subject == "" {
		subject = defaultSubject
	}
	issued := now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.Secret)
}
