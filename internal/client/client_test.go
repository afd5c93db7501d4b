package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("registration-secret")

type registerFunc func(ctx context.Context) error

func (f registerFunc) Register(ctx context.Context) error { return f(ctx) }

// fakeService accepts apiKey only once it has been registered.
type fakeService struct {
	apiKey string

	mu         sync.Mutex
	registered bool
	registers  int
	calls      map[string]int
	lastBody   map[string]any
}

func newFakeService(t *testing.T, apiKey string) (*fakeService, *httptest.Server) {
	t.Helper()
	fs := &fakeService{apiKey: apiKey, calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == registerAPIKeyPath {
		fs.register(w, r)
		return
	}

	fs.calls[r.Method+" "+r.URL.Path]++
	if !fs.registered || r.Header.Get(apiKeyHeader) != fs.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/url":
		_ = json.NewDecoder(r.Body).Decode(&fs.lastBody)
		if fs.lastBody["target_url"] == "https://example.com/dup" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"link already exists","code":"ALREADY_EXISTS","link":{"key":"old","secret_key":"old_SECRET01","target_url":"https://example.com/dup","is_active":true}}`))
			return
		}
		if fs.lastBody["custom_key"] == "taken" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"custom key already in use","code":"KEY_IN_USE"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":"abc12","secret_key":"abc12_SECRET01","target_url":"https://example.com/","is_active":true,"url":"http://sl/abc12"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/user/urls":
		_, _ = w.Write([]byte(`{"urls":[{"key":"a"},{"key":"b"}],"count":2}`))
	case r.Method == http.MethodGet && r.URL.Path == "/user/info":
		_, _ = w.Write([]byte(`{"api_key":"` + fs.apiKey + `","role_id":3,"is_vip":true,"url_count":7}`))
	case r.Method == http.MethodGet && r.URL.Path == "/admin/abc12_SECRET01":
		_, _ = w.Write([]byte(`{"key":"abc12","secret_key":"abc12_SECRET01","clicks":4}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/admin/abc12_SECRET01":
		_, _ = w.Write([]byte(`{"message":"link deactivated","key":"abc12"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/check-phishing/":
		phishing := r.URL.Query().Get("url") == "https://bad.example/"
		_ = json.NewEncoder(w).Encode(map[string]any{"url": r.URL.Query().Get("url"), "is_phishing": phishing})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"link not found","code":"NOT_FOUND"}`))
	}
}

func (fs *fakeService) register(w http.ResponseWriter, r *http.Request) {
	fs.registers++
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return testSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
		return
	}
	var body struct {
		APIKey string `json:"api_key"`
		RoleID int    `json:"role_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey != fs.apiKey || body.RoleID != 3 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad registration","code":"INVALID_REQUEST"}`))
		return
	}
	fs.registered = true
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{}`))
}

func (fs *fakeService) count(key string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[key]
}

func (fs *fakeService) registrations() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.registers
}

func newTestClient(t *testing.T, baseURL string, secret []byte, retry map[string]bool) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL: baseURL,
		APIKey:  "key-vip",
		Authenticator: &JWTRegistrar{
			BaseURL: baseURL,
			APIKey:  "key-vip",
			RoleID:  3,
			Secret:  secret,
		},
		Retry: retry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8080", "://nope"} {
		if _, err := New(Options{BaseURL: base}); err == nil {
			t.Errorf("New(%q) expected error", base)
		}
	}
}

func TestDoRegistersAndRetriesOnce(t *testing.T) {
	fs, srv := newFakeService(t, "key-vip")
	c := newTestClient(t, srv.URL, testSecret, nil)

	links, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(links) != 2 || links[0].Key != "a" {
		t.Fatalf("unexpected links: %+v", links)
	}
	if got := fs.count("GET /user/urls"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if fs.registrations() != 1 {
		t.Fatalf("expected 1 registration, got %d", fs.registrations())
	}

	// Registered keys go straight through.
	if _, err := c.OwnerInfo(context.Background()); err != nil {
		t.Fatalf("OwnerInfo: %v", err)
	}
	if fs.registrations() != 1 {
		t.Fatalf("expected no further registration, got %d", fs.registrations())
	}
}

func TestDoDoesNotRetryDisabledVerb(t *testing.T) {
	fs, srv := newFakeService(t, "key-vip")
	retry := DefaultRetry()
	retry[http.MethodGet] = false
	c := newTestClient(t, srv.URL, testSecret, retry)

	_, err := c.List(context.Background())
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if fs.registrations() != 0 {
		t.Fatalf("expected no registration, got %d", fs.registrations())
	}
	if got := fs.count("GET /user/urls"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDoRetriesOnlyOnce(t *testing.T) {
	var registers int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden","code":"UNAUTHORIZED"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{
		BaseURL: srv.URL,
		APIKey:  "k",
		Authenticator: registerFunc(func(context.Context) error {
			registers++
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Delete(context.Background(), "s")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden || apiErr.Message != "forbidden" {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
	if registers != 1 {
		t.Fatalf("expected 1 registration, got %d", registers)
	}
}

func TestDoSurfacesRegistrationFailure(t *testing.T) {
	fs, srv := newFakeService(t, "key-vip")
	c := newTestClient(t, srv.URL, []byte("wrong-secret"), nil)

	_, err := c.List(context.Background())
	if err == nil || !strings.Contains(err.Error(), "register api key") {
		t.Fatalf("expected registration error, got %v", err)
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected wrapped 401 from registration, got %v", err)
	}
	if got := fs.count("GET /user/urls"); got != 1 {
		t.Fatalf("expected no resend, got %d attempts", got)
	}
}

func TestShorten(t *testing.T) {
	_, srv := newFakeService(t, "key-vip")
	c := newTestClient(t, srv.URL, testSecret, nil)
	ctx := context.Background()

	link, existed, err := c.Shorten(ctx, "https://example.com/", "")
	if err != nil {
		t.Fatalf("Shorten: %v", err)
	}
	if existed || link.Key != "abc12" || link.SecretKey != "abc12_SECRET01" {
		t.Fatalf("unexpected result: existed=%v link=%+v", existed, link)
	}

	link, existed, err = c.Shorten(ctx, "https://example.com/dup", "")
	if err != nil {
		t.Fatalf("Shorten duplicate: %v", err)
	}
	if !existed || link.Key != "old" {
		t.Fatalf("expected existing link, got existed=%v link=%+v", existed, link)
	}

	_, _, err = c.Shorten(ctx, "https://example.com/x", "taken")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "KEY_IN_USE" {
		t.Fatalf("expected KEY_IN_USE, got %v", err)
	}
}

func TestManagementCalls(t *testing.T) {
	_, srv := newFakeService(t, "key-vip")
	c := newTestClient(t, srv.URL, testSecret, nil)
	ctx := context.Background()

	link, err := c.Info(ctx, "abc12_SECRET01")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if link.Clicks != 4 {
		t.Fatalf("expected 4 clicks, got %d", link.Clicks)
	}

	key, err := c.Delete(ctx, "abc12_SECRET01")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if key != "abc12" {
		t.Fatalf("expected key abc12, got %q", key)
	}

	if _, err := c.Info(ctx, "missing"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}

	info, err := c.OwnerInfo(ctx)
	if err != nil {
		t.Fatalf("OwnerInfo: %v", err)
	}
	if !info.IsVIP || info.URLCount != 7 {
		t.Fatalf("unexpected owner info: %+v", info)
	}

	verdict, err := c.CheckPhishing(ctx, "https://bad.example/")
	if err != nil {
		t.Fatalf("CheckPhishing: %v", err)
	}
	if !verdict.IsPhishing || verdict.FeedUpdatedAt != nil {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}
