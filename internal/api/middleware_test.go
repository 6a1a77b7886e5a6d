package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scoutlink/referral-service/internal/domain"
	"github.com/scoutlink/referral-service/internal/store"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "test-key",
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://clerk.scoutlink.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func subjectEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := ClerkUserIDFromContext(r.Context())
		w.Write([]byte(subject))
	})
}

func TestClerkAuthMiddleware(t *testing.T) {
	f := newJWKSFixture(t)
	handler := ClerkAuthMiddleware(ClerkOptions{JWKSURL: f.server.URL, Issuer: "https://clerk.scoutlink.test"})(subjectEcho())

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.test"
	noExpiry := validClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + f.token(t, "test-key", validClaims()), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Token abc", http.StatusUnauthorized},
		{"unknown kid", "Bearer " + f.token(t, "other-key", validClaims()), http.StatusUnauthorized},
		{"expired", "Bearer " + f.token(t, "test-key", expired), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + f.token(t, "test-key", wrongIssuer), http.StatusUnauthorized},
		{"no expiry", "Bearer " + f.token(t, "test-key", noExpiry), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusOK && rec.Body.String() != "user_123" {
				t.Fatalf("expected subject in context, got %q", rec.Body.String())
			}
		})
	}
}

func TestClerkAuthMiddleware_CachesKeys(t *testing.T) {
	f := newJWKSFixture(t)
	handler := ClerkAuthMiddleware(ClerkOptions{JWKSURL: f.server.URL})(subjectEcho())
	token := "Bearer " + f.token(t, "test-key", validClaims())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if hits := f.hits.Load(); hits != 1 {
		t.Fatalf("expected JWKS to be fetched once, got %d", hits)
	}
}

type resolverStub struct {
	actors map[string]domain.Actor
}

func (s resolverStub) ResolveActor(ctx context.Context, clerkUserID string) (domain.Actor, error) {
	actor, ok := s.actors[clerkUserID]
	if !ok {
		return domain.Actor{}, store.ErrScoutNotFound
	}
	return actor, nil
}

func TestActorMiddleware(t *testing.T) {
	resolver := resolverStub{actors: map[string]domain.Actor{"user_123": masterActor}}
	handler := ActorMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			t.Fatal("expected actor in context")
		}
		w.Write([]byte(actor.ID))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), clerkUserIDContextKey, "user_123"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != masterActor.ID {
		t.Fatalf("expected resolved actor, got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), clerkUserIDContextKey, "user_unknown"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown scout, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		required string
		provided string
		status   int
	}{
		{"no key configured", "", "", http.StatusNoContent},
		{"matching key", "s3cret", "s3cret", http.StatusNoContent},
		{"missing key", "s3cret", "", http.StatusUnauthorized},
		{"wrong key", "s3cret", "s3cre7", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.provided != "" {
				req.Header.Set("X-Internal-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			InternalAuthMiddleware(tt.required)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key, err := parseRSAPublicKey("AQAB", "AQAB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", key.E)
	}
	if _, err := parseRSAPublicKey("AQAB", ""); err == nil {
		t.Fatal("expected empty exponent to be rejected")
	}
	if _, err := parseRSAPublicKey("!!", "AQAB"); err == nil {
		t.Fatal("expected malformed modulus to be rejected")
	}
}

func TestNewRouter_PublicAndProtectedRoutes(t *testing.T) {
	f := newJWKSFixture(t)
	stub := &routerServiceStub{actors: map[string]domain.Actor{"user_123": scoutActor}}
	router := NewRouter(newTestHandler(stub), RouterConfig{
		Clerk:          ClerkOptions{JWKSURL: f.server.URL},
		InternalAPIKey: "s3cret",
	})

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/conversions", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "test-key", validClaims()))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.listedBy != scoutActor {
		t.Fatalf("expected list to run as the resolved scout, got %+v", stub.listedBy)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/payouts/digest/run", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected internal route to require the key, got %d", rec.Code)
	}
}

type routerServiceStub struct {
	serviceStub
	actors   map[string]domain.Actor
	listedBy domain.Actor
}

func (s *routerServiceStub) ResolveActor(ctx context.Context, clerkUserID string) (domain.Actor, error) {
	return resolverStub{actors: s.actors}.ResolveActor(ctx, clerkUserID)
}

func (s *routerServiceStub) ListConversions(ctx context.Context, actor domain.Actor, filter store.ConversionFilter) ([]domain.Conversion, error) {
	s.listedBy = actor
	return []domain.Conversion{}, nil
}
