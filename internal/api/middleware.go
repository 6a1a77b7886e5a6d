/**
 * @description
 * Authentication and authorization middleware for the referral service.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scoutlink/referral-service/internal/domain"
)

type contextKey string

const (
	clerkUserIDContextKey = contextKey("clerkUserID")
	actorContextKey       = contextKey("actor")
)

// ClerkOptions configures session token validation.
type ClerkOptions struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// ClerkAuthMiddleware validates Clerk JWTs and injects the session subject into context.
func ClerkAuthMiddleware(opts ClerkOptions) func(http.Handler) http.Handler {
	keys := newJWKSCache(opts.JWKSURL, 10*time.Minute)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, errors.New("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "User ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), clerkUserIDContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorResolver maps a session subject to a scout or master.
type ActorResolver interface {
	ResolveActor(ctx context.Context, clerkUserID string) (domain.Actor, error)
}

// ActorMiddleware loads the acting scout for an authenticated session. It
// must run after ClerkAuthMiddleware.
func ActorMiddleware(resolver ActorResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clerkUserID, ok := ClerkUserIDFromContext(r.Context())
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized")
				return
			}

			actor, err := resolver.ResolveActor(r.Context(), clerkUserID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnauthorized) {
					respondWithError(w, http.StatusForbidden, "forbidden", "No scout profile for this session")
					return
				}
				respondWithError(w, http.StatusInternalServerError, "internal", "Failed to resolve session")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextWithActor(r.Context(), actor)))
		})
	}
}

// InternalAuthMiddleware validates optional internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClerkUserIDFromContext retrieves the session subject from the request context.
func ClerkUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(clerkUserIDContextKey).(string)
	return userID, ok && userID != ""
}

// ActorFromContext retrieves the resolved actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

func contextWithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// jwksCache keeps the signing keys between requests. An unknown kid forces a
// refetch so rotated keys are picked up without waiting for the TTL.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, errors.New("JWKS URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("kid %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, fmt.Errorf("unsupported exponent length %d", len(eb))
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
