package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/coaching-platform/internal/apperr"
)

// IdentityConfig holds the identity provider settings used to validate session JWTs.
type IdentityConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

// IdentityClaims represents the claims in an identity-provider session token.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	// Azp is the authorized party (frontend origin) the token was minted for.
	Azp string `json:"azp,omitempty"`
}

const identityClaimsKey contextKey = "identityClaims"

// jwksMinRefetch bounds how often a token can make us call the provider.
const jwksMinRefetch = time.Minute

// jwksCache caches the provider's signing keys. Fetches happen at most once
// per minRefetch whatever the request volume, and concurrent misses share one
// fetch.
type jwksCache struct {
	mu          sync.RWMutex
	url         string
	client      *http.Client
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
	ttl         time.Duration
	minRefetch  time.Duration
	group       singleflight.Group
}

func newJWKSCache(url string, client *http.Client) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &jwksCache{url: url, client: client, ttl: time.Hour, minRefetch: jwksMinRefetch}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	// Unknown kid or stale cache: the provider may have rotated keys.
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	return key, nil
}

// refresh refetches the key set unless an attempt was made within minRefetch.
func (c *jwksCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		c.mu.Lock()
		if !c.lastAttempt.IsZero() && time.Since(c.lastAttempt) < c.minRefetch {
			c.mu.Unlock()
			return nil, nil
		}
		c.lastAttempt = time.Now()
		c.mu.Unlock()

		keys, err := fetchJWKS(ctx, c.client, c.url)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// IdentityJWT validates RS256 session tokens against the provider's JWKS and
// stores the claims on the request context.
func IdentityJWT(cfg IdentityConfig) func(http.Handler) http.Handler {
	return identityJWT(cfg, nil)
}

func identityJWT(cfg IdentityConfig, client *http.Client) func(http.Handler) http.Handler {
	if cfg.JWKSURL == "" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apperr.WriteJSON(w, apperr.Unauthorized("identity auth not configured"))
			})
		}
	}
	cache := newJWKSCache(cfg.JWKSURL, client)

	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"RS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				apperr.WriteJSON(w, apperr.Unauthorized("missing authorization header"))
				return
			}

			claims := &IdentityClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				kid, ok := t.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("missing key id in token")
				}
				return cache.key(r.Context(), kid)
			}, opts...)
			if err != nil || !token.Valid {
				apperr.WriteJSON(w, apperr.Unauthorized("invalid token"))
				return
			}
			if claims.Subject == "" {
				apperr.WriteJSON(w, apperr.Unauthorized("token missing subject"))
				return
			}

			if cfg.Audience != "" {
				aud, _ := claims.GetAudience()
				if !slices.Contains(aud, cfg.Audience) && claims.Azp != cfg.Audience {
					apperr.WriteJSON(w, apperr.Unauthorized("invalid audience"))
					return
				}
			}

			ctx := context.WithValue(r.Context(), identityClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityClaimsFromContext retrieves identity claims from the request context.
func IdentityClaimsFromContext(ctx context.Context) (*IdentityClaims, bool) {
	claims, ok := ctx.Value(identityClaimsKey).(*IdentityClaims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user's id (the token subject).
func UserIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := IdentityClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// WithIdentityClaims attaches claims to ctx. Used by handler tests.
func WithIdentityClaims(ctx context.Context, claims *IdentityClaims) context.Context {
	return context.WithValue(ctx, identityClaimsKey, claims)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

// jwksResponse represents a JWKS document.
type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func fetchJWKS(ctx context.Context, client *http.Client, url string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed with status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pubKey
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid RSA keys found in JWKS")
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key components from base64url-encoded strings.
func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
