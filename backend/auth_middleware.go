// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	defaultAuthCookieName = "cardkeeper_auth"
	jwksFetchTimeout      = 10 * time.Second
	jwksMinRefresh        = time.Minute
)

var errNoJWKS = errors.New("no JWKS URL provided")

// keyring caches the signing keys published at a JWKS URL.
type keyring struct {
	url string

	mu          sync.RWMutex
	keys        jwk.Set
	lastRefresh time.Time
}

func (k *keyring) refresh(ctx context.Context) error {
	if k.url == "" {
		return errNoJWKS
	}
	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	set, err := jwk.Fetch(ctx, k.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	k.mu.Lock()
	k.keys = set
	k.lastRefresh = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *keyring) find(kid string) (any, error) {
	k.mu.RLock()
	set := k.keys
	k.mu.RUnlock()
	if set == nil {
		return nil, fmt.Errorf("JWKS not initialized")
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

// lookup finds kid, refetching the set at most once per jwksMinRefresh when
// the key is unknown. Key rotation is picked up without hammering the
// endpoint with random kids.
func (k *keyring) lookup(ctx context.Context, kid string) (any, error) {
	key, err := k.find(kid)
	if err == nil {
		return key, nil
	}
	k.mu.RLock()
	stale := time.Since(k.lastRefresh) > jwksMinRefresh
	k.mu.RUnlock()
	if !stale {
		return nil, err
	}
	if err := k.refresh(ctx); err != nil {
		log.Printf("Error refreshing JWKS: %v", err)
		return nil, err
	}
	return k.find(kid)
}

func (k *keyring) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token missing 'kid' header")
		}
		return k.lookup(ctx, kid)
	}
}

// jwtAuthMiddleware resolves the wallet owner from a JWT cookie verified
// against a JWKS endpoint. Requests without a valid token pass through as
// anonymous.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	ring := &keyring{url: opts.AuthJWKSURL}
	if ring.url != "" {
		// Non-fatal. The first request with an unknown kid retries.
		if err := ring.refresh(context.Background()); err != nil {
			log.Printf("Warning: Failed to fetch JWKS on startup: %v", err)
		}
	} else {
		log.Println("Warning: No AuthJWKSURL provided. All requests will use the local wallet unless MockAuth is used.")
	}

	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultAuthCookieName
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(cookie.Value, ring.keyFunc(r.Context()))
		if err != nil || !token.Valid {
			// Logged only in debug mode; random probes would spam the log.
			if opts.Debug && err != nil {
				log.Printf("JWT Validation failed: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		if email := emailClaim(token); email != "" {
			ctx := context.WithValue(r.Context(), userIDKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// emailClaim returns the normalized email claim of a verified token, or ""
// when the claim is missing or is not a usable owner ID.
func emailClaim(token *jwt.Token) string {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	email, _ := claims["email"].(string)
	email = normalizeEmail(email)
	if email == "" || !isValidEmail(email) {
		return ""
	}
	return email
}
