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
)

// jwksServer publishes the public half of key under kid.
func jwksServer(t *testing.T, kid string, key *rsa.PrivateKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	b64 := base64.RawURLEncoding.EncodeToString
	body, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"alg": "RS256",
			"use": "sig",
			"n":   b64(key.PublicKey.N.Bytes()),
			"e":   b64(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func signToken(t *testing.T, kid string, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, hits := jwksServer(t, "k1", key)

	var seen string
	handler := jwtAuthMiddleware(Options{AuthJWKSURL: jwks.URL}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ownerFromRequest(r, false)
	}))
	if hits.Load() != 1 {
		t.Errorf("JWKS fetched %d times at startup, want 1", hits.Load())
	}

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		cookie string
		token  string
		want   string
	}{
		{"Valid token", defaultAuthCookieName, signToken(t, "k1", key, jwt.MapClaims{"email": " Pat@Example.com", "exp": exp}), "pat@example.com"},
		{"No cookie", "", "", LocalOwner},
		{"Other cookie name", "elsewhere", signToken(t, "k1", key, jwt.MapClaims{"email": "pat@example.com", "exp": exp}), LocalOwner},
		{"Expired", defaultAuthCookieName, signToken(t, "k1", key, jwt.MapClaims{"email": "pat@example.com", "exp": time.Now().Add(-time.Hour).Unix()}), LocalOwner},
		{"Wrong key", defaultAuthCookieName, signToken(t, "k1", other, jwt.MapClaims{"email": "pat@example.com", "exp": exp}), LocalOwner},
		{"Unknown kid", defaultAuthCookieName, signToken(t, "k2", key, jwt.MapClaims{"email": "pat@example.com", "exp": exp}), LocalOwner},
		{"Missing email", defaultAuthCookieName, signToken(t, "k1", key, jwt.MapClaims{"sub": "123", "exp": exp}), LocalOwner},
		{"Garbage", defaultAuthCookieName, "not-a-jwt", LocalOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest("GET", "/api/me", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tt.cookie, Value: tt.token})
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if seen != tt.want {
				t.Errorf("owner = %q, want %q", seen, tt.want)
			}
		})
	}

	// Unknown kids do not trigger a refetch inside the refresh window.
	if hits.Load() != 1 {
		t.Errorf("JWKS fetched %d times, want 1", hits.Load())
	}
}

func TestJWTAuthRejectsHMAC(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := jwksServer(t, "k1", key)
	ring := &keyring{url: jwks.URL}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "pat@example.com"})
	tok.Header["kid"] = "k1"
	s, _ := tok.SignedString([]byte("secret"))
	if _, err := jwt.Parse(s, ring.keyFunc(t.Context())); err == nil {
		t.Error("HS256 token accepted")
	}
}

func TestKeyringWithoutURL(t *testing.T) {
	ring := &keyring{}
	if err := ring.refresh(t.Context()); err != errNoJWKS {
		t.Errorf("refresh() = %v, want errNoJWKS", err)
	}
	if _, err := ring.lookup(t.Context(), "k1"); err == nil {
		t.Error("lookup succeeded without keys")
	}
}

func TestOwnerHelpers(t *testing.T) {
	if got := normalizeEmail("  Mixed@Case.COM "); got != "mixed@case.com" {
		t.Errorf("normalizeEmail = %q", got)
	}
	for in, want := range map[string]string{
		"user@example.com": "u***@example.com",
		"":                 "<empty>",
		LocalOwner:         LocalOwner,
		"broken":           "****",
	} {
		if got := maskEmail(in); got != want {
			t.Errorf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}

	req := httptest.NewRequest("GET", "/", nil)
	if owner, ok := ownerFromRequest(req, true); ok || owner != "" {
		t.Errorf("anonymous with requireAuth = %q, %v", owner, ok)
	}
	if owner, ok := ownerFromRequest(req, false); !ok || owner != LocalOwner {
		t.Errorf("anonymous = %q, %v", owner, ok)
	}

	signedIn := req.WithContext(context.WithValue(req.Context(), userIDKey, "pat@example.com"))
	if owner, ok := ownerFromRequest(signedIn, true); !ok || owner != "pat@example.com" {
		t.Errorf("signed in = %q, %v", owner, ok)
	}
	bogus := req.WithContext(context.WithValue(req.Context(), userIDKey, "../wallets"))
	if owner, ok := ownerFromRequest(bogus, false); ok || owner != "" {
		t.Errorf("invalid user ID = %q, %v", owner, ok)
	}
}
