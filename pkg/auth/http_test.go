package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestVerifyHS256Token(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	secret := "hub-secret"
	token := signHS256(t, secret, map[string]any{
		"sub":   "alice",
		"roles": []string{"researcher"},
		"iss":   "https://idp.example.edu",
		"aud":   "researchhub",
		"exp":   now.Add(time.Hour).Unix(),
	})

	claims, err := VerifyHS256Token(token, secret, now, "https://idp.example.edu", "researchhub")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice" {
		t.Fatalf("expected sub alice, got %q", claims.Sub)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "researcher" {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestVerifyHS256TokenRejections(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	secret := "hub-secret"
	valid := map[string]any{"sub": "alice", "exp": now.Add(time.Hour).Unix()}

	tests := []struct {
		name     string
		token    string
		secret   string
		issuer   string
		audience string
	}{
		{"wrong_secret", signHS256(t, "other", valid), secret, "", ""},
		{"expired", signHS256(t, secret, map[string]any{"sub": "alice", "exp": now.Add(-time.Hour).Unix()}), secret, "", ""},
		{"exactly_at_expiry", signHS256(t, secret, map[string]any{"sub": "alice", "exp": now.Unix()}), secret, "", ""},
		{"not_yet_active", signHS256(t, secret, map[string]any{"sub": "alice", "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()}), secret, "", ""},
		{"missing_sub", signHS256(t, secret, map[string]any{"exp": now.Add(time.Hour).Unix()}), secret, "", ""},
		{"issuer_mismatch", signHS256(t, secret, valid), secret, "https://idp.example.edu", ""},
		{"audience_mismatch", signHS256(t, secret, valid), secret, "", "researchhub"},
		{"garbage", "not.a.token", secret, "", ""},
		{"empty_secret", signHS256(t, secret, valid), "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyHS256Token(tt.token, tt.secret, now, tt.issuer, tt.audience); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestRolesSingleStringClaim(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	token := signHS256(t, "s", map[string]any{"sub": "bob", "roles": "admin", "exp": now.Add(time.Hour).Unix()})
	claims, err := VerifyHS256Token(token, "s", now, "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("expected single role admin, got %v", claims.Roles)
	}
}

func TestMiddlewareOffMode(t *testing.T) {
	var got Principal
	handler := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if got.Subject != "anonymous" {
		t.Fatalf("expected anonymous principal, got %+v", got)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Debug-User", "carol")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got.Subject != "carol" {
		t.Fatalf("expected debug principal carol, got %+v", got)
	}
}

func TestMiddlewareHS256(t *testing.T) {
	secret := "hub-secret"
	var got Principal
	handler := Middleware("oidc_hs256", secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	// Valid token.
	token := signHS256(t, secret, map[string]any{
		"sub":   "alice",
		"roles": []string{"researcher"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got.Subject != "alice" {
		t.Fatalf("expected principal alice, got %+v", got)
	}

	// Tampered token.
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token, got %d", rr.Code)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Subject: "alice", Roles: []string{"Researcher", "pi"}}
	if !HasAnyRole(p, "researcher") {
		t.Fatal("role match must be case-insensitive")
	}
	if !HasAnyRole(p) {
		t.Fatal("no required roles means allowed")
	}
	if HasAnyRole(p, "admin") {
		t.Fatal("missing role must not match")
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	headerJSON, _ := json.Marshal(map[string]string{"alg": "RS256", "kid": kid})
	header := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadJSON, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	h := sha256.Sum256([]byte(header + "." + payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestVerifyRS256TokenWithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := map[string]any{
		"keys": []map[string]string{{
			"kid": "kid-1",
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	cache := newJWKSCache(srv.URL, time.Second)
	token := signRS256(t, key, "kid-1", map[string]any{
		"sub": "alice",
		"exp": now.Add(time.Hour).Unix(),
	})

	claims, err := VerifyRS256Token(token, now, cache, "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice" {
		t.Fatalf("expected sub alice, got %q", claims.Sub)
	}

	// Unknown kid is rejected.
	bad := signRS256(t, key, "kid-2", map[string]any{"sub": "alice", "exp": now.Add(time.Hour).Unix()})
	if _, err := VerifyRS256Token(bad, now, cache, "", ""); err == nil {
		t.Fatal("expected unknown kid rejection")
	}
}
