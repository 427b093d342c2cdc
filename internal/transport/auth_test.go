package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
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

	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/model"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "careportal",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"email":     "user@example.com",
		"roles":     []string{"patient"},
		"iss":       "https://auth.example.com",
		"aud":       "careportal",
		"exp":       jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

// --- JWKSClient tests ---

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwks := startJWKSServer(t, rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey))

	client := NewJWKSClient(jwks.URL, 1*time.Hour)
	key, err := client.GetKey("rsa-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}
	if pubKey.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Error("RSA modulus mismatch")
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	ecKey := generateECKey(t)
	jwks := startJWKSServer(t, ecKeyToJWK("ec-key-1", &ecKey.PublicKey))

	client := NewJWKSClient(jwks.URL, 1*time.Hour)
	key, err := client.GetKey("ec-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *ecdsa.PublicKey", key)
	}
	if pubKey.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Error("EC X coordinate mismatch")
	}
}

func TestJWKSClient_GetKey_unknown(t *testing.T) {
	jwks := startJWKSServer(t) // empty JWKS
	client := NewJWKSClient(jwks.URL, 1*time.Hour)
	_, err := client.GetKey("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		rsaKey := generateRSAKey(t)
		keys := []map[string]any{rsaKeyToJWK("cached-key", &rsaKey.PublicKey)}
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, 1*time.Hour)
	client.minRefresh = 0 // allow rapid refresh for test

	client.GetKey("cached-key")
	client.GetKey("cached-key")

	if callCount != 1 {
		t.Errorf("JWKS fetched %d times, want 1 (should be cached)", callCount)
	}
}

func TestJWKSClient_skipsUnusableKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	encKey := rsaKeyToJWK("enc-key", &rsaKey.PublicKey)
	encKey["use"] = "enc"
	jwks := startJWKSServer(t,
		map[string]any{"kid": "broken", "kty": "RSA", "n": "!!", "e": "AQAB"},
		map[string]any{"kid": "odd", "kty": "oct", "k": "c2VjcmV0"},
		encKey,
		rsaKeyToJWK("good", &rsaKey.PublicKey),
	)

	client := NewJWKSClient(jwks.URL, time.Hour)
	if _, err := client.GetKey("good"); err != nil {
		t.Fatalf("GetKey(good): %v", err)
	}
	for _, kid := range []string{"broken", "odd", "enc-key"} {
		if _, err := client.GetKey(kid); err == nil {
			t.Errorf("GetKey(%s) should fail", kid)
		}
	}
}

func TestJWKSClient_servesCachedKeyWhenRefreshFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{rsaKeyToJWK("k", &rsaKey.PublicKey)}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Nanosecond)
	client.minRefresh = 0
	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("first GetKey: %v", err)
	}

	fail.Store(true)
	time.Sleep(time.Millisecond)
	if _, err := client.GetKey("k"); err != nil {
		t.Errorf("GetKey with failing endpoint = %v, want cached key", err)
	}
}

func TestJWKSClient_multipleKeys(t *testing.T) {
	rsaKey1 := generateRSAKey(t)
	rsaKey2 := generateRSAKey(t)
	jwks := startJWKSServer(t,
		rsaKeyToJWK("key-1", &rsaKey1.PublicKey),
		rsaKeyToJWK("key-2", &rsaKey2.PublicKey),
	)

	client := NewJWKSClient(jwks.URL, 1*time.Hour)

	k1, err := client.GetKey("key-1")
	if err != nil {
		t.Fatalf("GetKey(key-1): %v", err)
	}
	k2, err := client.GetKey("key-2")
	if err != nil {
		t.Fatalf("GetKey(key-2): %v", err)
	}
	if k1.(*rsa.PublicKey).N.Cmp(k2.(*rsa.PublicKey).N) == 0 {
		t.Error("keys should be different")
	}
}

// --- JWTAuthenticator tests ---

// bearer builds a request carrying token as a bearer credential.
func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/portal/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestJWTAuthenticator_patientTokenReachesRequestContext(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("portal-2026", &rsaKey.PublicKey))
	cfg := testIdentityCfg()

	var got *model.RequestContext
	chain := JWTAuthenticator(cfg, NewJWKSClient(jwksSrv.URL, time.Hour))(
		BuildRequestContextMiddleware(cfg.ClaimPaths)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			})))

	w := httptest.NewRecorder()
	chain.ServeHTTP(w, bearer(signJWT(t, rsaKey, jwt.SigningMethodRS256, "portal-2026", validClaims())))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got == nil {
		t.Fatal("request context missing")
	}
	if got.SubjectID != "user-1" || got.TenantID != "tenant-1" {
		t.Errorf("subject/tenant = %q/%q, want user-1/tenant-1", got.SubjectID, got.TenantID)
	}
	if len(got.Roles) != 1 || got.Roles[0] != model.RolePatient {
		t.Errorf("roles = %v, want [patient]", got.Roles)
	}
}

func TestJWTAuthenticator_accepts(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	jwksSrv := startJWKSServer(t,
		rsaKeyToJWK("rsa", &rsaKey.PublicKey),
		ecKeyToJWK("ec", &ecKey.PublicKey),
	)

	tests := []struct {
		name   string
		key    any
		method jwt.SigningMethod
		kid    string
		mutate func(jwt.MapClaims)
	}{
		{name: "RS256", key: rsaKey, method: jwt.SigningMethodRS256, kid: "rsa"},
		{name: "ES256", key: ecKey, method: jwt.SigningMethodES256, kid: "ec"},
		{
			// 15 seconds past expiry is inside the 30s leeway.
			name: "within clock skew", key: rsaKey, method: jwt.SigningMethodRS256, kid: "rsa",
			mutate: func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			handler := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(jwksSrv.URL, time.Hour))(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if ClaimsFrom(r.Context())["sub"] != "user-1" {
						t.Error("claims not propagated")
					}
					w.WriteHeader(http.StatusOK)
				}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, bearer(signJWT(t, tt.key, tt.method, tt.kid, claims)))
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestJWTAuthenticator_rejects(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("rsa", &rsaKey.PublicKey))

	sign := func(kid string, mutate func(jwt.MapClaims)) string {
		claims := validClaims()
		if mutate != nil {
			mutate(claims)
		}
		return signJWT(t, rsaKey, jwt.SigningMethodRS256, kid, claims)
	}

	tests := []struct {
		name       string
		req        *http.Request
		algorithms []string
	}{
		{name: "no authorization header", req: httptest.NewRequest(http.MethodGet, "/", nil)},
		{name: "basic credentials", req: func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Basic cGF0OnNlY3JldA==")
			return r
		}()},
		{name: "malformed token", req: bearer("not.a.jwt")},
		{name: "expired", req: bearer(sign("rsa", func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}))},
		{name: "missing exp", req: bearer(sign("rsa", func(c jwt.MapClaims) { delete(c, "exp") }))},
		{name: "foreign issuer", req: bearer(sign("rsa", func(c jwt.MapClaims) {
			c["iss"] = "https://idp.other-clinic.example"
		}))},
		{name: "foreign audience", req: bearer(sign("rsa", func(c jwt.MapClaims) { c["aud"] = "billing" }))},
		{name: "unknown kid", req: bearer(sign("rotated-away", nil))},
		{name: "algorithm not allowed", req: bearer(sign("rsa", nil)), algorithms: []string{"ES256"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.algorithms != nil {
				cfg.Algorithms = tt.algorithms
			}
			jwks := NewJWKSClient(jwksSrv.URL, time.Hour)
			jwks.minRefresh = 0
			handler := JWTAuthenticator(cfg, jwks)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler called for rejected token")
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestClassifyJWTError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{jwt.ErrTokenExpired, "Token expired"},
		{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
		{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
		{jwt.ErrTokenUnverifiable, "Unknown signing key"},
		{jwt.ErrTokenSignatureInvalid, "Invalid token signature"},
		{jwt.ErrTokenMalformed, "Invalid token"},
	}
	for _, tt := range tests {
		if got := classifyJWTError(tt.err); got != tt.want {
			t.Errorf("classifyJWTError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// --- extractClaim tests ---

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"admin", "viewer"},
		},
		"sub": "user-1",
	}

	// Simple path
	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}

	// Nested path
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("realm_access.roles = %v, want [admin viewer]", roles)
	}

	// Missing path
	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}

	// Nil claims
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
