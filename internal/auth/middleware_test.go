package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditsystem/internal/logging"
	"creditsystem/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEnsurer struct {
	accounts map[string]*model.Account
	err      error
	calls    int
}

func newFakeEnsurer() *fakeEnsurer {
	return &fakeEnsurer{accounts: map[string]*model.Account{}}
}

func (f *fakeEnsurer) EnsureFromClaims(_ context.Context, subject, email, name string) (*model.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.accounts[subject]
	if !ok {
		acct = &model.Account{AuthSubject: subject}
		f.accounts[subject] = acct
	}
	if email != "" {
		acct.Email = email
	}
	if name != "" {
		acct.Name = name
	}
	return acct, nil
}

func newProtectedRouter(verifier TokenVerifier, ensurer AccountEnsurer, cfg MiddlewareConfig) *gin.Engine {
	router := gin.New()
	router.Use(Middleware(verifier, ensurer, cfg, logging.Nop()))
	router.GET("/protected", func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c.Request.Context())
		if !ok || claims.Subject == "" || AccountID(c) != claims.Subject {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, AccountID(c))
	})
	router.GET("/admin", RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doGet(router http.Handler, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareRejectsMissingOrMalformedHeader(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	ensurer := newFakeEnsurer()
	router := newProtectedRouter(verifier, ensurer, MiddlewareConfig{})

	assert.Equal(t, http.StatusUnauthorized, doGet(router, "/protected", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(router, "/protected", "Token abc").Code)
	assert.Equal(t, 0, ensurer.calls)
}

func TestMiddlewareInvalidSignature(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	badKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := signToken(t, badKey, "test-key", verifier.issuer, verifier.audience, nil)
	router := newProtectedRouter(verifier, newFakeEnsurer(), MiddlewareConfig{})
	assert.Equal(t, http.StatusUnauthorized, doGet(router, "/protected", "Bearer "+token).Code)
}

func TestMiddlewareWrongAudience(t *testing.T) {
	verifier, key := newTestVerifier(t)
	token := signToken(t, key, "test-key", verifier.issuer, "https://other.example", nil)
	router := newProtectedRouter(verifier, newFakeEnsurer(), MiddlewareConfig{})
	assert.Equal(t, http.StatusUnauthorized, doGet(router, "/protected", "Bearer "+token).Code)
}

func TestMiddlewareValidTokenEnsuresAccount(t *testing.T) {
	verifier, key := newTestVerifier(t)
	ensurer := newFakeEnsurer()
	token := signToken(t, key, "test-key", verifier.issuer, verifier.audience, map[string]any{
		"https://api.example/email": "user@example.com",
	})
	router := newProtectedRouter(verifier, ensurer, MiddlewareConfig{})

	resp := doGet(router, "/protected", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "user-123", resp.Body.String())
	assert.Equal(t, "user@example.com", ensurer.accounts["user-123"].Email)
}

func TestMiddlewareRequiredScope(t *testing.T) {
	verifier, key := newTestVerifier(t)
	token := signToken(t, key, "test-key", verifier.issuer, verifier.audience, nil)
	router := newProtectedRouter(verifier, newFakeEnsurer(), MiddlewareConfig{RequireScopes: []string{"write:credits"}})
	assert.Equal(t, http.StatusForbidden, doGet(router, "/protected", "Bearer "+token).Code)
}

func TestMiddlewareEnsureFailure(t *testing.T) {
	ensurer := newFakeEnsurer()
	ensurer.err = errors.New("db down")
	router := newProtectedRouter(nil, ensurer, MiddlewareConfig{DisableAuth: true})
	assert.Equal(t, http.StatusInternalServerError, doGet(router, "/protected", "").Code)
}

func TestMiddlewareDisabledUsesLocalSubject(t *testing.T) {
	router := newProtectedRouter(nil, newFakeEnsurer(), MiddlewareConfig{DisableAuth: true})
	resp := doGet(router, "/protected", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, localDevSubject, resp.Body.String())
}

func TestRequireAdminUsesStoredRole(t *testing.T) {
	ensurer := newFakeEnsurer()
	router := newProtectedRouter(nil, ensurer, MiddlewareConfig{DisableAuth: true})

	assert.Equal(t, http.StatusForbidden, doGet(router, "/admin", "").Code)

	ensurer.accounts[localDevSubject].IsAdmin = true
	assert.Equal(t, http.StatusOK, doGet(router, "/admin", "").Code)
}

func newTestVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := newJWKS(key, "test-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	verifier, err := NewVerifier(ctx, "https://example.auth0.com", "https://api.example", server.URL)
	require.NoError(t, err)
	return verifier, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, issuer, audience string, extra map[string]any) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"aud":   audience,
		"sub":   "user-123",
		"scope": "read:me",
		"exp":   now.Add(10 * time.Minute).Unix(),
		"iat":   now.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	tokenString, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenString
}

type jwksPayload struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKS(key *rsa.PrivateKey, kid string) jwksPayload {
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	return jwksPayload{Keys: []jwk{{Kty: "RSA", Kid: kid, Use: "sig", Alg: "RS256", N: n, E: e}}}
}

func TestHasScopes(t *testing.T) {
	assert.True(t, hasScopes("read:me write:me", []string{"read:me"}))
	assert.False(t, hasScopes("read:me", []string{"write:me"}))
	assert.False(t, hasScopes("", []string{"read:me"}))
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := extractBearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	for _, h := range []string{"Bearer", "Token abc", "", "Bearer   "} {
		_, ok := extractBearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestReadNamespacedClaims(t *testing.T) {
	claims := jwt.MapClaims{"https://app.example/name": "Ada", "email": "a@example.com"}
	assert.Equal(t, "Ada", readNamespaced(claims, "name"))
	assert.Equal(t, "a@example.com", readNamespaced(claims, "email"))
	assert.Equal(t, "", readNamespaced(claims, "picture"))
}
