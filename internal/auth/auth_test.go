package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "shh-test-secret"

func signHS256(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user_123",
		Issuer:    "https://clerk.example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := OwnerFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(owner))
	})
}

func serve(t *testing.T, a Authenticator, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	Middleware(a, nil)(ownerEcho()).ServeHTTP(rec, req)
	return rec
}

func TestNoneModeUsesDevOwner(t *testing.T) {
	t.Parallel()

	a, err := New(Config{})
	require.NoError(t, err)
	rec := serve(t, a, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, DefaultDevOwner, rec.Body.String())

	a, err = New(Config{Mode: "none", DevOwner: "alice"})
	require.NoError(t, err)
	require.Equal(t, "alice", serve(t, a, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String())
}

func TestHeaderMode(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Mode: "header", Header: "x-user"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusUnauthorized, serve(t, a, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User", "bob")
	rec := serve(t, a, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bob", rec.Body.String())
}

func TestUnknownModeRejected(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Mode: "saml"})
	require.Error(t, err)
	_, err = New(Config{Mode: "jwt"})
	require.Error(t, err)
}

func TestJWTModeHMAC(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Mode: "jwt", JWTSecret: testSecret, Issuer: "https://clerk.example.com"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, validClaims()))
	rec := serve(t, a, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user_123", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: signHS256(t, validClaims())})
	require.Equal(t, http.StatusOK, serve(t, a, req).Code)
}

func TestJWTModeRejectsBadTokens(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Mode: "jwt", JWTSecret: testSecret, Issuer: "https://clerk.example.com", Audience: "firescrape"})
	require.NoError(t, err)

	expired := validClaims()
	expired.Audience = jwt.ClaimStrings{"firescrape"}
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims()
	wrongIssuer.Audience = jwt.ClaimStrings{"firescrape"}
	wrongIssuer.Issuer = "https://evil.example.com"

	noAudience := validClaims()

	noSubject := validClaims()
	noSubject.Audience = jwt.ClaimStrings{"firescrape"}
	noSubject.Subject = ""

	noExpiry := validClaims()
	noExpiry.Audience = jwt.ClaimStrings{"firescrape"}
	noExpiry.ExpiresAt = nil

	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other"))
	require.NoError(t, err)

	cases := map[string]string{
		"expired":      signHS256(t, expired),
		"wrong issuer": signHS256(t, wrongIssuer),
		"no audience":  signHS256(t, noAudience),
		"no subject":   signHS256(t, noSubject),
		"no expiry":    signHS256(t, noExpiry),
		"wrong key":    otherKey,
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		require.Equal(t, http.StatusUnauthorized, serve(t, a, req).Code, name)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	require.Equal(t, http.StatusUnauthorized, serve(t, a, req).Code)
}

func TestJWTModeRSA(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	a, err := New(Config{Mode: "jwt", JWTPublicKey: string(pubPEM)})
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(priv)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := serve(t, a, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user_123", rec.Body.String())

	// An HMAC token must not verify against an RSA key.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, validClaims()))
	require.Equal(t, http.StatusUnauthorized, serve(t, a, req).Code)

	_, err = New(Config{Mode: "jwt", JWTPublicKey: "not pem"})
	require.Error(t, err)
}
