package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connect-relay/internal/models"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func TestHMACAuthenticator_ValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "u1", models.RoleAdmin, time.Hour)
	require.NoError(t, err)

	p, err := NewHMACAuthenticator(testSecret).Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.True(t, p.IsAdmin())
}

func TestHMACAuthenticator_BearerPrefix(t *testing.T) {
	token, err := IssueToken(testSecret, "u1", "", time.Hour)
	require.NoError(t, err)

	p, err := NewHMACAuthenticator(testSecret).Authenticate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleResident, p.Role, "missing role defaults to resident")
}

func TestHMACAuthenticator_Rejects(t *testing.T) {
	expired, err := IssueToken(testSecret, "u1", models.RoleResident, -time.Minute)
	require.NoError(t, err)

	wrongSecret, err := IssueToken("other", "u1", models.RoleResident, time.Hour)
	require.NoError(t, err)

	noID, err := IssueToken(testSecret, "", models.RoleResident, time.Hour)
	require.NoError(t, err)

	badRole, err := IssueToken(testSecret, "u1", "root", time.Hour)
	require.NoError(t, err)

	dashedID, err := IssueToken(testSecret, "a-b", models.RoleResident, time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong secret": wrongSecret,
		"no id":        noID,
		"bad role":     badRole,
		"dashed id":    dashedID,
	}

	a := NewHMACAuthenticator(testSecret)
	for name, credential := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(credential)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestHMACAuthenticator_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{UserID: "u1", Role: models.RoleAdmin}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewHMACAuthenticator(testSecret).Authenticate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExtractCredential(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "abc", ExtractCredential(r), "query field wins")

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", ExtractCredential(r))

	for _, scheme := range []string{"bearer", "BEARER"} {
		r = httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", scheme+" header-token")
		assert.Equal(t, "header-token", ExtractCredential(r), scheme)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractCredential(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, ExtractCredential(r))
}

func TestJWKSAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		set := jwkSet{Keys: []jwk{{
			Kid: "k1",
			Kty: "RSA",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()
	issuer := srv.URL

	a, err := NewJWKSAuthenticator(issuer, zap.NewNop())
	require.NoError(t, err)

	signAs := func(subject, iss, kid string) string {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				Issuer:    iss,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role: models.RoleAdmin,
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}
	sign := func(iss, kid string) string { return signAs("kinde_user", iss, kid) }

	p, err := a.Authenticate(sign(issuer, "k1"))
	require.NoError(t, err)
	assert.Equal(t, "kinde_user", p.ID, "subject is used when id claim is absent")
	assert.Equal(t, models.RoleAdmin, p.Role)

	_, err = a.Authenticate(sign("https://elsewhere.example", "k1"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(sign(issuer, "unknown"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(signAs("3f2b8c1e-9d4a-4b7e-8f00-1c2d3e4f5a6b", issuer, "k1"))
	assert.ErrorIs(t, err, ErrUnauthorized, "ids containing the pair separator are rejected")

	hmacToken, err := IssueToken(testSecret, "u1", models.RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(hmacToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewJWKSAuthenticator_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewJWKSAuthenticator(srv.URL, zap.NewNop())
	assert.Error(t, err)
}
