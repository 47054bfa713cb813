package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"connect-relay/internal/models"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const jwksRefreshInterval = 24 * time.Hour

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWKSAuthenticator verifies RS256 tokens against an identity provider's
// published key set.
type JWKSAuthenticator struct {
	issuer     string
	httpClient *http.Client
	logger     *zap.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// NewJWKSAuthenticator fetches the key set once and fails if it cannot.
func NewJWKSAuthenticator(issuerURL string, logger *zap.Logger) (*JWKSAuthenticator, error) {
	a := &JWKSAuthenticator{
		issuer:     strings.TrimSuffix(issuerURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       make(map[string]*rsa.PublicKey),
	}
	if err := a.refresh(); err != nil {
		return nil, err
	}
	return a, nil
}

// KeepFresh refreshes the key set every 24 hours until ctx is done.
func (a *JWKSAuthenticator) KeepFresh(ctx context.Context) {
	ticker := time.NewTicker(jwksRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.refresh(); err != nil {
				a.logger.Error("[AUTH] Error refreshing JWKS", zap.Error(err))
			} else {
				a.logger.Info("[AUTH] JWKS refreshed successfully")
			}
		}
	}
}

func (a *JWKSAuthenticator) refresh() error {
	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", a.issuer)
	a.logger.Info("[AUTH] Fetching JWKS", zap.String("url", jwksURL))

	resp, err := a.httpClient.Get(jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		publicKey, err := jwkToPublicKey(k)
		if err != nil {
			a.logger.Warn("[AUTH] Skipping unusable JWK", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = publicKey
	}

	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()

	a.logger.Info("[AUTH] JWKS loaded", zap.Int("keys", len(keys)))
	return nil
}

func (a *JWKSAuthenticator) Authenticate(credential string) (models.Principal, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if tokenString == "" {
		return models.Principal{}, unauthorized(errors.New("token is empty"))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return a.publicKey(kid)
	}, jwt.WithIssuer(a.issuer))
	if err != nil {
		return models.Principal{}, unauthorized(fmt.Errorf("failed to parse token: %w", err))
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Principal{}, unauthorized(errors.New("invalid token claims"))
	}

	return claims.principal()
}

func (a *JWKSAuthenticator) publicKey(kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if key, ok := a.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

// jwkToPublicKey converts JWK to RSA public key
func jwkToPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
