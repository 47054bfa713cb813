package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connect-relay/internal/models"
	"connect-relay/internal/rooms"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for every credential that cannot be turned
// into a principal. The cause is wrapped for logging.
var ErrUnauthorized = errors.New("Unauthorized")

// Authenticator validates a bearer credential once per connection.
type Authenticator interface {
	Authenticate(credential string) (models.Principal, error)
}

// Claims carried by tokens issued by the community backend.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Role   string `json:"role"`
}

func (c *Claims) principal() (models.Principal, error) {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return models.Principal{}, unauthorized(errors.New("token carries no user id"))
	}
	if !rooms.ValidUserID(id) {
		return models.Principal{}, unauthorized(fmt.Errorf("user id %q contains a pair separator", id))
	}

	role := c.Role
	switch role {
	case models.RoleAdmin, models.RoleResident:
	case "":
		role = models.RoleResident
	default:
		return models.Principal{}, unauthorized(fmt.Errorf("unknown role %q", role))
	}

	return models.Principal{ID: id, Role: role}, nil
}

func unauthorized(cause error) error {
	return fmt.Errorf("%w: %v", ErrUnauthorized, cause)
}

// HMACAuthenticator verifies HS256 tokens signed with a shared secret.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Authenticate(credential string) (models.Principal, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if tokenString == "" {
		return models.Principal{}, unauthorized(errors.New("token is empty"))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Principal{}, unauthorized(fmt.Errorf("failed to parse token: %w", err))
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Principal{}, unauthorized(errors.New("invalid token claims"))
	}

	return claims.principal()
}

// IssueToken signs an HS256 token in the format HMACAuthenticator accepts.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Role:   role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ExtractCredential pulls the bearer credential from a handshake or API
// request: the "token" query field first, then the Authorization header.
func ExtractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}

	return ""
}
