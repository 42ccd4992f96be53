package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultSessionTTL = 12 * time.Hour

// SessionClaims is the payload of a gateway session token.
type SessionClaims struct {
	UserID uuid.UUID  `json:"uid"`
	OrgID  *uuid.UUID `json:"org,omitempty"`
	Email  string     `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates short-lived HS256 session tokens for
// SSO-authenticated users.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewSessionManager(secret string, ttl time.Duration) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("auth: session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{secret: []byte(secret), ttl: ttl, issuer: "modelriver"}, nil
}

// Issue creates a signed session token for the user.
func (m *SessionManager) Issue(userID uuid.UUID, orgID *uuid.UUID, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		OrgID:  orgID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token.
func (m *SessionManager) Validate(token string) (*SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid session token")
	}
	return &claims, nil
}
