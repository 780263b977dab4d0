package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"portal-auth/internal/config"
	"portal-auth/internal/model"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the signed payload of an access token. Portal routing fields
// are snapshotted at issue time; the access gate re-evaluates live state
// on protected reads.
type Claims struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	PortalType string `json:"portal_type"`
	Company    string `json:"company,omitempty"`
	NDAStatus  string `json:"nda_status,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and parses signed access tokens. HS256 only; tokens
// signed with any other method are rejected outright.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
}

func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg.Token.SigningKey == "" {
		return nil, fmt.Errorf("token signing key is not configured")
	}

	return &Manager{
		secret: []byte(cfg.Token.SigningKey),
		issuer: cfg.Token.Issuer,
		ttl:    cfg.Token.TTL,
		leeway: cfg.Token.Leeway,
	}, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a fresh token for the identity and returns the compact
// token, its jti, and the expiry.
func (m *Manager) Issue(identity *model.Identity, now time.Time) (string, string, time.Time, error) {
	jti := uuid.New().String()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Email:      identity.Email,
		Name:       identity.Name,
		PortalType: string(identity.PortalType),
		Company:    identity.Company,
		NDAStatus:  string(identity.NDAStatus),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID.String(),
			Issuer:    m.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, jti, expiresAt, nil
}

// Parse validates the signature, method, and time claims, returning the
// claims. Any failure collapses to ErrTokenInvalid so callers cannot
// leak why a token was rejected.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(m.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}

	return claims, nil
}

// IdentityID extracts the subject as a UUID.
func (c *Claims) IdentityID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	return id, nil
}
