// Package token mints and verifies signed attendance credentials.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Version is embedded in every credential as the "ver" claim.
const Version = 1

var (
	ErrExpired   = errors.New("credential expired")
	ErrMalformed = errors.New("credential malformed")
	ErrInvalid   = errors.New("credential invalid")
)

// Claims is the payload of a signed credential.
type Claims struct {
	SessionID  string `json:"sid"`
	Version    int    `json:"ver"`
	Department string `json:"dept,omitempty"`
	Year       string `json:"year,omitempty"`
	jwt.RegisteredClaims
}

type MintParams struct {
	SessionID  string
	Window     time.Duration
	Department string
	Year       string
}

type Minted struct {
	Credential string
	TokenID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type Codec struct {
	secret []byte
	now    func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for minting and verification.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mint signs a new credential for the session. ExpiresAt is exact; the exp
// claim is rounded up to the next whole second, so holders of the token
// record enforce the sub-second instant themselves.
func (c *Codec) Mint(p MintParams) (Minted, error) {
	if p.SessionID == "" {
		return Minted{}, fmt.Errorf("mint: session id is required")
	}
	if p.Window < time.Second {
		return Minted{}, fmt.Errorf("mint: window must be at least one second, got %s", p.Window)
	}

	issuedAt := c.now()
	expiresAt := issuedAt.Add(p.Window)
	tokenID := NewTokenID(p.SessionID, issuedAt)

	claims := Claims{
		SessionID:  p.SessionID,
		Version:    Version,
		Department: p.Department,
		Year:       p.Year,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(expiresAt)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("sign credential: %w", err)
	}

	return Minted{
		Credential: signed,
		TokenID:    tokenID,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	}, nil
}

// Verify checks signature, algorithm and expiry. A credential with a valid
// signature whose exp has passed yields ErrExpired.
func (c *Codec) Verify(credential string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if claims.ID == "" || claims.SessionID == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalid)
	}
	if claims.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, claims.Version)
	}
	return claims, nil
}

func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// NewTokenID builds "<sessionId>-<unix millis>-<8 hex>".
func NewTokenID(sessionID string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", sessionID, now.UnixMilli(), randomSuffix())
}

// NewSessionID builds "S_<unix millis>-<8 hex>".
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("S_%d-%s", now.UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// LooksSigned reports whether scanner input is a signed credential rather
// than a short code. Short codes never contain a dot.
func LooksSigned(input string) bool {
	return strings.Contains(input, ".")
}
