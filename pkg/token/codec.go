// Package token signs and verifies the short-lived access tokens and
// longer-lived refresh tokens issued by the authentication core.
//
// Tokens are HMAC-SHA256 JWTs. The codec holds a list of secret keys to
// support zero-downtime rotation: the first key signs all new tokens, and
// every key is tried in order when verifying, so tokens signed under an
// older key stay valid until they expire naturally.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingMethod = "HS256"

// Token type markers carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrExpired indicates a well-formed token whose signature verified but
	// whose expiry claim has passed. The caller's remedy is a refresh.
	ErrExpired = errors.New("token has expired")

	// ErrInvalid indicates a malformed token or one whose signature did not
	// verify under any configured key.
	ErrInvalid = errors.New("could not validate token")
)

// IdentityClaim is one (external id, provider) pair embedded in an access
// token.
type IdentityClaim struct {
	ID       string `json:"id"`
	Provider string `json:"idp"`
}

// AccessClaims is the payload of an access token. It carries enough to
// reconstruct the principal and its identities without a database hit;
// scopes are still recomputed fresh from the access policy on every request.
type AccessClaims struct {
	SubjectType string          `json:"sub_typ"`
	Identities  []IdentityClaim `json:"ids"`
	Scopes      []string        `json:"scp"`
	TokenType   string          `json:"type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. It deliberately carries
// no scope information: every refresh recomputes scopes from the access
// policy rather than trusting a stale snapshot.
type RefreshClaims struct {
	TokenType string `json:"type"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a rotating key list.
type Codec struct {
	keys []string
}

// NewCodec builds a codec. At least one key is required; the first key is
// used for signing.
func NewCodec(keys []string) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one secret key is required")
	}
	for _, k := range keys {
		if k == "" {
			return nil, errors.New("secret keys must not be empty")
		}
	}
	return &Codec{keys: keys}, nil
}

// EncodeAccess signs an access token for the given subject.
func (c *Codec) EncodeAccess(subjectUUID, subjectType string, identities []IdentityClaim, scopes []string, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		SubjectType: subjectType,
		Identities:  identities,
		Scopes:      scopes,
		TokenType:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectUUID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl).Truncate(time.Second)),
		},
	}
	return c.sign(claims)
}

// EncodeRefresh signs a refresh token referencing the given session.
func (c *Codec) EncodeRefresh(sessionUUID string, ttl time.Duration) (string, error) {
	claims := RefreshClaims{
		TokenType: TypeRefresh,
		SessionID: sessionUUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl).Truncate(time.Second)),
		},
	}
	return c.sign(claims)
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(c.keys[0]))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// DecodeAccess verifies an access token. Expiry and signature failures are
// reported as the distinct ErrExpired and ErrInvalid kinds.
func (c *Codec) DecodeAccess(raw string) (*AccessClaims, error) {
	var out *AccessClaims
	err := c.decode(raw, func() jwt.Claims {
		out = &AccessClaims{}
		return out
	})
	if err != nil {
		return nil, err
	}
	if out.TokenType != TypeAccess {
		return nil, ErrInvalid
	}
	return out, nil
}

// DecodeRefresh verifies a refresh token.
func (c *Codec) DecodeRefresh(raw string) (*RefreshClaims, error) {
	var out *RefreshClaims
	err := c.decode(raw, func() jwt.Claims {
		out = &RefreshClaims{}
		return out
	})
	if err != nil {
		return nil, err
	}
	if out.TokenType != TypeRefresh || out.SessionID == "" {
		return nil, ErrInvalid
	}
	return out, nil
}

// decode tries each key in order. A token that verifies but is past its
// expiry stops the rotation immediately: no other key can make it younger.
func (c *Codec) decode(raw string, newClaims func() jwt.Claims) error {
	for _, key := range c.keys {
		_, err := jwt.ParseWithClaims(raw, newClaims(), func(t *jwt.Token) (interface{}, error) {
			return []byte(key), nil
		}, jwt.WithValidMethods([]string{signingMethod}))
		if err == nil {
			return nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		// Signature mismatch or malformed under this key; try the next one.
	}
	return ErrInvalid
}
